package signals

import (
	"strconv"
	"strings"
	"time"
)

var routineDiagnosisPrefixes = []string{"Z00", "Z01", "Z02"}

// Minor diagnoses that rarely justify a high-complexity visit.
var minorDiagnosisPrefixes = []string{"Z00", "Z01", "Z02", "Z23", "J00", "J02", "J06", "R05", "H10"}

var highLevelEMCodes = map[string]bool{
	"99205": true,
	"99215": true,
	"99223": true,
	"99233": true,
	"99285": true,
}

var procedureKeywords = []string{
	"surgery", "surgical", "resection", "excision", "arthroscop", "laparoscop",
	"ectomy", "otomy", "plasty", "mri", "ct scan", "computed tomography",
	"x-ray", "xray", "imaging", "ultrasound", "pet scan", "angiogra",
}

var pregnancyKeywords = []string{"pregnan", "prenatal", "obstetric", "cesarean", "c-section", "gestation"}

var prostateDiagnosisPrefixes = []string{"C61", "N40", "N41", "N42"}

// Fixed-date US holidays as month/day.
var fixedHolidays = map[time.Month]map[int]bool{
	time.January:  {1: true},
	time.July:     {4: true},
	time.November: {11: true},
	time.December: {25: true},
}

func hasAnyPrefix(code string, prefixes []string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, p := range prefixes {
		if strings.HasPrefix(code, p) {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) (string, bool) {
	text = strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return k, true
		}
	}
	return "", false
}

// procedureCategory classifies a CPT code as surgical, imaging or other.
func procedureCategory(code string) string {
	if len(code) != 5 {
		return ""
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return ""
	}
	switch {
	case n >= 10000 && n <= 69999:
		return "surgical"
	case n >= 70000 && n <= 79999:
		return "imaging"
	default:
		return ""
	}
}

func isRoutineDiagnosis(code string) bool {
	return hasAnyPrefix(code, routineDiagnosisPrefixes)
}

func isMinorDiagnosis(code string) bool {
	return hasAnyPrefix(code, minorDiagnosisPrefixes)
}

func isPregnancyDiagnosis(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.HasPrefix(code, "O") || hasAnyPrefix(code, []string{"Z33", "Z34", "Z3A"})
}

func isProstateDiagnosis(code string) bool {
	return hasAnyPrefix(code, prostateDiagnosisPrefixes)
}

func highLevelEM(codes []string) (string, bool) {
	for _, c := range codes {
		if highLevelEMCodes[strings.TrimSpace(c)] {
			return c, true
		}
	}
	return "", false
}

func isHoliday(t time.Time) bool {
	return fixedHolidays[t.Month()][t.Day()]
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ParseBundledPairs parses "A:B" entries into a symmetric lookup.
func ParseBundledPairs(pairs []string) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	add := func(a, b string) {
		if out[a] == nil {
			out[a] = make(map[string]bool)
		}
		out[a][b] = true
	}
	for _, p := range pairs {
		a, b, ok := strings.Cut(p, ":")
		a, b = strings.TrimSpace(a), strings.TrimSpace(b)
		if !ok || a == "" || b == "" {
			continue
		}
		add(a, b)
		add(b, a)
	}
	return out
}
