package signals

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DetectPatterns runs every claim-level pattern detector.
// Indicator weights are left at zero; the aggregator assigns them.
func (c *Calculator) DetectPatterns(cc *domain.ClaimContext) []domain.FraudIndicator {
	if cc == nil || cc.Claim == nil {
		return nil
	}
	var out []domain.FraudIndicator
	for _, detect := range []func(*domain.ClaimContext) *domain.FraudIndicator{
		c.DetectDuplicateBilling,
		c.DetectUnbundling,
		DetectUpcoding,
		DetectClinicalAnomaly,
	} {
		if ind := detect(cc); ind != nil {
			ind.Source = domain.SourceDetector
			out = append(out, *ind)
		}
	}
	return out
}

// DetectDuplicateBilling flags prior member claims with the same diagnosis
// whose service dates or claim dates fall inside the duplicate window.
func (c *Calculator) DetectDuplicateBilling(cc *domain.ClaimContext) *domain.FraudIndicator {
	cl := cc.Claim
	if cl.DiagnosisCode == "" {
		return nil
	}
	service := serviceOrClaimDate(cl)

	var matches []string
	exact := false
	for _, h := range cc.MemberHistory {
		if h.ID == cl.ID || h.DiagnosisCode != cl.DiagnosisCode {
			continue
		}
		if !within(service, serviceOrClaimDate(h), c.duplicateWindow) &&
			!within(cl.ClaimDate, h.ClaimDate, c.duplicateWindow) {
			continue
		}
		matches = append(matches, h.ID)
		if h.Amount.Equal(cl.Amount) && sameDay(serviceOrClaimDate(h), service) {
			exact = true
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	return &domain.FraudIndicator{
		Type:        domain.IndicatorDuplicateBilling,
		Severity:    domain.SeverityHigh,
		Description: fmt.Sprintf("%d claim(s) with diagnosis %s within %d days", len(matches), cl.DiagnosisCode, int(c.duplicateWindow/day)),
		Evidence: map[string]any{
			"duplicateClaimIds": matches,
			"diagnosisCode":     cl.DiagnosisCode,
			"exact":             exact,
		},
	}
}

// within reports whether two set instants are at most window apart.
func within(a, b time.Time, window time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// DetectUnbundling flags services split across same-day claims from one
// provider, or bundled procedure pairs billed separately.
func (c *Calculator) DetectUnbundling(cc *domain.ClaimContext) *domain.FraudIndicator {
	cl := cc.Claim
	service := serviceOrClaimDate(cl)

	var sameDayClaims []string
	codes := map[string]bool{}
	for _, p := range cl.ProcedureCodes {
		codes[p] = true
	}
	for _, h := range cc.MemberHistory {
		if h.ID == cl.ID || h.ProviderID != cl.ProviderID || !sameDay(serviceOrClaimDate(h), service) {
			continue
		}
		sameDayClaims = append(sameDayClaims, h.ID)
		for _, p := range h.ProcedureCodes {
			codes[p] = true
		}
	}

	seen := map[string]bool{}
	var pairs []string
	for _, p := range cl.ProcedureCodes {
		for other := range c.bundled[p] {
			if !codes[other] {
				continue
			}
			key := p + ":" + other
			if other < p {
				key = other + ":" + p
			}
			if !seen[key] {
				seen[key] = true
				pairs = append(pairs, key)
			}
		}
	}
	sort.Strings(pairs)

	switch {
	case len(sameDayClaims) >= 3:
		return unbundlingIndicator(domain.SeverityHigh, sameDayClaims, pairs)
	case len(sameDayClaims) >= 2 || len(pairs) > 0:
		return unbundlingIndicator(domain.SeverityMedium, sameDayClaims, pairs)
	}
	return nil
}

func unbundlingIndicator(sev domain.Severity, claims, pairs []string) *domain.FraudIndicator {
	sort.Strings(claims)
	desc := fmt.Sprintf("%d other same-day claim(s) from the same provider", len(claims))
	if len(pairs) > 0 {
		desc = fmt.Sprintf("bundled procedures billed separately: %v", pairs)
	}
	return &domain.FraudIndicator{
		Type:        domain.IndicatorUnbundling,
		Severity:    sev,
		Description: desc,
		Evidence: map[string]any{
			"sameDayClaimIds": claims,
			"bundledPairs":    pairs,
		},
	}
}

// DetectUpcoding flags a high-complexity visit code billed for a minor diagnosis.
func DetectUpcoding(cc *domain.ClaimContext) *domain.FraudIndicator {
	cl := cc.Claim
	code, ok := highLevelEM(cl.ProcedureCodes)
	if !ok || !isMinorDiagnosis(cl.DiagnosisCode) {
		return nil
	}
	return &domain.FraudIndicator{
		Type:        domain.IndicatorUpcoding,
		Severity:    domain.SeverityMedium,
		Description: fmt.Sprintf("high-level visit %s billed for minor diagnosis %s", code, cl.DiagnosisCode),
		Evidence: map[string]any{
			"procedureCode": code,
			"diagnosisCode": cl.DiagnosisCode,
		},
	}
}

// DetectClinicalAnomaly flags diagnoses incompatible with the member's
// gender or age. It is skipped when the member record is absent.
func DetectClinicalAnomaly(cc *domain.ClaimContext) *domain.FraudIndicator {
	m := cc.Member
	if m == nil {
		return nil
	}
	cl := cc.Claim
	keyword, pregnancyText := containsAny(cl.Description, pregnancyKeywords)
	pregnancy := isPregnancyDiagnosis(cl.DiagnosisCode) || pregnancyText
	_, prostateText := containsAny(cl.Description, []string{"prostat"})
	prostate := isProstateDiagnosis(cl.DiagnosisCode) || prostateText
	age := m.AgeAt(serviceOrClaimDate(cl))

	var reason string
	switch {
	case pregnancy && m.Gender == "M":
		reason = "pregnancy-related service billed for a male member"
	case prostate && m.Gender == "F":
		reason = "prostate-related service billed for a female member"
	case pregnancy && age >= 0 && (age < 10 || age > 60):
		reason = fmt.Sprintf("pregnancy-related service billed for a member aged %d", age)
	default:
		return nil
	}
	return &domain.FraudIndicator{
		Type:        domain.IndicatorClinicalAnomaly,
		Severity:    domain.SeverityHigh,
		Description: reason,
		Evidence: map[string]any{
			"diagnosisCode": cl.DiagnosisCode,
			"gender":        m.Gender,
			"age":           age,
			"keyword":       keyword,
		},
	}
}
