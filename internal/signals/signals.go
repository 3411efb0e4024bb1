// Package signals computes per-dimension risk factors and detects
// claim-level fraud patterns. Everything here is pure and read-only.
package signals

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	day = 24 * time.Hour

	providerWindow     = 90 * day
	behaviorWindow     = 30 * day
	behaviorMinHistory = 60 * day
	intervalTolerance  = time.Minute
)

// Calculator computes factors and detects patterns for a ClaimContext.
type Calculator struct {
	frequencyThreshold int
	frequencyWindow    time.Duration
	duplicateWindow    time.Duration
	bundled            map[string]map[string]bool
}

// NewCalculator creates a calculator, filling unset values with defaults.
func NewCalculator(cfg domain.SignalConfig) *Calculator {
	c := &Calculator{
		frequencyThreshold: cfg.FrequencyThreshold,
		frequencyWindow:    cfg.FrequencyWindow,
		duplicateWindow:    cfg.DuplicateWindow,
		bundled:            ParseBundledPairs(cfg.BundledPairs),
	}
	if c.frequencyThreshold <= 0 {
		c.frequencyThreshold = 20
	}
	if c.frequencyWindow <= 0 {
		c.frequencyWindow = 30 * day
	}
	if c.duplicateWindow <= 0 {
		c.duplicateWindow = 7 * day
	}
	return c
}

// ComputeFactors returns all seven factors for the claim.
// Missing or insufficient data yields the neutral floor of 0.
func (c *Calculator) ComputeFactors(cc *domain.ClaimContext) domain.RiskFactorSet {
	f := domain.NewRiskFactorSet()
	if cc == nil || cc.Claim == nil {
		return f
	}
	f[domain.FactorFrequency] = c.frequency(cc)
	f[domain.FactorAmount] = amount(cc)
	f[domain.FactorProvider] = provider(cc)
	f[domain.FactorDiagnosis] = diagnosis(cc)
	f[domain.FactorGeographic] = geographic(cc)
	f[domain.FactorTemporal] = temporal(cc)
	f[domain.FactorBehavioral] = behavioral(cc)
	return f
}

func amount(cc *domain.ClaimContext) float64 {
	var sum float64
	var n int
	for _, h := range cc.ProviderHistory {
		if v := h.AmountFloat(); v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	ratio := cc.Claim.AmountFloat() / (sum / float64(n))
	if ratio <= 1 {
		return 0
	}
	return clamp(30 * (ratio - 1))
}

func (c *Calculator) frequency(cc *domain.ClaimContext) float64 {
	n := countSince(cc.ProviderHistory, cc.Now().Add(-c.frequencyWindow), cc.Now())
	t := float64(c.frequencyThreshold)
	if n <= c.frequencyThreshold {
		return clamp(40 * float64(n) / t)
	}
	return clamp(50 + 50*(float64(n)-t)/t)
}

func provider(cc *domain.ClaimContext) float64 {
	since := cc.Now().Add(-providerWindow)
	claims := []*domain.Claim{cc.Claim}
	for _, h := range cc.ProviderHistory {
		if !h.ClaimDate.Before(since) && !h.ClaimDate.After(cc.Now()) {
			claims = append(claims, h)
		}
	}
	if len(claims) < 10 {
		return 0
	}

	var value float64
	if share := topMemberShare(claims, 3); share >= 0.7 {
		value = 100 * share
	}

	var em int
	for _, cl := range claims {
		if _, ok := highLevelEM(cl.ProcedureCodes); ok {
			em++
		}
	}
	if float64(em)/float64(len(claims)) >= 0.5 {
		value = math.Max(value, 60)
	}
	return clamp(value)
}

func diagnosis(cc *domain.ClaimContext) float64 {
	cl := cc.Claim
	if cl.DiagnosisCode == "" || !isRoutineDiagnosis(cl.DiagnosisCode) {
		return 0
	}
	if _, ok := containsAny(cl.Description, procedureKeywords); ok {
		return 80
	}
	for _, p := range cl.ProcedureCodes {
		if procedureCategory(p) != "" {
			return 80
		}
	}
	return 0
}

func geographic(cc *domain.ClaimContext) float64 {
	if cc.Member == nil || cc.Provider == nil || cc.Member.State == "" || cc.Provider.State == "" {
		return 0
	}
	pos := cc.Claim.PlaceOfService
	if pos != "" && pos != cc.Member.State && pos != cc.Provider.State {
		return 75
	}
	if cc.Member.State != cc.Provider.State {
		return 55
	}
	return 0
}

func temporal(cc *domain.ClaimContext) float64 {
	var value float64
	service := serviceOrClaimDate(cc.Claim)
	if isWeekend(service) || isHoliday(service) {
		value = 40
	}

	dates := make([]time.Time, 0, len(cc.MemberHistory)+1)
	for _, h := range cc.MemberHistory {
		dates = append(dates, h.ClaimDate)
	}
	dates = append(dates, cc.Claim.ClaimDate)
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	// Two consecutive weekly intervals ending at the latest claim.
	if len(dates) >= 3 {
		last := len(dates) - 1
		if weekly(dates[last-1], dates[last]) && weekly(dates[last-2], dates[last-1]) {
			value = 80
		}
	}
	return value
}

func weekly(a, b time.Time) bool {
	d := b.Sub(a) - 7*day
	return d >= -intervalTolerance && d <= intervalTolerance
}

func behavioral(cc *domain.ClaimContext) float64 {
	now := cc.Now()
	windowStart := now.Add(-behaviorWindow)

	recent := 1
	providers := map[string]bool{cc.Claim.ProviderID: true}
	var prior int
	var earliest time.Time
	for _, h := range cc.MemberHistory {
		if h.ClaimDate.After(now) {
			continue
		}
		if h.ClaimDate.After(windowStart) {
			recent++
			providers[h.ProviderID] = true
			continue
		}
		prior++
		if earliest.IsZero() || h.ClaimDate.Before(earliest) {
			earliest = h.ClaimDate
		}
	}

	var value float64
	if prior > 0 {
		if span := windowStart.Sub(earliest); span >= behaviorMinHistory {
			monthly := float64(prior) / (span.Hours() / 24 / 30)
			if monthly > 0 {
				switch ratio := float64(recent) / monthly; {
				case ratio > 3:
					value = 70
				case ratio > 2:
					value = 50
				}
			}
		}
	}
	if len(providers) >= 5 {
		value = math.Max(value, 60)
	}
	return clamp(value)
}

func countSince(claims []*domain.Claim, since, until time.Time) int {
	var n int
	for _, h := range claims {
		if h.ClaimDate.After(since) && !h.ClaimDate.After(until) {
			n++
		}
	}
	return n
}

// topMemberShare returns the share of claims held by the k busiest members.
func topMemberShare(claims []*domain.Claim, k int) float64 {
	if len(claims) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, c := range claims {
		counts[c.MemberID]++
	}
	values := make([]int, 0, len(counts))
	for _, v := range counts {
		values = append(values, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(values)))
	var top int
	for i := 0; i < k && i < len(values); i++ {
		top += values[i]
	}
	return float64(top) / float64(len(claims))
}

func serviceOrClaimDate(c *domain.Claim) time.Time {
	if !c.ServiceDate.IsZero() {
		return c.ServiceDate
	}
	return c.ClaimDate
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
