package behavior

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	periodWindow = 30 * 24 * time.Hour

	zThreshold       = 2.0
	percentThreshold = 0.5
	minZSamples      = 3

	// Off-peak detection needs a settled baseline.
	minPatternConfidence = 0.5
	offPeakShare         = 0.05
)

// observation is what a single claim contributes to the profile.
type observation struct {
	amount    float64
	perMonth  float64
	diversity float64
	hour      int
	common    []string
}

func observe(cc *domain.ClaimContext) observation {
	now := cc.Now()
	since := now.Add(-periodWindow)

	count := 1
	providers := map[string]bool{cc.Claim.ProviderID: true}
	all := map[string]int{cc.Claim.ProviderID: 1}
	for _, h := range cc.MemberHistory {
		all[h.ProviderID]++
		if h.ClaimDate.After(since) && !h.ClaimDate.After(now) {
			count++
			providers[h.ProviderID] = true
		}
	}

	return observation{
		amount:    cc.Claim.AmountFloat(),
		perMonth:  float64(count),
		diversity: float64(len(providers)),
		hour:      cc.Claim.ClaimDate.UTC().Hour(),
		common:    topKeys(all, 3),
	}
}

func (o observation) metrics() domain.BehaviorMetrics {
	return domain.BehaviorMetrics{
		ClaimsPerMonth:    o.perMonth,
		AverageAmount:     o.amount,
		ProviderDiversity: o.diversity,
		CommonProviders:   o.common,
		PeakHours:         []int{o.hour},
	}
}

// detect compares an observation to the baseline.
func detect(base domain.BehaviorMetrics, samples int, confidence float64, o observation) []domain.BehaviorAnomaly {
	var out []domain.BehaviorAnomaly

	std := math.Sqrt(base.AmountVariance)
	switch {
	case samples >= minZSamples && std > 0:
		z := (o.amount - base.AverageAmount) / std
		if math.Abs(z) > zThreshold {
			out = append(out, domain.BehaviorAnomaly{
				Metric: "amount", Baseline: base.AverageAmount, Current: o.amount, Deviation: z, Method: "zscore",
				Description: fmt.Sprintf("claim amount %.2f is %.1f standard deviations from the baseline %.2f", o.amount, z, base.AverageAmount),
			})
		}
	case base.AverageAmount > 0:
		if pct := (o.amount - base.AverageAmount) / base.AverageAmount; math.Abs(pct) > percentThreshold {
			out = append(out, domain.BehaviorAnomaly{
				Metric: "amount", Baseline: base.AverageAmount, Current: o.amount, Deviation: pct, Method: "percent",
				Description: fmt.Sprintf("claim amount %.2f deviates %.0f%% from the baseline %.2f", o.amount, pct*100, base.AverageAmount),
			})
		}
	}

	if a, ok := increase("frequency", base.ClaimsPerMonth, o.perMonth); ok {
		a.Description = fmt.Sprintf("%.0f claims in 30 days against a baseline of %.1f", o.perMonth, base.ClaimsPerMonth)
		out = append(out, a)
	}
	if a, ok := increase("providerDiversity", base.ProviderDiversity, o.diversity); ok {
		a.Description = fmt.Sprintf("%.0f distinct providers in 30 days against a baseline of %.1f", o.diversity, base.ProviderDiversity)
		out = append(out, a)
	}

	if confidence >= minPatternConfidence && len(base.HourWeights) == 24 && len(base.PeakHours) > 0 {
		var total float64
		for _, w := range base.HourWeights {
			total += w
		}
		if total > 0 && base.HourWeights[o.hour]/total < offPeakShare && !containsInt(base.PeakHours, o.hour) {
			out = append(out, domain.BehaviorAnomaly{
				Metric: "temporal", Current: float64(o.hour), Method: "pattern",
				Description: fmt.Sprintf("claim submitted at %02d:00 outside peak hours %v", o.hour, base.PeakHours),
			})
		}
	}
	return out
}

// increase flags a rise of more than 50% that is also at least 2 in absolute terms.
func increase(metric string, base, current float64) (domain.BehaviorAnomaly, bool) {
	if base <= 0 || current-base < 2 {
		return domain.BehaviorAnomaly{}, false
	}
	pct := (current - base) / base
	if pct <= percentThreshold {
		return domain.BehaviorAnomaly{}, false
	}
	return domain.BehaviorAnomaly{Metric: metric, Baseline: base, Current: current, Deviation: pct, Method: "percent"}, true
}

// update evolves the baseline by EWMA. Metrics flagged anomalous in this
// call move at a quarter of the normal rate.
func update(base domain.BehaviorMetrics, o observation, alpha float64, anomalies []domain.BehaviorAnomaly) domain.BehaviorMetrics {
	flagged := make(map[string]bool, len(anomalies))
	for _, a := range anomalies {
		flagged[a.Metric] = true
	}
	rate := func(metric string) float64 {
		if flagged[metric] {
			return alpha / 4
		}
		return alpha
	}

	next := base

	a := rate("amount")
	diff := o.amount - base.AverageAmount
	next.AverageAmount = base.AverageAmount + a*diff
	next.AmountVariance = (1 - a) * (base.AmountVariance + a*diff*diff)

	next.ClaimsPerMonth = base.ClaimsPerMonth + rate("frequency")*(o.perMonth-base.ClaimsPerMonth)
	next.ProviderDiversity = base.ProviderDiversity + rate("providerDiversity")*(o.diversity-base.ProviderDiversity)

	weights := make([]float64, 24)
	copy(weights, base.HourWeights)
	a = rate("temporal")
	for i := range weights {
		weights[i] *= 1 - a
	}
	weights[o.hour] += a
	next.HourWeights = weights
	next.PeakHours = peakHours(weights, 3)
	next.CommonProviders = o.common
	return next
}

func coldBaseline(o observation) domain.BehaviorMetrics {
	m := o.metrics()
	m.HourWeights = make([]float64, 24)
	m.HourWeights[o.hour] = 1
	return m
}

func peakHours(weights []float64, k int) []int {
	idx := make([]int, 0, len(weights))
	for i, w := range weights {
		if w > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return weights[idx[a]] > weights[idx[b]] })
	if len(idx) > k {
		idx = idx[:k]
	}
	sort.Ints(idx)
	return idx
}

func topKeys(counts map[string]int, k int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
