package rules

import (
	"encoding/json"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRules returns the rule set seeded for tenants without rules.
func DefaultRules(tenantID string) []*domain.FraudRule {
	defs := []struct {
		id, name, desc string
		priority       int
		severity       domain.Severity
		weight         float64
		indicator      string
		condition      string
	}{
		{
			"out-of-area-high-value", "Out-of-area high value claim",
			"high value service delivered outside both member and provider states",
			100, domain.SeverityHigh, 0.15, domain.IndicatorGeographicAnomaly,
			`{"kind":"and","conditions":[
				{"field":"factors.geographic","op":"gte","value":75},
				{"field":"claim.amount","op":"gt","value":2500}]}`,
		},
		{
			"weekend-procedure-mismatch", "Weekend procedure on routine exam",
			"routine exam billed with procedures on a weekend or holiday",
			90, domain.SeverityHigh, 0.15, "",
			`{"kind":"expr","expr":"factors.temporal >= 40.0 && factors.diagnosis >= 80.0"}`,
		},
		{
			"high-volume-provider", "High volume provider",
			"provider billing far above the 30 day volume threshold",
			80, domain.SeverityMedium, 0.10, domain.IndicatorHighFrequency,
			`{"field":"factors.frequency","op":"gte","value":75}`,
		},
		{
			"large-claim", "Large claim amount",
			"claim amount above 10,000",
			50, domain.SeverityMedium, 0.10, domain.IndicatorAmountAnomaly,
			`{"field":"claim.amount","op":"gt","value":10000}`,
		},
		{
			"member-claim-burst", "Member claim burst",
			"established member with a sudden burst of claims",
			40, domain.SeverityMedium, 0.10, domain.IndicatorBehavioralAnomaly,
			`{"kind":"and","conditions":[
				{"field":"history.memberClaims","op":"gte","value":10},
				{"field":"factors.behavioral","op":"gte","value":50},
				{"kind":"not","condition":{"field":"provider.specialty","op":"in","value":["oncology","dialysis"]}}]}`,
		},
	}

	out := make([]*domain.FraudRule, 0, len(defs))
	for _, d := range defs {
		out = append(out, &domain.FraudRule{
			ID:            d.id,
			TenantID:      tenantID,
			Name:          d.name,
			Description:   d.desc,
			Version:       1,
			Status:        domain.RuleActive,
			Priority:      d.priority,
			Severity:      d.severity,
			Weight:        d.weight,
			IndicatorType: d.indicator,
			Condition:     json.RawMessage(d.condition),
		})
	}
	return out
}
