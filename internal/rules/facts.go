package rules

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Facts is the flat field view of one claim evaluation.
type Facts map[string]any

var staticFields = map[string]bool{
	"claim.amount":           true,
	"claim.diagnosisCode":    true,
	"claim.description":      true,
	"claim.providerId":       true,
	"claim.memberId":         true,
	"claim.procedureCodes":   true,
	"claim.placeOfService":   true,
	"member.gender":          true,
	"member.age":             true,
	"member.state":           true,
	"provider.specialty":     true,
	"provider.state":         true,
	"history.memberClaims":   true,
	"history.providerClaims": true,
}

// KnownField reports whether a condition may reference field.
func KnownField(field string) bool {
	if staticFields[field] {
		return true
	}
	name, ok := strings.CutPrefix(field, "factors.")
	if !ok {
		return false
	}
	for _, f := range domain.FactorNames {
		if f == name {
			return true
		}
	}
	return false
}

// BuildFacts flattens a claim context and its factors. Fields whose source
// record is absent are omitted.
func BuildFacts(cc *domain.ClaimContext, factors domain.RiskFactorSet) Facts {
	f := Facts{}
	if cc == nil || cc.Claim == nil {
		return f
	}
	cl := cc.Claim
	codes := cl.ProcedureCodes
	if codes == nil {
		codes = []string{}
	}
	f["claim.amount"] = cl.AmountFloat()
	f["claim.diagnosisCode"] = cl.DiagnosisCode
	f["claim.description"] = cl.Description
	f["claim.providerId"] = cl.ProviderID
	f["claim.memberId"] = cl.MemberID
	f["claim.procedureCodes"] = codes
	f["claim.placeOfService"] = cl.PlaceOfService
	f["history.memberClaims"] = float64(len(cc.MemberHistory))
	f["history.providerClaims"] = float64(len(cc.ProviderHistory))

	if m := cc.Member; m != nil {
		f["member.gender"] = m.Gender
		f["member.state"] = m.State
		if age := m.AgeAt(cc.Now()); age >= 0 {
			f["member.age"] = float64(age)
		}
	}
	if p := cc.Provider; p != nil {
		f["provider.specialty"] = p.Specialty
		f["provider.state"] = p.State
	}
	for name, v := range factors {
		f["factors."+name] = v
	}
	return f
}

// Activation nests the facts into the CEL variables claim, member,
// provider, history and factors.
func (f Facts) Activation() map[string]any {
	act := map[string]any{
		"claim":    map[string]any{},
		"member":   map[string]any{},
		"provider": map[string]any{},
		"history":  map[string]any{},
		"factors":  map[string]any{},
	}
	for k, v := range f {
		root, key, ok := strings.Cut(k, ".")
		if !ok {
			continue
		}
		if m, ok := act[root].(map[string]any); ok {
			m[key] = v
		}
	}
	return act
}
