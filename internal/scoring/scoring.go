// Package scoring aggregates every fraud signal of a claim into a single
// weighted risk assessment.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion is stamped on every assessment.
const EngineVersion = "kestrel-1.0"

// Score thresholds, evaluated highest first.
const (
	CriticalThreshold = 85.0
	HighThreshold     = 70.0
	MediumThreshold   = 40.0
)

// Factor indicator bands.
const (
	factorFloor  = 50.0
	factorMedium = 65.0
	factorHigh   = 80.0
)

var factorIndicatorTypes = map[string]string{
	domain.FactorAmount:     domain.IndicatorAmountAnomaly,
	domain.FactorFrequency:  domain.IndicatorHighFrequency,
	domain.FactorProvider:   domain.IndicatorProviderRisk,
	domain.FactorDiagnosis:  domain.IndicatorDiagnosisMismatch,
	domain.FactorGeographic: domain.IndicatorGeographicAnomaly,
	domain.FactorTemporal:   domain.IndicatorTemporalPattern,
	domain.FactorBehavioral: domain.IndicatorBehavioralAnomaly,
}

// Processor turns signals into an Assessment.
type Processor struct {
	cfg domain.ScoringConfig
}

// NewProcessor creates a processor, filling unset weights with defaults.
func NewProcessor(cfg domain.ScoringConfig) *Processor {
	if len(cfg.FactorWeights) == 0 {
		cfg.FactorWeights = domain.DefaultFactorWeights()
	}
	if cfg.DetectorWeight <= 0 {
		cfg.DetectorWeight = 0.25
	}
	if cfg.BehaviorWeight <= 0 {
		cfg.BehaviorWeight = 0.10
	}
	if cfg.NetworkWeight <= 0 {
		cfg.NetworkWeight = 0.15
	}
	if cfg.ModelWeight <= 0 {
		cfg.ModelWeight = 0.20
	}
	return &Processor{cfg: cfg}
}

// BehaviorSummary is the part of a behavioral analysis used for scoring.
type BehaviorSummary struct {
	Anomalies  []domain.BehaviorAnomaly
	Confidence float64
}

// Input contains everything gathered for one claim. Nil Behavior or
// Network means that stage was unavailable.
type Input struct {
	TenantID  string
	ClaimID   string
	TraceID   string
	StartTime time.Time
	Timestamp time.Time

	Factors        domain.RiskFactorSet
	Detected       []domain.FraudIndicator
	Triggered      []domain.TriggeredRule
	RulesEvaluated int

	Behavior *BehaviorSummary
	Network  *domain.NetworkAnalysisResult

	// Model is advisory. ModelIndicators are the predictions of models
	// registered as indicators and do count toward the score.
	Model           *domain.EnsembleResult
	ModelIndicators []domain.FraudIndicator
}

// Process builds the assessment for a claim.
func (p *Processor) Process(ctx context.Context, in *Input) *domain.Assessment {
	indicators := p.Indicators(in)
	score := Score(indicators)
	level := Level(score)
	fraudType := Classify(indicators)

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	triggered := in.Triggered
	if triggered == nil {
		triggered = []domain.TriggeredRule{}
	}

	a := &domain.Assessment{
		ID:                    uuid.New().String(),
		TenantID:              in.TenantID,
		ClaimID:               in.ClaimID,
		RiskScore:             score,
		RiskLevel:             level,
		FraudType:             fraudType,
		Factors:               in.Factors,
		Indicators:            indicators,
		TriggeredRules:        triggered,
		InvestigationRequired: InvestigationRequired(level),
		Confidence:            p.confidence(in),
		Recommendations:       Recommendations(level, fraudType, in.Network),
		Model:                 in.Model,
		Timestamp:             ts,
		Metadata: domain.AssessmentMetadata{
			TraceID:        in.TraceID,
			RulesEvaluated: in.RulesEvaluated,
			EngineVersion:  EngineVersion,
		},
	}
	if in.Model != nil {
		a.Metadata.ModelsQueried = in.Model.ModelsQueried
	}
	if in.Network != nil {
		a.Metadata.NetworkTruncated = in.Network.Truncated
	}
	if !in.StartTime.IsZero() {
		a.Metadata.TotalMs = time.Since(in.StartTime).Milliseconds()
	}
	return a
}

// Indicators converts every input into weighted indicators, in a stable
// order: factors, detectors, rules, behavior, network, models.
func (p *Processor) Indicators(in *Input) []domain.FraudIndicator {
	out := []domain.FraudIndicator{}
	out = append(out, p.FactorIndicators(in.Factors)...)

	for _, ind := range in.Detected {
		if ind.Weight <= 0 {
			ind.Weight = p.cfg.DetectorWeight
		}
		out = append(out, ind)
	}

	for _, r := range in.Triggered {
		typ := r.IndicatorType
		if typ == "" {
			typ = domain.IndicatorRuleTriggered
		}
		out = append(out, domain.FraudIndicator{
			Type:        typ,
			Severity:    r.Severity,
			Description: r.Reason,
			Weight:      r.Weight,
			Source:      domain.SourceRule,
			Evidence: map[string]any{
				"ruleId":      r.RuleID,
				"ruleVersion": r.RuleVersion,
			},
		})
	}

	if in.Behavior != nil {
		for _, an := range in.Behavior.Anomalies {
			sev := domain.SeverityMedium
			if an.Method == "zscore" && math.Abs(an.Deviation) >= 4 {
				sev = domain.SeverityHigh
			}
			out = append(out, domain.FraudIndicator{
				Type:        domain.IndicatorBehavioralAnomaly,
				Severity:    sev,
				Description: an.Description,
				Weight:      p.cfg.BehaviorWeight,
				Source:      domain.SourceBehavior,
				Evidence: map[string]any{
					"metric":    an.Metric,
					"baseline":  an.Baseline,
					"current":   an.Current,
					"deviation": an.Deviation,
					"method":    an.Method,
				},
			})
		}
	}

	if in.Network != nil {
		for _, pat := range in.Network.Patterns {
			out = append(out, domain.FraudIndicator{
				Type:        domain.IndicatorNetworkAnomaly,
				Severity:    domain.SeverityHigh,
				Description: pat.Description,
				Weight:      p.cfg.NetworkWeight,
				Source:      domain.SourceNetwork,
				Evidence: map[string]any{
					"pattern":  pat.Type,
					"entities": pat.Entities,
					"metric":   pat.Metric,
				},
			})
		}
	}

	for _, ind := range in.ModelIndicators {
		if ind.Weight <= 0 {
			ind.Weight = p.cfg.ModelWeight
		}
		out = append(out, ind)
	}
	return out
}

// FactorIndicators emits one indicator per factor at or above 50.
func (p *Processor) FactorIndicators(factors domain.RiskFactorSet) []domain.FraudIndicator {
	var out []domain.FraudIndicator
	for _, name := range domain.FactorNames {
		v, ok := factors[name]
		if !ok || v < factorFloor {
			continue
		}
		w := p.cfg.FactorWeights[name]
		if w <= 0 {
			continue
		}
		sev := domain.SeverityLow
		switch {
		case v >= factorHigh:
			sev = domain.SeverityHigh
		case v >= factorMedium:
			sev = domain.SeverityMedium
		}
		out = append(out, domain.FraudIndicator{
			Type:        factorIndicatorTypes[name],
			Severity:    sev,
			Description: fmt.Sprintf("%s risk factor at %.0f", name, v),
			Weight:      w,
			Source:      domain.SourceSignal,
			Evidence:    map[string]any{"factor": name, "value": v},
		})
	}
	return out
}

// SeverityMultiplier maps a severity to its fixed score multiplier.
func SeverityMultiplier(s domain.Severity) float64 {
	switch s {
	case domain.SeverityHigh:
		return 1.0
	case domain.SeverityMedium:
		return 0.7
	case domain.SeverityLow:
		return 0.4
	default:
		return 0
	}
}

// Score is the weight-normalized severity average, scaled to [0,100].
// Indicators without a positive weight are ignored.
func Score(indicators []domain.FraudIndicator) float64 {
	var num, den float64
	for _, ind := range indicators {
		if ind.Weight <= 0 || math.IsNaN(ind.Weight) || math.IsInf(ind.Weight, 0) {
			continue
		}
		num += ind.Weight * SeverityMultiplier(ind.Severity)
		den += ind.Weight
	}
	if den == 0 {
		return 0
	}
	score := 100 * num / den
	return math.Max(0, math.Min(100, math.Round(score*100)/100))
}

// Level maps a score to its risk level.
func Level(score float64) domain.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return domain.RiskCritical
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	case score > 0:
		return domain.RiskLow
	default:
		return domain.RiskNone
	}
}

// Classify picks the fraud type; the first match wins.
func Classify(indicators []domain.FraudIndicator) domain.FraudType {
	var dup, unbundle, billing bool
	for _, ind := range indicators {
		switch {
		case ind.Type == domain.IndicatorDuplicateBilling:
			dup = true
		case ind.Type == domain.IndicatorUnbundling:
			unbundle = true
		case ind.Type == domain.IndicatorUpcoding:
			billing = true
		case ind.Severity == domain.SeverityHigh || ind.Severity == domain.SeverityMedium:
			billing = true
		}
	}
	switch {
	case dup:
		return domain.FraudDuplicate
	case unbundle:
		return domain.FraudUnbundling
	case billing:
		return domain.FraudBilling
	default:
		return domain.FraudNone
	}
}

// InvestigationRequired reports whether a level needs manual review.
func InvestigationRequired(level domain.RiskLevel) bool {
	return level.AtLeast(domain.RiskMedium)
}

// Recommendations lists next actions for reviewers.
func Recommendations(level domain.RiskLevel, ft domain.FraudType, network *domain.NetworkAnalysisResult) []string {
	var recs []string
	switch level {
	case domain.RiskCritical:
		recs = append(recs, "Hold payment pending investigation", "Escalate to special investigations unit")
	case domain.RiskHigh:
		recs = append(recs, "Route claim for manual review", "Request supporting medical records")
	case domain.RiskMedium:
		recs = append(recs, "Flag claim for secondary review")
	case domain.RiskLow:
		recs = append(recs, "Monitor member and provider activity")
	default:
		recs = append(recs, "Process normally")
	}

	switch ft {
	case domain.FraudDuplicate:
		recs = append(recs, "Verify no prior payment exists for the same service")
	case domain.FraudUnbundling:
		recs = append(recs, "Review procedure codes for bundling compliance")
	case domain.FraudBilling:
		if level.AtLeast(domain.RiskMedium) {
			recs = append(recs, "Audit billed codes against clinical documentation")
		}
	}

	if network != nil && len(network.Patterns) > 0 {
		recs = append(recs, "Review connected providers and members")
	}
	return recs
}

// confidence averages behavioral confidence, network confidence and the
// share of stages that produced a result.
func (p *Processor) confidence(in *Input) float64 {
	stages, available := 4.0, 2.0 // signals and rules always run
	var behavior, network float64
	if in.Behavior != nil {
		behavior = in.Behavior.Confidence
		available++
	}
	if in.Network != nil {
		network = in.Network.Confidence
		available++
	}
	if in.Model != nil && in.Model.ModelsQueried > 0 {
		stages++
		if len(in.Model.Predictions) > 0 {
			available++
		}
	}
	c := (behavior + network + available/stages) / 3
	return math.Round(math.Max(0, math.Min(1, c))*1e4) / 1e4
}
