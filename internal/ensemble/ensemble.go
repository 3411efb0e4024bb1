// Package ensemble queries external fraud models and combines their output.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultTimeout = 500 * time.Millisecond

type registration struct {
	predictor   domain.Predictor
	timeout     time.Duration
	asIndicator bool
}

// Adapter fans a claim out to every registered predictor.
type Adapter struct {
	mu      sync.RWMutex
	models  []registration
	timeout time.Duration
}

// NewAdapter creates an adapter with a default per-model timeout.
func NewAdapter(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{timeout: timeout}
}

// FromConfig builds an adapter from the configured endpoints. Bus
// predictors need a non-nil bus.
func FromConfig(cfg domain.ModelsConfig, bus domain.EventBus, client *http.Client) (*Adapter, error) {
	a := NewAdapter(cfg.Timeout)
	for _, m := range cfg.Endpoints {
		var p domain.Predictor
		switch m.Transport {
		case "bus", "nats":
			if bus == nil {
				return nil, fmt.Errorf("%w: model %s needs an event bus", domain.ErrInvalidInput, m.ID)
			}
			p = NewBusPredictor(m.ID, bus)
		case "http", "":
			if m.URL == "" {
				return nil, fmt.Errorf("%w: model %s has no url", domain.ErrInvalidInput, m.ID)
			}
			p = NewHTTPPredictor(m.ID, m.URL, client)
		default:
			return nil, fmt.Errorf("%w: unknown model transport %q", domain.ErrInvalidInput, m.Transport)
		}
		a.Register(p, m.Timeout, m.AsIndicator)
	}
	return a, nil
}

// Register adds a predictor. A zero timeout uses the adapter default.
func (a *Adapter) Register(p domain.Predictor, timeout time.Duration, asIndicator bool) {
	if timeout <= 0 {
		timeout = a.timeout
	}
	a.mu.Lock()
	a.models = append(a.models, registration{predictor: p, timeout: timeout, asIndicator: asIndicator})
	a.mu.Unlock()
}

// Len returns the number of registered predictors.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.models)
}

// Features flattens a claim context into the payload sent to models.
func Features(tenantID string, cc *domain.ClaimContext, factors domain.RiskFactorSet) *domain.ClaimFeatures {
	cl := cc.Claim
	f := &domain.ClaimFeatures{
		TenantID:             tenantID,
		ClaimID:              cl.ID,
		MemberID:             cl.MemberID,
		ProviderID:           cl.ProviderID,
		Amount:               cl.AmountFloat(),
		DiagnosisCode:        cl.DiagnosisCode,
		ProcedureCodes:       cl.ProcedureCodes,
		Factors:              make(map[string]float64, len(factors)),
		MemberHistoryCount:   len(cc.MemberHistory),
		ProviderHistoryCount: len(cc.ProviderHistory),
	}
	for k, v := range factors {
		f.Factors[k] = v
	}
	return f
}

// Predict queries all predictors in parallel. Models that fail, time out or
// return an invalid probability are listed in Failed and excluded.
func (a *Adapter) Predict(ctx context.Context, tenantID string, cc *domain.ClaimContext, factors domain.RiskFactorSet) *domain.EnsembleResult {
	a.mu.RLock()
	models := append([]registration(nil), a.models...)
	a.mu.RUnlock()

	res := &domain.EnsembleResult{ModelsQueried: len(models), Predictions: []domain.ModelPrediction{}}
	if len(models) == 0 {
		return res
	}

	features := Features(tenantID, cc, factors)
	preds := make([]*domain.ModelPrediction, len(models))

	var wg sync.WaitGroup
	for i, m := range models {
		wg.Add(1)
		go func(i int, m registration) {
			defer wg.Done()
			mctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			p, err := m.predictor.Predict(mctx, features)
			if err != nil {
				slog.Warn("model prediction failed",
					"tenant_id", tenantID,
					"claim_id", features.ClaimID,
					"model_id", m.predictor.ID(),
					"error", err,
				)
				return
			}
			if !valid(p) {
				slog.Warn("model returned invalid prediction",
					"tenant_id", tenantID,
					"claim_id", features.ClaimID,
					"model_id", m.predictor.ID(),
				)
				return
			}
			p.ModelID = m.predictor.ID()
			p.LatencyMs = time.Since(start).Milliseconds()
			preds[i] = p
		}(i, m)
	}
	wg.Wait()

	var weighted, weights, confSum float64
	for i, p := range preds {
		if p == nil {
			res.Failed = append(res.Failed, models[i].predictor.ID())
			continue
		}
		res.Predictions = append(res.Predictions, *p)
		weighted += p.Probability * p.Confidence
		weights += p.Confidence
		confSum += p.Confidence
	}
	sort.Strings(res.Failed)

	n := len(res.Predictions)
	if n == 0 {
		return res
	}
	if weights > 0 {
		res.Probability = weighted / weights
	} else {
		var sum float64
		for _, p := range res.Predictions {
			sum += p.Probability
		}
		res.Probability = sum / float64(n)
	}
	res.Confidence = (confSum / float64(n)) * (float64(n) / float64(len(models)))
	return res
}

// Indicators turns confident predictions from models registered as
// indicators into MODEL_PREDICTION indicators.
func (a *Adapter) Indicators(res *domain.EnsembleResult) []domain.FraudIndicator {
	if res == nil || len(res.Predictions) == 0 {
		return nil
	}
	a.mu.RLock()
	flagged := make(map[string]bool, len(a.models))
	for _, m := range a.models {
		if m.asIndicator {
			flagged[m.predictor.ID()] = true
		}
	}
	a.mu.RUnlock()

	var out []domain.FraudIndicator
	for _, p := range res.Predictions {
		if !flagged[p.ModelID] || p.Probability < 0.5 {
			continue
		}
		sev := domain.SeverityLow
		switch {
		case p.Probability >= 0.85:
			sev = domain.SeverityHigh
		case p.Probability >= 0.65:
			sev = domain.SeverityMedium
		}
		out = append(out, domain.FraudIndicator{
			Type:        domain.IndicatorModelPrediction,
			Severity:    sev,
			Description: fmt.Sprintf("model %s fraud probability %.2f", p.ModelID, p.Probability),
			Source:      domain.SourceModel,
			Evidence: map[string]any{
				"modelId":     p.ModelID,
				"probability": p.Probability,
				"confidence":  p.Confidence,
			},
		})
	}
	return out
}

func valid(p *domain.ModelPrediction) bool {
	if p == nil {
		return false
	}
	for _, v := range []float64{p.Probability, p.Confidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}
