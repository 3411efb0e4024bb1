package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type stubPredictor struct {
	id    string
	prob  float64
	conf  float64
	err   error
	delay time.Duration
}

func (s *stubPredictor) ID() string { return s.id }

func (s *stubPredictor) Predict(ctx context.Context, _ *domain.ClaimFeatures) (*domain.ModelPrediction, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ModelPrediction{Probability: s.prob, Confidence: s.conf}, nil
}

func claimContext() *domain.ClaimContext {
	return &domain.ClaimContext{
		Claim: &domain.Claim{
			ID: "c-1", MemberID: "m-1", ProviderID: "p-1",
			Amount:         decimal.NewFromFloat(1250.50),
			DiagnosisCode:  "J06.9",
			ProcedureCodes: []string{"99213"},
			ClaimDate:      time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		},
		MemberHistory: []*domain.Claim{{ID: "h-1"}, {ID: "h-2"}},
	}
}

func factors() domain.RiskFactorSet {
	f := domain.NewRiskFactorSet()
	f[domain.FactorAmount] = 60
	return f
}

func TestPredictNoModels(t *testing.T) {
	res := NewAdapter(0).Predict(context.Background(), "t1", claimContext(), factors())
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ModelsQueried)
	assert.Empty(t, res.Predictions)
	assert.Zero(t, res.Probability)
}

func TestPredictWeightedMean(t *testing.T) {
	a := NewAdapter(time.Second)
	a.Register(&stubPredictor{id: "a", prob: 0.9, conf: 0.75}, 0, false)
	a.Register(&stubPredictor{id: "b", prob: 0.1, conf: 0.25}, 0, false)

	res := a.Predict(context.Background(), "t1", claimContext(), factors())
	require.Len(t, res.Predictions, 2)
	assert.InDelta(t, 0.7, res.Probability, 1e-9)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	assert.Empty(t, res.Failed)
	assert.Equal(t, "a", res.Predictions[0].ModelID)
}

func TestPredictExcludesFailures(t *testing.T) {
	a := NewAdapter(50 * time.Millisecond)
	a.Register(&stubPredictor{id: "ok", prob: 0.4, conf: 1}, 0, false)
	a.Register(&stubPredictor{id: "err", err: errors.New("boom")}, 0, false)
	a.Register(&stubPredictor{id: "slow", prob: 0.99, conf: 1, delay: time.Second}, 0, false)
	a.Register(&stubPredictor{id: "nan", prob: math.NaN(), conf: 1}, 0, false)
	a.Register(&stubPredictor{id: "range", prob: 1.5, conf: 1}, 0, false)

	start := time.Now()
	res := a.Predict(context.Background(), "t1", claimContext(), factors())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 5, res.ModelsQueried)
	assert.Equal(t, []string{"err", "nan", "range", "slow"}, res.Failed)
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, 0.4, res.Probability)
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
}

func TestPredictZeroConfidenceFallsBackToMean(t *testing.T) {
	a := NewAdapter(time.Second)
	a.Register(&stubPredictor{id: "a", prob: 0.2}, 0, false)
	a.Register(&stubPredictor{id: "b", prob: 0.6}, 0, false)

	res := a.Predict(context.Background(), "t1", claimContext(), factors())
	assert.InDelta(t, 0.4, res.Probability, 1e-9)
}

func TestIndicators(t *testing.T) {
	a := NewAdapter(time.Second)
	a.Register(&stubPredictor{id: "high", prob: 0.9, conf: 1}, 0, true)
	a.Register(&stubPredictor{id: "medium", prob: 0.7, conf: 1}, 0, true)
	a.Register(&stubPredictor{id: "low", prob: 0.55, conf: 1}, 0, true)
	a.Register(&stubPredictor{id: "below", prob: 0.3, conf: 1}, 0, true)
	a.Register(&stubPredictor{id: "advisory", prob: 0.99, conf: 1}, 0, false)

	res := a.Predict(context.Background(), "t1", claimContext(), factors())
	inds := a.Indicators(res)

	got := map[string]domain.Severity{}
	for _, ind := range inds {
		assert.Equal(t, domain.IndicatorModelPrediction, ind.Type)
		assert.Equal(t, domain.SourceModel, ind.Source)
		got[ind.Evidence["modelId"].(string)] = ind.Severity
	}
	assert.Equal(t, map[string]domain.Severity{
		"high":   domain.SeverityHigh,
		"medium": domain.SeverityMedium,
		"low":    domain.SeverityLow,
	}, got)
	assert.Nil(t, a.Indicators(nil))
}

func TestFeatures(t *testing.T) {
	f := Features("t1", claimContext(), factors())
	assert.Equal(t, "t1", f.TenantID)
	assert.Equal(t, 1250.50, f.Amount)
	assert.Equal(t, 2, f.MemberHistoryCount)
	assert.Equal(t, 60.0, f.Factors[domain.FactorAmount])
}

func TestHTTPPredictor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "t1", r.Header.Get("X-Tenant-ID"))

		var f domain.ClaimFeatures
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f))
		p := 0.2
		if f.Amount > 1000 {
			p = 0.8
		}
		json.NewEncoder(w).Encode(map[string]float64{"probability": p, "confidence": 0.9})
	}))
	defer srv.Close()

	p := NewHTTPPredictor("gbm", srv.URL, srv.Client())
	pred, err := p.Predict(context.Background(), Features("t1", claimContext(), factors()))
	require.NoError(t, err)
	assert.Equal(t, "gbm", pred.ModelID)
	assert.Equal(t, 0.8, pred.Probability)
	assert.Equal(t, 0.9, pred.Confidence)
}

func TestHTTPPredictorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			w.WriteHeader(http.StatusInternalServerError)
		case "/garbage":
			w.Write([]byte("not json"))
		case "/empty":
			w.Write([]byte(`{"confidence":0.5}`))
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/500", "/garbage", "/empty"} {
		t.Run(path, func(t *testing.T) {
			_, err := NewHTTPPredictor("m", srv.URL+path, nil).Predict(context.Background(), Features("t1", claimContext(), factors()))
			assert.Error(t, err)
		})
	}
}

func TestBusPredictor(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	_, err := b.Subscribe(ctx, "t1", domain.TopicModelPredict+".rf", func(ctx context.Context, msg *domain.Message) error {
		var f domain.ClaimFeatures
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			return err
		}
		return b.Respond(ctx, msg, []byte(`{"probability":0.66,"confidence":0.5}`))
	})
	require.NoError(t, err)

	a := NewAdapter(time.Second)
	a.Register(NewBusPredictor("rf", b), 0, true)

	res := a.Predict(ctx, "t1", claimContext(), factors())
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, 0.66, res.Probability)

	inds := a.Indicators(res)
	require.Len(t, inds, 1)
	assert.Equal(t, domain.SeverityMedium, inds[0].Severity)
}

func TestBusPredictorNoResponder(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	a := NewAdapter(30 * time.Millisecond)
	a.Register(NewBusPredictor("ghost", b), 0, false)

	res := a.Predict(context.Background(), "t1", claimContext(), factors())
	assert.Equal(t, []string{"ghost"}, res.Failed)
}

func TestFromConfig(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	a, err := FromConfig(domain.ModelsConfig{
		Timeout: 100 * time.Millisecond,
		Endpoints: []domain.ModelConfig{
			{ID: "rf", Transport: "bus"},
			{ID: "gbm", Transport: "http", URL: "http://localhost:9/predict", Timeout: time.Second},
		},
	}, b, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())

	_, err = FromConfig(domain.ModelsConfig{Endpoints: []domain.ModelConfig{{ID: "x", Transport: "bus"}}}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = FromConfig(domain.ModelsConfig{Endpoints: []domain.ModelConfig{{ID: "x", Transport: "grpc"}}}, b, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = FromConfig(domain.ModelsConfig{Endpoints: []domain.ModelConfig{{ID: "x", Transport: "http"}}}, b, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
