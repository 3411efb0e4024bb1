package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// predictionReply is the wire format both transports expect back.
type predictionReply struct {
	Probability *float64 `json:"probability"`
	Confidence  *float64 `json:"confidence"`
	Error       string   `json:"error,omitempty"`
}

func decodeReply(modelID string, data []byte) (*domain.ModelPrediction, error) {
	var r predictionReply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", modelID, err)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("model %s: %s", modelID, r.Error)
	}
	if r.Probability == nil {
		return nil, fmt.Errorf("model %s: reply has no probability", modelID)
	}
	p := &domain.ModelPrediction{ModelID: modelID, Probability: *r.Probability, Confidence: 1}
	if r.Confidence != nil {
		p.Confidence = *r.Confidence
	}
	return p, nil
}

// BusPredictor asks a model over the event bus using request/reply on
// kestrel.model.predict.<id>.
type BusPredictor struct {
	id  string
	bus domain.EventBus
}

// NewBusPredictor creates a predictor bound to a model id.
func NewBusPredictor(id string, bus domain.EventBus) *BusPredictor {
	return &BusPredictor{id: id, bus: bus}
}

// ID returns the model id.
func (p *BusPredictor) ID() string { return p.id }

// Predict sends the features and waits for the model's reply.
func (p *BusPredictor) Predict(ctx context.Context, features *domain.ClaimFeatures) (*domain.ModelPrediction, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}
	reply, err := p.bus.Request(ctx, features.TenantID, domain.TopicModelPredict+"."+p.id, payload)
	if err != nil {
		return nil, fmt.Errorf("request model %s: %w", p.id, err)
	}
	return decodeReply(p.id, reply)
}

// HTTPPredictor posts features as JSON to a model endpoint.
type HTTPPredictor struct {
	id     string
	url    string
	client *http.Client
}

// NewHTTPPredictor creates an HTTP predictor. A nil client gets a default
// with a 5 second timeout; per-call deadlines come from the context.
func NewHTTPPredictor(id, url string, client *http.Client) *HTTPPredictor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPredictor{id: id, url: url, client: client}
}

// ID returns the model id.
func (p *HTTPPredictor) ID() string { return p.id }

// Predict posts the features and decodes the response body.
func (p *HTTPPredictor) Predict(ctx context.Context, features *domain.ClaimFeatures) (*domain.ModelPrediction, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", features.TenantID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call model %s: %w", p.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read model %s response: %w", p.id, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model %s returned status %d", p.id, resp.StatusCode)
	}
	return decodeReply(p.id, body)
}
