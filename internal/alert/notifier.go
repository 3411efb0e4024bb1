package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewNotifier builds the notifier selected by cfg.Type. eventBus is
// required for "bus"; client may be nil.
func NewNotifier(cfg domain.NotifierConfig, eventBus domain.EventBus, client *http.Client) (domain.Notifier, error) {
	switch cfg.Type {
	case "", "log":
		return LogNotifier{}, nil
	case "bus":
		if eventBus == nil {
			return nil, fmt.Errorf("%w: bus notifier needs an event bus", domain.ErrInvalidInput)
		}
		return NewBusNotifier(eventBus), nil
	case "kafka":
		return NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "webhook":
		if client == nil {
			timeout := cfg.WebhookTimeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			client = &http.Client{Timeout: timeout}
		}
		return NewWebhookNotifier(cfg.WebhookURL, client)
	default:
		return nil, fmt.Errorf("%w: unsupported notifier type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// LogNotifier only logs the alert.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Send(ctx context.Context, a *domain.FraudAlert) error {
	slog.Info("fraud alert",
		"tenant_id", a.TenantID,
		"alert_id", a.ID,
		"claim_id", a.ClaimID,
		"severity", a.Severity,
		"risk_score", a.RiskScore,
		"fraud_type", a.FraudType,
	)
	return nil
}

// BusNotifier publishes alerts on the tenant's alert topic.
type BusNotifier struct {
	bus domain.EventBus
}

func NewBusNotifier(b domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: b}
}

func (n *BusNotifier) Name() string { return "bus" }

func (n *BusNotifier) Send(ctx context.Context, a *domain.FraudAlert) error {
	return bus.PublishJSON(ctx, n.bus, a.TenantID, domain.TopicAlertCreated, a)
}

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes alerts to a Kafka topic keyed by claim ID, so
// every alert for one claim lands on the same partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka notifier requires at least one broker", domain.ErrInvalidInput)
	}
	if topic == "" {
		topic = "kestrel.alerts"
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (n *KafkaNotifier) Name() string { return "kafka" }

func (n *KafkaNotifier) Send(ctx context.Context, a *domain.FraudAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.topic,
		Key:   []byte(a.TenantID + "/" + a.ClaimID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "tenant-id", Value: []byte(a.TenantID)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
		Time: time.Now().UTC(),
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// WebhookNotifier POSTs alerts as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: webhook notifier requires a URL", domain.ErrInvalidInput)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}, nil
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, a *domain.FraudAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", a.TenantID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
