// Package bus provides the claim event bus implementations.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an event bus from configuration.
// Community tier: ChannelBus. Pro tier: NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// subject maps a tenant topic onto kestrel.<tenant>.<topic>.
func subject(tenantID, topic string) string {
	return "kestrel." + tenantID + "." + strings.TrimPrefix(topic, "kestrel.")
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}
