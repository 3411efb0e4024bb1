package domain

import (
	"context"
)

// EventBus carries claim events, assessments and model requests.
// Channels back the community tier and NATS the pro tier.
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Respond answers a message received from Request.
	Respond(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetaReplyTo is the metadata key carrying a request's reply address.
const MetaReplyTo = "replyTo"

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type" validate:"oneof=channel nats"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channelbuffersize"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"natsurl"`
	NATSToken         string `koanf:"natstoken"`
	NATSMaxReconnects int    `koanf:"natsmaxreconnects"`
	NATSReconnectWait int    `koanf:"natsreconnectwait"` // seconds

	// NATSQueueGroup load-balances work topics across replicas.
	NATSQueueGroup string `koanf:"natsqueuegroup"`
}

// Standard topic names for the claim pipeline.
const (
	TopicClaimSubmitted = "kestrel.claim.submitted"
	TopicAssessment     = "kestrel.assessment"
	TopicAlertCreated   = "kestrel.alert.created"

	// TopicModelPredict is suffixed with ".<modelId>" for each model.
	TopicModelPredict = "kestrel.model.predict"
)

// GlobalQueue is the pseudo-tenant carrying submissions for every tenant
// when workers are not partitioned by tenant.
const GlobalQueue = "_global"

// ClaimSubmittedEvent is the payload of TopicClaimSubmitted. TenantID is
// only required on the GlobalQueue.
type ClaimSubmittedEvent struct {
	TenantID string `json:"tenantId,omitempty"`
	ClaimID  string `json:"claimId"`
	TraceID  string `json:"traceId,omitempty"`
}
