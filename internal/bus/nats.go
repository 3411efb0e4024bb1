package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultRequestTimeout = 30 * time.Second

// NATSBus carries claim events and model request/reply over NATS for the
// pro tier. Work topics (claim submissions, model predictions) are
// delivered through a queue group so each message reaches one replica;
// other topics fan out to every subscriber.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
	once  sync.Once
}

// NewNATSBus connects to NATS. The first connect is retried in the
// background like any later reconnect, so NATS may start after Kestrel.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait == 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subj string
			if sub != nil {
				subj = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subj)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	slog.Info("NATS client started", "url", url, "connected", conn.IsConnected())

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*natsSubscription]struct{}),
	}, nil
}

// isWorkTopic reports whether a topic should be consumed once per cluster.
func isWorkTopic(topic string) bool {
	return topic == domain.TopicClaimSubmitted || strings.HasPrefix(topic, domain.TopicModelPredict+".")
}

// Publish sends a message to the tenant's subject.
func (b *NATSBus) Publish(_ context.Context, tenantID, topic string, payload []byte) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.conn.Publish(subject(tenantID, topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler on the tenant's subject.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to decode NATS message", "subject", m.Subject, "error", err)
			return
		}
		if m.Reply != "" {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata[domain.MetaReplyTo] = m.Reply
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error", "tenant_id", msg.TenantID, "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	subj := subject(tenantID, topic)
	var (
		ns  *nats.Subscription
		err error
	)
	if b.queueGroup != "" && isWorkTopic(topic) {
		ns, err = b.conn.QueueSubscribe(subj, b.queueGroup, deliver)
	} else {
		ns, err = b.conn.Subscribe(subj, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: ns}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	slog.Debug("NATS subscribed", "tenant_id", tenantID, "topic", topic, "queue", ns.Queue)
	return sub, nil
}

// Request sends a message and waits for one reply. Without a ctx deadline
// the wait is bounded at 30s.
func (b *NATSBus) Request(ctx context.Context, tenantID, topic string, payload []byte) ([]byte, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestWithContext(ctx, subject(tenantID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	var msg domain.Message
	if err := json.Unmarshal(reply.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return msg.Payload, nil
}

// Respond publishes payload to the inbox of the original request.
func (b *NATSBus) Respond(_ context.Context, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[domain.MetaReplyTo]
	if replyTo == "" {
		return fmt.Errorf("%w: message %s has no reply subject", domain.ErrInvalidInput, msg.ID)
	}
	data, err := json.Marshal(newMessage(msg.TenantID, msg.Topic, payload))
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return b.conn.Publish(replyTo, data)
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		_ = s.sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.sub.Unsubscribe()
	})
	return err
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
