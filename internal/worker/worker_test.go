package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

type call struct {
	tenantID, claimID, traceID string
}

type fakeEvaluator struct {
	mu       sync.Mutex
	calls    []call
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeEvaluator) EvaluateClaim(ctx context.Context, tenantID, claimID, traceID string) (*engine.Evaluation, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{tenantID, claimID, traceID})
	f.mu.Unlock()

	if claimID == "missing" {
		return nil, domain.NotFound("claim", claimID)
	}
	return &engine.Evaluation{Assessment: &domain.Assessment{
		TenantID:  tenantID,
		ClaimID:   claimID,
		RiskLevel: domain.RiskNone,
	}}, nil
}

func (f *fakeEvaluator) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeEvaluator{}, 1)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicClaimSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicClaimSubmitted, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("ProcessSubmission", func(t *testing.T) {
		eval := &fakeEvaluator{}
		w := NewWorker(eventBus, eval, 2)
		if err := w.Start(Config{TenantIDs: []string{"tenant-test"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		err := bus.PublishJSON(ctx, eventBus, "tenant-test", domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{
			ClaimID: "clm-001",
			TraceID: "trace-001",
		})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return w.GetStats().Processed == 1 })
		calls := eval.snapshot()
		if len(calls) != 1 {
			t.Fatalf("expected 1 evaluation, got %d", len(calls))
		}
		if calls[0] != (call{"tenant-test", "clm-001", "trace-001"}) {
			t.Errorf("unexpected evaluation %+v", calls[0])
		}
	})

	t.Run("TraceDefaultsToMessageID", func(t *testing.T) {
		eval := &fakeEvaluator{}
		w := NewWorker(eventBus, eval, 1)
		w.Start(Config{TenantIDs: []string{"tenant-trace"}})
		defer w.Stop()

		bus.PublishJSON(ctx, eventBus, "tenant-trace", domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{ClaimID: "clm-002"})

		waitFor(t, func() bool { return len(eval.snapshot()) == 1 })
		if eval.snapshot()[0].traceID == "" {
			t.Error("expected the message ID as trace ID")
		}
	})

	t.Run("GlobalQueueUsesPayloadTenant", func(t *testing.T) {
		eval := &fakeEvaluator{}
		w := NewWorker(eventBus, eval, 1)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		bus.PublishJSON(ctx, eventBus, domain.GlobalQueue, domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{
			TenantID: "tenant-x",
			ClaimID:  "clm-003",
		})
		bus.PublishJSON(ctx, eventBus, domain.GlobalQueue, domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{
			ClaimID: "no-tenant",
		})

		waitFor(t, func() bool {
			s := w.GetStats()
			return s.Processed == 1 && s.Failed == 1
		})
		calls := eval.snapshot()
		if len(calls) != 1 || calls[0].tenantID != "tenant-x" {
			t.Errorf("expected one evaluation for tenant-x, got %+v", calls)
		}
	})

	t.Run("FailuresAreCounted", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeEvaluator{}, 1)
		w.Start(Config{TenantIDs: []string{"tenant-fail"}})
		defer w.Stop()

		bus.PublishJSON(ctx, eventBus, "tenant-fail", domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{ClaimID: "missing"})
		eventBus.Publish(ctx, "tenant-fail", domain.TopicClaimSubmitted, []byte("not json"))
		bus.PublishJSON(ctx, eventBus, "tenant-fail", domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{})

		waitFor(t, func() bool { return w.GetStats().Failed == 3 })
		if p := w.GetStats().Processed; p != 0 {
			t.Errorf("expected 0 processed, got %d", p)
		}
	})

	t.Run("ConcurrencyIsBounded", func(t *testing.T) {
		eval := &fakeEvaluator{delay: 20 * time.Millisecond}
		w := NewWorker(eventBus, eval, 1)
		w.Start(Config{TenantIDs: []string{"tenant-busy"}, Concurrency: 2})

		for i := 0; i < 6; i++ {
			bus.PublishJSON(ctx, eventBus, "tenant-busy", domain.TopicClaimSubmitted, domain.ClaimSubmittedEvent{ClaimID: "clm"})
		}
		waitFor(t, func() bool { return w.GetStats().Processed == 6 })
		w.Stop()

		if p := eval.peak.Load(); p > 2 {
			t.Errorf("expected at most 2 concurrent evaluations, saw %d", p)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeEvaluator{}, 1)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if n := w.GetStats().SubscriptionCount; n != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", n)
		}
	})
}

func TestStartRejectsAllFailures(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	eventBus.Close()

	w := NewWorker(eventBus, &fakeEvaluator{}, 1)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err == nil {
		t.Error("expected an error when no subscription succeeds")
	}
}
