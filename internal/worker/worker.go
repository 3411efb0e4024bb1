// Package worker evaluates submitted claims asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Evaluator runs the evaluation pipeline for a stored claim.
type Evaluator interface {
	EvaluateClaim(ctx context.Context, tenantID, claimID, traceID string) (*engine.Evaluation, error)
}

// Worker consumes claim submissions and evaluates them.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator
	sem       *semaphore.Weighted

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = the global queue)
	TenantIDs []string

	// Concurrency caps in-flight evaluations.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to claim submissions for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency > 0 {
		w.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	}
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(domain.GlobalQueue)
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no tenant workers started")
	}

	slog.Info("workers started",
		"tenant_count", started,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicClaimSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.dispatch(tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicClaimSubmitted,
	)
	return nil
}

// dispatch hands the message to a goroutine once a concurrency slot frees up.
func (w *Worker) dispatch(tenantID string, msg *domain.Message) error {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.failed.Add(1)
		return err
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.sem.Release(1)
		return fmt.Errorf("worker stopped")
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		// In-flight evaluations finish even after Stop.
		if err := w.process(context.WithoutCancel(w.ctx), tenantID, msg); err != nil {
			w.failed.Add(1)
			return
		}
		w.processed.Add(1)
	}()
	return nil
}

// process evaluates one submitted claim. Assessments and alerts are
// persisted and published by the engine.
func (w *Worker) process(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var sub domain.ClaimSubmittedEvent
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		slog.Error("failed to parse claim submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if tenantID == domain.GlobalQueue {
		tenantID = sub.TenantID
	}
	if tenantID == "" {
		err := fmt.Errorf("%w: submission without tenant", domain.ErrInvalidInput)
		slog.Error("dropping claim submission", "message_id", msg.ID, "error", err)
		return err
	}
	if sub.ClaimID == "" {
		err := fmt.Errorf("%w: claimId is required", domain.ErrInvalidInput)
		slog.Error("dropping claim submission", "message_id", msg.ID, "tenant_id", tenantID, "error", err)
		return err
	}

	traceID := sub.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	ev, err := w.evaluator.EvaluateClaim(ctx, tenantID, sub.ClaimID, traceID)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "claim evaluation failed",
			"claim_id", sub.ClaimID,
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	slog.Info("claim processed",
		"claim_id", sub.ClaimID,
		"tenant_id", tenantID,
		"risk_level", ev.Assessment.RiskLevel,
		"score", ev.Assessment.RiskScore,
		"alerts", len(ev.Alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight evaluations.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.stopped = true
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
