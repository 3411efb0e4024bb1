package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const sendTimeout = 10 * time.Second

// Dispatcher delivers notifications off the request path. Enqueue never
// blocks: when the queue is full the notification is held in an overflow
// list and re-queued as workers free up, so every accepted alert is sent
// exactly once. Only notifications enqueued after Close are dropped.
type Dispatcher struct {
	notifier domain.Notifier
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	queue  chan *domain.FraudAlert
	closed bool
	wg     sync.WaitGroup

	pmu      sync.Mutex
	overflow []*domain.FraudAlert

	sent     atomic.Uint64
	failed   atomic.Uint64
	deferred atomic.Uint64
	dropped  atomic.Uint64
}

// DispatcherStats is a snapshot of delivery counters.
type DispatcherStats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Deferred uint64 `json:"deferred"`
	Dropped  uint64 `json:"dropped"`
	Queued   int    `json:"queued"`
	Overflow int    `json:"overflow"`
}

// NewDispatcher starts cfg.Workers goroutines draining a queue of
// cfg.QueueSize notifications.
func NewDispatcher(n domain.Notifier, cfg domain.AlertConfig, m *metrics.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	d := &Dispatcher{
		notifier: n,
		metrics:  m,
		queue:    make(chan *domain.FraudAlert, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Enqueue schedules one notification for alert. It reports false only when
// the dispatcher is closed and the notification was dropped.
func (d *Dispatcher) Enqueue(a *domain.FraudAlert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(a, "dispatcher closed")
		return false
	}

	cp := *a
	select {
	case d.queue <- &cp:
	default:
		d.hold(&cp)
	}
	return true
}

func (d *Dispatcher) hold(a *domain.FraudAlert) {
	d.pmu.Lock()
	d.overflow = append(d.overflow, a)
	d.pmu.Unlock()

	d.deferred.Add(1)
	d.metrics.Notification(d.notifier.Name(), "deferred")
	slog.Warn("alert notification deferred",
		"tenant_id", a.TenantID,
		"alert_id", a.ID,
		"reason", "queue full",
	)
	// Workers may have drained the queue since the send above failed.
	d.refillLocked()
}

// refill moves held notifications into the queue while it has room.
func (d *Dispatcher) refill() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.refillLocked()
}

// refillLocked is refill for callers already holding d.mu.
func (d *Dispatcher) refillLocked() {
	if d.closed {
		return
	}
	d.pmu.Lock()
	defer d.pmu.Unlock()
	for len(d.overflow) > 0 {
		select {
		case d.queue <- d.overflow[0]:
			d.overflow[0] = nil
			d.overflow = d.overflow[1:]
		default:
			return
		}
	}
}

func (d *Dispatcher) takeOverflow() []*domain.FraudAlert {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	held := d.overflow
	d.overflow = nil
	return held
}

func (d *Dispatcher) drop(a *domain.FraudAlert, reason string) {
	d.dropped.Add(1)
	d.metrics.NotificationDropped()
	slog.Warn("alert notification dropped",
		"tenant_id", a.TenantID,
		"alert_id", a.ID,
		"reason", reason,
	)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for a := range d.queue {
		d.send(a)
		d.refill()
	}
}

func (d *Dispatcher) send(a *domain.FraudAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := d.notifier.Send(ctx, a); err != nil {
		d.failed.Add(1)
		d.metrics.Notification(d.notifier.Name(), "failed")
		slog.Error("alert notification failed",
			"tenant_id", a.TenantID,
			"alert_id", a.ID,
			"notifier", d.notifier.Name(),
			"error", err,
		)
		return
	}
	d.sent.Add(1)
	d.metrics.Notification(d.notifier.Name(), "sent")
}

// Close stops accepting notifications and waits for the queue to drain
// or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		for _, a := range d.takeOverflow() {
			d.send(a)
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if c, ok := d.notifier.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.pmu.Lock()
	overflow := len(d.overflow)
	d.pmu.Unlock()
	return DispatcherStats{
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Deferred: d.deferred.Load(),
		Dropped:  d.dropped.Load(),
		Queued:   len(d.queue),
		Overflow: overflow,
	}
}
