package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const tenant = "tenant-001"

func newStore(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "alerts.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// recorder is a notifier that remembers what it was sent.
type recorder struct {
	mu     sync.Mutex
	alerts []*domain.FraudAlert
	err    error
	block  chan struct{}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Send(ctx context.Context, a *domain.FraudAlert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func claim(id string) *domain.Claim {
	return &domain.Claim{ID: id, MemberID: "mbr-1", ProviderID: "prv-1"}
}

func assessment(level domain.RiskLevel, score float64, investigate bool) *domain.Assessment {
	return &domain.Assessment{
		ID:                    "asm-" + string(level),
		RiskScore:             score,
		RiskLevel:             level,
		FraudType:             domain.FraudBilling,
		InvestigationRequired: investigate,
		Indicators: []domain.FraudIndicator{
			{Type: domain.IndicatorUpcoding, Severity: domain.SeverityHigh, Weight: 0.25},
		},
	}
}

func TestRaise(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := &recorder{}
	d := NewDispatcher(rec, domain.AlertConfig{QueueSize: 8, Workers: 1}, nil)
	m := NewManager(store, d, domain.AlertConfig{}, nil)

	t.Run("BelowFloor", func(t *testing.T) {
		a, created, err := m.Raise(ctx, tenant, claim("c-low"), assessment(domain.RiskLow, 30, true))
		require.NoError(t, err)
		assert.Nil(t, a)
		assert.False(t, created)
	})

	t.Run("NotRequired", func(t *testing.T) {
		a, _, err := m.Raise(ctx, tenant, claim("c-quiet"), assessment(domain.RiskHigh, 75, false))
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("CreatesOnce", func(t *testing.T) {
		first, created, err := m.Raise(ctx, tenant, claim("c-1"), assessment(domain.RiskHigh, 78, true))
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.True(t, created)
		assert.Equal(t, domain.AlertOpen, first.Status)
		assert.Equal(t, domain.RiskHigh, first.Severity)
		assert.Len(t, first.Indicators, 1)
		assert.Contains(t, first.Description, "c-1")

		second, created, err := m.Raise(ctx, tenant, claim("c-1"), assessment(domain.RiskCritical, 90, true))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		require.NoError(t, d.Close(ctx))
		assert.Equal(t, 1, rec.count(), "exactly one notification per created alert")
	})
}

func TestRaiseConcurrentDedupe(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, nil, domain.AlertConfig{Floor: domain.RiskMedium}, nil)

	var wg sync.WaitGroup
	var created atomic.Int32
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, ok, err := m.Raise(ctx, tenant, claim("c-race"), assessment(domain.RiskHigh, 80, true))
			if err != nil {
				t.Errorf("raise: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
			ids <- a.ID
		}()
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, int32(1), created.Load())
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "every caller sees the same alert")
}

func TestWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := NewManager(store, nil, domain.AlertConfig{}, nil)

	raise := func(t *testing.T, claimID string) *domain.FraudAlert {
		t.Helper()
		a, created, err := m.Raise(ctx, tenant, claim(claimID), assessment(domain.RiskHigh, 76, true))
		require.NoError(t, err)
		require.True(t, created)
		return a
	}

	t.Run("ConfirmedFraudResolvesAlert", func(t *testing.T) {
		a := raise(t, "c-confirm")

		inv, err := m.OpenInvestigation(ctx, tenant, a.ID, "analyst-1")
		require.NoError(t, err)
		assert.Equal(t, domain.InvestigationPending, inv.Status)

		got, err := m.GetAlert(ctx, tenant, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertInvestigating, got.Status)
		assert.Equal(t, "analyst-1", got.Assignee)

		_, err = m.OpenInvestigation(ctx, tenant, a.ID, "analyst-2")
		assert.ErrorIs(t, err, domain.ErrConflict)

		inv, err = m.StartInvestigation(ctx, tenant, inv.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.InvestigationInProgress, inv.Status)

		inv, closed, err := m.CloseInvestigation(ctx, tenant, inv.ID, "billed twice", domain.Outcome{FraudConfirmed: true})
		require.NoError(t, err)
		assert.Equal(t, domain.InvestigationResolved, inv.Status)
		require.NotNil(t, inv.CompletedAt)
		assert.Equal(t, domain.AlertResolved, closed.Status)
		require.NotNil(t, closed.Resolution)
		assert.Equal(t, domain.FraudBilling, closed.Resolution.FraudType, "fraud type defaults to the alert's")

		_, _, err = m.CloseInvestigation(ctx, tenant, inv.ID, "", domain.Outcome{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("UnconfirmedDismisses", func(t *testing.T) {
		a := raise(t, "c-dismiss")
		inv, err := m.OpenInvestigation(ctx, tenant, a.ID, "")
		require.NoError(t, err)
		_, err = m.StartInvestigation(ctx, tenant, inv.ID, "analyst-3")
		require.NoError(t, err)

		_, closed, err := m.CloseInvestigation(ctx, tenant, inv.ID, "legitimate", domain.Outcome{FraudConfirmed: false, FraudType: domain.FraudDuplicate})
		require.NoError(t, err)
		assert.Equal(t, domain.AlertDismissed, closed.Status)
		assert.Equal(t, domain.FraudNone, closed.Resolution.FraudType)
	})

	t.Run("PendingCannotClose", func(t *testing.T) {
		a := raise(t, "c-pending")
		inv, err := m.OpenInvestigation(ctx, tenant, a.ID, "")
		require.NoError(t, err)

		_, _, err = m.CloseInvestigation(ctx, tenant, inv.ID, "", domain.Outcome{FraudConfirmed: true})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("EscalationPaths", func(t *testing.T) {
		a := raise(t, "c-escalate")
		inv, err := m.OpenInvestigation(ctx, tenant, a.ID, "")
		require.NoError(t, err)

		inv, err = m.EscalateInvestigation(ctx, tenant, inv.ID, "ring suspected")
		require.NoError(t, err)
		assert.Equal(t, domain.InvestigationEscalated, inv.Status)

		got, err := m.GetAlert(ctx, tenant, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertEscalated, got.Status)

		_, err = m.EscalateAlert(ctx, tenant, a.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "ESCALATED cannot escalate again")

		inv, err = m.StartInvestigation(ctx, tenant, inv.ID, "senior-1")
		require.NoError(t, err)
		assert.Equal(t, domain.InvestigationInProgress, inv.Status)

		_, closed, err := m.CloseInvestigation(ctx, tenant, inv.ID, "", domain.Outcome{FraudConfirmed: true, FraudType: domain.FraudUnbundling})
		require.NoError(t, err)
		assert.Equal(t, domain.AlertResolved, closed.Status)
		assert.Equal(t, domain.FraudUnbundling, closed.Resolution.FraudType)
	})

	t.Run("AssignAndEscalateAlert", func(t *testing.T) {
		a := raise(t, "c-assign")

		_, err := m.Assign(ctx, tenant, a.ID, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		got, err := m.Assign(ctx, tenant, a.ID, "analyst-9")
		require.NoError(t, err)
		assert.Equal(t, domain.AlertInvestigating, got.Status)

		got, err = m.Assign(ctx, tenant, a.ID, "analyst-10")
		require.NoError(t, err)
		assert.Equal(t, domain.AlertInvestigating, got.Status)
		assert.Equal(t, "analyst-10", got.Assignee)

		got, err = m.EscalateAlert(ctx, tenant, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertEscalated, got.Status)
	})

	t.Run("MissingAlert", func(t *testing.T) {
		_, err := m.OpenInvestigation(ctx, tenant, "nope", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ListAlertsRanked", func(t *testing.T) {
		alerts, err := m.ListAlerts(ctx, tenant, domain.AlertFilter{})
		require.NoError(t, err)
		require.NotEmpty(t, alerts)
		for i := 1; i < len(alerts); i++ {
			assert.GreaterOrEqual(t, alerts[i-1].RiskScore, alerts[i].RiskScore)
		}
	})
}

// faultyStore fails the next UpdateAlert or CreateInvestigation once.
type faultyStore struct {
	Store
	failUpdate bool
	failCreate bool
}

func (s *faultyStore) UpdateAlert(ctx context.Context, tenantID string, a *domain.FraudAlert) error {
	if s.failUpdate {
		s.failUpdate = false
		return errors.New("disk full")
	}
	return s.Store.UpdateAlert(ctx, tenantID, a)
}

func (s *faultyStore) CreateInvestigation(ctx context.Context, tenantID string, inv *domain.Investigation) error {
	if s.failCreate {
		s.failCreate = false
		return errors.New("disk full")
	}
	return s.Store.CreateInvestigation(ctx, tenantID, inv)
}

func TestOpenInvestigationFailures(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{Store: newStore(t)}
	m := NewManager(store, nil, domain.AlertConfig{}, nil)

	t.Run("AlertUpdateFailureLeavesNoInvestigation", func(t *testing.T) {
		a, _, err := m.Raise(ctx, tenant, claim("c-update-fails"), assessment(domain.RiskHigh, 76, true))
		require.NoError(t, err)

		store.failUpdate = true
		_, err = m.OpenInvestigation(ctx, tenant, a.ID, "analyst-1")
		require.Error(t, err)

		_, err = store.FindActiveInvestigation(ctx, tenant, a.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		inv, err := m.OpenInvestigation(ctx, tenant, a.ID, "analyst-1")
		require.NoError(t, err, "a retry succeeds")
		assert.Equal(t, domain.InvestigationPending, inv.Status)
	})

	t.Run("InsertFailureRestoresAlert", func(t *testing.T) {
		a, _, err := m.Raise(ctx, tenant, claim("c-insert-fails"), assessment(domain.RiskHigh, 76, true))
		require.NoError(t, err)

		store.failCreate = true
		_, err = m.OpenInvestigation(ctx, tenant, a.ID, "analyst-2")
		require.Error(t, err)

		got, err := m.GetAlert(ctx, tenant, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertOpen, got.Status)
		assert.Empty(t, got.Assignee)

		_, err = m.OpenInvestigation(ctx, tenant, a.ID, "analyst-2")
		require.NoError(t, err)
	})
}

func TestDispatcher(t *testing.T) {
	t.Run("NeverBlocks", func(t *testing.T) {
		rec := &recorder{block: make(chan struct{})}
		d := NewDispatcher(rec, domain.AlertConfig{QueueSize: 1, Workers: 1}, nil)

		start := time.Now()
		for i := 0; i < 10; i++ {
			assert.True(t, d.Enqueue(&domain.FraudAlert{ID: fmt.Sprintf("a-%d", i), TenantID: tenant}))
		}
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.GreaterOrEqual(t, d.Stats().Deferred, uint64(8), "one in flight plus one queued")
		assert.Zero(t, d.Stats().Dropped)

		close(rec.block)
		require.NoError(t, d.Close(context.Background()))
	})

	t.Run("OverflowIsSentExactlyOnce", func(t *testing.T) {
		rec := &recorder{block: make(chan struct{})}
		d := NewDispatcher(rec, domain.AlertConfig{QueueSize: 2, Workers: 1}, nil)

		const n = 25
		for i := 0; i < n; i++ {
			require.True(t, d.Enqueue(&domain.FraudAlert{ID: fmt.Sprintf("a-%d", i), TenantID: tenant}))
		}
		assert.Positive(t, d.Stats().Overflow)

		close(rec.block)
		// Overflow drains through the queue while the dispatcher runs.
		require.Eventually(t, func() bool { return rec.count() == n }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, d.Close(context.Background()))

		seen := map[string]int{}
		for _, a := range rec.alerts {
			seen[a.ID]++
		}
		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, id)
		}
		stats := d.Stats()
		assert.Equal(t, uint64(n), stats.Sent)
		assert.Zero(t, stats.Overflow)
		assert.Zero(t, stats.Dropped)
	})

	t.Run("CloseFlushesOverflow", func(t *testing.T) {
		rec := &recorder{block: make(chan struct{})}
		d := NewDispatcher(rec, domain.AlertConfig{QueueSize: 1, Workers: 1}, nil)
		for i := 0; i < 6; i++ {
			d.Enqueue(&domain.FraudAlert{ID: fmt.Sprintf("a-%d", i), TenantID: tenant})
		}

		close(rec.block)
		require.NoError(t, d.Close(context.Background()))
		assert.Equal(t, 6, rec.count())
	})

	t.Run("FailuresAreCounted", func(t *testing.T) {
		rec := &recorder{err: errors.New("smtp down")}
		d := NewDispatcher(rec, domain.AlertConfig{QueueSize: 4, Workers: 2}, nil)
		d.Enqueue(&domain.FraudAlert{ID: "a1", TenantID: tenant})
		d.Enqueue(&domain.FraudAlert{ID: "a2", TenantID: tenant})
		require.NoError(t, d.Close(context.Background()))

		assert.Equal(t, uint64(2), d.Stats().Failed)
		assert.Equal(t, uint64(0), d.Stats().Sent)
	})

	t.Run("ClosedDrops", func(t *testing.T) {
		d := NewDispatcher(&recorder{}, domain.AlertConfig{}, nil)
		require.NoError(t, d.Close(context.Background()))
		assert.False(t, d.Enqueue(&domain.FraudAlert{ID: "late", TenantID: tenant}))
		require.NoError(t, d.Close(context.Background()))
	})
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNotifiers(t *testing.T) {
	ctx := context.Background()
	a := &domain.FraudAlert{ID: "alt-1", TenantID: tenant, ClaimID: "c-1", Severity: domain.RiskHigh, RiskScore: 77}

	t.Run("Log", func(t *testing.T) {
		n, err := NewNotifier(domain.NotifierConfig{Type: "log"}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "log", n.Name())
		assert.NoError(t, n.Send(ctx, a))
	})

	t.Run("Bus", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()

		got := make(chan *domain.FraudAlert, 1)
		_, err := b.Subscribe(ctx, tenant, domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
			var fa domain.FraudAlert
			if err := json.Unmarshal(msg.Payload, &fa); err != nil {
				return err
			}
			got <- &fa
			return nil
		})
		require.NoError(t, err)

		n, err := NewNotifier(domain.NotifierConfig{Type: "bus"}, b, nil)
		require.NoError(t, err)
		require.NoError(t, n.Send(ctx, a))

		select {
		case fa := <-got:
			assert.Equal(t, "alt-1", fa.ID)
		case <-time.After(time.Second):
			t.Fatal("alert not published")
		}

		_, err = NewNotifier(domain.NotifierConfig{Type: "bus"}, nil, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Kafka", func(t *testing.T) {
		_, err := NewKafkaNotifier(nil, "x")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		w := &fakeWriter{}
		n := &KafkaNotifier{writer: w, topic: "kestrel.alerts"}
		require.NoError(t, n.Send(ctx, a))
		require.Len(t, w.msgs, 1)
		assert.Equal(t, "kestrel.alerts", w.msgs[0].Topic)
		assert.Equal(t, tenant+"/c-1", string(w.msgs[0].Key))

		d := NewDispatcher(n, domain.AlertConfig{}, nil)
		require.NoError(t, d.Close(ctx))
		assert.True(t, w.closed, "dispatcher closes closable notifiers")
	})

	t.Run("Webhook", func(t *testing.T) {
		gotTenant := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotTenant <- r.Header.Get("X-Tenant-ID")
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		n, err := NewNotifier(domain.NotifierConfig{Type: "webhook", WebhookURL: srv.URL}, nil, srv.Client())
		require.NoError(t, err)
		require.NoError(t, n.Send(ctx, a))
		assert.Equal(t, tenant, <-gotTenant)

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer failing.Close()
		n, err = NewWebhookNotifier(failing.URL, failing.Client())
		require.NoError(t, err)
		assert.Error(t, n.Send(ctx, a))
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewNotifier(domain.NotifierConfig{Type: "pigeon"}, nil, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}
