package behavior

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	profiles  map[string]domain.BehavioralProfile
	conflicts atomic.Int32 // saves to fail with ErrConflict
	saves     atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]domain.BehavioralProfile)}
}

func (s *memStore) GetProfile(_ context.Context, tenantID, memberID string) (*domain.BehavioralProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[tenantID+"/"+memberID]
	if !ok {
		return nil, domain.NotFound("profile", memberID)
	}
	return &p, nil
}

func (s *memStore) SaveProfile(_ context.Context, tenantID string, p *domain.BehavioralProfile) error {
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return domain.ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + p.MemberID
	if existing, ok := s.profiles[key]; ok && existing.Version != p.Version {
		return domain.ErrConflict
	} else if !ok && p.Version != 0 {
		return domain.ErrConflict
	}
	p.Version++
	s.profiles[key] = *p
	s.saves.Add(1)
	return nil
}

var base = time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)

func claimN(n int, amount int64) *domain.ClaimContext {
	at := base.Add(time.Duration(n) * 7 * 24 * time.Hour)
	return &domain.ClaimContext{
		Claim: &domain.Claim{
			ID:         fmt.Sprintf("claim-%03d", n),
			TenantID:   "tenant-001",
			MemberID:   "member-001",
			ProviderID: "provider-001",
			Amount:     decimal.NewFromInt(amount),
			ClaimDate:  at,
		},
	}
}

func TestAnalyze_ColdStart(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{})

	a, err := p.Analyze(context.Background(), "tenant-001", claimN(0, 120))
	require.NoError(t, err)

	assert.True(t, a.ColdStart)
	assert.Empty(t, a.Anomalies)
	assert.Equal(t, 0.0, a.RiskScore)
	assert.Equal(t, 0.1, a.Confidence)
	assert.Equal(t, 120.0, a.Profile.Baseline.AverageAmount)
	assert.Equal(t, 1, a.Profile.Version)
	assert.True(t, a.Persisted)
}

func TestAnalyze_OutlierDoesNotResetBaseline(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{Alpha: 0.2})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := p.Analyze(ctx, "tenant-001", claimN(i, 100))
		require.NoError(t, err)
	}

	outlier, err := p.Analyze(ctx, "tenant-001", claimN(6, 10000))
	require.NoError(t, err)
	require.NotEmpty(t, outlier.Anomalies)
	assert.Equal(t, "amount", outlier.Anomalies[0].Metric)
	assert.Equal(t, 10.0, outlier.RiskScore)

	after := outlier.Profile.Baseline.AverageAmount
	assert.Less(t, after, 1000.0, "baseline must not jump to the outlier")
	assert.Greater(t, after, 100.0)

	next, err := p.Analyze(ctx, "tenant-001", claimN(7, 100))
	require.NoError(t, err)
	for _, an := range next.Anomalies {
		assert.NotEqual(t, "amount", an.Metric, "normal claim measured against a near pre-outlier baseline")
	}
}

func TestAnalyze_ZScoreAfterVariance(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{})
	ctx := context.Background()

	amounts := []int64{90, 110, 95, 105, 100, 98, 102}
	for i, amt := range amounts {
		_, err := p.Analyze(ctx, "tenant-001", claimN(i, amt))
		require.NoError(t, err)
	}

	a, err := p.Analyze(ctx, "tenant-001", claimN(len(amounts), 400))
	require.NoError(t, err)
	require.NotEmpty(t, a.Anomalies)
	assert.Equal(t, "zscore", a.Anomalies[0].Method)
}

func TestAnalyze_Idempotent(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := p.Analyze(ctx, "tenant-001", claimN(i, 100))
		require.NoError(t, err)
	}
	first, err := p.Analyze(ctx, "tenant-001", claimN(4, 900))
	require.NoError(t, err)
	saves := store.saves.Load()

	second, err := p.Analyze(ctx, "tenant-001", claimN(4, 900))
	require.NoError(t, err)

	assert.Equal(t, saves, store.saves.Load(), "re-analysis must not write")
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.Anomalies, second.Anomalies)
	assert.Equal(t, first.Profile.Version, second.Profile.Version)
}

func TestAnalyze_RetriesConflicts(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{MaxRetries: 3})
	ctx := context.Background()

	store.conflicts.Store(2)
	a, err := p.Analyze(ctx, "tenant-001", claimN(0, 100))
	require.NoError(t, err)
	assert.True(t, a.Persisted)

	store.conflicts.Store(5)
	a, err = p.Analyze(ctx, "tenant-001", claimN(1, 100))
	require.NoError(t, err, "conflicts are never surfaced")
	assert.False(t, a.Persisted)
}

func TestAnalyze_ConcurrentSameMember(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, cache.NewLRUCache(100), domain.BehaviorConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := p.Analyze(ctx, "tenant-001", claimN(n, 100))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	prof, err := p.Profile(ctx, "tenant-001", "member-001")
	require.NoError(t, err)
	assert.Equal(t, 20, prof.SampleCount)
	assert.Equal(t, 20, prof.Version)
	assert.Equal(t, 0, p.locks.size())
}

func TestAnalyze_FrequencyAnomaly(t *testing.T) {
	store := newMemStore()
	p := NewProfiler(store, nil, domain.BehaviorConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Analyze(ctx, "tenant-001", claimN(i*5, 100))
		require.NoError(t, err)
	}

	burst := claimN(25, 100)
	for i := 0; i < 6; i++ {
		burst.MemberHistory = append(burst.MemberHistory, &domain.Claim{
			ID: fmt.Sprintf("h%d", i), MemberID: "member-001", ProviderID: "provider-001",
			ClaimDate: burst.Claim.ClaimDate.Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}
	a, err := p.Analyze(ctx, "tenant-001", burst)
	require.NoError(t, err)

	var metrics []string
	for _, an := range a.Anomalies {
		metrics = append(metrics, an.Metric)
	}
	assert.Contains(t, metrics, "frequency")
}

func TestProfile_NotFound(t *testing.T) {
	p := NewProfiler(newMemStore(), nil, domain.BehaviorConfig{})
	_, err := p.Profile(context.Background(), "tenant-001", "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
