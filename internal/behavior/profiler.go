// Package behavior maintains per-member behavioral baselines and flags
// claims that deviate from them.
package behavior

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	pointsPerAnomaly = 10
	fullConfidenceAt = 20
	coldConfidence   = 0.1
)

// Analysis is the outcome of analyzing one claim against a member baseline.
type Analysis struct {
	Profile    *domain.BehavioralProfile
	Anomalies  []domain.BehaviorAnomaly
	RiskScore  float64
	Confidence float64
	ColdStart  bool

	// Persisted is false when the updated profile could not be saved.
	Persisted bool
}

// Profiler analyzes claims against member baselines. Read-modify-write of
// one member's profile is serialized in-process; SaveProfile's version
// check covers other processes.
type Profiler struct {
	store      domain.ProfileStore
	cache      domain.Cache
	locks      *keyedMutex
	alpha      float64
	maxRetries int
	cacheTTL   time.Duration
}

// NewProfiler creates a profiler. cache may be nil.
func NewProfiler(store domain.ProfileStore, cache domain.Cache, cfg domain.BehaviorConfig) *Profiler {
	p := &Profiler{
		store:      store,
		cache:      cache,
		locks:      newKeyedMutex(),
		alpha:      cfg.Alpha,
		maxRetries: cfg.MaxRetries,
		cacheTTL:   cfg.CacheTTL,
	}
	if p.alpha <= 0 || p.alpha > 1 {
		p.alpha = 0.2
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.cacheTTL <= 0 {
		p.cacheTTL = 10 * time.Minute
	}
	return p
}

// Analyze compares the claim to the member's baseline and evolves it.
// Re-analyzing the claim that last updated the profile returns the stored
// result unchanged.
func (p *Profiler) Analyze(ctx context.Context, tenantID string, cc *domain.ClaimContext) (*Analysis, error) {
	if cc == nil || cc.Claim == nil {
		return nil, fmt.Errorf("%w: claim is required", domain.ErrInvalidInput)
	}
	memberID := cc.Claim.MemberID

	unlock := p.locks.Lock(tenantID + "/" + memberID)
	defer unlock()

	var last *Analysis
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		current, err := p.load(ctx, tenantID, memberID, attempt > 0)
		if err != nil {
			return nil, err
		}

		if current != nil && current.LastClaimID == cc.Claim.ID {
			return stored(current), nil
		}

		a := p.analyze(tenantID, current, cc)
		last = a

		err = p.store.SaveProfile(ctx, tenantID, a.Profile)
		if err == nil {
			a.Persisted = true
			p.remember(ctx, tenantID, a.Profile)
			return a, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("save profile: %w", err)
		}

		slog.Debug("profile version conflict, retrying",
			"tenant_id", tenantID,
			"member_id", memberID,
			"attempt", attempt+1,
		)
		p.forget(ctx, tenantID, memberID)
	}

	slog.Warn("profile update abandoned after conflicts",
		"tenant_id", tenantID,
		"member_id", memberID,
		"attempts", p.maxRetries,
	)
	return last, nil
}

// Profile returns the stored profile for a member.
func (p *Profiler) Profile(ctx context.Context, tenantID, memberID string) (*domain.BehavioralProfile, error) {
	prof, err := p.load(ctx, tenantID, memberID, false)
	if err != nil {
		return nil, err
	}
	if prof == nil {
		return nil, domain.NotFound("profile", memberID)
	}
	return prof, nil
}

func (p *Profiler) analyze(tenantID string, current *domain.BehavioralProfile, cc *domain.ClaimContext) *Analysis {
	now := cc.Now()
	o := observe(cc)

	if current == nil {
		prof := &domain.BehavioralProfile{
			MemberID:    cc.Claim.MemberID,
			TenantID:    tenantID,
			Baseline:    coldBaseline(o),
			Current:     o.metrics(),
			Anomalies:   []domain.BehaviorAnomaly{},
			Confidence:  coldConfidence,
			SampleCount: 1,
			LastClaimID: cc.Claim.ID,
			LastUpdated: now,
			CreatedAt:   now,
		}
		return &Analysis{Profile: prof, Anomalies: prof.Anomalies, Confidence: coldConfidence, ColdStart: true}
	}

	anomalies := detect(current.Baseline, current.SampleCount, current.Confidence, o)
	if anomalies == nil {
		anomalies = []domain.BehaviorAnomaly{}
	}

	next := *current
	next.Baseline = update(current.Baseline, o, p.alpha, anomalies)
	next.Current = o.metrics()
	next.Anomalies = anomalies
	next.SampleCount = current.SampleCount + 1
	next.Confidence = confidence(next.SampleCount)
	next.RiskScore = math.Min(100, float64(pointsPerAnomaly*len(anomalies)))
	next.LastClaimID = cc.Claim.ID
	next.LastUpdated = now

	return &Analysis{
		Profile:    &next,
		Anomalies:  anomalies,
		RiskScore:  next.RiskScore,
		Confidence: next.Confidence,
	}
}

func stored(prof *domain.BehavioralProfile) *Analysis {
	return &Analysis{
		Profile:    prof,
		Anomalies:  prof.Anomalies,
		RiskScore:  prof.RiskScore,
		Confidence: prof.Confidence,
		ColdStart:  prof.SampleCount <= 1,
		Persisted:  true,
	}
}

func confidence(samples int) float64 {
	return math.Min(1, math.Max(coldConfidence, float64(samples)/fullConfidenceAt))
}

// load reads through the cache unless fresh is set. A missing profile is (nil, nil).
func (p *Profiler) load(ctx context.Context, tenantID, memberID string, fresh bool) (*domain.BehavioralProfile, error) {
	if p.cache != nil && !fresh {
		if data, err := p.cache.Get(ctx, tenantID, cacheKey(memberID)); err == nil && data != nil {
			var prof domain.BehavioralProfile
			if err := json.Unmarshal(data, &prof); err == nil {
				return &prof, nil
			}
		}
	}

	prof, err := p.store.GetProfile(ctx, tenantID, memberID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return prof, nil
}

func (p *Profiler) remember(ctx context.Context, tenantID string, prof *domain.BehavioralProfile) {
	if p.cache == nil {
		return
	}
	data, err := json.Marshal(prof)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, tenantID, cacheKey(prof.MemberID), data, p.cacheTTL); err != nil {
		slog.Warn("failed to cache profile", "tenant_id", tenantID, "member_id", prof.MemberID, "error", err)
	}
}

func (p *Profiler) forget(ctx context.Context, tenantID, memberID string) {
	if p.cache != nil {
		_ = p.cache.Delete(ctx, tenantID, cacheKey(memberID))
	}
}

func cacheKey(memberID string) string {
	return "profile:" + memberID
}
