// Package history assembles the claim context an evaluation reads from:
// the member and provider records plus their windowed claim histories.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service loads claim contexts. Member and provider lookups are cached;
// histories always come from the store.
type Service struct {
	reader domain.ClaimReader
	cache  domain.Cache
	cfg    domain.HistoryConfig
}

// NewService creates a history service. c may be nil.
func NewService(reader domain.ClaimReader, c domain.Cache, cfg domain.HistoryConfig) *Service {
	if cfg.MemberWindow <= 0 {
		cfg.MemberWindow = 365 * 24 * time.Hour
	}
	if cfg.ProviderWindow <= 0 {
		cfg.ProviderWindow = 90 * 24 * time.Hour
	}
	if cfg.LookupTTL <= 0 {
		cfg.LookupTTL = 5 * time.Minute
	}
	return &Service{reader: reader, cache: c, cfg: cfg}
}

// Load builds the context for claim. The reference instant is the claim
// date; histories cover the configured windows ending there and never
// include the claim itself. A missing member or provider record fails the
// load with a NotFoundError naming it.
func (s *Service) Load(ctx context.Context, tenantID string, claim *domain.Claim) (*domain.ClaimContext, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: claim is required", domain.ErrInvalidInput)
	}

	asOf := claim.ClaimDate.UTC()
	cc := &domain.ClaimContext{Claim: claim, AsOf: asOf}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m, err := s.member(gctx, tenantID, claim.MemberID)
		if err != nil {
			return err
		}
		cc.Member = m
		return nil
	})
	g.Go(func() error {
		p, err := s.provider(gctx, tenantID, claim.ProviderID)
		if err != nil {
			return err
		}
		cc.Provider = p
		return nil
	})
	g.Go(func() error {
		claims, err := s.reader.ListMemberClaims(gctx, tenantID, claim.MemberID, asOf.Add(-s.cfg.MemberWindow), asOf)
		if err != nil {
			return fmt.Errorf("member history: %w", err)
		}
		cc.MemberHistory = without(claims, claim.ID)
		return nil
	})
	g.Go(func() error {
		claims, err := s.reader.ListProviderClaims(gctx, tenantID, claim.ProviderID, asOf.Add(-s.cfg.ProviderWindow), asOf)
		if err != nil {
			return fmt.Errorf("provider history: %w", err)
		}
		cc.ProviderHistory = without(claims, claim.ID)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cc, nil
}

// LoadByID fetches the stored claim and builds its context.
func (s *Service) LoadByID(ctx context.Context, tenantID, claimID string) (*domain.ClaimContext, error) {
	claim, err := s.reader.GetClaim(ctx, tenantID, claimID)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, tenantID, claim)
}

func (s *Service) member(ctx context.Context, tenantID, id string) (*domain.Member, error) {
	m, err := lookup(ctx, s, tenantID, "member:"+id, func() (*domain.Member, error) {
		return s.reader.GetMember(ctx, tenantID, id)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("member", id)
	}
	return m, err
}

func (s *Service) provider(ctx context.Context, tenantID, id string) (*domain.Provider, error) {
	p, err := lookup(ctx, s, tenantID, "provider:"+id, func() (*domain.Provider, error) {
		return s.reader.GetProvider(ctx, tenantID, id)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("provider", id)
	}
	return p, err
}

// lookup reads through the cache. Cache failures degrade to a store read.
func lookup[T any](ctx context.Context, s *Service, tenantID, key string, load func() (*T, error)) (*T, error) {
	if s.cache != nil {
		var v T
		ok, err := cache.GetJSON(ctx, s.cache, tenantID, key, &v)
		if err != nil {
			slog.Warn("lookup cache read failed", "tenant_id", tenantID, "key", key, "error", err)
		}
		if ok {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, tenantID, key, v, s.cfg.LookupTTL); err != nil {
			slog.Warn("lookup cache write failed", "tenant_id", tenantID, "key", key, "error", err)
		}
	}
	return v, nil
}

// Invalidate drops cached lookups after a member or provider is rewritten.
func (s *Service) Invalidate(ctx context.Context, tenantID, memberID, providerID string) {
	if s.cache == nil {
		return
	}
	if memberID != "" {
		_ = s.cache.Delete(ctx, tenantID, "member:"+memberID)
	}
	if providerID != "" {
		_ = s.cache.Delete(ctx, tenantID, "provider:"+providerID)
	}
}

func without(claims []*domain.Claim, id string) []*domain.Claim {
	out := make([]*domain.Claim, 0, len(claims))
	for _, c := range claims {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
