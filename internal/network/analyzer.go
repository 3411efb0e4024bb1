// Package network builds the provider/member graph around a claim and
// flags suspicious connectivity.
package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	clusterMinSide    = 3
	clusterMaxNodes   = 20
	clusterMinDensity = 0.6

	concentrationMinClaims = 10
	concentrationTopShare  = 0.7

	hoppingMinProviders = 6

	baselineScore = 25
	flaggedScore  = 75
	maxScore      = 95
)

// Analyzer runs bounded breadth-first traversals over shared claims.
type Analyzer struct {
	reader   domain.ClaimReader
	maxDepth int
	maxNodes int
	window   time.Duration
	timeout  time.Duration
}

// NewAnalyzer creates an analyzer, filling unset bounds with defaults.
func NewAnalyzer(reader domain.ClaimReader, cfg domain.NetworkConfig) *Analyzer {
	a := &Analyzer{
		reader:   reader,
		maxDepth: cfg.MaxDepth,
		maxNodes: cfg.MaxNodes,
		window:   cfg.Window,
		timeout:  cfg.Timeout,
	}
	if a.maxDepth <= 0 {
		a.maxDepth = 2
	}
	if a.maxNodes <= 0 {
		a.maxNodes = 200
	}
	if a.window <= 0 {
		a.window = 180 * 24 * time.Hour
	}
	if a.timeout <= 0 {
		a.timeout = 2 * time.Second
	}
	return a
}

type graph struct {
	nodes    map[string]*domain.NetworkNode // keyed by type:id
	edges    map[[2]string]*domain.NetworkEdge
	claims   map[string]bool
	expanded map[string]bool
}

func nodeKey(typ, id string) string { return typ + ":" + id }

func (g *graph) addClaim(c *domain.Claim) {
	if g.claims[c.ID] {
		return
	}
	g.claims[c.ID] = true
	k := [2]string{c.ProviderID, c.MemberID}
	e, ok := g.edges[k]
	if !ok {
		e = &domain.NetworkEdge{ProviderID: c.ProviderID, MemberID: c.MemberID}
		g.edges[k] = e
	}
	e.Claims++
	e.Amount += c.AmountFloat()
}

// Analyze returns the network result for the claim's provider. Hitting the
// node or time bound marks the result truncated rather than failing.
func (a *Analyzer) Analyze(ctx context.Context, tenantID string, cc *domain.ClaimContext) (*domain.NetworkAnalysisResult, error) {
	if cc == nil || cc.Claim == nil {
		return nil, fmt.Errorf("%w: claim is required", domain.ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cl := cc.Claim
	until := cc.Now()
	since := until.Add(-a.window)

	g := &graph{
		nodes:    make(map[string]*domain.NetworkNode),
		edges:    make(map[[2]string]*domain.NetworkEdge),
		claims:   make(map[string]bool),
		expanded: make(map[string]bool),
	}
	g.addClaim(cl)

	queue := []*domain.NetworkNode{
		{ID: cl.ProviderID, Type: domain.EntityProvider},
		{ID: cl.MemberID, Type: domain.EntityMember},
	}
	for _, n := range queue {
		g.nodes[nodeKey(n.Type, n.ID)] = n
	}

	truncated := false
	for len(queue) > 0 && !truncated {
		n := queue[0]
		queue = queue[1:]
		if n.Depth >= a.maxDepth {
			continue
		}

		claims, err := a.neighbors(ctx, tenantID, n, since, until)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				truncated = true
				break
			}
			return nil, fmt.Errorf("expand %s %s: %w", n.Type, n.ID, err)
		}
		g.expanded[nodeKey(n.Type, n.ID)] = true

		for _, c := range claims {
			other := &domain.NetworkNode{ID: c.MemberID, Type: domain.EntityMember, Depth: n.Depth + 1}
			if n.Type == domain.EntityMember {
				other = &domain.NetworkNode{ID: c.ProviderID, Type: domain.EntityProvider, Depth: n.Depth + 1}
			}
			key := nodeKey(other.Type, other.ID)
			if _, seen := g.nodes[key]; !seen {
				if len(g.nodes) >= a.maxNodes {
					truncated = true
					continue
				}
				g.nodes[key] = other
				queue = append(queue, other)
			}
			g.addClaim(c)
		}
	}

	patterns := detect(g, cl)
	res := &domain.NetworkAnalysisResult{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		ClaimID:    cl.ID,
		EntityType: domain.EntityProvider,
		EntityID:   cl.ProviderID,
		Nodes:      sortedNodes(g),
		Edges:      sortedEdges(g),
		Patterns:   patterns,
		Truncated:  truncated,
		Timestamp:  until,
	}
	res.RiskScore, res.Confidence = score(len(patterns))
	return res, nil
}

func (a *Analyzer) neighbors(ctx context.Context, tenantID string, n *domain.NetworkNode, since, until time.Time) ([]*domain.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.Type == domain.EntityProvider {
		return a.reader.ListProviderClaims(ctx, tenantID, n.ID, since, until)
	}
	return a.reader.ListMemberClaims(ctx, tenantID, n.ID, since, until)
}

func score(patterns int) (float64, float64) {
	if patterns == 0 {
		return baselineScore, 0.5
	}
	return math.Min(maxScore, flaggedScore+5*float64(patterns-1)), math.Min(1, 0.5+0.15*float64(patterns))
}

func detect(g *graph, cl *domain.Claim) []domain.NetworkPattern {
	patterns := []domain.NetworkPattern{}
	if p, ok := denseCluster(g, cl); ok {
		patterns = append(patterns, p)
	}

	providerClaims := map[string]map[string]int{}
	memberProviders := map[string]map[string]bool{}
	for k, e := range g.edges {
		if providerClaims[k[0]] == nil {
			providerClaims[k[0]] = map[string]int{}
		}
		providerClaims[k[0]][k[1]] += e.Claims
		if memberProviders[k[1]] == nil {
			memberProviders[k[1]] = map[string]bool{}
		}
		memberProviders[k[1]][k[0]] = true
	}

	for _, pid := range sortedKeys(providerClaims) {
		if !g.expanded[nodeKey(domain.EntityProvider, pid)] {
			continue
		}
		counts := providerClaims[pid]
		var total int
		values := make([]int, 0, len(counts))
		for _, c := range counts {
			total += c
			values = append(values, c)
		}
		if total < concentrationMinClaims {
			continue
		}
		sort.Sort(sort.Reverse(sort.IntSlice(values)))
		var top int
		for i := 0; i < 3 && i < len(values); i++ {
			top += values[i]
		}
		if share := float64(top) / float64(total); share >= concentrationTopShare {
			patterns = append(patterns, domain.NetworkPattern{
				Type:        domain.PatternProviderConcentration,
				Description: fmt.Sprintf("provider %s: top 3 members hold %.0f%% of %d claims", pid, share*100, total),
				Entities:    []string{pid},
				Metric:      share,
			})
		}
	}

	for _, mid := range sortedKeys(memberProviders) {
		if !g.expanded[nodeKey(domain.EntityMember, mid)] {
			continue
		}
		if n := len(memberProviders[mid]); n >= hoppingMinProviders {
			patterns = append(patterns, domain.NetworkPattern{
				Type:        domain.PatternMemberProviderHopping,
				Description: fmt.Sprintf("member %s linked to %d providers", mid, n),
				Entities:    []string{mid},
				Metric:      float64(n),
			})
		}
	}
	return patterns
}

// denseCluster inspects the claim's core: providers the member used and
// members the provider served.
func denseCluster(g *graph, cl *domain.Claim) (domain.NetworkPattern, bool) {
	providers := map[string]bool{cl.ProviderID: true}
	members := map[string]bool{cl.MemberID: true}
	for k := range g.edges {
		if k[1] == cl.MemberID {
			providers[k[0]] = true
		}
		if k[0] == cl.ProviderID {
			members[k[1]] = true
		}
	}
	if len(providers) < clusterMinSide || len(members) < clusterMinSide || len(providers)+len(members) > clusterMaxNodes {
		return domain.NetworkPattern{}, false
	}

	var links int
	for k := range g.edges {
		if providers[k[0]] && members[k[1]] {
			links++
		}
	}
	density := float64(links) / float64(len(providers)*len(members))
	if density < clusterMinDensity {
		return domain.NetworkPattern{}, false
	}

	entities := append(sortedSet(providers), sortedSet(members)...)
	return domain.NetworkPattern{
		Type:        domain.PatternDenseCluster,
		Description: fmt.Sprintf("%d providers and %d members with density %.2f", len(providers), len(members), density),
		Entities:    entities,
		Metric:      density,
	}, true
}

func sortedNodes(g *graph) []domain.NetworkNode {
	out := make([]domain.NetworkNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Type != out[j].Type {
			return out[i].Type > out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedEdges(g *graph) []domain.NetworkEdge {
	out := make([]domain.NetworkEdge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]bool) []string {
	return sortedKeys(m)
}
