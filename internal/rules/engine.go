// Package rules evaluates configurable fraud rules against a claim and its
// computed risk factors.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates condition trees with CEL leaves.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledRule // keyed by tenant/id@version
	latest     map[string]string        // tenant/id -> compiled key
	maxWorkers int

	// OnSkip is called for every rule skipped as malformed.
	OnSkip func(ruleID string, err error)
}

// CompiledRule holds a parsed condition tree with compiled CEL programs.
type CompiledRule struct {
	Rule      *domain.FraudRule
	Condition Condition
}

// Result is the outcome of evaluating one claim against a rule set.
type Result struct {
	Triggered []domain.TriggeredRule
	Evaluated int
	Skipped   int
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("member", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("provider", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("history", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("factors", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledRule),
		latest:     make(map[string]string),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule parses and compiles a rule without caching it.
func (e *Engine) ValidateRule(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	_, err := e.compileRule(rule)
	return err
}

// Compile returns the cached compiled form of rule, compiling on first use.
func (e *Engine) Compile(rule *domain.FraudRule) (*CompiledRule, error) {
	id := rule.TenantID + "/" + rule.ID
	key := fmt.Sprintf("%s@%d", id, rule.Version)

	e.mu.RLock()
	c, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := e.compileRule(rule)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if old, ok := e.latest[id]; ok && old != key {
		delete(e.compiled, old)
	}
	e.compiled[key] = c
	e.latest[id] = key
	e.mu.Unlock()

	return c, nil
}

// Evaluate runs every active rule against the claim in priority order
// (priority descending, id ascending). Malformed rules are skipped with a
// warning. Evaluation is side-effect free apart from the compile cache.
func (e *Engine) Evaluate(ctx context.Context, cc *domain.ClaimContext, factors domain.RiskFactorSet, rules []*domain.FraudRule) *Result {
	active := make([]*domain.FraudRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Active() {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	res := &Result{}
	if len(active) == 0 {
		return res
	}

	facts := BuildFacts(cc, factors)

	type outcome struct {
		fired   bool
		skipped bool
		reason  string
	}
	outcomes := make([]outcome, len(active))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range active {
		wg.Add(1)
		go func(idx int, r *domain.FraudRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				outcomes[idx] = outcome{skipped: true}
				return
			}

			compiled, err := e.Compile(r)
			if err != nil {
				e.skip(r, err)
				outcomes[idx] = outcome{skipped: true}
				return
			}

			fired, err := compiled.Condition.eval(facts)
			if err != nil {
				e.skip(r, err)
				outcomes[idx] = outcome{skipped: true}
				return
			}
			outcomes[idx] = outcome{fired: fired, reason: compiled.Condition.String()}
		}(i, rule)
	}

	wg.Wait()

	for i, o := range outcomes {
		if o.skipped {
			res.Skipped++
			continue
		}
		res.Evaluated++
		if o.fired {
			res.Triggered = append(res.Triggered, triggered(active[i], o.reason))
		}
	}
	return res
}

func triggered(r *domain.FraudRule, condition string) domain.TriggeredRule {
	indicatorType := r.IndicatorType
	if indicatorType == "" {
		indicatorType = domain.IndicatorRuleTriggered
	}
	reason := r.Description
	if reason == "" {
		reason = condition
	}
	return domain.TriggeredRule{
		RuleID:        r.ID,
		RuleVersion:   r.Version,
		Name:          r.Name,
		Priority:      r.Priority,
		Severity:      r.Severity,
		Weight:        r.Weight,
		IndicatorType: indicatorType,
		Reason:        reason,
	}
}

func (e *Engine) skip(r *domain.FraudRule, err error) {
	slog.Warn("skipping malformed rule",
		"tenant_id", r.TenantID,
		"rule_id", r.ID,
		"version", r.Version,
		"error", err,
	)
	if e.OnSkip != nil {
		e.OnSkip(r.ID, err)
	}
}

// CompiledCount returns the number of cached compiled rules.
func (e *Engine) CompiledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Close drops the compile cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledRule)
	e.latest = make(map[string]string)
	return nil
}

func (e *Engine) compileRule(rule *domain.FraudRule) (*CompiledRule, error) {
	if !rule.Severity.Valid() {
		return nil, fmt.Errorf("rule %s: invalid severity %q", rule.ID, rule.Severity)
	}
	if rule.Weight <= 0 {
		return nil, fmt.Errorf("rule %s: weight must be positive", rule.ID)
	}

	cond, err := ParseCondition(rule.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	err = walkExprs(cond, func(x *Expr) error {
		ast, issues := e.env.Compile(x.Source)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
		}
		x.program = program
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CompiledRule{Rule: rule, Condition: cond}, nil
}
