// Package engine orchestrates claim evaluation: history, signals, rules,
// behavior, network, models, scoring and alerting.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/network"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
)

var tracer = otel.Tracer("kestrel-engine")

// Options wires an Engine. Store and Config are required; every other
// field has a working default.
type Options struct {
	Config  *domain.Config
	Store   domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Metrics *metrics.Metrics

	// Notifier defaults to the one selected by Config.Notifier.
	Notifier domain.Notifier

	// Models defaults to the predictors listed in Config.Models.
	Models *ensemble.Adapter
}

// Engine evaluates claims. It is safe for concurrent use.
type Engine struct {
	store   domain.Repository
	bus     domain.EventBus
	metrics *metrics.Metrics

	history    *history.Service
	signals    *signals.Calculator
	rules      *rules.Engine
	profiler   *behavior.Profiler
	network    *network.Analyzer
	models     *ensemble.Adapter
	scorer     *scoring.Processor
	alerts     *alert.Manager
	dispatcher *alert.Dispatcher

	seedDefaults bool
	globalQueue  bool
	seeded       sync.Map // tenant ID -> struct{}
}

// New builds the evaluation pipeline.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrInvalidInput)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}

	ruleEngine, err := rules.NewEngine(10)
	if err != nil {
		return nil, err
	}

	models := opts.Models
	if models == nil {
		models, err = ensemble.FromConfig(cfg.Models, opts.Bus, nil)
		if err != nil {
			return nil, fmt.Errorf("configure models: %w", err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = alert.NewNotifier(cfg.Notifier, opts.Bus, nil)
		if err != nil {
			return nil, fmt.Errorf("configure notifier: %w", err)
		}
	}
	dispatcher := alert.NewDispatcher(notifier, cfg.Alerts, opts.Metrics)

	return &Engine{
		store:        opts.Store,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		history:      history.NewService(opts.Store, opts.Cache, cfg.History),
		signals:      signals.NewCalculator(cfg.Signals),
		rules:        ruleEngine,
		profiler:     behavior.NewProfiler(opts.Store, opts.Cache, cfg.Behavior),
		network:      network.NewAnalyzer(opts.Store, cfg.Network),
		models:       models,
		scorer:       scoring.NewProcessor(cfg.Scoring),
		alerts:       alert.NewManager(opts.Store, dispatcher, cfg.Alerts, opts.Metrics),
		dispatcher:   dispatcher,
		seedDefaults: cfg.SeedDefaultRules,
		globalQueue:  len(cfg.Worker.Tenants) == 0,
	}, nil
}

// Alerts exposes the alert and investigation workflows.
func (e *Engine) Alerts() *alert.Manager {
	return e.alerts
}

// Close drains pending notifications and releases compiled rules.
func (e *Engine) Close(ctx context.Context) error {
	err := e.dispatcher.Close(ctx)
	e.rules.Close()
	return err
}

// Evaluation is the outcome of one evaluateClaim call.
type Evaluation struct {
	Assessment *domain.Assessment
	Alerts     []*domain.FraudAlert
	Network    *domain.NetworkAnalysisResult
}

// Response converts the evaluation to its API form.
func (ev *Evaluation) Response() *domain.EvaluationResponse {
	return ev.Assessment.ToResponse(ev.Alerts)
}

// EvaluateClaim loads the stored claim with its history and evaluates it.
func (e *Engine) EvaluateClaim(ctx context.Context, tenantID, claimID, traceID string) (*Evaluation, error) {
	cc, err := e.history.LoadByID(ctx, tenantID, claimID)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, tenantID, cc, traceID)
}

// Evaluate scores a claim context. It fails only when a required input is
// missing; failing stages degrade the assessment's confidence instead.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, cc *domain.ClaimContext, traceID string) (*Evaluation, error) {
	start := time.Now()

	if err := validate(tenantID, cc); err != nil {
		return nil, err
	}
	claim := cc.Claim

	ctx, span := tracer.Start(ctx, "engine.evaluate", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("claim.id", claim.ID),
	))
	defer span.End()

	if traceID == "" {
		traceID = span.SpanContext().TraceID().String()
	}

	// Signals and detectors are pure and feed every later stage.
	t := time.Now()
	factors := e.signals.ComputeFactors(cc)
	detected := e.signals.DetectPatterns(cc)
	signalsDur := e.stage("signals", t)

	t = time.Now()
	ruleResult := e.evaluateRules(ctx, tenantID, cc, factors)
	rulesDur := e.stage("rules", t)

	var (
		wg                                sync.WaitGroup
		analysis                          *behavior.Analysis
		netResult                         *domain.NetworkAnalysisResult
		modelResult                       *domain.EnsembleResult
		behaviorDur, networkDur, modelDur time.Duration
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		t := time.Now()
		analysis = e.analyzeBehavior(ctx, tenantID, cc)
		behaviorDur = e.stage("behavior", t)
	}()
	go func() {
		defer wg.Done()
		t := time.Now()
		netResult = e.analyzeNetwork(ctx, tenantID, cc)
		networkDur = e.stage("network", t)
	}()
	go func() {
		defer wg.Done()
		t := time.Now()
		modelResult = e.predict(ctx, tenantID, cc, factors)
		modelDur = e.stage("models", t)
	}()
	wg.Wait()

	in := &scoring.Input{
		TenantID:       tenantID,
		ClaimID:        claim.ID,
		TraceID:        traceID,
		StartTime:      start,
		Factors:        factors,
		Detected:       detected,
		Triggered:      ruleResult.Triggered,
		RulesEvaluated: ruleResult.Evaluated,
		Network:        netResult,
	}
	if analysis != nil {
		in.Behavior = &scoring.BehaviorSummary{Anomalies: analysis.Anomalies, Confidence: analysis.Confidence}
	}
	if modelResult != nil && modelResult.ModelsQueried > 0 {
		in.Model = modelResult
		in.ModelIndicators = e.models.Indicators(modelResult)
	}

	a := e.scorer.Process(ctx, in)
	a.Metadata.SignalsMs = signalsDur.Milliseconds()
	a.Metadata.RulesMs = rulesDur.Milliseconds()
	a.Metadata.BehaviorMs = behaviorDur.Milliseconds()
	a.Metadata.NetworkMs = networkDur.Milliseconds()
	a.Metadata.ModelsMs = modelDur.Milliseconds()

	if netResult != nil {
		if err := e.store.SaveNetworkResult(ctx, tenantID, netResult); err != nil {
			slog.Warn("failed to save network result", "tenant_id", tenantID, "claim_id", claim.ID, "error", err)
		}
	}
	if err := e.store.SaveAssessment(ctx, tenantID, a); err != nil {
		slog.Error("failed to save assessment", "tenant_id", tenantID, "claim_id", claim.ID, "error", err)
	}

	ev := &Evaluation{Assessment: a, Alerts: []*domain.FraudAlert{}, Network: netResult}
	if fa, _, err := e.alerts.Raise(ctx, tenantID, claim, a); err != nil {
		slog.Error("failed to raise alert", "tenant_id", tenantID, "claim_id", claim.ID, "error", err)
	} else if fa != nil {
		ev.Alerts = append(ev.Alerts, fa)
	}

	if e.bus != nil {
		if err := bus.PublishJSON(ctx, e.bus, tenantID, domain.TopicAssessment, a); err != nil {
			slog.Warn("failed to publish assessment", "tenant_id", tenantID, "claim_id", claim.ID, "error", err)
		}
	}

	a.Metadata.TotalMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Float64("risk.score", a.RiskScore),
		attribute.String("risk.level", string(a.RiskLevel)),
		attribute.Int("alerts", len(ev.Alerts)),
	)

	slog.Info("claim evaluated",
		"tenant_id", tenantID,
		"claim_id", claim.ID,
		"risk_score", a.RiskScore,
		"risk_level", a.RiskLevel,
		"fraud_type", a.FraudType,
		"confidence", a.Confidence,
		"duration_ms", a.Metadata.TotalMs,
	)
	return ev, nil
}

func validate(tenantID string, cc *domain.ClaimContext) error {
	switch {
	case tenantID == "":
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	case cc == nil || cc.Claim == nil:
		return fmt.Errorf("%w: claim is required", domain.ErrInvalidInput)
	case cc.Claim.ID == "":
		return fmt.Errorf("%w: claim.id is required", domain.ErrInvalidInput)
	case cc.Claim.MemberID == "":
		return fmt.Errorf("%w: claim.memberId is required", domain.ErrInvalidInput)
	case cc.Claim.ProviderID == "":
		return fmt.Errorf("%w: claim.providerId is required", domain.ErrInvalidInput)
	case cc.Claim.ClaimDate.IsZero():
		return fmt.Errorf("%w: claim.claimDate is required", domain.ErrInvalidInput)
	}
	return nil
}

func (e *Engine) stage(name string, start time.Time) time.Duration {
	d := time.Since(start)
	e.metrics.ObserveStage(name, d)
	return d
}

func (e *Engine) evaluateRules(ctx context.Context, tenantID string, cc *domain.ClaimContext, factors domain.RiskFactorSet) *rules.Result {
	ctx, span := tracer.Start(ctx, "engine.rules")
	defer span.End()

	if err := e.ensureRules(ctx, tenantID); err != nil {
		slog.Warn("failed to seed default rules", "tenant_id", tenantID, "error", err)
	}

	active, err := e.store.ListActiveRules(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		slog.Warn("failed to load rules", "tenant_id", tenantID, "claim_id", cc.Claim.ID, "error", err)
		return &rules.Result{}
	}

	res := e.rules.Evaluate(ctx, cc, factors, active)
	span.SetAttributes(
		attribute.Int("rules.evaluated", res.Evaluated),
		attribute.Int("rules.triggered", len(res.Triggered)),
		attribute.Int("rules.skipped", res.Skipped),
	)
	return res
}

func (e *Engine) analyzeBehavior(ctx context.Context, tenantID string, cc *domain.ClaimContext) *behavior.Analysis {
	ctx, span := tracer.Start(ctx, "engine.behavior")
	defer span.End()

	a, err := e.profiler.Analyze(ctx, tenantID, cc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "behavior unavailable")
		slog.Warn("behavioral analysis failed", "tenant_id", tenantID, "claim_id", cc.Claim.ID, "error", err)
		return nil
	}
	span.SetAttributes(attribute.Int("behavior.anomalies", len(a.Anomalies)))
	return a
}

func (e *Engine) analyzeNetwork(ctx context.Context, tenantID string, cc *domain.ClaimContext) *domain.NetworkAnalysisResult {
	ctx, span := tracer.Start(ctx, "engine.network")
	defer span.End()

	res, err := e.network.Analyze(ctx, tenantID, cc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "network unavailable")
		slog.Warn("network analysis failed", "tenant_id", tenantID, "claim_id", cc.Claim.ID, "error", err)
		return nil
	}
	if res.Truncated {
		e.metrics.NetworkTruncated()
	}
	span.SetAttributes(
		attribute.Int("network.nodes", len(res.Nodes)),
		attribute.Int("network.patterns", len(res.Patterns)),
		attribute.Bool("network.truncated", res.Truncated),
	)
	return res
}

func (e *Engine) predict(ctx context.Context, tenantID string, cc *domain.ClaimContext, factors domain.RiskFactorSet) *domain.EnsembleResult {
	if e.models.Len() == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "engine.models")
	defer span.End()

	res := e.models.Predict(ctx, tenantID, cc, factors)
	if len(res.Failed) > 0 {
		e.metrics.ModelFailures(res.Failed)
		slog.Warn("models failed", "tenant_id", tenantID, "claim_id", cc.Claim.ID, "models", res.Failed)
	}
	span.SetAttributes(
		attribute.Int("models.queried", res.ModelsQueried),
		attribute.Int("models.failed", len(res.Failed)),
	)
	return res
}

// GetAssessment returns a stored assessment.
func (e *Engine) GetAssessment(ctx context.Context, tenantID, assessmentID string) (*domain.Assessment, error) {
	return e.store.GetAssessment(ctx, tenantID, assessmentID)
}

// Profile returns a member's behavioral profile.
func (e *Engine) Profile(ctx context.Context, tenantID, memberID string) (*domain.BehavioralProfile, error) {
	return e.profiler.Profile(ctx, tenantID, memberID)
}
