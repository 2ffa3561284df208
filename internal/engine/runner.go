// Package engine orchestrates evaluation passes: it fetches a user's vitals,
// runs the rule, anomaly and risk evaluators side by side, commits rule state
// and hands the resulting candidates to the dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/anomaly"
	"github.com/fyrsmithlabs/vitalwatch/internal/baseline"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
	"github.com/fyrsmithlabs/vitalwatch/internal/dispatch"
	"github.com/fyrsmithlabs/vitalwatch/internal/keylock"
	"github.com/fyrsmithlabs/vitalwatch/internal/logging"
	"github.com/fyrsmithlabs/vitalwatch/internal/risk"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
	"github.com/fyrsmithlabs/vitalwatch/internal/telemetry"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// historyFetchLimit bounds concurrent history reads within one pass.
const historyFetchLimit = 4

// Dispatcher is the part of dispatch.Dispatcher a pass needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, candidates []alert.Candidate) (dispatch.Result, error)
}

// Config bounds a pass.
type Config struct {
	FetchTimeout    time.Duration
	DispatchTimeout time.Duration
	// BaselineDays is the lookback for anomaly baselines and risk window means.
	BaselineDays int
	// TrendDays is the lookback for trend rules.
	TrendDays int
	MinPoints int
	// TrendResampleInterval, when positive, evenly resamples trend history.
	TrendResampleInterval time.Duration
}

// DefaultConfig returns 10s fetch and 5s dispatch bounds with 30 and 14 day windows.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:    10 * time.Second,
		DispatchTimeout: 5 * time.Second,
		BaselineDays:    30,
		TrendDays:       14,
		MinPoints:       baseline.DefaultMinPoints,
	}
}

// ConfigFrom derives pass bounds from the daemon config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		FetchTimeout:          c.Scheduler.FetchTimeout.Duration(),
		DispatchTimeout:       c.Scheduler.DispatchTimeout.Duration(),
		BaselineDays:          c.Baseline.LookbackDays,
		TrendDays:             c.Rules.TrendLookbackDays,
		MinPoints:             c.Baseline.MinPoints,
		TrendResampleInterval: c.Rules.TrendResampleInterval.Duration(),
	}
}

// Deps are the collaborators a Runner evaluates against.
type Deps struct {
	Source     vitals.Source
	Rules      rules.Store
	Detector   *anomaly.Detector
	Categories []risk.Category
	Dispatcher Dispatcher
	// Cache is optional; nil computes every baseline afresh.
	Cache *baseline.Cache
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(r *Runner) { r.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logging.FromZap(logger) }
}

// WithTelemetry sets the tracer and meter source.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Runner) { r.tel = tel }
}

// Runner executes evaluation passes. Passes for one user are serialized;
// passes for different users may run concurrently.
type Runner struct {
	cfg       Config
	deps      Deps
	evaluator rules.Evaluator
	clock     clock.Clock
	logger    *logging.Logger
	tel       *telemetry.Telemetry
	tracer    trace.Tracer
	metrics   *passMetrics
	locks     *keylock.Map
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, deps Deps, opts ...Option) (*Runner, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("vitals source is required")
	}
	if deps.Rules == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.FetchTimeout <= 0 || cfg.DispatchTimeout <= 0 {
		return nil, fmt.Errorf("fetch and dispatch timeouts must be positive")
	}
	if cfg.MinPoints < baseline.DefaultMinPoints {
		cfg.MinPoints = baseline.DefaultMinPoints
	}
	if deps.Detector == nil {
		deps.Detector = anomaly.NewDetector(anomaly.WithMinPoints(cfg.MinPoints))
	}

	r := &Runner{
		cfg:       cfg,
		deps:      deps,
		evaluator: rules.Evaluator{ResampleInterval: cfg.TrendResampleInterval},
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}

	r.tracer = r.tel.Tracer(InstrumentationName)
	m, err := newPassMetrics(r.tel.Meter(InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create pass metrics: %w", err)
	}
	r.metrics = m
	return r, nil
}

// Run executes one pass for userID over scope. tier labels the pass in logs,
// spans and metrics. An error means the pass aborted before dispatching;
// other users are unaffected.
func (r *Runner) Run(ctx context.Context, userID string, scope Scope, tier string) (*Report, error) {
	start := r.clock.Now()
	report := &Report{
		PassID:    uuid.New().String(),
		UserID:    userID,
		Tier:      tier,
		Scope:     scope,
		StartedAt: start,
	}

	ctx = logging.WithPass(ctx, report.PassID, tier)
	ctx = logging.WithUserID(ctx, userID)
	ctx, span := r.tracer.Start(ctx, "engine.pass", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("pass.id", report.PassID),
		attribute.String("pass.tier", tier),
		attribute.String("pass.scope", scope.String()),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("tier", tier))
	r.metrics.passes.Add(ctx, 1, attrs)

	err := r.run(ctx, report)
	report.Duration = r.clock.Now().Sub(start)
	r.metrics.duration.Record(ctx, report.Duration.Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.failures.Add(ctx, 1, attrs)
		r.logger.Warn(ctx, "evaluation pass failed", zap.Error(err))
		return nil, err
	}

	r.metrics.candidates.Add(ctx, int64(len(report.Candidates)), attrs)
	r.metrics.suppressed.Add(ctx, int64(len(report.Suppressed)), attrs)
	r.metrics.dispatched.Add(ctx, int64(len(report.Dispatched)), attrs)
	span.SetAttributes(
		attribute.Int("pass.candidates", len(report.Candidates)),
		attribute.Int("pass.dispatched", len(report.Dispatched)),
	)
	r.logger.Debug(ctx, "evaluation pass finished",
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("dispatched", len(report.Dispatched)),
		zap.Int("suppressed", len(report.Suppressed)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *Runner) run(ctx context.Context, report *Report) error {
	unlock, err := r.locks.Lock(ctx, report.UserID)
	if err != nil {
		return fmt.Errorf("wait for user lock: %w", err)
	}
	defer unlock()

	in, err := r.fetch(ctx, report.UserID, report.Scope)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	var (
		outcomes []rules.Outcome
		findings []anomaly.Finding
		scores   []risk.Score
	)
	var g errgroup.Group
	g.Go(func() error {
		outcomes = r.evaluateRules(in, now)
		return nil
	})
	if report.Scope.Has(ScopeAnomaly) {
		g.Go(func() error {
			findings = r.detectAnomalies(in)
			return nil
		})
	}
	if report.Scope.Has(ScopeRisk) {
		g.Go(func() error {
			scores = r.scoreRisk(report.UserID, in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ruleCandidates := r.commitRuleState(ctx, in.rules, outcomes, report)
	report.Findings = findings
	report.RiskScores = scores

	candidates := ruleCandidates
	for _, f := range findings {
		candidates = append(candidates, f.Candidate())
	}
	for _, s := range scores {
		if c, ok := s.Candidate(); ok {
			candidates = append(candidates, c)
		}
	}
	report.Candidates = candidates

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()
	res, err := r.deps.Dispatcher.Dispatch(dctx, report.UserID, candidates)
	report.Dispatched = res.Dispatched
	report.Suppressed = res.Suppressed
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	for _, d := range res.Dispatched {
		if d.Candidate.RuleID == "" {
			continue
		}
		err := r.deps.Rules.RecordTrigger(ctx, d.Candidate.RuleID, now)
		if err != nil && !errors.Is(err, rules.ErrRuleNotFound) {
			r.logger.Warn(ctx, "failed to record rule trigger",
				zap.String("rule.id", d.Candidate.RuleID), zap.Error(err))
		}
	}
	return nil
}

// passInput is everything a pass reads, gathered up front under FetchTimeout.
type passInput struct {
	latest    vitals.SnapshotSet
	rules     []rules.Rule
	trend     map[string]vitals.Series
	baselines map[string]baselineResult
	windows   map[string]vitals.Series
}

type baselineResult struct {
	stats baseline.Stats
	ok    bool
}

type historyKey struct {
	metric string
	days   int
}

func (r *Runner) fetch(ctx context.Context, userID string, scope Scope) (*passInput, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	latest, err := r.deps.Source.GetLatestSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch latest snapshot: %w", err)
	}
	in := &passInput{
		latest:    latest,
		trend:     make(map[string]vitals.Series),
		baselines: make(map[string]baselineResult),
		windows:   make(map[string]vitals.Series),
	}

	if scope.Has(ScopeInstantRules) || scope.Has(ScopeDurationRules) {
		all, err := r.deps.Rules.ListActiveRules(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		for _, rule := range all {
			if rule.HasDuration() && !scope.Has(ScopeDurationRules) {
				continue
			}
			if !rule.HasDuration() && !scope.Has(ScopeInstantRules) {
				continue
			}
			in.rules = append(in.rules, rule)
		}
	}

	need := make(map[historyKey]bool)
	for _, rule := range in.rules {
		if _, ok := latest[rule.Metric]; ok && rule.Condition.IsTrend() {
			need[historyKey{rule.Metric, r.cfg.TrendDays}] = true
		}
	}
	var missing []string
	if scope.Has(ScopeAnomaly) {
		for metric, snap := range latest {
			if r.deps.Cache != nil {
				if stats, ok, hit := r.deps.Cache.Lookup(r.baselineKey(userID, snap)); hit {
					in.baselines[metric] = baselineResult{stats: stats, ok: ok}
					continue
				}
			}
			missing = append(missing, metric)
			need[historyKey{metric, r.cfg.BaselineDays}] = true
		}
	}
	if scope.Has(ScopeRisk) {
		for _, c := range r.deps.Categories {
			for _, f := range c.Factors {
				if f.Source == risk.SourceWindowMean {
					need[historyKey{f.Metric, r.cfg.BaselineDays}] = true
				}
			}
		}
	}

	histories, err := r.fetchHistories(ctx, userID, need)
	if err != nil {
		return nil, err
	}

	for _, rule := range in.rules {
		if s, ok := histories[historyKey{rule.Metric, r.cfg.TrendDays}]; ok {
			in.trend[rule.Metric] = s
		}
	}
	for _, metric := range missing {
		snap := latest[metric]
		series := histories[historyKey{metric, r.cfg.BaselineDays}]
		compute := func() (baseline.Stats, bool) {
			return baseline.EstimateMin(series.Before(snap.Timestamp), r.cfg.MinPoints)
		}
		var res baselineResult
		if r.deps.Cache != nil {
			res.stats, res.ok = r.deps.Cache.Get(r.baselineKey(userID, snap), compute)
		} else {
			res.stats, res.ok = compute()
		}
		in.baselines[metric] = res
	}
	for k, s := range histories {
		if k.days == r.cfg.BaselineDays {
			in.windows[k.metric] = s
		}
	}
	return in, nil
}

func (r *Runner) fetchHistories(ctx context.Context, userID string, need map[historyKey]bool) (map[historyKey]vitals.Series, error) {
	out := make(map[historyKey]vitals.Series, len(need))
	if len(need) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(historyFetchLimit)
	for k := range need {
		g.Go(func() error {
			s, err := r.deps.Source.GetHistory(gctx, userID, k.metric, k.days)
			if err != nil {
				return fmt.Errorf("fetch %d-day history for %s: %w", k.days, k.metric, err)
			}
			mu.Lock()
			out[k] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) baselineKey(userID string, latest vitals.Snapshot) baseline.Key {
	return baseline.Key{
		UserID:     userID,
		Metric:     latest.Metric,
		WindowDays: r.cfg.BaselineDays,
		Cutoff:     latest.Timestamp,
	}
}

func (r *Runner) evaluateRules(in *passInput, now time.Time) []rules.Outcome {
	out := make([]rules.Outcome, 0, len(in.rules))
	for _, rule := range in.rules {
		var latest *vitals.Snapshot
		if snap, ok := in.latest[rule.Metric]; ok {
			latest = &snap
		}
		out = append(out, r.evaluator.Evaluate(rule, latest, in.trend[rule.Metric], now))
	}
	return out
}

func (r *Runner) detectAnomalies(in *passInput) []anomaly.Finding {
	metrics := make([]string, 0, len(in.baselines))
	for m := range in.baselines {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var out []anomaly.Finding
	for _, m := range metrics {
		b := in.baselines[m]
		if !b.ok {
			continue
		}
		if f, ok := r.deps.Detector.DetectWithStats(in.latest[m], b.stats); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *Runner) scoreRisk(userID string, in *passInput) []risk.Score {
	var out []risk.Score
	for _, c := range r.deps.Categories {
		if s, ok := risk.Compute(userID, c, in.latest, in.windows); ok {
			out = append(out, s)
		}
	}
	return out
}

// commitRuleState persists each outcome's state and returns the candidates of
// rules that still exist.
func (r *Runner) commitRuleState(ctx context.Context, list []rules.Rule, outcomes []rules.Outcome, report *Report) []alert.Candidate {
	var candidates []alert.Candidate
	for i, o := range outcomes {
		rule := list[i]
		report.Rules = append(report.Rules, RuleResult{
			RuleID:  rule.ID,
			Metric:  rule.Metric,
			Met:     o.Met,
			Fired:   o.Candidate != nil,
			Skipped: o.Skipped,
			Slope:   o.Slope,
		})
		if o.Skipped != rules.SkipNone {
			continue
		}

		if o.StateChanged(rule) {
			err := r.deps.Rules.CommitState(ctx, rule.ID, o.ConditionMetSince)
			switch {
			case errors.Is(err, rules.ErrRuleNotFound):
				if o.Candidate != nil {
					report.Dropped = append(report.Dropped, *o.Candidate)
				}
				continue
			case err != nil:
				r.logger.Warn(ctx, "failed to commit rule state",
					zap.String("rule.id", rule.ID), zap.Error(err))
				continue
			}
		} else if o.Candidate != nil {
			// Unchanged state still has to prove the rule was not deleted.
			if _, err := r.deps.Rules.Get(ctx, rule.ID); errors.Is(err, rules.ErrRuleNotFound) {
				report.Dropped = append(report.Dropped, *o.Candidate)
				continue
			}
		}

		if o.Candidate != nil {
			candidates = append(candidates, *o.Candidate)
		}
	}
	return candidates
}
