package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/anomaly"
	"github.com/fyrsmithlabs/vitalwatch/internal/baseline"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
	"github.com/fyrsmithlabs/vitalwatch/internal/dispatch"
	"github.com/fyrsmithlabs/vitalwatch/internal/logging"
	"github.com/fyrsmithlabs/vitalwatch/internal/risk"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
	"github.com/fyrsmithlabs/vitalwatch/internal/telemetry"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

type fixture struct {
	mock       *clock.Mock
	vitals     *vitals.MemoryStore
	rules      *rules.MemoryStore
	deliveries *dispatch.RecordingDeliverer
	dispatcher *dispatch.Dispatcher
	cache      *baseline.Cache
	tel        *telemetry.TestTelemetry
	logs       *logging.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	rec := dispatch.NewRecordingDeliverer()
	d, err := dispatch.New(dispatch.DefaultConfig(), dispatch.NewMemoryCooldownStore(), rec, dispatch.WithClock(mock))
	require.NoError(t, err)

	return &fixture{
		mock:       mock,
		vitals:     vitals.NewMemoryStore(vitals.WithClock(mock)),
		rules:      rules.NewMemoryStore(mock),
		deliveries: rec,
		dispatcher: d,
		cache:      baseline.NewCache(64, time.Minute),
		tel:        telemetry.NewTestTelemetry(),
		logs:       logging.NewTestLogger(),
	}
}

func (f *fixture) runner(t *testing.T, mutate func(*Config, *Deps)) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	deps := Deps{
		Source:     f.vitals,
		Rules:      f.rules,
		Dispatcher: f.dispatcher,
		Cache:      f.cache,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	r, err := NewRunner(cfg, deps,
		WithClock(f.mock),
		WithLogger(f.logs.Underlying()),
		WithTelemetry(f.tel.Telemetry),
	)
	require.NoError(t, err)
	return r
}

func (f *fixture) record(t *testing.T, user, metric string, value float64, at time.Time) {
	t.Helper()
	require.NoError(t, f.vitals.Append(vitals.Snapshot{UserID: user, Metric: metric, Value: value, Timestamp: at}))
}

func threshold(v float64) *float64 { return &v }

func (f *fixture) heartRateRule(t *testing.T, d time.Duration) rules.Rule {
	t.Helper()
	r, err := f.rules.Create(context.Background(), rules.Rule{
		ID:                  "hr-high",
		UserID:              "user-1",
		Metric:              "heart_rate",
		Condition:           rules.ConditionAbove,
		Threshold:           threshold(120),
		Duration:            config.Duration(d),
		Priority:            alert.PriorityHigh,
		NotificationMethods: []alert.Channel{alert.ChannelPush},
		Active:              true,
	})
	require.NoError(t, err)
	return r
}

func TestRunner_HeartRateCooldown(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	ctx := context.Background()
	f.heartRateRule(t, 0)
	f.record(t, "user-1", "heart_rate", 130, f.mock.Now())

	report, err := r.Run(ctx, "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, "hr-high", report.Dispatched[0].Candidate.RuleID)

	f.mock.Add(time.Second)
	report, err = r.Run(ctx, "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched)
	require.Len(t, report.Suppressed, 1)
	assert.Equal(t, dispatch.OutcomeCooldown, report.Suppressed[0].Outcome)

	f.mock.Add(5 * time.Minute)
	report, err = r.Run(ctx, "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	require.Len(t, report.Dispatched, 1)

	assert.Len(t, f.deliveries.Deliveries(), 2)
	stored, err := f.rules.Get(ctx, "hr-high")
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, f.mock.Now().Equal(*stored.LastTriggeredAt))
}

func TestRunner_DurationRuleNeedsSlowTier(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	ctx := context.Background()
	f.heartRateRule(t, 10*time.Minute)
	f.record(t, "user-1", "heart_rate", 130, f.mock.Now())

	report, err := r.Run(ctx, "user-1", ScopeFast, TierFast)
	require.NoError(t, err)
	assert.Empty(t, report.Rules, "fast tier ignores duration rules")

	report, err = r.Run(ctx, "user-1", ScopeSlow, TierSlow)
	require.NoError(t, err)
	require.Len(t, report.Rules, 1)
	assert.True(t, report.Rules[0].Met)
	assert.False(t, report.Rules[0].Fired)

	stored, err := f.rules.Get(ctx, "hr-high")
	require.NoError(t, err)
	require.NotNil(t, stored.ConditionMetSince, "pending state is committed")

	f.mock.Add(10 * time.Minute)
	report, err = r.Run(ctx, "user-1", ScopeSlow, TierSlow)
	require.NoError(t, err)
	require.Len(t, report.Dispatched, 1)

	stored, err = f.rules.Get(ctx, "hr-high")
	require.NoError(t, err)
	assert.Nil(t, stored.ConditionMetSince, "firing resets duration state")
}

func TestRunner_MissingMetricLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	f.heartRateRule(t, 0)
	f.record(t, "user-1", "steps", 4000, f.mock.Now())

	report, err := r.Run(context.Background(), "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	require.Len(t, report.Rules, 1)
	assert.Equal(t, rules.SkipMissingValue, report.Rules[0].Skipped)
	assert.Empty(t, report.Candidates)
}

func TestRunner_SleepAnomaly(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	now := f.mock.Now()

	for i, v := range []float64{7.0, 7.5, 6.5, 7.0, 7.5, 6.5} {
		f.record(t, "user-1", "sleep_duration", v, now.Add(-time.Duration(7-i)*24*time.Hour))
	}
	f.record(t, "user-1", "sleep_duration", 4.0, now)

	report, err := r.Run(context.Background(), "user-1", ScopeSlow, TierSlow)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	assert.Equal(t, "sleep_duration", finding.Metric)
	assert.Equal(t, alert.SeverityHigh, finding.Severity)
	assert.InDelta(t, 7.35, finding.ZScore, 0.01)

	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, alert.AnomalyKey("sleep_duration"), report.Dispatched[0].Candidate.DedupeKey)
	assert.Equal(t, 1, f.cache.Len())

	// A second pass is served from the cache and suppressed by cooldown.
	report, err = r.Run(context.Background(), "user-1", ScopeSlow, TierSlow)
	require.NoError(t, err)
	assert.Len(t, report.Findings, 1)
	assert.Empty(t, report.Dispatched)
}

func TestRunner_InsufficientHistoryIsNotAnError(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	now := f.mock.Now()
	f.record(t, "user-1", "sleep_duration", 7, now.Add(-time.Hour))
	f.record(t, "user-1", "sleep_duration", 2, now)

	report, err := r.Run(context.Background(), "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestRunner_RiskScore(t *testing.T) {
	f := newFixture(t)
	cat := risk.Category{
		Name: "cardiovascular",
		Factors: []risk.Factor{
			{Metric: "resting_heart_rate", Weight: 0.5, Min: 50, Max: 100},
			{Metric: "heart_rate_variability", Weight: 0.5, Min: 20, Max: 100, Inverse: true},
		},
		MediumThreshold: 0.4,
		HighThreshold:   0.7,
	}
	r := f.runner(t, func(_ *Config, d *Deps) { d.Categories = []risk.Category{cat} })
	f.record(t, "user-1", "resting_heart_rate", 95, f.mock.Now())
	f.record(t, "user-1", "heart_rate_variability", 25, f.mock.Now())

	report, err := r.Run(context.Background(), "user-1", ScopeSlow, TierSlow)
	require.NoError(t, err)
	require.Len(t, report.RiskScores, 1)
	assert.Equal(t, risk.LevelHigh, report.RiskScores[0].Level)
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, alert.RiskKey("cardiovascular"), report.Dispatched[0].Candidate.DedupeKey)
}

// deletingStore deletes every rule right after listing it, simulating a
// delete that lands while the pass is evaluating.
type deletingStore struct {
	*rules.MemoryStore
}

func (s deletingStore) ListActiveRules(ctx context.Context, userID string) ([]rules.Rule, error) {
	list, err := s.MemoryStore.ListActiveRules(ctx, userID)
	for _, r := range list {
		_ = s.MemoryStore.Delete(ctx, r.ID)
	}
	return list, err
}

func TestRunner_RuleDeletedMidPass(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, func(_ *Config, d *Deps) { d.Rules = deletingStore{f.rules} })
	f.heartRateRule(t, 0)
	f.record(t, "user-1", "heart_rate", 130, f.mock.Now())

	report, err := r.Run(context.Background(), "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)
	require.Len(t, report.Dropped, 1)
	assert.Equal(t, "hr-high", report.Dropped[0].RuleID)
	assert.Empty(t, f.deliveries.Deliveries())
}

type blockingSource struct {
	vitals.Source
	block map[string]bool
}

func (s blockingSource) GetLatestSnapshot(ctx context.Context, userID string) (vitals.SnapshotSet, error) {
	if s.block[userID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Source.GetLatestSnapshot(ctx, userID)
}

func TestRunner_FetchTimeoutFailsOnlyThatUser(t *testing.T) {
	f := newFixture(t)
	src := blockingSource{Source: f.vitals, block: map[string]bool{"slow-user": true}}
	r := f.runner(t, func(c *Config, d *Deps) {
		c.FetchTimeout = 20 * time.Millisecond
		d.Source = src
	})
	f.heartRateRule(t, 0)
	f.record(t, "user-1", "heart_rate", 130, f.mock.Now())

	_, err := r.Run(context.Background(), "slow-user", ScopeAll, TierFast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	f.logs.AssertLogged(t, zapcore.WarnLevel, "evaluation pass failed")
	f.logs.AssertField(t, "evaluation pass failed", "user.id", "slow-user")
	f.logs.AssertField(t, "evaluation pass failed", "pass.tier", TierFast)

	report, err := r.Run(context.Background(), "user-1", ScopeAll, TierFast)
	require.NoError(t, err)
	assert.Len(t, report.Dispatched, 1)

	assert.Equal(t, int64(2), f.tel.CounterValue(t, "engine.pass.total"))
	assert.Equal(t, int64(1), f.tel.CounterValue(t, "engine.pass.failed.total"))
	assert.Equal(t, int64(1), f.tel.CounterValue(t, "engine.dispatched.total"))
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string, []alert.Candidate) (dispatch.Result, error) {
	return dispatch.Result{}, errors.New("cooldown bucket offline")
}

func TestRunner_DispatchErrorFailsPass(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, func(_ *Config, d *Deps) { d.Dispatcher = failingDispatcher{} })
	f.heartRateRule(t, 0)
	f.record(t, "user-1", "heart_rate", 130, f.mock.Now())

	_, err := r.Run(context.Background(), "user-1", ScopeAll, TierOnDemand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch")
}

func TestRunner_RecordsSpan(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)

	report, err := r.Run(context.Background(), "user-1", ScopeAll, TierOnDemand)
	require.NoError(t, err)
	assert.NotEmpty(t, report.PassID)

	f.tel.AssertSpanExists(t, "engine.pass")
	span := f.tel.SpanByName("engine.pass")
	var tier string
	for _, kv := range span.Attributes() {
		if kv.Key == "pass.tier" {
			tier = kv.Value.AsString()
		}
	}
	assert.Equal(t, TierOnDemand, tier)
}

func TestNewRunner_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := NewRunner(DefaultConfig(), Deps{Rules: f.rules, Dispatcher: f.dispatcher})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.FetchTimeout = 0
	_, err = NewRunner(cfg, Deps{Source: f.vitals, Rules: f.rules, Dispatcher: f.dispatcher})
	assert.Error(t, err)

	_, err = NewRunner(DefaultConfig(), Deps{Source: f.vitals, Rules: f.rules, Dispatcher: f.dispatcher, Detector: anomaly.NewDetector()})
	assert.NoError(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.Default())
	assert.Equal(t, 30, cfg.BaselineDays)
	assert.Equal(t, 14, cfg.TrendDays)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
}

func TestScope_String(t *testing.T) {
	assert.Equal(t, "all", ScopeAll.String())
	assert.Equal(t, "fast", ScopeFast.String())
	assert.Equal(t, "slow", ScopeSlow.String())
	assert.Equal(t, "anomaly+risk", (ScopeAnomaly | ScopeRisk).String())
	assert.True(t, ScopeSlow.Has(ScopeRisk))
	assert.False(t, ScopeFast.Has(ScopeAnomaly))
}
