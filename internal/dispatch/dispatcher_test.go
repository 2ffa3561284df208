package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
)

func heartRateCandidate() alert.Candidate {
	return alert.Candidate{
		Source:    alert.SourceRule,
		UserID:    "user-1",
		Severity:  alert.SeverityHigh,
		Priority:  alert.PriorityHigh,
		Title:     "Heart rate above 120",
		Body:      "heart_rate is 130",
		DedupeKey: "rule:hr-high",
		RuleID:    "hr-high",
		Metric:    "heart_rate",
	}
}

func newTestDispatcher(t *testing.T, cfg Config, deliverer Deliverer) (*Dispatcher, *clock.Mock, *MemoryCooldownStore) {
	t.Helper()
	mock := clock.NewMock()
	store := NewMemoryCooldownStore()
	d, err := New(cfg, store, deliverer, WithClock(mock))
	require.NoError(t, err)
	return d, mock, store
}

func TestDispatch_HeartRateCooldown(t *testing.T) {
	rec := NewRecordingDeliverer()
	d, mock, _ := newTestDispatcher(t, DefaultConfig(), rec)
	ctx := context.Background()
	c := heartRateCandidate()

	res, err := d.Dispatch(ctx, "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, 1, res.Dispatched[0].TriggeredToday)

	mock.Add(time.Second)
	res, err = d.Dispatch(ctx, "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	require.Len(t, res.Suppressed, 1)
	assert.Equal(t, OutcomeCooldown, res.Suppressed[0].Outcome)

	mock.Add(5 * time.Minute)
	res, err = d.Dispatch(ctx, "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, 2, res.Dispatched[0].TriggeredToday)

	assert.Len(t, rec.Deliveries(), 2)
	assert.Equal(t, 2, d.TriggeredToday("user-1", "rule:hr-high"))
}

func TestDispatch_CooldownPerPriority(t *testing.T) {
	cfg := DefaultConfig()
	for _, tc := range []struct {
		priority alert.Priority
		cooldown time.Duration
	}{
		{alert.PriorityHigh, 5 * time.Minute},
		{alert.PriorityMedium, 30 * time.Minute},
		{alert.PriorityLow, 2 * time.Hour},
	} {
		t.Run(tc.priority.String(), func(t *testing.T) {
			d, mock, _ := newTestDispatcher(t, cfg, NewRecordingDeliverer())
			c := heartRateCandidate()
			c.Priority = tc.priority

			res, err := d.Dispatch(context.Background(), "u", []alert.Candidate{c})
			require.NoError(t, err)
			require.Len(t, res.Dispatched, 1)

			mock.Add(tc.cooldown - time.Nanosecond)
			res, err = d.Dispatch(context.Background(), "u", []alert.Candidate{c})
			require.NoError(t, err)
			assert.Empty(t, res.Dispatched, "still inside cooldown")

			mock.Add(time.Nanosecond)
			res, err = d.Dispatch(context.Background(), "u", []alert.Candidate{c})
			require.NoError(t, err)
			assert.Len(t, res.Dispatched, 1, "cooldown elapsed")
		})
	}
}

func TestDispatch_CooldownIsPerUser(t *testing.T) {
	d, _, _ := newTestDispatcher(t, DefaultConfig(), NewRecordingDeliverer())
	c := heartRateCandidate()

	res, err := d.Dispatch(context.Background(), "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 1)

	res, err = d.Dispatch(context.Background(), "user-2", []alert.Candidate{c})
	require.NoError(t, err)
	assert.Len(t, res.Dispatched, 1)
}

func TestDispatch_TopKAfterCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopK = 2
	d, _, store := newTestDispatcher(t, cfg, NewRecordingDeliverer())

	// The best-ranked candidate is cooling down, so it must not consume a slot.
	claimed, _, err := store.Claim(context.Background(), CooldownKey("u", "k-high"), time.Unix(0, 0), time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	cands := []alert.Candidate{
		{DedupeKey: "k-low", Priority: alert.PriorityLow, Severity: alert.SeverityLow},
		{DedupeKey: "k-high", Priority: alert.PriorityHigh, Severity: alert.SeverityHigh},
		{DedupeKey: "k-med-b", Priority: alert.PriorityMedium, Severity: alert.SeverityMedium, Magnitude: 2.1},
		{DedupeKey: "k-med-a", Priority: alert.PriorityMedium, Severity: alert.SeverityMedium, Magnitude: 3.4},
	}
	res, err := d.Dispatch(context.Background(), "u", cands)
	require.NoError(t, err)

	require.Len(t, res.Dispatched, 2)
	assert.Equal(t, "k-med-a", res.Dispatched[0].Candidate.DedupeKey)
	assert.Equal(t, "k-med-b", res.Dispatched[1].Candidate.DedupeKey)

	outcomes := map[string]Outcome{}
	for _, s := range res.Suppressed {
		outcomes[s.Candidate.DedupeKey] = s.Outcome
	}
	assert.Equal(t, OutcomeCooldown, outcomes["k-high"])
	assert.Equal(t, OutcomeOverLimit, outcomes["k-low"])

	// Over-limit candidates did not fire, so their cooldown is untouched.
	_, ok, err := store.Get(context.Background(), CooldownKey("u", "k-low"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatch_DedupeKeepsBest(t *testing.T) {
	d, _, _ := newTestDispatcher(t, DefaultConfig(), NewRecordingDeliverer())
	cands := []alert.Candidate{
		{DedupeKey: "anomaly:hrv", Priority: alert.PriorityMedium, Severity: alert.SeverityMedium, Magnitude: 2.5},
		{DedupeKey: "anomaly:hrv", Priority: alert.PriorityHigh, Severity: alert.SeverityHigh, Magnitude: 3.5},
	}
	res, err := d.Dispatch(context.Background(), "u", cands)
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, alert.PriorityHigh, res.Dispatched[0].Candidate.Priority)
	require.Len(t, res.Suppressed, 1)
	assert.Equal(t, OutcomeDuplicate, res.Suppressed[0].Outcome)
}

func TestDispatch_DeliveryFailureKeepsCooldown(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	failing := DelivererFunc(func(ctx context.Context, d Delivery) (Receipt, error) {
		return Receipt{}, errors.New("push gateway unavailable")
	})
	mock := clock.NewMock()
	d, err := New(DefaultConfig(), NewMemoryCooldownStore(), failing, WithClock(mock), WithLogger(zap.New(core)))
	require.NoError(t, err)
	c := heartRateCandidate()

	res, err := d.Dispatch(context.Background(), "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	require.Len(t, res.Dispatched[0].Deliveries, 1)
	assert.False(t, res.Dispatched[0].Deliveries[0].Accepted)
	assert.Equal(t, 1, logs.FilterMessage("delivery failed").Len())

	mock.Add(time.Minute)
	res, err = d.Dispatch(context.Background(), "user-1", []alert.Candidate{c})
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, 1, d.TriggeredToday("user-1", c.DedupeKey))
}

func TestDispatch_NotAccepted(t *testing.T) {
	refusing := DelivererFunc(func(ctx context.Context, d Delivery) (Receipt, error) {
		return Receipt{Accepted: false}, nil
	})
	d, _, _ := newTestDispatcher(t, DefaultConfig(), refusing)

	res, err := d.Dispatch(context.Background(), "u", []alert.Candidate{heartRateCandidate()})
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, ErrNotAccepted.Error(), res.Dispatched[0].Deliveries[0].Error)
}

func TestDispatch_ChannelsFallBackToDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultChannels = []alert.Channel{alert.ChannelPush, alert.ChannelEmail}
	rec := NewRecordingDeliverer()
	d, _, _ := newTestDispatcher(t, cfg, rec)

	withChannel := heartRateCandidate()
	withChannel.DedupeKey = "rule:a"
	withChannel.Channels = []alert.Channel{alert.ChannelEmail}
	noChannel := heartRateCandidate()
	noChannel.DedupeKey = "rule:b"

	_, err := d.Dispatch(context.Background(), "u", []alert.Candidate{withChannel, noChannel})
	require.NoError(t, err)

	var got []alert.Channel
	for _, del := range rec.Deliveries() {
		got = append(got, del.Channel)
		assert.Equal(t, "u", del.UserID)
	}
	assert.ElementsMatch(t, []alert.Channel{alert.ChannelEmail, alert.ChannelPush, alert.ChannelEmail}, got)
}

func TestDispatch_Throttle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeliveryRate = 1
	cfg.DeliveryBurst = 1
	rec := NewRecordingDeliverer()
	d, _, store := newTestDispatcher(t, cfg, rec)

	cands := []alert.Candidate{
		{DedupeKey: "a", Priority: alert.PriorityHigh, Severity: alert.SeverityHigh},
		{DedupeKey: "b", Priority: alert.PriorityMedium, Severity: alert.SeverityMedium},
	}
	res, err := d.Dispatch(context.Background(), "u", cands)
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 2)
	assert.True(t, res.Dispatched[0].Deliveries[0].Accepted)
	assert.Equal(t, ErrThrottled.Error(), res.Dispatched[1].Deliveries[0].Error)
	assert.Len(t, rec.Deliveries(), 1)

	// A throttled delivery still counts as fired.
	_, ok, err := store.Get(context.Background(), CooldownKey("u", "b"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatch_ConcurrentPassesFireOnce(t *testing.T) {
	rec := NewRecordingDeliverer()
	d, _, _ := newTestDispatcher(t, DefaultConfig(), rec)
	c := heartRateCandidate()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), "user-1", []alert.Candidate{c})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, rec.Deliveries(), 1)
}

func TestMemoryCooldownStore_Claim(t *testing.T) {
	store := NewMemoryCooldownStore()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	claimed, last, err := store.Claim(ctx, "u/k", t0, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, t0, last)

	claimed, last, err = store.Claim(ctx, "u/k", t0.Add(time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, t0, last)

	claimed, _, err = store.Claim(ctx, "u/k", t0.Add(5*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

type failingStore struct{ MemoryCooldownStore }

func (*failingStore) Get(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("bucket offline")
}

func TestDispatch_StoreErrorFailsPass(t *testing.T) {
	rec := NewRecordingDeliverer()
	d, err := New(DefaultConfig(), &failingStore{}, rec, WithClock(clock.NewMock()))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "u", []alert.Candidate{heartRateCandidate()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket offline")
	assert.Empty(t, rec.Deliveries())
}

func TestTriggerCounter_ResetsPerUTCDay(t *testing.T) {
	d, mock, _ := newTestDispatcher(t, DefaultConfig(), NewRecordingDeliverer())
	c := heartRateCandidate()

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), "u", []alert.Candidate{c})
		require.NoError(t, err)
		mock.Add(6 * time.Minute)
	}
	assert.Equal(t, 3, d.TriggeredToday("u", c.DedupeKey))
	assert.Equal(t, map[string]int{c.DedupeKey: 3}, d.TriggersToday("u"))

	mock.Add(24 * time.Hour)
	assert.Equal(t, 0, d.TriggeredToday("u", c.DedupeKey))
	assert.Empty(t, d.TriggersToday("u"))
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.Default().Dispatch)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Cooldowns, cfg.Cooldowns)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, []alert.Channel{alert.ChannelPush}, cfg.DefaultChannels)

	bad := config.Default().Dispatch
	bad.DefaultChannels = []string{"sms"}
	_, err = ConfigFrom(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = config.Default().Dispatch
	bad.TopK = 0
	_, err = ConfigFrom(bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, NewRecordingDeliverer())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(DefaultConfig(), NewMemoryCooldownStore(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func ExampleCooldownKey() {
	fmt.Println(CooldownKey("user-1", "anomaly:heart_rate"))
	// Output: user-1/anomaly:heart_rate
}
