package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/vitalwatch/internal/baseline"
	"github.com/fyrsmithlabs/vitalwatch/internal/natstest"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

type triggerRecorder struct {
	mu    sync.Mutex
	users []string
}

func (r *triggerRecorder) Trigger(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return true
}

func (r *triggerRecorder) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func TestSubscriber_StoresAndTriggers(t *testing.T) {
	nc, _ := natstest.Connect(t)
	mock := clock.NewMock()
	store := vitals.NewMemoryStore(vitals.WithClock(mock))
	cache := baseline.NewCache(16, time.Minute)
	trig := &triggerRecorder{}

	cache.Get(baseline.Key{UserID: "user-1", Metric: "heart_rate", WindowDays: 30}, func() (baseline.Stats, bool) {
		return baseline.Stats{}, false
	})
	require.Equal(t, 1, cache.Len())

	sub, err := NewSubscriber(nc, "vitals.snapshots.>", store, WithInvalidator(cache), WithTrigger(trig))
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	data, err := json.Marshal(vitals.Snapshot{Metric: "heart_rate", Value: 130, Timestamp: mock.Now()})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("vitals.snapshots.user-1", data))

	require.Eventually(t, func() bool { return len(trig.Users()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user-1"}, trig.Users())
	assert.Equal(t, 0, cache.Len(), "user's baselines are invalidated")

	set, err := store.GetLatestSnapshot(context.Background(), "user-1")
	require.NoError(t, err)
	v, ok := set.Value("heart_rate")
	require.True(t, ok)
	assert.Equal(t, 130.0, v)
}

func TestSubscriber_Batch(t *testing.T) {
	nc, _ := natstest.Connect(t)
	mock := clock.NewMock()
	store := vitals.NewMemoryStore(vitals.WithClock(mock))
	trig := &triggerRecorder{}

	sub, err := NewSubscriber(nc, "vitals.snapshots.>", store, WithTrigger(trig))
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	now := mock.Now()
	batch := []vitals.Snapshot{
		{Metric: "steps", Value: 1200, Timestamp: now.Add(-time.Hour)},
		{Metric: "steps", Value: 3400, Timestamp: now},
	}
	data, err := json.Marshal(batch)
	require.NoError(t, err)
	require.NoError(t, nc.Publish("vitals.snapshots.user-2", data))

	require.Eventually(t, func() bool { return len(trig.Users()) == 1 }, 2*time.Second, 5*time.Millisecond)
	hist, err := store.GetHistory(context.Background(), "user-2", "steps", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestSubscriber_Handle_Rejects(t *testing.T) {
	nc, _ := natstest.Connect(t)
	store := vitals.NewMemoryStore(vitals.WithClock(clock.NewMock()))
	trig := &triggerRecorder{}
	sub, err := NewSubscriber(nc, "vitals.snapshots.>", store, WithTrigger(trig))
	require.NoError(t, err)

	assert.Error(t, sub.Handle("vitals.snapshots.u1", []byte("not json")))
	assert.Error(t, sub.Handle("vitals.snapshots.u1", []byte("  ")))

	err = sub.Handle("vitals.snapshots.u1", []byte(`{"user_id":"u2","metric":"steps","value":1,"timestamp":"2026-01-01T00:00:00Z"}`))
	assert.ErrorIs(t, err, ErrUserMismatch)

	err = sub.Handle("vitals.snapshots.u1", []byte(`{"metric":"steps","value":1}`))
	assert.ErrorIs(t, err, vitals.ErrInvalidSnapshot)

	// One bad snapshot rejects the whole batch.
	err = sub.Handle("vitals.snapshots.u1", []byte(`[{"metric":"steps","value":1,"timestamp":"1970-01-01T00:00:00Z"},{"value":2}]`))
	assert.Error(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, trig.Users())
}

func TestSubscriber_LogsDroppedMessages(t *testing.T) {
	nc, _ := natstest.Connect(t)
	core, logs := observer.New(zap.WarnLevel)
	store := vitals.NewMemoryStore(vitals.WithClock(clock.NewMock()))

	sub, err := NewSubscriber(nc, "vitals.snapshots.>", store, WithLogger(zap.New(core)))
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	require.NoError(t, nc.Publish("vitals.snapshots.u1", []byte("{")))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("dropping snapshot message").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscriber_Lifecycle(t *testing.T) {
	nc, _ := natstest.Connect(t)
	store := vitals.NewMemoryStore()

	_, err := NewSubscriber(nil, "vitals.snapshots.>", store)
	assert.Error(t, err)
	_, err = NewSubscriber(nc, "", store)
	assert.Error(t, err)
	_, err = NewSubscriber(nc, "vitals.snapshots.>", nil)
	assert.Error(t, err)

	sub, err := NewSubscriber(nc, "vitals.snapshots.>", store)
	require.NoError(t, err)
	require.NoError(t, sub.Stop(), "stop before start is a no-op")
	require.NoError(t, sub.Start(context.Background()))
	assert.Error(t, sub.Start(context.Background()))
	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Start(context.Background()), "restart after stop")
	require.NoError(t, sub.Stop())
}
