package rules

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	store := NewMemoryStore(mock)

	in := validRule()
	in.ID = ""
	created, err := store.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, mock.Now().UTC(), created.CreatedAt)

	_, err = store.Create(ctx, Rule{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	dup := validRule()
	dup.ID = created.ID
	_, err = store.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrInvalidRule)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	mock.Add(time.Minute)
	got.Priority = alert.PriorityLow
	updated, err := store.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, alert.PriorityLow, updated.Priority)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	paused, err := store.SetActive(ctx, created.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.Active)

	active, err := store.ListActiveRules(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrRuleNotFound)
	_, err = store.Update(ctx, got)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestMemoryStore_State(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	r, err := store.Create(ctx, validRule())
	require.NoError(t, err)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CommitState(ctx, r.ID, &since))
	require.NoError(t, store.RecordTrigger(ctx, r.ID, since.Add(time.Minute)))

	_, err = store.SetActive(ctx, r.ID, false)
	require.NoError(t, err)
	_, err = store.SetActive(ctx, r.ID, true)
	require.NoError(t, err)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ConditionMetSince, "pause keeps state")
	assert.True(t, got.ConditionMetSince.Equal(since))
	require.NotNil(t, got.LastTriggeredAt)

	// Same definition keeps the pending state.
	got.NotificationMethods = []alert.Channel{alert.ChannelEmail}
	got, err = store.Update(ctx, got)
	require.NoError(t, err)
	assert.NotNil(t, got.ConditionMetSince)

	// A new threshold invalidates it.
	got.Threshold = f64(120)
	got, err = store.Update(ctx, got)
	require.NoError(t, err)
	assert.Nil(t, got.ConditionMetSince)
	assert.NotNil(t, got.LastTriggeredAt)

	require.NoError(t, store.Delete(ctx, r.ID))
	assert.ErrorIs(t, store.CommitState(ctx, r.ID, nil), ErrRuleNotFound)
	assert.ErrorIs(t, store.RecordTrigger(ctx, r.ID, since), ErrRuleNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	r, err := store.Create(ctx, validRule())
	require.NoError(t, err)

	*r.Threshold = 1
	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *got.Threshold)
}

func TestMemoryStore_ApplySeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	apiRule := validRule()
	apiRule.ID = "api-1"
	_, err := store.Create(ctx, apiRule)
	require.NoError(t, err)

	a, b := validRule(), validRule()
	a.ID, b.ID = "seed-a", "seed-b"

	res, err := store.ApplySeed(ctx, []Rule{a, b})
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Added: 2}, res)

	since := time.Now()
	require.NoError(t, store.CommitState(ctx, "seed-a", &since))

	res, err = store.ApplySeed(ctx, []Rule{a})
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Updated: 1, Removed: 1}, res)

	got, err := store.Get(ctx, "seed-a")
	require.NoError(t, err)
	assert.NotNil(t, got.ConditionMetSince, "unchanged seeded rule keeps state")

	_, err = store.Get(ctx, "seed-b")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = store.Get(ctx, "api-1")
	assert.NoError(t, err, "api rules survive reloads")

	bad := validRule()
	bad.ID = "seed-c"
	bad.Metric = ""
	_, err = store.ApplySeed(ctx, []Rule{a, bad})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = store.Get(ctx, "seed-a")
	assert.NoError(t, err, "failed seed leaves the store untouched")

	_, err = store.ApplySeed(ctx, []Rule{a, a})
	assert.ErrorIs(t, err, ErrInvalidRule)
}
