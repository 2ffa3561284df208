package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
)

const seedYAML = `rules:
  - id: hr-high
    user_id: user-1
    metric: heart_rate
    condition: above
    threshold: 100
    priority: high
    notification_methods: [push, email]
  - id: weight-up
    user_id: user-1
    metric: weight
    condition: trend_up
    duration: 1h
    active: false
`

func TestParse(t *testing.T) {
	rules, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	hr := rules[0]
	assert.Equal(t, "hr-high", hr.ID)
	assert.Equal(t, ConditionAbove, hr.Condition)
	assert.Equal(t, 100.0, *hr.Threshold)
	assert.Equal(t, alert.PriorityHigh, hr.Priority)
	assert.Equal(t, []alert.Channel{alert.ChannelPush, alert.ChannelEmail}, hr.NotificationMethods)
	assert.True(t, hr.Active)

	w := rules[1]
	assert.Equal(t, ConditionTrendUp, w.Condition)
	assert.Equal(t, time.Hour, w.Duration.Duration())
	assert.Equal(t, alert.PriorityMedium, w.Priority)
	assert.False(t, w.Active)
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown key":       "rules:\n  - id: x\n    colour: red\n",
		"unknown condition": "rules:\n  - {id: x, user_id: u, metric: m, condition: wobbly, threshold: 1}\n",
		"missing threshold": "rules:\n  - {id: x, user_id: u, metric: m, condition: above}\n",
		"bad duration":      "rules:\n  - {id: x, user_id: u, metric: m, condition: above, threshold: 1, duration: soon}\n",
		"bad channel":       "rules:\n  - {id: x, user_id: u, metric: m, condition: above, threshold: 1, notification_methods: [sms]}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	rules, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestDefinition_ToRule(t *testing.T) {
	th := 55.0
	r, err := Definition{
		UserID:    "user-1",
		Metric:    "heart_rate",
		Condition: "BELOW",
		Threshold: &th,
		Duration:  "15m",
	}.ToRule()
	require.NoError(t, err)
	assert.Equal(t, ConditionBelow, r.Condition)
	assert.Equal(t, alert.PriorityMedium, r.Priority)
	assert.Equal(t, 15*time.Minute, r.Duration.Duration())
	assert.True(t, r.Active)
	assert.Empty(t, r.ID)

	_, err = Definition{Condition: "above", Priority: "urgent"}.ToRule()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))

	store := NewMemoryStore(nil)
	w, err := NewWatcher(path, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	since := time.Now()
	require.NoError(t, store.CommitState(ctx, "hr-high", &since))

	onlyHR := seedYAML[:len("rules:\n")] + `  - id: hr-high
    user_id: user-1
    metric: heart_rate
    condition: above
    threshold: 100
    priority: high
    notification_methods: [push]
`
	require.NoError(t, os.WriteFile(path, []byte(onlyHR), 0600))

	select {
	case res := <-w.Reloads():
		assert.Equal(t, SeedResult{Updated: 1, Removed: 1}, res)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for rule reload")
	}

	got, err := store.Get(ctx, "hr-high")
	require.NoError(t, err)
	assert.Equal(t, []alert.Channel{alert.ChannelPush}, got.NotificationMethods)
	assert.NotNil(t, got.ConditionMetSince)
}

func TestApplySeed_KeepsPausedState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	seed, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	_, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)

	_, err = store.SetActive(ctx, "hr-high", false)
	require.NoError(t, err)

	seed, err = Parse([]byte(seedYAML))
	require.NoError(t, err)
	_, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)

	got, err := store.Get(ctx, "hr-high")
	require.NoError(t, err)
	assert.False(t, got.Active, "reload without active keeps the pause")

	explicit := strings.Replace(seedYAML, "active: false", "active: true", 1)
	seed, err = Parse([]byte(explicit))
	require.NoError(t, err)
	_, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)

	got, err = store.Get(ctx, "weight-up")
	require.NoError(t, err)
	assert.True(t, got.Active, "an explicit active field wins")
}

func TestWatcher_StartFailsOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: x\n"), 0600))

	w, err := NewWatcher(path, NewMemoryStore(nil), nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
}
