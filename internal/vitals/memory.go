package vitals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// DefaultRetention bounds how much history MemoryStore keeps per metric.
const DefaultRetention = 30 * 24 * time.Hour

// MemoryStore is an in-process Source fed by Append. History older than the
// retention window is pruned on write.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     clock.Clock
	retention time.Duration
	series    map[string]map[string]Series // user -> metric -> points
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock used for lookback windows and pruning.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *MemoryStore) { m.clock = c }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		clock:     clock.New(),
		retention: DefaultRetention,
		series:    make(map[string]map[string]Series),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append records a snapshot, keeping each series ordered by timestamp.
func (m *MemoryStore) Append(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byMetric, ok := m.series[s.UserID]
	if !ok {
		byMetric = make(map[string]Series)
		m.series[s.UserID] = byMetric
	}

	pts := byMetric[s.Metric]
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Timestamp.After(s.Timestamp) })
	pts = append(pts, Snapshot{})
	copy(pts[i+1:], pts[i:])
	pts[i] = s

	byMetric[s.Metric] = pts.Since(m.clock.Now().Add(-m.retention))
	return nil
}

// GetLatestSnapshot implements Source.
func (m *MemoryStore) GetLatestSnapshot(ctx context.Context, userID string) (SnapshotSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(SnapshotSet)
	for metric, pts := range m.series[userID] {
		if len(pts) > 0 {
			set[metric] = pts[len(pts)-1]
		}
	}
	return set, nil
}

// GetHistory implements Source. The returned series is a copy.
func (m *MemoryStore) GetHistory(ctx context.Context, userID, metric string, days int) (Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	window := m.series[userID][metric].Since(m.clock.Now().AddDate(0, 0, -days))
	out := make(Series, len(window))
	copy(out, window)
	return out, nil
}

// ListUsers returns every user with at least one stored snapshot, sorted.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.series))
	for u := range m.series {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// DeleteUser drops all history for a user.
func (m *MemoryStore) DeleteUser(userID string) {
	m.mu.Lock()
	delete(m.series, userID)
	m.mu.Unlock()
}
