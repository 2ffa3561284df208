// Package vitals defines metric snapshots and the read contract the engine
// uses to fetch them.
package vitals

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrInvalidSnapshot is returned when a snapshot lacks a user, metric or timestamp.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is one timestamped reading of a single metric for a user.
type Snapshot struct {
	UserID    string    `json:"user_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every snapshot must carry.
func (s Snapshot) Validate() error {
	switch {
	case s.UserID == "":
		return errors.Join(ErrInvalidSnapshot, errors.New("user_id is required"))
	case s.Metric == "":
		return errors.Join(ErrInvalidSnapshot, errors.New("metric is required"))
	case s.Timestamp.IsZero():
		return errors.Join(ErrInvalidSnapshot, errors.New("timestamp is required"))
	}
	return nil
}

// SnapshotSet holds the latest snapshot per metric for one user.
// Metrics the user has not reported are absent.
type SnapshotSet map[string]Snapshot

// Value returns the latest value for metric, if present.
func (s SnapshotSet) Value(metric string) (float64, bool) {
	snap, ok := s[metric]
	if !ok {
		return 0, false
	}
	return snap.Value, true
}

// Series is an ordered (oldest first) run of snapshots for one user and metric.
type Series []Snapshot

// Values returns the raw values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// Before returns the prefix of points strictly earlier than t.
func (s Series) Before(t time.Time) Series {
	i := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(t) })
	return s[:i]
}

// Since returns the suffix of points at or after t.
func (s Series) Since(t time.Time) Series {
	i := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(t) })
	return s[i:]
}

// Mean returns the arithmetic mean, or false for an empty series.
func (s Series) Mean() (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range s {
		sum += p.Value
	}
	return sum / float64(len(s)), true
}

// Source is the read side of the metric ingestion layer.
//
// Implementations must tolerate missing metrics: an unknown user or metric
// yields an empty set or series, never an error.
type Source interface {
	GetLatestSnapshot(ctx context.Context, userID string) (SnapshotSet, error)
	GetHistory(ctx context.Context, userID, metric string, days int) (Series, error)
}
