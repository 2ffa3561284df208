// Package anomaly flags readings that deviate from a user's own baseline.
package anomaly

import (
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/baseline"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// Thresholds are the z-scores at which a deviation becomes moderate or severe.
type Thresholds struct {
	Moderate float64
	Severe   float64
}

// DefaultThresholds apply to metrics without an override.
var DefaultThresholds = Thresholds{Moderate: 2, Severe: 3}

// Range is the band considered normal for a user.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Finding is an ephemeral anomaly result.
type Finding struct {
	UserID      string         `json:"user_id"`
	Metric      string         `json:"metric"`
	Value       float64        `json:"value"`
	ZScore      float64        `json:"z_score"`
	Severity    alert.Severity `json:"severity"`
	NormalRange Range          `json:"normal_range"`
	Baseline    baseline.Stats `json:"baseline"`
}

// Candidate converts the finding into a dispatchable candidate.
func (f Finding) Candidate() alert.Candidate {
	return alert.Candidate{
		Source:    alert.SourceAnomaly,
		UserID:    f.UserID,
		Severity:  f.Severity,
		Priority:  alert.PriorityForSeverity(f.Severity),
		Title:     fmt.Sprintf("Unusual %s", f.Metric),
		Body:      fmt.Sprintf("%s is %s, outside your usual range of %s to %s", f.Metric, num(f.Value), num(f.NormalRange.Low), num(f.NormalRange.High)),
		DedupeKey: alert.AnomalyKey(f.Metric),
		Magnitude: f.ZScore,
		Metric:    f.Metric,
	}
}

// Detector holds default and per-metric thresholds.
type Detector struct {
	defaults  Thresholds
	overrides map[string]Thresholds
	minPoints int
}

// Option configures a Detector.
type Option func(*Detector)

// WithDefaults replaces DefaultThresholds.
func WithDefaults(t Thresholds) Option {
	return func(d *Detector) { d.defaults = t }
}

// WithOverride sets thresholds for one metric.
func WithOverride(metric string, t Thresholds) Option {
	return func(d *Detector) { d.overrides[metric] = t }
}

// WithMinPoints raises the baseline minimum above baseline.DefaultMinPoints.
// Smaller values are ignored.
func WithMinPoints(n int) Option {
	return func(d *Detector) {
		if n > baseline.DefaultMinPoints {
			d.minPoints = n
		}
	}
}

// NewDetector creates a detector. heart_rate_variability gets a tighter
// severe threshold of 2.5 unless overridden.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		defaults: DefaultThresholds,
		overrides: map[string]Thresholds{
			"heart_rate_variability": {Moderate: 2, Severe: 2.5},
		},
		minPoints: baseline.DefaultMinPoints,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ThresholdsFor returns the thresholds applied to metric.
func (d *Detector) ThresholdsFor(metric string) Thresholds {
	if t, ok := d.overrides[metric]; ok {
		return t
	}
	return d.defaults
}

// Detect compares latest against the baseline of series. Points at or after
// latest's timestamp are excluded from the baseline. ok is false for
// insufficient history, zero variance, or a deviation below moderate.
func (d *Detector) Detect(latest vitals.Snapshot, series vitals.Series) (Finding, bool) {
	stats, ok := baseline.EstimateMin(series.Before(latest.Timestamp), d.minPoints)
	if !ok {
		return Finding{}, false
	}
	return d.DetectWithStats(latest, stats)
}

// DetectWithStats is Detect with a precomputed baseline.
func (d *Detector) DetectWithStats(latest vitals.Snapshot, stats baseline.Stats) (Finding, bool) {
	z, ok := stats.ZScore(latest.Value)
	if !ok {
		return Finding{}, false
	}

	th := d.ThresholdsFor(latest.Metric)
	var sev alert.Severity
	switch {
	case z >= th.Severe:
		sev = alert.SeverityHigh
	case z >= th.Moderate:
		sev = alert.SeverityMedium
	default:
		return Finding{}, false
	}

	lo, hi := stats.Range(2)
	return Finding{
		UserID:      latest.UserID,
		Metric:      latest.Metric,
		Value:       latest.Value,
		ZScore:      z,
		Severity:    sev,
		NormalRange: Range{Low: lo, High: hi},
		Baseline:    stats,
	}, true
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
