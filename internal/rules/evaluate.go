package rules

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

const (
	// EqualsEpsilon is the tolerance for the equals condition.
	EqualsEpsilon = 0.01

	// TrendSlopeThreshold is the per-sample slope a trend rule must exceed.
	TrendSlopeThreshold = 0.1

	// MinTrendPoints is the shortest history a slope is fitted to.
	MinTrendPoints = 3
)

// SkipReason explains why a rule produced no decision.
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipInactive     SkipReason = "inactive"
	SkipMissingValue SkipReason = "missing_value"
	SkipShortHistory SkipReason = "insufficient_trend_history"
	SkipInvalidRule  SkipReason = "invalid_rule"
)

// Outcome is the result of evaluating one rule once.
type Outcome struct {
	RuleID string
	// Candidate is non-nil when the rule fires.
	Candidate *alert.Candidate
	// ConditionMetSince is the state to commit. Ignored when Skipped.
	ConditionMetSince *time.Time
	// Met reports whether the condition held on this evaluation.
	Met     bool
	Skipped SkipReason
	// Slope is the fitted trend slope for trend rules.
	Slope float64
}

// StateChanged reports whether committing the outcome alters the rule's state.
func (o Outcome) StateChanged(r Rule) bool {
	if o.Skipped != SkipNone {
		return false
	}
	if (o.ConditionMetSince == nil) != (r.ConditionMetSince == nil) {
		return true
	}
	return o.ConditionMetSince != nil && !o.ConditionMetSince.Equal(*r.ConditionMetSince)
}

// Evaluator evaluates rules. The zero value fits trends on raw sample indices.
type Evaluator struct {
	// ResampleInterval, when positive, resamples trend history onto an even
	// time grid before fitting the slope.
	ResampleInterval time.Duration
}

// Evaluate evaluates r with the zero Evaluator.
func Evaluate(r Rule, latest *vitals.Snapshot, history vitals.Series, now time.Time) Outcome {
	return Evaluator{}.Evaluate(r, latest, history, now)
}

// Evaluate decides whether r fires given the latest reading for its metric
// and the trend-window history. It has no side effects.
func (e Evaluator) Evaluate(r Rule, latest *vitals.Snapshot, history vitals.Series, now time.Time) Outcome {
	out := Outcome{RuleID: r.ID, ConditionMetSince: r.ConditionMetSince}

	switch {
	case !r.Active:
		out.Skipped = SkipInactive
		return out
	case r.Validate() != nil:
		out.Skipped = SkipInvalidRule
		return out
	case latest == nil:
		out.Skipped = SkipMissingValue
		return out
	}

	met, slope, skip := e.conditionMet(r, latest.Value, history)
	out.Slope = slope
	if skip != SkipNone {
		out.Skipped = skip
		return out
	}
	out.Met = met

	if !met {
		out.ConditionMetSince = nil
		return out
	}

	since := now
	if r.ConditionMetSince != nil {
		since = *r.ConditionMetSince
	}

	if !r.HasDuration() {
		out.ConditionMetSince = &since
		out.Candidate = candidate(r, latest.Value, slope)
		return out
	}

	if now.Sub(since) >= r.Duration.Duration() {
		out.ConditionMetSince = nil
		out.Candidate = candidate(r, latest.Value, slope)
		return out
	}

	out.ConditionMetSince = &since
	return out
}

func (e Evaluator) conditionMet(r Rule, value float64, history vitals.Series) (bool, float64, SkipReason) {
	switch r.Condition {
	case ConditionAbove:
		return value > *r.Threshold, 0, SkipNone
	case ConditionBelow:
		return value < *r.Threshold, 0, SkipNone
	case ConditionEquals:
		return math.Abs(value-*r.Threshold) <= EqualsEpsilon, 0, SkipNone
	case ConditionTrendUp, ConditionTrendDown:
		values := history.Values()
		if e.ResampleInterval > 0 {
			values = vitals.ResampleEven(history, e.ResampleInterval)
		}
		slope, ok := Slope(values)
		if !ok {
			return false, 0, SkipShortHistory
		}
		if r.Condition == ConditionTrendUp {
			return slope > TrendSlopeThreshold, slope, SkipNone
		}
		return slope < -TrendSlopeThreshold, slope, SkipNone
	default:
		panic(fmt.Sprintf("rules: unhandled condition %d", int(r.Condition)))
	}
}

// Slope fits an ordinary least squares line to values against their index.
// ok is false for fewer than MinTrendPoints values.
func Slope(values []float64) (float64, bool) {
	n := len(values)
	if n < MinTrendPoints {
		return 0, false
	}

	xMean := float64(n-1) / 2
	var yMean float64
	for _, v := range values {
		yMean += v
	}
	yMean /= float64(n)

	var num, den float64
	for i, v := range values {
		dx := float64(i) - xMean
		num += dx * (v - yMean)
		den += dx * dx
	}
	return num / den, true
}

func candidate(r Rule, value, slope float64) *alert.Candidate {
	var title, body string
	if r.Condition.IsTrend() {
		title = fmt.Sprintf("%s %s", r.Metric, r.Condition)
		body = fmt.Sprintf("%s is trending %s (slope %s per reading, latest %s)",
			r.Metric, trendWord(r.Condition), fmtNum(slope), fmtNum(value))
	} else {
		title = fmt.Sprintf("%s %s %s", r.Metric, r.Condition, fmtNum(*r.Threshold))
		body = fmt.Sprintf("%s is %s (%s %s)", r.Metric, fmtNum(value), r.Condition, fmtNum(*r.Threshold))
	}

	return &alert.Candidate{
		Source:    alert.SourceRule,
		UserID:    r.UserID,
		Severity:  severityFor(r.Priority),
		Priority:  r.Priority,
		Title:     title,
		Body:      body,
		DedupeKey: r.ID,
		RuleID:    r.ID,
		Metric:    r.Metric,
		Channels:  append([]alert.Channel(nil), r.NotificationMethods...),
	}
}

func severityFor(p alert.Priority) alert.Severity {
	switch p {
	case alert.PriorityHigh:
		return alert.SeverityHigh
	case alert.PriorityMedium:
		return alert.SeverityMedium
	default:
		return alert.SeverityLow
	}
}

func trendWord(c Condition) string {
	if c == ConditionTrendUp {
		return "up"
	}
	return "down"
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
