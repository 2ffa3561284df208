// Package risk computes weighted composite risk scores per category.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/vitals"
)

// ErrInvalidCategory is wrapped by category validation failures.
var ErrInvalidCategory = errors.New("invalid risk category")

// Level is a banded risk score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ValueSource selects where a factor's raw value comes from.
type ValueSource string

const (
	SourceLatest     ValueSource = "latest"
	SourceWindowMean ValueSource = "window_mean"
)

// Factor is one weighted input to a category.
type Factor struct {
	Metric string
	Weight float64
	// Min and Max bound the expected range; values outside are clamped.
	Min, Max float64
	// Inverse marks "lower is riskier" metrics.
	Inverse bool
	Source  ValueSource
}

// Category is a named set of factors with level thresholds.
type Category struct {
	Name            string
	Factors         []Factor
	MediumThreshold float64
	HighThreshold   float64
}

// Validate checks weights, ranges and threshold ordering.
func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCategory)
	}
	if len(c.Factors) == 0 {
		return fmt.Errorf("%w: %s has no factors", ErrInvalidCategory, c.Name)
	}
	if !(0 < c.MediumThreshold && c.MediumThreshold < c.HighThreshold && c.HighThreshold <= 1) {
		return fmt.Errorf("%w: %s thresholds must satisfy 0 < medium < high <= 1", ErrInvalidCategory, c.Name)
	}
	for _, f := range c.Factors {
		if f.Metric == "" {
			return fmt.Errorf("%w: %s has a factor without a metric", ErrInvalidCategory, c.Name)
		}
		if f.Weight <= 0 {
			return fmt.Errorf("%w: %s factor %s weight must be positive", ErrInvalidCategory, c.Name, f.Metric)
		}
		if f.Max <= f.Min {
			return fmt.Errorf("%w: %s factor %s range is empty", ErrInvalidCategory, c.Name, f.Metric)
		}
		switch f.Source {
		case "", SourceLatest, SourceWindowMean:
		default:
			return fmt.Errorf("%w: %s factor %s has unknown source %q", ErrInvalidCategory, c.Name, f.Metric, f.Source)
		}
	}
	return nil
}

// Metrics returns the distinct metrics the category reads history for.
func (c Category) Metrics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range c.Factors {
		if f.Source == SourceWindowMean && !seen[f.Metric] {
			seen[f.Metric] = true
			out = append(out, f.Metric)
		}
	}
	sort.Strings(out)
	return out
}

// Contribution records one factor's part in a score.
type Contribution struct {
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	Normalized float64 `json:"normalized"`
	Weight     float64 `json:"weight"`
}

// Score is an ephemeral risk result.
type Score struct {
	UserID              string         `json:"user_id"`
	Category            string         `json:"category"`
	Score               float64        `json:"score"`
	Level               Level          `json:"level"`
	ContributingFactors []Contribution `json:"contributing_factors"`
}

// Compute scores category for one user. history maps metric to its
// lookback series and is consulted only by window_mean factors. ok is false
// when no factor has a value.
func Compute(userID string, c Category, latest vitals.SnapshotSet, history map[string]vitals.Series) (Score, bool) {
	var weighted, available float64
	contributions := make([]Contribution, 0, len(c.Factors))

	for _, f := range c.Factors {
		raw, ok := factorValue(f, latest, history)
		if !ok {
			continue
		}
		n := normalize(raw, f.Min, f.Max)
		if f.Inverse {
			n = 1 - n
		}
		weighted += n * f.Weight
		available += f.Weight
		contributions = append(contributions, Contribution{
			Metric:     f.Metric,
			Value:      raw,
			Normalized: n,
			Weight:     f.Weight,
		})
	}

	if available == 0 {
		return Score{}, false
	}

	score := weighted / available
	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].Normalized*contributions[i].Weight > contributions[j].Normalized*contributions[j].Weight
	})

	return Score{
		UserID:              userID,
		Category:            c.Name,
		Score:               score,
		Level:               c.level(score),
		ContributingFactors: contributions,
	}, true
}

func (c Category) level(score float64) Level {
	switch {
	case score >= c.HighThreshold:
		return LevelHigh
	case score >= c.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func factorValue(f Factor, latest vitals.SnapshotSet, history map[string]vitals.Series) (float64, bool) {
	if f.Source == SourceWindowMean {
		return history[f.Metric].Mean()
	}
	return latest.Value(f.Metric)
}

func normalize(v, lo, hi float64) float64 {
	n := (v - lo) / (hi - lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Candidate converts a medium or high score into a dispatchable candidate.
// Low scores yield ok=false.
func (s Score) Candidate() (alert.Candidate, bool) {
	var sev alert.Severity
	switch s.Level {
	case LevelHigh:
		sev = alert.SeverityHigh
	case LevelMedium:
		sev = alert.SeverityMedium
	default:
		return alert.Candidate{}, false
	}

	body := fmt.Sprintf("Your %s risk score is %.2f (%s)", strings.ReplaceAll(s.Category, "_", " "), s.Score, s.Level)
	if len(s.ContributingFactors) > 0 {
		body += fmt.Sprintf("; largest factor: %s", s.ContributingFactors[0].Metric)
	}

	return alert.Candidate{
		Source:    alert.SourceRisk,
		UserID:    s.UserID,
		Severity:  sev,
		Priority:  alert.PriorityForSeverity(sev),
		Title:     fmt.Sprintf("Elevated %s risk", strings.ReplaceAll(s.Category, "_", " ")),
		Body:      body,
		DedupeKey: alert.RiskKey(s.Category),
		Magnitude: s.Score,
	}, true
}
