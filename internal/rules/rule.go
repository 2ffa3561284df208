// Package rules evaluates user-authored threshold and trend rules.
//
// Evaluation is a pure function of the rule, the latest reading, its trend
// history and the current time. The returned Outcome carries the next
// condition state, which callers persist through Store.CommitState.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/config"
)

// Condition is the closed set of rule conditions.
type Condition int

const (
	ConditionAbove Condition = iota + 1
	ConditionBelow
	ConditionEquals
	ConditionTrendUp
	ConditionTrendDown
)

var conditionNames = map[Condition]string{
	ConditionAbove:     "above",
	ConditionBelow:     "below",
	ConditionEquals:    "equals",
	ConditionTrendUp:   "trend_up",
	ConditionTrendDown: "trend_down",
}

// ParseCondition parses a condition name.
func ParseCondition(s string) (Condition, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range conditionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown condition %q", s)
}

func (c Condition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	_, ok := conditionNames[c]
	return ok
}

// IsTrend reports whether the condition is evaluated on a slope.
func (c Condition) IsTrend() bool {
	return c == ConditionTrendUp || c == ConditionTrendDown
}

func (c Condition) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid condition %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Condition) UnmarshalText(text []byte) error {
	v, err := ParseCondition(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Rule is a user-authored alert rule plus the state the engine maintains for it.
type Rule struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Metric              string          `json:"metric"`
	Condition           Condition       `json:"condition"`
	Threshold           *float64        `json:"threshold,omitempty"`
	Duration            config.Duration `json:"duration"`
	Priority            alert.Priority  `json:"priority"`
	NotificationMethods []alert.Channel `json:"notification_methods,omitempty"`
	Active              bool            `json:"active"`

	// ConditionMetSince is set only while the condition has held continuously
	// since that instant.
	ConditionMetSince *time.Time `json:"condition_met_since,omitempty"`
	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// activeOmitted marks a rule parsed from a definition without an active
	// field. Updates then keep the stored rule's paused state.
	activeOmitted bool
}

// Validate rejects rules that must never reach evaluation.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return invalid("user_id", "required")
	}
	if strings.TrimSpace(r.Metric) == "" {
		return invalid("metric", "required")
	}
	if !r.Condition.Valid() {
		return invalid("condition", fmt.Sprintf("unknown condition %d", int(r.Condition)))
	}
	if !r.Condition.IsTrend() && r.Threshold == nil {
		return invalid("threshold", fmt.Sprintf("required for condition %q", r.Condition))
	}
	if r.Duration < 0 {
		return invalid("duration", "cannot be negative")
	}
	if !r.Priority.Valid() {
		return invalid("priority", fmt.Sprintf("unknown priority %d", int(r.Priority)))
	}
	for _, ch := range r.NotificationMethods {
		if _, err := alert.ParseChannel(string(ch)); err != nil {
			return invalid("notification_methods", err.Error())
		}
	}
	return nil
}

// HasDuration reports whether the rule needs its condition to hold for a span.
func (r *Rule) HasDuration() bool {
	return r.Duration > 0
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	if r.Threshold != nil {
		v := *r.Threshold
		out.Threshold = &v
	}
	if r.ConditionMetSince != nil {
		v := *r.ConditionMetSince
		out.ConditionMetSince = &v
	}
	if r.LastTriggeredAt != nil {
		v := *r.LastTriggeredAt
		out.LastTriggeredAt = &v
	}
	if r.NotificationMethods != nil {
		out.NotificationMethods = append([]alert.Channel(nil), r.NotificationMethods...)
	}
	return out
}

// sameDefinition reports whether a and b would evaluate identically.
func sameDefinition(a, b Rule) bool {
	if a.UserID != b.UserID || a.Metric != b.Metric || a.Condition != b.Condition || a.Duration != b.Duration {
		return false
	}
	if (a.Threshold == nil) != (b.Threshold == nil) {
		return false
	}
	return a.Threshold == nil || *a.Threshold == *b.Threshold
}
