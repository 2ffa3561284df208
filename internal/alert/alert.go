// Package alert holds the candidate type every evaluator produces and the
// dispatcher consumes.
package alert

import (
	"fmt"
	"strings"
)

// Priority orders notifications. Higher values win.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Severity grades how far a reading is from normal. Higher values are worse.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Source names the evaluator that produced a candidate.
type Source string

const (
	SourceRule    Source = "rule"
	SourceAnomaly Source = "anomaly"
	SourceRisk    Source = "risk"
)

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// ParseChannel parses "push" or "email".
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(s)); c {
	case ChannelPush, ChannelEmail:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Candidate is a proposed notification awaiting dedupe, cooldown and ranking.
type Candidate struct {
	Source    Source    `json:"source"`
	UserID    string    `json:"user_id"`
	Severity  Severity  `json:"severity"`
	Priority  Priority  `json:"priority"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	DedupeKey string    `json:"dedupe_key"`
	Magnitude float64   `json:"magnitude"` // z-score or risk score; 0 for rules
	RuleID    string    `json:"rule_id,omitempty"`
	Metric    string    `json:"metric,omitempty"`
	Channels  []Channel `json:"channels,omitempty"`
}

// AnomalyKey is the dedupe key for anomaly findings on metric.
func AnomalyKey(metric string) string { return "anomaly:" + metric }

// RiskKey is the dedupe key for risk scores in category.
func RiskKey(category string) string { return "risk:" + category }

// Less reports whether a ranks ahead of b: priority, then severity, then
// magnitude, all descending, then dedupe key ascending for a stable order.
func Less(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	if a.Magnitude != b.Magnitude {
		return a.Magnitude > b.Magnitude
	}
	return a.DedupeKey < b.DedupeKey
}

// PriorityForSeverity maps a statistical severity onto a dispatch priority.
func PriorityForSeverity(s Severity) Priority {
	switch s {
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
