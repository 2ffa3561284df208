package engine

import (
	"time"

	"github.com/fyrsmithlabs/vitalwatch/internal/alert"
	"github.com/fyrsmithlabs/vitalwatch/internal/anomaly"
	"github.com/fyrsmithlabs/vitalwatch/internal/dispatch"
	"github.com/fyrsmithlabs/vitalwatch/internal/risk"
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
)

// RuleResult summarizes one rule evaluation in a pass.
type RuleResult struct {
	RuleID  string           `json:"rule_id"`
	Metric  string           `json:"metric"`
	Met     bool             `json:"met"`
	Fired   bool             `json:"fired"`
	Skipped rules.SkipReason `json:"skipped,omitempty"`
	Slope   float64          `json:"slope,omitempty"`
}

// Report describes everything one pass decided for one user.
type Report struct {
	PassID    string        `json:"pass_id"`
	UserID    string        `json:"user_id"`
	Tier      string        `json:"tier"`
	Scope     Scope         `json:"scope"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`

	Rules      []RuleResult      `json:"rules,omitempty"`
	Findings   []anomaly.Finding `json:"findings,omitempty"`
	RiskScores []risk.Score      `json:"risk_scores,omitempty"`

	// Candidates are what the evaluators proposed, after dropping rule
	// candidates whose rule vanished mid-pass.
	Candidates []alert.Candidate  `json:"candidates"`
	Dispatched []dispatch.Decision `json:"dispatched"`
	Suppressed []dispatch.Decision `json:"suppressed"`
	// Dropped lists rule candidates discarded because the rule was deleted
	// while the pass ran.
	Dropped []alert.Candidate `json:"dropped,omitempty"`
}
