package engine

import (
	"strings"
)

// Scope selects which evaluators a pass runs.
type Scope uint8

const (
	// ScopeInstantRules covers rules without a condition duration.
	ScopeInstantRules Scope = 1 << iota
	// ScopeDurationRules covers rules that must hold for a duration.
	ScopeDurationRules
	ScopeAnomaly
	ScopeRisk

	ScopeFast = ScopeInstantRules
	ScopeSlow = ScopeDurationRules | ScopeAnomaly | ScopeRisk
	ScopeAll  = ScopeFast | ScopeSlow
)

var scopeNames = []struct {
	s    Scope
	name string
}{
	{ScopeInstantRules, "instant_rules"},
	{ScopeDurationRules, "duration_rules"},
	{ScopeAnomaly, "anomaly"},
	{ScopeRisk, "risk"},
}

// Has reports whether every bit of o is set in s.
func (s Scope) Has(o Scope) bool {
	return s&o == o
}

func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopeSlow:
		return "slow"
	case ScopeFast:
		return "fast"
	}
	var parts []string
	for _, n := range scopeNames {
		if s.Has(n.s) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
