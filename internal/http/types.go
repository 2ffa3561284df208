package http

import (
	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for rejected rule definitions.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// RuleListResponse is the response body for GET /api/v1/rules.
type RuleListResponse struct {
	Rules []rules.Rule `json:"rules"`
}

// TriggersResponse is the response body for GET /api/v1/users/:id/triggers.
type TriggersResponse struct {
	UserID string `json:"user_id"`
	// Today maps dedupe key to dispatches on the current UTC day.
	Today map[string]int `json:"today"`
}
