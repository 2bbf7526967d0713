package models

import "time"

// Envelope is the effective permission object derived from the latest
// non-revoked grant event for a token hash. It travels with every request
// and bounds what the executor will do on the caller's behalf.
type Envelope struct {
	Username            string    `json:"username"`
	AllowedTools        []string  `json:"allowed_tools"`
	MaxRows             int       `json:"max_rows"`
	DailyRuntimeSeconds int       `json:"daily_runtime_seconds"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Allows reports whether the envelope permits the named tool.
// An empty allowed-tools list means no tools — deny by default.
func (e Envelope) Allows(tool string) bool {
	for _, t := range e.AllowedTools {
		if t == tool || t == "*" {
			return true
		}
	}
	return false
}

// Expired reports whether the envelope has passed its expiry at the given instant.
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ExecResult is the executor's structured response for a plan execution.
type ExecResult struct {
	OK           bool             `json:"ok"`
	QueryID      string           `json:"query_id,omitempty"`
	RowCount     int              `json:"row_count,omitempty"`
	SampleRows   []map[string]any `json:"sample_rows,omitempty"`
	BytesScanned int64            `json:"bytes_scanned,omitempty"`
	ErrorClass   string           `json:"error_class,omitempty"`
	Error        string           `json:"error,omitempty"`
	SQLState     string           `json:"sql_state,omitempty"`
}

// RouteDecision records a router tier classification, logged as a
// mcp.query.routed event per decision.
type RouteDecision struct {
	Tier int `json:"tier"`
	// NaturalLanguage is the user's question; emails inside it are redacted
	// before the decision is persisted.
	NaturalLanguage string         `json:"natural_language,omitempty"`
	Template        string         `json:"template,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ExpectedMs      int64          `json:"expected_ms"`
	ActualMs        int64          `json:"actual_ms,omitempty"`
	ExpectedCost    float64        `json:"expected_cost"`
	ActualCost      float64        `json:"actual_cost,omitempty"`
	Success         bool           `json:"success"`
	Confidence      float64        `json:"confidence"`
	Reasoning       string         `json:"reasoning,omitempty"`
}
