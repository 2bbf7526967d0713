// Package events carries the client wire protocol: typed JSON messages in
// both directions and the WebSocket connection manager that owns per-session
// state. Everything downstream of this package is stateless.
package events

import "encoding/json"

// Client-to-server message types.
const (
	TypeRegister     = "register"
	TypeUserMessage  = "user-message"
	TypeExecutePanel = "execute_panel"
	TypeToolsCall    = "tools/call"
)

// Server-to-client message types.
const (
	TypeAssistantMessage = "assistant-message"
	TypeSQLResult        = "sql-result"
	TypeProgress         = "dashboard.progress"
	TypeComplete         = "dashboard.complete"
	TypeInfo             = "info"
	TypeError            = "error"
)

// ClientMessage is the union of every inbound message shape. The Type tag
// decides which fields are meaningful.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// user-message
	Content string `json:"content,omitempty"`

	// execute_panel
	Panel *Panel `json:"panel,omitempty"`

	// tools/call
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Token     string          `json:"token,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
}

// Panel is a structured query request that bypasses natural-language routing.
type Panel struct {
	Source     string   `json:"source"`
	Dimensions []string `json:"dimensions,omitempty"`
	Measures   []Measure `json:"measures,omitempty"`
	Filters    []Filter  `json:"filters,omitempty"`
	TopN       *int      `json:"top_n,omitempty"`
	Grain      string    `json:"grain,omitempty"`
	OrderBy    []Order   `json:"order_by,omitempty"`
}

// Measure mirrors the plan measure shape on the wire.
type Measure struct {
	Fn  string `json:"fn"`
	Col string `json:"col,omitempty"`
}

// Filter mirrors the plan filter shape on the wire.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Order mirrors the plan ordering shape on the wire.
type Order struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
}

// AssistantMessage is free-form text from the router or interpreter.
type AssistantMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewAssistantMessage builds an assistant-message.
func NewAssistantMessage(content string) AssistantMessage {
	return AssistantMessage{Type: TypeAssistantMessage, Content: content}
}

// SQLResult delivers query output with execution metadata.
type SQLResult struct {
	Type     string           `json:"type"`
	Template string           `json:"template,omitempty"`
	Rows     []map[string]any `json:"rows"`
	Count    int              `json:"count"`
	Metadata ResultMetadata   `json:"metadata"`
}

// ResultMetadata describes how the result was produced.
type ResultMetadata struct {
	QueryID         string `json:"query_id,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	BytesScanned    int64  `json:"bytes_scanned,omitempty"`
}

// Progress reports a step of a long-running operation.
type Progress struct {
	Type           string `json:"type"`
	Step           string `json:"step"`
	Message        string `json:"message,omitempty"`
	Pct            int    `json:"pct"`
	ElapsedMs      int64  `json:"elapsed_ms"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
}

// Complete terminates a dashboard build.
type Complete struct {
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	URL            string `json:"url,omitempty"`
	SpecID         string `json:"spec_id,omitempty"`
	ElapsedMs      int64  `json:"elapsed_ms"`
	ObjectsCreated int    `json:"objects_created"`
	PanelsCount    int    `json:"panels_count"`
}

// Info is an informational notice.
type Info struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewInfo builds an info message.
func NewInfo(content string) Info {
	return Info{Type: TypeInfo, Content: content}
}

// ErrorMessage is the structured failure response. ErrorClass carries the
// taxonomy kind so clients can branch without parsing text.
type ErrorMessage struct {
	Type       string         `json:"type"`
	OK         bool           `json:"ok"`
	ErrorClass string         `json:"error_class,omitempty"`
	Error      string         `json:"error"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewErrorMessage builds an error response.
func NewErrorMessage(class, msg string, details map[string]any) ErrorMessage {
	return ErrorMessage{Type: TypeError, OK: false, ErrorClass: class, Error: msg, Details: details}
}
