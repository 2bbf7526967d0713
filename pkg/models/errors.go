package models

import "fmt"

// ErrorKind groups error classes into the top-level taxonomy carried in
// events and structured responses.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindAuth       ErrorKind = "auth"
	KindAuthz      ErrorKind = "authz"
	KindQuota      ErrorKind = "quota"
	KindValidation ErrorKind = "validation"
	KindExecution  ErrorKind = "execution"
	KindDeploy     ErrorKind = "deploy"
	KindTransport  ErrorKind = "transport"
)

// Error classes. Each belongs to exactly one kind; the kind is what the
// orchestrator reports as error_class in wire responses, the class is the
// short machine-readable error string.
const (
	// auth
	ClassUnauth         = "unauth"
	ClassInvalidToken   = "invalid_token"
	ClassReplayDetected = "replay_detected"
	ClassExpired        = "expired"
	ClassRevoked        = "revoked"

	// authz
	ClassForbidden      = "forbidden"
	ClassToolNotAllowed = "tool_not_allowed"

	// quota
	ClassRowLimitExceeded = "row_limit_exceeded"
	ClassRuntimeExceeded  = "runtime_exceeded"
	ClassRateLimited      = "rate_limited"

	// validation
	ClassUnknownSource        = "unknown_source"
	ClassInvalidColumn        = "invalid_column"
	ClassInvalidOperator      = "invalid_operator"
	ClassInvalidAggregation   = "invalid_aggregation"
	ClassInvalidGrain         = "invalid_grain"
	ClassInvalidRange         = "invalid_range"
	ClassRowLimitExceedsPolicy = "row_limit_exceeds_policy"

	// execution
	ClassSyntax     = "syntax"
	ClassDependency = "dependency"
	ClassPrivilege  = "privilege"
	ClassTimeout    = "timeout"
	ClassOther      = "other"

	// deploy
	ClassVersionConflict    = "version_conflict"
	ClassCompileFailed      = "compile_failed"
	ClassForbiddenOperation = "forbidden_operation"
	ClassChecksumMismatch   = "checksum_mismatch"
	ClassFileTooLarge       = "file_too_large"
	ClassFileNotFound       = "file_not_found"
	ClassMultipleStatements = "multiple_statements"
	ClassInvalidLease       = "invalid_lease"

	// transport
	ClassDisconnected = "disconnected"
	ClassCancelled    = "cancelled"
)

// GatewayError is the typed error carried through the request pipeline.
// Every failure surfaces as one of these plus an mcp.error.<kind> event.
type GatewayError struct {
	Kind    ErrorKind
	Class   string
	Message string
	Details map[string]any
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Class)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Class, e.Message)
}

// NewGatewayError builds a GatewayError without details.
func NewGatewayError(kind ErrorKind, class, message string) *GatewayError {
	return &GatewayError{Kind: kind, Class: class, Message: message}
}

// WithDetail attaches a detail key/value pair and returns the error for chaining.
func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the failure class is worth retrying:
// timeouts, transport failures, and upstream 5xx-equivalents.
func (e *GatewayError) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassDisconnected:
		return true
	}
	return e.Kind == KindTransport
}

// EventAction returns the event action recorded for this error,
// e.g. "mcp.error.auth" or "ddl.deploy.error" for deploy failures.
func (e *GatewayError) EventAction() string {
	if e.Kind == KindDeploy {
		return ActionDDLDeployError
	}
	return ActionErrorPrefix + string(e.Kind)
}
