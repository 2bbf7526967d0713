// Package models defines the shared domain types: events, query plans,
// permission envelopes, procedure results, and the error taxonomy.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is the typed projection of a raw ingestion-lane envelope.
// Every logical entity in the system — users, tokens, requests, deployments,
// leases — exists only as events of this shape; current state is always
// "latest event per (object_type, object_id), newest wins".
type Event struct {
	EventID    string         `json:"event_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEvent builds an event with a fresh id and the current timestamp.
func NewEvent(action, objectType, objectID string) Event {
	return Event{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		Attributes: map[string]any{},
	}
}

// Attr returns a string attribute, or "" when absent or not a string.
func (e Event) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	if v, ok := e.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// System / identity lifecycle actions.
const (
	ActionUserCreated      = "system.user.created"
	ActionUserUpdated      = "system.user.updated"
	ActionPermissionGrant  = "system.permission.granted"
	ActionPermissionRevoke = "system.permission.revoked"
	ActionAllRevoked       = "system.permissions.all_revoked"
	ActionAllRevokedLifted = "system.permissions.all_revoked_lifted"
	ActionTokenCreated     = "system.token.created"
	ActionTokenRevoked     = "system.token.revoked"
	ActionActivationCreate = "system.activation.created"
	ActionActivationUsed   = "system.activation.used"
	ActionNonceSeen        = "system.nonce.seen"
)

// Request pipeline actions.
const (
	ActionRequestProcessed = "mcp.request.processed"
	ActionRequestCancelled = "mcp.request.cancelled"
	ActionQueryRouted      = "mcp.query.routed"
	ActionToolStreaming    = "mcp.tool.streaming"

	// ActionErrorPrefix prefixes the per-class error events
	// (mcp.error.auth, mcp.error.quota, mcp.error.timeout, ...).
	ActionErrorPrefix = "mcp.error."
)

// Session lifecycle actions.
const (
	ActionSessionStarted = "session.started"
	ActionSessionEnded   = "session.ended"
)

// Dashboard actions.
const (
	ActionDashboardSpecCreated      = "dashboard.spec.created"
	ActionDashboardScheduleCreated  = "dashboard.schedule.created"
	ActionDashboardScheduleUpdated  = "dashboard.schedule.updated"
	ActionDashboardScheduleDeleted  = "dashboard.schedule.deleted"
	ActionDashboardScheduleExecuted = "dashboard.schedule.executed"
)

// Deployment gateway actions.
const (
	ActionDDLDeployed    = "ddl.object.deployed"
	ActionDDLDeployError = "ddl.deploy.error"
	ActionStageDeployed  = "ddl.stage.deployed"
	ActionDevClaim       = "dev.claim"
	ActionDevRelease     = "dev.release"
	ActionTokenConsume   = "dev.token.consume"
	ActionTokenRefill    = "dev.token.refill"
)

// Object types — the first half of an entity identity (object_type, object_id).
const (
	ObjectTypeUser       = "user"
	ObjectTypeUserToken  = "user_token"
	ObjectTypeActivation = "activation"
	ObjectTypeNonce      = "nonce"
	ObjectTypeRequest    = "request"
	ObjectTypeDashboard  = "dashboard_spec"
	ObjectTypeSchedule   = "schedule"
	ObjectTypeDDLObject  = "ddl_object"
	ObjectTypeLease      = "lease"
	ObjectTypeSession    = "session"
)
