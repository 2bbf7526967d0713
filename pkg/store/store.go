// Package store is the event store adapter: it owns the authenticated
// warehouse session, invokes server-side stored procedures with typed
// parameters, and exposes the only two physical collections — the ingestion
// lane and the processed lane — to the rest of the gateway.
package store

import (
	"context"
	"time"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Procedure names of the warehouse contract. Callers go through these —
// never through ad-hoc SQL.
const (
	ProcLogEvent          = "LOG_EVENT"
	ProcLogEventsBatch    = "LOG_EVENTS_BATCH"
	ProcValidateQueryPlan = "VALIDATE_QUERY_PLAN"
	ProcExecuteQueryPlan  = "EXECUTE_QUERY_PLAN"
	ProcHandleRequest     = "HANDLE_REQUEST"
	ProcValidateToken     = "VALIDATE_TOKEN"
	ProcDev               = "DEV"
	ProcDDLDeploy         = "DDL_DEPLOY"
	ProcDDLDeployStage    = "DDL_DEPLOY_FROM_STAGE"
)

// SourceLane values for ingestion-lane envelopes.
const (
	LaneDirect = "DIRECT"
	LaneBatch  = "BATCH"
)

// Warehouse is the narrow surface the gateway uses to talk to the warehouse.
// The production implementation is *Session (gosnowflake); tests use *Fake.
type Warehouse interface {
	// CallProcedure invokes a stored procedure with positional parameters.
	// Object-valued arguments are passed through a structured JSON bind.
	// Returns the parsed single-column VARIANT response.
	CallProcedure(ctx context.Context, name string, args ...any) (map[string]any, error)

	// Execute runs strictly parameterized SQL. Reserved for system actions:
	// session tag setting, warehouse metadata, DDL issued by the deployment
	// gateway.
	Execute(ctx context.Context, sqlText string, binds ...any) ([]map[string]any, error)

	// ScanIngestion reads raw envelopes from the ingestion lane received at
	// or after since, projected into typed events. Used only by the
	// consistency reader to mask processed-lane refresh lag.
	ScanIngestion(ctx context.Context, since time.Time, filter EventFilter) ([]models.Event, error)

	// QueryProcessed reads typed events from the processed lane.
	QueryProcessed(ctx context.Context, filter EventFilter) ([]models.Event, error)

	// StageFileInfo lists a single stage file (name, size, MD5).
	StageFileInfo(ctx context.Context, stageURL string) (*StageFile, error)

	// ReadStageFile returns the text content of a stage file.
	ReadStageFile(ctx context.Context, stageURL string) (string, error)

	// SetQueryTag replaces the session-wide query tag.
	SetQueryTag(ctx context.Context, tag QueryTag) error

	// Close tears down the session. Callers flush pending batched events first.
	Close(ctx context.Context) error
}

// StageFile describes one file on a warehouse stage.
type StageFile struct {
	Name string
	Size int64
	MD5  string
}

// EventFilter narrows lane reads. Zero values mean "no constraint".
type EventFilter struct {
	Action       string
	ActionPrefix string
	ObjectType   string
	ObjectID     string
	ActorID      string
	Since        time.Time
	Limit        int
}

// Matches reports whether the event satisfies every set constraint.
func (f EventFilter) Matches(e models.Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActionPrefix != "" && len(e.Action) < len(f.ActionPrefix) {
		return false
	}
	if f.ActionPrefix != "" && e.Action[:len(f.ActionPrefix)] != f.ActionPrefix {
		return false
	}
	if f.ObjectType != "" && e.ObjectType != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && e.ObjectID != f.ObjectID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	return true
}

// QueryTag is the JSON session tag describing who is doing what. Stamped on
// session open and refreshed per request by the orchestrator.
type QueryTag struct {
	Agent        string `json:"agent"`
	Op           string `json:"op,omitempty"`
	Session      string `json:"session,omitempty"`
	User         string `json:"user,omitempty"`
	Timestamp    string `json:"timestamp"`
	ContractHash string `json:"contract_hash,omitempty"`
}
