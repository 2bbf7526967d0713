// Package deploy is the deployment gateway: the only path through which
// DDL reaches the warehouse. Every deploy is checksum-verified, parsed to
// exactly one allow-listed statement, version-gated, shadow-compiled
// against a candidate name, and recorded as an event whether it succeeds
// or not.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// MaxStageBytes caps the size of a stage file accepted for deployment.
const MaxStageBytes = 10 << 20 // 10 MiB

// Request describes one deploy.
type Request struct {
	Type            string // VIEW, PROCEDURE, FUNCTION
	Name            string // qualified object name
	DDL             string // inline DDL, or empty when staged
	StageURL        string
	ExpectedMD5     string
	Provenance      string
	Reason          string
	ExpectedVersion string // empty skips the version gate
	LeaseID         string // empty skips the lease check
	Actor           string
}

// Result reports a successful deploy.
type Result struct {
	ObjectName      string `json:"object_name"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	DDLLength       int    `json:"ddl_length"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	wh     store.Warehouse
	events *eventlog.Logger
	reader *consistency.Reader
	logger *slog.Logger

	maxStageBytes int64

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New builds the gateway.
func New(wh store.Warehouse, events *eventlog.Logger, reader *consistency.Reader, logger *slog.Logger) *Gateway {
	return &Gateway{
		wh:            wh,
		events:        events,
		reader:        reader,
		logger:        logger.With("component", "deploy"),
		maxStageBytes: MaxStageBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Claim takes a development lease on a namespace. Leases expire by TTL;
// expiry needs no release event.
func (g *Gateway) Claim(ctx context.Context, appName, namespace, agentID, leaseID string, ttl time.Duration) (string, error) {
	if leaseID == "" {
		leaseID = uuid.New().String()
	}
	e := models.NewEvent(models.ActionDevClaim, models.ObjectTypeLease, leaseID)
	e.ActorID = agentID
	e.Attributes["app_name"] = appName
	e.Attributes["namespace"] = namespace
	e.Attributes["agent_id"] = agentID
	e.Attributes["ttl_seconds"] = int(ttl.Seconds())
	e.Attributes["expires_at"] = g.now().Add(ttl).Format(time.RFC3339)
	if err := g.events.Log(ctx, e); err != nil {
		return "", err
	}
	return leaseID, nil
}

// Release ends a lease early.
func (g *Gateway) Release(ctx context.Context, leaseID, agentID string) error {
	e := models.NewEvent(models.ActionDevRelease, models.ObjectTypeLease, leaseID)
	e.ActorID = agentID
	return g.events.Log(ctx, e)
}

// Validate compiles DDL in the sandbox without touching production:
// the same stage/parse/allow-list/shadow-compile steps as Deploy, stopping
// before the real execution.
func (g *Gateway) Validate(ctx context.Context, req Request) error {
	content, err := g.resolveContent(ctx, req)
	if err != nil {
		return err
	}
	stmt, err := parseSingleStatement(content)
	if err != nil {
		return err
	}
	if err := checkAllowed(stmt); err != nil {
		return err
	}
	return g.shadowCompile(ctx, req, stmt)
}

// Deploy runs the full algorithm and always leaves an event behind:
// ddl.object.deployed on success, ddl.deploy.error on any failure.
func (g *Gateway) Deploy(ctx context.Context, req Request) (*Result, error) {
	result, err := g.deploy(ctx, req)
	if err != nil {
		gwErr := asDeployError(err)
		g.events.LogError(ctx, gwErr, req.Actor, models.ObjectTypeDDLObject, strings.ToUpper(req.Name))
		return nil, gwErr
	}
	return result, nil
}

func (g *Gateway) deploy(ctx context.Context, req Request) (*Result, error) {
	name := strings.ToUpper(strings.TrimSpace(req.Name))
	if name == "" {
		return nil, deployErr(models.ClassCompileFailed, "object name is required")
	}

	content, err := g.resolveContent(ctx, req)
	if err != nil {
		return nil, err
	}
	stmt, err := parseSingleStatement(content)
	if err != nil {
		return nil, err
	}
	if err := checkAllowed(stmt); err != nil {
		return nil, err
	}

	previousVersion := ""
	current, _, err := g.reader.LatestDeployment(ctx, name, g.lastLeaseWrite())
	if err != nil {
		return nil, err
	}
	if current != nil {
		previousVersion = current.Attr("version")
	}
	if req.ExpectedVersion != "" && previousVersion != req.ExpectedVersion {
		return nil, deployErr(models.ClassVersionConflict,
			"object version changed since it was read").
			WithDetail("expected_version", req.ExpectedVersion).
			WithDetail("current_version", previousVersion)
	}

	if req.LeaseID != "" {
		if err := g.checkLease(ctx, req.LeaseID); err != nil {
			return nil, err
		}
	}

	if err := g.shadowCompile(ctx, req, stmt); err != nil {
		return nil, err
	}

	if _, err := g.wh.Execute(ctx, stmt); err != nil {
		return nil, classifyDeployExec(err)
	}

	version := g.now().Format(time.RFC3339Nano)
	e := models.NewEvent(models.ActionDDLDeployed, models.ObjectTypeDDLObject, name)
	e.ActorID = req.Actor
	e.Attributes["object_type"] = strings.ToUpper(req.Type)
	e.Attributes["object_name"] = name
	e.Attributes["version"] = version
	e.Attributes["previous_version"] = previousVersion
	e.Attributes["provenance"] = req.Provenance
	e.Attributes["reason"] = req.Reason
	e.Attributes["lease_id"] = req.LeaseID
	e.Attributes["ddl_length"] = len(stmt)
	if req.StageURL != "" {
		e.Attributes["stage_url"] = req.StageURL
	}
	if err := g.events.Log(ctx, e); err != nil {
		return nil, err
	}
	if req.StageURL != "" {
		staged := models.NewEvent(models.ActionStageDeployed, models.ObjectTypeDDLObject, name)
		staged.ActorID = req.Actor
		staged.Attributes["stage_url"] = req.StageURL
		staged.Attributes["md5"] = req.ExpectedMD5
		if err := g.events.Log(ctx, staged); err != nil {
			return nil, err
		}
	}

	g.logger.Info("object deployed", "name", name, "type", req.Type,
		"version", version, "previous_version", previousVersion)
	return &Result{
		ObjectName:      name,
		Version:         version,
		PreviousVersion: previousVersion,
		DDLLength:       len(stmt),
	}, nil
}

// Discover enumerates the current schema projection: newest deployment per
// object.
func (g *Gateway) Discover(ctx context.Context, filter string) (map[string]models.Event, error) {
	rollup, _, err := g.reader.StatusRollup(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return rollup, nil
	}
	f := strings.ToUpper(filter)
	out := map[string]models.Event{}
	for name, e := range rollup {
		if strings.Contains(name, f) {
			out[name] = e
		}
	}
	return out, nil
}

// Dispatch is the single procedural entry point used by the CLI and the
// server-side dev() contract: one action name plus a parameter object.
func (g *Gateway) Dispatch(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	switch strings.ToLower(action) {
	case "claim":
		ttl := time.Duration(paramInt(params, "ttl_seconds", 900)) * time.Second
		leaseID, err := g.Claim(ctx, str(params, "app_name"), str(params, "namespace"),
			str(params, "agent_id"), str(params, "lease_id"), ttl)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "lease_id": leaseID}, nil
	case "release":
		if err := g.Release(ctx, str(params, "lease_id"), str(params, "agent_id")); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "validate":
		err := g.Validate(ctx, requestFromParams(params))
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "valid": true}, nil
	case "deploy":
		result, err := g.Deploy(ctx, requestFromParams(params))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ok": true, "object_name": result.ObjectName,
			"version": result.Version, "previous_version": result.PreviousVersion,
		}, nil
	case "discover":
		rollup, err := g.Discover(ctx, str(params, "filter"))
		if err != nil {
			return nil, err
		}
		objects := map[string]any{}
		for name, e := range rollup {
			objects[name] = map[string]any{
				"version":     e.Attr("version"),
				"object_type": e.Attr("object_type"),
				"deployed_at": e.OccurredAt.Format(time.RFC3339),
			}
		}
		return map[string]any{"ok": true, "objects": objects}, nil
	}
	return nil, deployErr(models.ClassForbiddenOperation,
		fmt.Sprintf("unknown dev action %q", action))
}

// --- steps ---

// resolveContent returns the DDL text, reading and checksum-verifying the
// stage file when one is named.
func (g *Gateway) resolveContent(ctx context.Context, req Request) (string, error) {
	if req.StageURL == "" {
		if strings.TrimSpace(req.DDL) == "" {
			return "", deployErr(models.ClassCompileFailed, "no ddl or stage_url supplied")
		}
		return req.DDL, nil
	}

	info, err := g.wh.StageFileInfo(ctx, req.StageURL)
	if err != nil {
		return "", asDeployError(err)
	}
	if info.Size > g.maxStageBytes {
		return "", deployErr(models.ClassFileTooLarge,
			fmt.Sprintf("stage file is %d bytes, cap is %d", info.Size, g.maxStageBytes))
	}
	if req.ExpectedMD5 != "" && !strings.EqualFold(info.MD5, req.ExpectedMD5) {
		return "", deployErr(models.ClassChecksumMismatch,
			"stage file MD5 does not match expected_md5").
			WithDetail("expected_md5", req.ExpectedMD5).
			WithDetail("actual_md5", info.MD5)
	}
	return g.wh.ReadStageFile(ctx, req.StageURL)
}

// checkLease verifies the lease's newest event is an unexpired claim.
func (g *Gateway) checkLease(ctx context.Context, leaseID string) error {
	res, err := g.reader.Read(ctx, consistency.Params{
		Filter: store.EventFilter{
			ObjectType: models.ObjectTypeLease,
			ObjectID:   leaseID,
		},
		WroteAt: g.now(), // lease events are often seconds old
	})
	if err != nil {
		return err
	}
	latest := res.Latest()
	if latest == nil || latest.Action != models.ActionDevClaim {
		return deployErr(models.ClassInvalidLease, "lease is not active")
	}
	expires, err := time.Parse(time.RFC3339, latest.Attr("expires_at"))
	if err != nil || !g.now().Before(expires) {
		return deployErr(models.ClassInvalidLease, "lease has expired")
	}
	return nil
}

// shadowCompile deploys against <name>_CANDIDATE, then drops the candidate.
// Compile failures never touch production.
func (g *Gateway) shadowCompile(ctx context.Context, req Request, stmt string) error {
	name := strings.ToUpper(strings.TrimSpace(req.Name))
	candidate := name + "_CANDIDATE"
	shadow := rewriteObjectName(stmt, name, candidate)
	if shadow == stmt {
		// cannot find the name in the DDL; compile in place is unsafe
		return deployErr(models.ClassCompileFailed,
			fmt.Sprintf("object name %s not found in ddl", name))
	}
	if _, err := g.wh.Execute(ctx, shadow); err != nil {
		classified := classifyDeployExec(err)
		gw := asDeployError(classified)
		gw.Class = models.ClassCompileFailed
		return gw
	}
	dropType := strings.ToUpper(req.Type)
	if dropType == "PROCEDURE" || dropType == "FUNCTION" {
		// procedures and functions drop by signature; candidate bodies are
		// created with empty argument lists by convention
		if _, err := g.wh.Execute(ctx, fmt.Sprintf("DROP %s IF EXISTS %s()", dropType, candidate)); err != nil {
			g.logger.Warn("failed to drop candidate", "candidate", candidate, "error", err)
		}
		return nil
	}
	if _, err := g.wh.Execute(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", dropType, candidate)); err != nil {
		g.logger.Warn("failed to drop candidate", "candidate", candidate, "error", err)
	}
	return nil
}

func (g *Gateway) lastLeaseWrite() time.Time {
	// version reads want the freshest view; pretending a recent write forces
	// the ingestion-lane scan
	return g.now()
}

// --- parsing and policy ---

var allowPattern = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:OR\s+REPLACE\s+)?(?:SECURE\s+)?` +
	`(?:VIEW|MATERIALIZED\s+VIEW|PROCEDURE|FUNCTION)(?:\s+IF\s+NOT\s+EXISTS)?\s`)

var denyTokens = []string{
	"TRUNCATE", "ALTER ACCOUNT", "DROP TABLE", "DROP DATABASE", "DROP SCHEMA",
}

// checkAllowed enforces the DDL policy: only create-style statements for
// views, procedures, and functions, and none of the deny-listed tokens
// anywhere in the text.
func checkAllowed(stmt string) error {
	upper := strings.ToUpper(stmt)
	for _, token := range denyTokens {
		if strings.Contains(upper, token) {
			return deployErr(models.ClassForbiddenOperation,
				fmt.Sprintf("ddl contains forbidden token %q", token))
		}
	}
	if !allowPattern.MatchString(stmt) {
		return deployErr(models.ClassForbiddenOperation,
			"only CREATE [OR REPLACE|IF NOT EXISTS] VIEW/PROCEDURE/FUNCTION is allowed")
	}
	return nil
}

// parseSingleStatement asserts the content is exactly one statement.
// Semicolons inside dollar-quoted bodies and string literals do not count
// as separators; one trailing semicolon is fine.
func parseSingleStatement(content string) (string, error) {
	inDollar := false
	inSingle := false
	var boundaries []int
	for i := 0; i < len(content); i++ {
		switch {
		case inSingle:
			if content[i] == '\'' {
				// doubled quote is an escaped quote
				if i+1 < len(content) && content[i+1] == '\'' {
					i++
					continue
				}
				inSingle = false
			}
		case content[i] == '$' && i+1 < len(content) && content[i+1] == '$':
			inDollar = !inDollar
			i++
		case inDollar:
			// everything inside a dollar-quoted body is opaque
		case content[i] == '\'':
			inSingle = true
		case content[i] == ';':
			boundaries = append(boundaries, i)
		}
	}

	stmt := strings.TrimSpace(content)
	switch len(boundaries) {
	case 0:
		if stmt == "" {
			return "", deployErr(models.ClassCompileFailed, "ddl is empty")
		}
		return stmt, nil
	case 1:
		tail := strings.TrimSpace(content[boundaries[0]+1:])
		if tail != "" {
			return "", deployErr(models.ClassMultipleStatements,
				"content continues after the statement terminator")
		}
		return strings.TrimSpace(strings.TrimSuffix(stmt, ";")), nil
	}
	return "", deployErr(models.ClassMultipleStatements,
		fmt.Sprintf("content contains %d statement separators", len(boundaries)))
}

// rewriteObjectName replaces the first case-insensitive occurrence of the
// object name with the candidate name.
func rewriteObjectName(stmt, name, candidate string) string {
	idx := strings.Index(strings.ToUpper(stmt), name)
	if idx < 0 {
		return stmt
	}
	return stmt[:idx] + candidate + stmt[idx+len(name):]
}

// --- helpers ---

func deployErr(class, msg string) *models.GatewayError {
	return models.NewGatewayError(models.KindDeploy, class, msg)
}

func asDeployError(err error) *models.GatewayError {
	if gw, ok := err.(*models.GatewayError); ok {
		if gw.Kind != models.KindDeploy {
			gw = models.NewGatewayError(models.KindDeploy, gw.Class, gw.Message)
		}
		return gw
	}
	return deployErr(models.ClassCompileFailed, err.Error())
}

func classifyDeployExec(err error) error {
	classified := store.ClassifyError(err)
	if gw, ok := classified.(*models.GatewayError); ok {
		return models.NewGatewayError(models.KindDeploy, gw.Class, gw.Message)
	}
	return classified
}

func requestFromParams(params map[string]any) Request {
	return Request{
		Type:            str(params, "type"),
		Name:            str(params, "name"),
		DDL:             str(params, "ddl"),
		StageURL:        str(params, "stage_url"),
		ExpectedMD5:     str(params, "expected_md5"),
		Provenance:      str(params, "provenance"),
		Reason:          str(params, "reason"),
		ExpectedVersion: str(params, "expected_version"),
		LeaseID:         str(params, "lease_id"),
		Actor:           str(params, "agent_id"),
	}
}

func str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
