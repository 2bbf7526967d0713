package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/deploy"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/metrics"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/query"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/ratelimit"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/router"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Tool names accepted over tools/call.
const (
	ToolQuery        = "query"
	ToolExecutePlan  = "execute_plan"
	ToolValidatePlan = "validate_plan"
	ToolDev          = "dev"
	ToolActivity     = "activity"
)

// panelEstimateMs is the runtime estimate charged against the daily quota
// for structured panel requests, which skip the router.
const panelEstimateMs = 2000

// Orchestrator is the request pipeline behind every connection: it holds
// per-session state, authenticates, classifies, dispatches to the
// validator/compiler/executor, and streams results back. Everything it
// calls is stateless.
type Orchestrator struct {
	contract  *config.Contract
	wh        store.Warehouse
	events    *eventlog.Logger
	auth      *auth.Service
	limiter   *ratelimit.Limiter
	router    *router.Router
	validator *query.Validator
	compiler  *query.Compiler
	executor  *query.Executor
	gateway   *deploy.Gateway
	reader    *consistency.Reader
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(contract *config.Contract, wh store.Warehouse, evlog *eventlog.Logger,
	authSvc *auth.Service, limiter *ratelimit.Limiter, rt *router.Router,
	validator *query.Validator, compiler *query.Compiler, executor *query.Executor,
	gateway *deploy.Gateway, reader *consistency.Reader, m *metrics.Metrics,
	logger *slog.Logger) *Orchestrator {

	return &Orchestrator{
		contract:  contract,
		wh:        wh,
		events:    evlog,
		auth:      authSvc,
		limiter:   limiter,
		router:    rt,
		validator: validator,
		compiler:  compiler,
		executor:  executor,
		gateway:   gateway,
		reader:    reader,
		metrics:   m,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Connected opens the session: emits session.started and tells the client
// its server-assigned id.
func (o *Orchestrator) Connected(ctx context.Context, sess *events.Session) {
	e := models.NewEvent(models.ActionSessionStarted, models.ObjectTypeSession, sess.ID())
	if err := o.events.Log(ctx, e); err != nil {
		o.logger.Warn("failed to log session start", "session_id", sess.ID(), "error", err)
	}
	if err := sess.Send(ctx, events.NewInfo("session "+sess.ID()+" started")); err != nil {
		o.logger.Warn("failed to greet session", "session_id", sess.ID(), "error", err)
	}
}

// Disconnected closes the session: flushes pending batched events and emits
// session.ended. The connection context may already be cancelled, so event
// writes detach from it.
func (o *Orchestrator) Disconnected(ctx context.Context, sess *events.Session) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	e := models.NewEvent(models.ActionSessionEnded, models.ObjectTypeSession, sess.ID())
	if err := o.events.Log(dctx, e); err != nil {
		o.logger.Warn("failed to log session end", "session_id", sess.ID(), "error", err)
	}
	if err := o.events.Flush(dctx); err != nil {
		o.logger.Warn("failed to flush events on disconnect", "session_id", sess.ID(), "error", err)
	}
}

// Handle processes one inbound message.
func (o *Orchestrator) Handle(ctx context.Context, sess *events.Session, msg *events.ClientMessage) {
	switch msg.Type {
	case events.TypeRegister:
		sess.Register(msg.SessionID)
		o.send(ctx, sess, events.NewInfo("registered"))

	case events.TypeUserMessage:
		o.handleUserMessage(ctx, sess, msg.Content)

	case events.TypeExecutePanel:
		o.handleExecutePanel(ctx, sess, msg.Panel)

	case events.TypeToolsCall:
		o.handleToolsCall(ctx, sess, msg)

	default:
		o.send(ctx, sess, events.NewErrorMessage(string(models.KindTransport), "unknown_type",
			map[string]any{"type": msg.Type}))
	}
}

// ValidatePlan runs the plan validator without touching the warehouse.
func (o *Orchestrator) ValidatePlan(plan models.Plan) models.PlanValidation {
	return o.validator.Validate(plan)
}

// handleUserMessage runs the natural-language pipeline under the session's
// envelope, or a guest envelope before any token validation.
func (o *Orchestrator) handleUserMessage(ctx context.Context, sess *events.Session, content string) {
	env := sess.Envelope()
	if env == nil {
		env = o.guestEnvelope()
	}
	o.runQuery(ctx, sess, env, ToolQuery, content)
}

// handleExecutePanel validates and executes a structured panel, bypassing
// the router entirely.
func (o *Orchestrator) handleExecutePanel(ctx context.Context, sess *events.Session, panel *events.Panel) {
	if panel == nil {
		o.send(ctx, sess, events.NewErrorMessage(string(models.KindValidation), models.ClassUnknownSource,
			map[string]any{"message": "panel is required"}))
		return
	}
	env := sess.Envelope()
	if env == nil {
		env = o.guestEnvelope()
	}

	started := time.Now()
	requestID := uuid.New().String()
	o.setTag(ctx, "execute_panel", sess.ID(), env.Username)

	plan := planFromPanel(panel)
	if v := o.validator.Validate(plan); !v.Valid {
		o.refuse(ctx, sess, validationError(v), env.Username, true)
		return
	}
	if err := o.checkRuntime(ctx, env, panelEstimateMs); err != nil {
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}

	res, err := o.execute(ctx, sess, env, plan)
	if err != nil {
		o.finishRequest(ctx, sess, env, "execute_panel", requestID, started, nil, err)
		return
	}
	o.finishRequest(ctx, sess, env, "execute_panel", requestID, started, res, nil)
	o.send(ctx, sess, sqlResult("panel", res, time.Since(started)))
}

// handleToolsCall authenticates the call, enforces the rate limit and the
// tool allow-list, then dispatches by tool name.
func (o *Orchestrator) handleToolsCall(ctx context.Context, sess *events.Session, msg *events.ClientMessage) {
	env, err := o.auth.Validate(ctx, msg.Token, msg.Nonce)
	if err != nil {
		o.refuse(ctx, sess, err, "", true)
		return
	}
	sess.SetEnvelope(env)

	if !env.Allows(msg.Name) {
		gwErr := models.NewGatewayError(models.KindAuthz, models.ClassToolNotAllowed,
			fmt.Sprintf("tool %q is not in the token's allowed list", msg.Name))
		o.refuse(ctx, sess, gwErr, env.Username, true)
		return
	}
	if err := o.limiter.Allow(ctx, env.Username); err != nil {
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}

	switch msg.Name {
	case ToolQuery:
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(msg.Arguments, &args); err != nil || args.Query == "" {
			o.refuse(ctx, sess, argumentError("query requires a non-empty \"query\" string"), env.Username, true)
			return
		}
		o.runQuery(ctx, sess, env, ToolQuery, args.Query)

	case ToolExecutePlan:
		var plan models.Plan
		if err := json.Unmarshal(msg.Arguments, &plan); err != nil {
			o.refuse(ctx, sess, argumentError("execute_plan requires a plan object"), env.Username, true)
			return
		}
		o.runPlan(ctx, sess, env, plan)

	case ToolValidatePlan:
		var plan models.Plan
		if err := json.Unmarshal(msg.Arguments, &plan); err != nil {
			o.refuse(ctx, sess, argumentError("validate_plan requires a plan object"), env.Username, true)
			return
		}
		verdict := o.validator.Validate(plan)
		data, _ := json.Marshal(verdict)
		o.send(ctx, sess, events.NewInfo(string(data)))

	case ToolDev:
		var args struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(msg.Arguments, &args); err != nil || args.Action == "" {
			o.refuse(ctx, sess, argumentError("dev requires an \"action\" string"), env.Username, true)
			return
		}
		o.runDev(ctx, sess, env, args.Action, args.Params)

	case ToolActivity:
		var args struct {
			Actor string `json:"actor"`
			Limit int    `json:"limit"`
		}
		_ = json.Unmarshal(msg.Arguments, &args)
		if args.Actor == "" {
			args.Actor = env.Username
		}
		o.runActivity(ctx, sess, env, args.Actor, args.Limit)

	default:
		gwErr := models.NewGatewayError(models.KindAuthz, models.ClassToolNotAllowed,
			fmt.Sprintf("unknown tool %q", msg.Name))
		o.refuse(ctx, sess, gwErr, env.Username, true)
	}
}

// runQuery is the natural-language path: route, validate, compile, execute.
func (o *Orchestrator) runQuery(ctx context.Context, sess *events.Session, env *models.Envelope,
	tool, text string) {

	started := time.Now()
	requestID := uuid.New().String()
	o.setTag(ctx, tool, sess.ID(), env.Username)

	o.progress(ctx, sess, "routing", 1, 4, started)
	routed, err := o.router.Route(ctx, text)
	if err != nil {
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}
	if o.metrics != nil {
		o.metrics.TierDecisions.WithLabelValues(strconv.Itoa(routed.Decision.Tier)).Inc()
	}

	// The router answered directly without a plan.
	if routed.Plan == nil {
		o.router.Finish(ctx, routed.Decision, env.Username, sess.ID(), time.Since(started).Milliseconds(), true)
		o.finishRequest(ctx, sess, env, tool, requestID, started, nil, nil)
		o.send(ctx, sess, events.NewAssistantMessage(routed.Reply))
		return
	}

	o.progress(ctx, sess, "validating", 2, 4, started)
	if v := o.validator.Validate(*routed.Plan); !v.Valid {
		o.router.Finish(ctx, routed.Decision, env.Username, sess.ID(), time.Since(started).Milliseconds(), false)
		o.refuse(ctx, sess, validationError(v), env.Username, true)
		return
	}
	if err := o.checkRuntime(ctx, env, routed.Decision.ExpectedMs); err != nil {
		o.router.Finish(ctx, routed.Decision, env.Username, sess.ID(), time.Since(started).Milliseconds(), false)
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}

	o.progress(ctx, sess, "executing", 3, 4, started)
	res, err := o.execute(ctx, sess, env, *routed.Plan)
	elapsed := time.Since(started)
	o.router.Finish(ctx, routed.Decision, env.Username, sess.ID(), elapsed.Milliseconds(), err == nil)
	if err != nil {
		o.finishRequest(ctx, sess, env, tool, requestID, started, nil, err)
		return
	}

	o.finishRequest(ctx, sess, env, tool, requestID, started, res, nil)
	o.send(ctx, sess, sqlResult(routed.Decision.Template, res, elapsed))
}

// runPlan executes a caller-supplied plan without routing.
func (o *Orchestrator) runPlan(ctx context.Context, sess *events.Session, env *models.Envelope,
	plan models.Plan) {

	started := time.Now()
	requestID := uuid.New().String()
	o.setTag(ctx, ToolExecutePlan, sess.ID(), env.Username)

	if v := o.validator.Validate(plan); !v.Valid {
		o.refuse(ctx, sess, validationError(v), env.Username, true)
		return
	}
	if err := o.checkRuntime(ctx, env, panelEstimateMs); err != nil {
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}

	res, err := o.execute(ctx, sess, env, plan)
	if err != nil {
		o.finishRequest(ctx, sess, env, ToolExecutePlan, requestID, started, nil, err)
		return
	}
	o.finishRequest(ctx, sess, env, ToolExecutePlan, requestID, started, res, nil)
	o.send(ctx, sess, sqlResult("plan", res, time.Since(started)))
}

// runDev dispatches a deployment gateway action. The gateway emits its own
// terminal events, including errors, so failures are not logged twice here.
func (o *Orchestrator) runDev(ctx context.Context, sess *events.Session, env *models.Envelope,
	action string, params map[string]any) {

	o.setTag(ctx, ToolDev, sess.ID(), env.Username)
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["provenance"]; !ok {
		params["provenance"] = env.Username
	}

	result, err := o.gateway.Dispatch(ctx, action, params)
	if err != nil {
		o.refuse(ctx, sess, err, env.Username, false)
		return
	}
	data, _ := json.Marshal(result)
	o.send(ctx, sess, events.NewInfo(string(data)))
	o.countRequest(ToolDev, "ok")
}

// runActivity reads recent events for an actor through the consistency reader.
func (o *Orchestrator) runActivity(ctx context.Context, sess *events.Session, env *models.Envelope,
	actor string, limit int) {

	o.setTag(ctx, ToolActivity, sess.ID(), env.Username)
	res, err := o.reader.RecentActivity(ctx, actor, limit, time.Time{})
	if err != nil {
		o.refuse(ctx, sess, err, env.Username, true)
		return
	}
	data, _ := json.Marshal(map[string]any{"events": res.Events, "source": res.Source})
	o.send(ctx, sess, events.NewInfo(string(data)))
	o.countRequest(ToolActivity, "ok")
}

// execute compiles and runs a validated plan. The executor logs its own
// failure events.
func (o *Orchestrator) execute(ctx context.Context, sess *events.Session, env *models.Envelope,
	plan models.Plan) (*models.ExecResult, error) {

	compiled, err := o.compiler.Compile(plan)
	if err != nil {
		// Compiler refusals are validation failures, not executions.
		o.logGatewayError(ctx, err, env.Username, sess.ID())
		return nil, err
	}
	return o.executor.Execute(ctx, compiled, env, sess.ID())
}

// finishRequest emits the single terminal event for an accepted request:
// mcp.request.processed on success. On failure the error path has already
// emitted the terminal mcp.error event, so only the response is sent here.
func (o *Orchestrator) finishRequest(ctx context.Context, sess *events.Session, env *models.Envelope,
	tool, requestID string, started time.Time, res *models.ExecResult, err error) {

	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			o.logCancelled(ctx, sess, tool, requestID)
			return
		}
		o.send(ctx, sess, errorMessage(err))
		o.countRequest(tool, "error")
		return
	}

	e := models.NewEvent(models.ActionRequestProcessed, models.ObjectTypeRequest, requestID)
	e.ActorID = env.Username
	e.Attributes["session_id"] = sess.ID()
	e.Attributes["tool"] = tool
	e.Attributes["elapsed_ms"] = elapsed.Milliseconds()
	if res != nil {
		e.Attributes["row_count"] = res.RowCount
		e.Attributes["query_id"] = res.QueryID
	}
	if logErr := o.events.Log(ctx, e); logErr != nil {
		o.logger.Warn("failed to log processed request", "request_id", requestID, "error", logErr)
	}
	o.countRequest(tool, "ok")
	if o.metrics != nil {
		o.metrics.RequestDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// refuse sends a structured failure and, unless the failing component
// already emitted its own event, records the mcp.error event.
func (o *Orchestrator) refuse(ctx context.Context, sess *events.Session, err error,
	actor string, logEvent bool) {

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		o.logCancelled(ctx, sess, "", uuid.New().String())
		return
	}
	if logEvent {
		o.logGatewayError(ctx, err, actor, sess.ID())
	}
	o.send(ctx, sess, errorMessage(err))

	var gw *models.GatewayError
	if o.metrics != nil && errors.As(err, &gw) {
		o.metrics.ErrorsTotal.WithLabelValues(string(gw.Kind), gw.Class).Inc()
	}
}

// logCancelled records the disconnect-mid-request terminal event on a
// detached context; the client is gone, so nothing is sent.
func (o *Orchestrator) logCancelled(ctx context.Context, sess *events.Session, tool, requestID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	e := models.NewEvent(models.ActionRequestCancelled, models.ObjectTypeRequest, requestID)
	e.Attributes["session_id"] = sess.ID()
	if tool != "" {
		e.Attributes["tool"] = tool
	}
	if err := o.events.Log(dctx, e); err != nil {
		o.logger.Warn("failed to log cancelled request", "request_id", requestID, "error", err)
	}
	o.countRequest(tool, "cancelled")
}

func (o *Orchestrator) logGatewayError(ctx context.Context, err error, actor, sessionID string) {
	var gw *models.GatewayError
	if !errors.As(err, &gw) {
		gw = models.NewGatewayError(models.KindExecution, models.ClassOther, err.Error())
	}
	o.events.LogError(ctx, gw, actor, models.ObjectTypeRequest, sessionID)
}

// checkRuntime refuses locally when the projected daily runtime would exceed
// the envelope's budget. The refusal never reaches the execution procedure.
func (o *Orchestrator) checkRuntime(ctx context.Context, env *models.Envelope, estimateMs int64) error {
	if env.DailyRuntimeSeconds <= 0 {
		return nil
	}
	used, err := o.runtimeUsedToday(ctx, env.Username)
	if err != nil {
		o.logger.Warn("failed to project daily runtime, allowing request",
			"user", env.Username, "error", err)
		return nil
	}
	budget := time.Duration(env.DailyRuntimeSeconds) * time.Second
	estimate := time.Duration(estimateMs) * time.Millisecond
	if used+estimate > budget {
		return models.NewGatewayError(models.KindQuota, models.ClassRuntimeExceeded,
			"daily runtime budget exhausted").
			WithDetail("daily_runtime_seconds", env.DailyRuntimeSeconds).
			WithDetail("used_seconds", int(used.Seconds())).
			WithDetail("estimate_seconds", int(estimate.Seconds()))
	}
	return nil
}

// runtimeUsedToday sums elapsed_ms over today's processed-request events for
// the actor, merging both lanes so fresh writes count immediately.
func (o *Orchestrator) runtimeUsedToday(ctx context.Context, actor string) (time.Duration, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	filter := store.EventFilter{
		Action:  models.ActionRequestProcessed,
		ActorID: actor,
		Since:   midnight,
	}

	raw, err := o.wh.ScanIngestion(ctx, midnight, filter)
	if err != nil {
		return 0, err
	}
	processed, err := o.wh.QueryProcessed(ctx, filter)
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	var totalMs int64
	for _, e := range append(raw, processed...) {
		if seen[e.EventID] {
			continue
		}
		seen[e.EventID] = true
		totalMs += attrInt64(e.Attributes, "elapsed_ms")
	}
	return time.Duration(totalMs) * time.Millisecond, nil
}

func (o *Orchestrator) guestEnvelope() *models.Envelope {
	return &models.Envelope{
		Username:     "anonymous",
		AllowedTools: []string{ToolQuery},
		MaxRows:      o.contract.Security.MaxRowsPerQuery,
	}
}

// setTag refreshes the session query tag so every warehouse statement of
// this request is attributable.
func (o *Orchestrator) setTag(ctx context.Context, tool, sessionID, user string) {
	tag := store.QueryTag{
		Agent:        store.AgentName,
		Op:           tool,
		Session:      sessionID,
		User:         user,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ContractHash: o.contract.Hash(),
	}
	if err := o.wh.SetQueryTag(ctx, tag); err != nil {
		o.logger.Warn("failed to set query tag", "tool", tool, "error", err)
	}
}

// progress streams a pipeline step to the client and records the streaming
// event for the first step only.
func (o *Orchestrator) progress(ctx context.Context, sess *events.Session, step string,
	completed, total int, started time.Time) {

	p := events.Progress{
		Type:           events.TypeProgress,
		Step:           step,
		Pct:            completed * 100 / total,
		ElapsedMs:      time.Since(started).Milliseconds(),
		CompletedSteps: completed,
		TotalSteps:     total,
	}
	o.send(ctx, sess, p)

	if completed == 1 {
		e := models.NewEvent(models.ActionToolStreaming, models.ObjectTypeSession, sess.ID())
		e.Attributes["step"] = step
		if err := o.events.Log(ctx, e); err != nil {
			o.logger.Warn("failed to log streaming event", "session_id", sess.ID(), "error", err)
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, sess *events.Session, v any) {
	if ctx.Err() != nil {
		return
	}
	if err := sess.Send(ctx, v); err != nil {
		o.logger.Warn("failed to send message", "session_id", sess.ID(), "error", err)
	}
}

func (o *Orchestrator) countRequest(tool, outcome string) {
	if o.metrics == nil || tool == "" {
		return
	}
	o.metrics.RequestsTotal.WithLabelValues(tool, outcome).Inc()
}

// sqlResult shapes an execution result for the wire.
func sqlResult(template string, res *models.ExecResult, elapsed time.Duration) events.SQLResult {
	rows := res.SampleRows
	if rows == nil {
		rows = []map[string]any{}
	}
	return events.SQLResult{
		Type:     events.TypeSQLResult,
		Template: template,
		Rows:     rows,
		Count:    res.RowCount,
		Metadata: events.ResultMetadata{
			QueryID:         res.QueryID,
			ExecutionTimeMs: elapsed.Milliseconds(),
			BytesScanned:    res.BytesScanned,
		},
	}
}

// planFromPanel maps the wire panel shape onto a plan.
func planFromPanel(p *events.Panel) models.Plan {
	plan := models.Plan{
		Source:     p.Source,
		Dimensions: p.Dimensions,
		Grain:      p.Grain,
		TopN:       p.TopN,
	}
	for _, m := range p.Measures {
		plan.Measures = append(plan.Measures, models.Measure{Fn: m.Fn, Column: m.Col})
	}
	for _, f := range p.Filters {
		plan.Filters = append(plan.Filters, models.Filter{Column: f.Column, Operator: f.Operator, Value: f.Value})
	}
	for _, ord := range p.OrderBy {
		plan.OrderBy = append(plan.OrderBy, models.Order{Column: ord.Column, Direction: ord.Direction})
	}
	return plan
}

func validationError(v models.PlanValidation) *models.GatewayError {
	gw := models.NewGatewayError(models.KindValidation, models.ClassInvalidColumn, "plan failed validation")
	if len(v.Errors) > 0 {
		gw.Message = v.Errors[0]
	}
	return gw.WithDetail("errors", v.Errors)
}

func argumentError(msg string) *models.GatewayError {
	return models.NewGatewayError(models.KindValidation, models.ClassInvalidColumn, msg)
}

func attrInt64(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
