package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/consistency"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/deploy"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/llm"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/metrics"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/query"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/ratelimit"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/router"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

const apiContract = `{
  "database": "analytics",
  "schemas": {
    "activity": {
      "tables": {
        "events": {
          "columns": {"activity": "VARCHAR", "customer": "VARCHAR", "ts": "TIMESTAMP_TZ"}
        }
      }
    }
  },
  "allowed_aggregations": ["COUNT", "COUNT_DISTINCT", "SUM", "AVG", "MIN", "MAX"],
  "allowed_operators": ["=", "!=", ">", ">=", "<", "<=", "IN", "NOT IN", "LIKE", "BETWEEN"],
  "allowed_grains": ["MINUTE", "HOUR", "DAY", "WEEK", "MONTH", "QUARTER", "YEAR"],
  "security": {"max_rows_per_query": 10000}
}`

func newTestOrchestrator(t *testing.T, limCfg ratelimit.Config) (*Orchestrator, *store.Fake, *auth.Service) {
	t.Helper()
	fake := store.NewFake()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evlog := eventlog.New(fake, eventlog.Config{RatePerMin: 100000}, logger)

	contract, err := config.ParseContract([]byte(apiContract))
	require.NoError(t, err)

	reader := consistency.New(fake, 2*time.Minute, logger)
	authSvc, err := auth.New(fake, reader, evlog, "test-pepper", 10*time.Minute, logger)
	require.NoError(t, err)

	if limCfg.Capacity == 0 {
		limCfg = ratelimit.Config{Capacity: 1000, RefillEvery: time.Second}
	}
	limiter := ratelimit.New(limCfg, evlog, logger)

	rt := router.New(contract, llm.NewRuleBased(), evlog, time.Second, time.Second, logger)
	validator := query.NewValidator(contract, 10000)
	compiler := query.NewCompiler(contract, 10000)
	executor := query.NewExecutor(fake, evlog, contract.Hash(), time.Minute, logger)
	gw := deploy.New(fake, evlog, reader, logger)

	orch := NewOrchestrator(contract, fake, evlog, authSvc, limiter, rt,
		validator, compiler, executor, gw, reader, metrics.New(), logger)
	return orch, fake, authSvc
}

func seedActivity(fake *store.Fake, n int) {
	for i := 0; i < n; i++ {
		e := models.NewEvent("cart.viewed", models.ObjectTypeRequest, fmt.Sprintf("seed-%d", i))
		e.ActorID = "seed"
		fake.Append(e)
	}
}

func issueToken(t *testing.T, svc *auth.Service, user string, tmpl auth.RoleTemplate) string {
	t.Helper()
	if tmpl.AllowedTools == nil {
		tmpl.AllowedTools = []string{"*"}
	}
	if tmpl.MaxRows == 0 {
		tmpl.MaxRows = 1000
	}
	token, err := svc.Issue(context.Background(), user, tmpl, time.Hour)
	require.NoError(t, err)
	return token
}

func toolsCall(name string, args any, token, nonce string) *events.ClientMessage {
	return &events.ClientMessage{
		Type:      events.TypeToolsCall,
		Name:      name,
		Arguments: mustJSON(args),
		Token:     token,
		Nonce:     nonce,
	}
}

func TestUserMessageTier1TopN(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})
	seedActivity(fake, 8)

	sink := &memorySink{}
	sess := events.NewSession("sess-1", sink)
	orch.Handle(context.Background(), sess, &events.ClientMessage{
		Type:    events.TypeUserMessage,
		Content: "show me top 5 activities",
	})

	res, ok := sink.terminal().(events.SQLResult)
	require.True(t, ok, "expected sql-result, got %T", sink.terminal())
	assert.Equal(t, router.TemplateTopN, res.Template)
	assert.LessOrEqual(t, res.Count, 5)
	assert.NotEmpty(t, res.Metadata.QueryID)

	routed := fake.EventsByAction(models.ActionQueryRouted)
	require.Len(t, routed, 1)
	assert.EqualValues(t, 1, routed[0].Attributes["tier"])

	processed := fake.EventsByAction(models.ActionRequestProcessed)
	require.Len(t, processed, 1, "exactly one terminal event per accepted request")
	assert.Equal(t, ToolQuery, processed[0].Attr("tool"))
}

func TestTokenReplayRejectedOnSecondCall(t *testing.T) {
	orch, fake, authSvc := newTestOrchestrator(t, ratelimit.Config{})
	seedActivity(fake, 3)
	token := issueToken(t, authSvc, "alice", auth.RoleTemplate{})

	args := map[string]string{"query": "top 3 activities"}

	sink1 := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-a", sink1),
		toolsCall(ToolQuery, args, token, "abc123"))
	_, ok := sink1.terminal().(events.SQLResult)
	require.True(t, ok, "first call succeeds: %v", sink1.terminal())

	sink2 := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-b", sink2),
		toolsCall(ToolQuery, args, token, "abc123"))

	errMsg, ok := sink2.terminal().(events.ErrorMessage)
	require.True(t, ok, "second call refused: %v", sink2.terminal())
	assert.False(t, errMsg.OK)
	assert.Equal(t, "auth", errMsg.ErrorClass)
	assert.Equal(t, models.ClassReplayDetected, errMsg.Error)

	assert.NotEmpty(t, fake.EventsByAction("mcp.error.auth"))
}

func TestQuotaRefusedWithoutExecution(t *testing.T) {
	orch, fake, authSvc := newTestOrchestrator(t, ratelimit.Config{})
	token := issueToken(t, authSvc, "bob", auth.RoleTemplate{DailyRuntimeSeconds: 300})

	// 295 of 300 seconds already consumed today.
	used := models.NewEvent(models.ActionRequestProcessed, models.ObjectTypeRequest, "prior")
	used.ActorID = "bob"
	used.Attributes["elapsed_ms"] = int64(295000)
	fake.Append(used)

	sink := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-q", sink),
		toolsCall(ToolQuery, map[string]string{"query": "compare activity growth trend"}, token, "nonce-q"))

	errMsg, ok := sink.terminal().(events.ErrorMessage)
	require.True(t, ok, "expected refusal, got %v", sink.terminal())
	assert.Equal(t, "quota", errMsg.ErrorClass)
	assert.Equal(t, models.ClassRuntimeExceeded, errMsg.Error)

	for _, call := range fake.ProcCalls() {
		assert.NotEqual(t, store.ProcExecuteQueryPlan, call.Name,
			"quota refusal must never reach the execution procedure")
	}
	assert.NotEmpty(t, fake.EventsByAction("mcp.error.quota"))
}

func TestToolNotAllowed(t *testing.T) {
	orch, fake, authSvc := newTestOrchestrator(t, ratelimit.Config{})
	token := issueToken(t, authSvc, "carol", auth.RoleTemplate{AllowedTools: []string{ToolQuery}})

	sink := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-d", sink),
		toolsCall(ToolDev, map[string]any{"action": "discover"}, token, "nonce-d"))

	errMsg, ok := sink.terminal().(events.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "authz", errMsg.ErrorClass)
	assert.Equal(t, models.ClassToolNotAllowed, errMsg.Error)
	assert.NotEmpty(t, fake.EventsByAction("mcp.error.authz"))
}

func TestRateLimitedRefusal(t *testing.T) {
	orch, fake, authSvc := newTestOrchestrator(t, ratelimit.Config{Capacity: 1, RefillEvery: time.Hour})
	seedActivity(fake, 2)
	token := issueToken(t, authSvc, "dave", auth.RoleTemplate{})

	sink1 := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-r1", sink1),
		toolsCall(ToolQuery, map[string]string{"query": "top 2 activities"}, token, "nonce-1"))
	_, ok := sink1.terminal().(events.SQLResult)
	require.True(t, ok)

	sink2 := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-r2", sink2),
		toolsCall(ToolQuery, map[string]string{"query": "top 2 activities"}, token, "nonce-2"))

	errMsg, ok := sink2.terminal().(events.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "quota", errMsg.ErrorClass)
	assert.Equal(t, models.ClassRateLimited, errMsg.Error)

	execs := 0
	for _, call := range fake.ProcCalls() {
		if call.Name == store.ProcExecuteQueryPlan {
			execs++
		}
	}
	assert.Equal(t, 1, execs, "only the first call executes")
}

func TestExecutePanel(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})
	seedActivity(fake, 4)

	sink := &memorySink{}
	sess := events.NewSession("sess-p", sink)
	orch.Handle(context.Background(), sess, &events.ClientMessage{
		Type: events.TypeExecutePanel,
		Panel: &events.Panel{
			Source:     "EVENTS",
			Dimensions: []string{"ACTIVITY"},
			Measures:   []events.Measure{{Fn: "COUNT", Col: "*"}},
			TopN:       models.IntPtr(3),
		},
	})

	res, ok := sink.terminal().(events.SQLResult)
	require.True(t, ok, "expected sql-result, got %v", sink.terminal())
	assert.Equal(t, "panel", res.Template)
	assert.LessOrEqual(t, res.Count, 3)

	processed := fake.EventsByAction(models.ActionRequestProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, "execute_panel", processed[0].Attr("tool"))
}

func TestPanelValidationFailure(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})

	sink := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-v", sink), &events.ClientMessage{
		Type:  events.TypeExecutePanel,
		Panel: &events.Panel{Source: "NOT_A_SOURCE", TopN: models.IntPtr(5)},
	})

	errMsg, ok := sink.terminal().(events.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "validation", errMsg.ErrorClass)
	assert.NotEmpty(t, fake.EventsByAction("mcp.error.validation"))
	assert.Empty(t, fake.EventsByAction(models.ActionRequestProcessed))
}

func TestRegisterAssociatesClientID(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, ratelimit.Config{})

	sink := &memorySink{}
	sess := events.NewSession("sess-reg", sink)
	orch.Handle(context.Background(), sess, &events.ClientMessage{
		Type:      events.TypeRegister,
		SessionID: "client-77",
	})

	assert.Equal(t, "client-77", sess.ClientID())
	info, ok := sink.terminal().(events.Info)
	require.True(t, ok)
	assert.Equal(t, "registered", info.Content)
}

func TestSessionLifecycleEvents(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})

	sink := &memorySink{}
	sess := events.NewSession("sess-life", sink)
	orch.Connected(context.Background(), sess)
	orch.Disconnected(context.Background(), sess)

	started := fake.EventsByAction(models.ActionSessionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "sess-life", started[0].ObjectID)

	ended := fake.EventsByAction(models.ActionSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "sess-life", ended[0].ObjectID)
}

func TestDevToolDispatchesToGateway(t *testing.T) {
	orch, fake, authSvc := newTestOrchestrator(t, ratelimit.Config{})
	token := issueToken(t, authSvc, "erin", auth.RoleTemplate{})

	ddl := "CREATE OR REPLACE VIEW ANALYTICS.ACTIVITY.VW_T AS SELECT 1 AS N"
	sink := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-dev", sink),
		toolsCall(ToolDev, map[string]any{
			"action": "deploy",
			"params": map[string]any{
				"type":   "VIEW",
				"name":   "ANALYTICS.ACTIVITY.VW_T",
				"ddl":    ddl,
				"reason": "initial",
			},
		}, token, "nonce-dev"))

	_, ok := sink.terminal().(events.Info)
	require.True(t, ok, "deploy result expected, got %v", sink.terminal())
	assert.NotEmpty(t, fake.EventsByAction(models.ActionDDLDeployed))
}

func TestStreamingProgressFrames(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})
	seedActivity(fake, 2)

	sink := &memorySink{}
	orch.Handle(context.Background(), events.NewSession("sess-st", sink), &events.ClientMessage{
		Type:    events.TypeUserMessage,
		Content: "top 2 activities",
	})

	var steps []string
	sink.mu.Lock()
	for _, m := range sink.msgs {
		if p, ok := m.(events.Progress); ok {
			steps = append(steps, p.Step)
		}
	}
	sink.mu.Unlock()
	assert.Contains(t, steps, "routing")
	assert.Contains(t, steps, "executing")
	assert.NotEmpty(t, fake.EventsByAction(models.ActionToolStreaming))
}

func TestCancelledRequestLogsCancellation(t *testing.T) {
	orch, fake, _ := newTestOrchestrator(t, ratelimit.Config{})
	seedActivity(fake, 2)

	// The warehouse call observes a context cancelled mid-request, as when
	// the client disconnects while a query is in flight.
	ctx, cancel := context.WithCancel(context.Background())
	fake.ProcHook = func(name string, args []any) (map[string]any, bool, error) {
		if name == store.ProcExecuteQueryPlan {
			cancel()
			return nil, true, ctx.Err()
		}
		return nil, false, nil
	}

	sink := &memorySink{}
	orch.Handle(ctx, events.NewSession("sess-c", sink), &events.ClientMessage{
		Type:    events.TypeUserMessage,
		Content: "top 2 activities",
	})

	assert.NotEmpty(t, fake.EventsByAction(models.ActionRequestCancelled))
	assert.Empty(t, fake.EventsByAction(models.ActionRequestProcessed))
}
