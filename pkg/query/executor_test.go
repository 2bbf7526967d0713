package query

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

func newTestExecutor(t *testing.T, fake *store.Fake) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := eventlog.New(fake, eventlog.Config{RatePerMin: 1000}, logger)
	return NewExecutor(fake, events, "abc123def4567890", 30*time.Second, logger)
}

func testEnvelope(maxRows int) *models.Envelope {
	return &models.Envelope{
		Username:            "alice",
		AllowedTools:        []string{"*"},
		MaxRows:             maxRows,
		DailyRuntimeSeconds: 3600,
		ExpiresAt:           time.Now().Add(time.Hour),
	}
}

func compileTestPlan(t *testing.T, plan models.Plan) *models.CompiledQuery {
	t.Helper()
	compiled, err := NewCompiler(loadTestContract(t), 0).Compile(plan)
	require.NoError(t, err)
	return compiled
}

func TestExecuteEnvelopeCapsRows(t *testing.T) {
	fake := store.NewFake()
	for i := 0; i < 10; i++ {
		fake.Append(models.NewEvent(models.ActionSessionStarted, models.ObjectTypeSession, "s"))
	}
	ex := newTestExecutor(t, fake)

	compiled := compileTestPlan(t, models.Plan{Source: "events", TopN: models.IntPtr(10000)})
	result, err := ex.Execute(context.Background(), compiled, testEnvelope(3), "sess-1")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 3, result.RowCount, "envelope max_rows wins over plan top_n")

	var sent map[string]any
	for _, c := range fake.ProcCalls() {
		if c.Name == store.ProcExecuteQueryPlan {
			sent = c.Args[0].(map[string]any)
		}
	}
	require.NotNil(t, sent)
	assert.Equal(t, float64(3), sent["top_n"])
}

func TestExecuteSetsQueryTag(t *testing.T) {
	fake := store.NewFake()
	ex := newTestExecutor(t, fake)

	compiled := compileTestPlan(t, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	_, err := ex.Execute(context.Background(), compiled, testEnvelope(100), "sess-9")
	require.NoError(t, err)

	tags := fake.QueryTags()
	require.NotEmpty(t, tags)
	tag := tags[len(tags)-1]
	assert.Equal(t, store.AgentName, tag.Agent)
	assert.Equal(t, "execute_plan", tag.Op)
	assert.Equal(t, "sess-9", tag.Session)
	assert.Equal(t, "alice", tag.User)
	assert.Equal(t, "abc123def4567890", tag.ContractHash)
}

func TestExecuteProcedureFailureEmitsErrorEvent(t *testing.T) {
	fake := store.NewFake()
	fake.ProcHook = func(name string, _ []any) (map[string]any, bool, error) {
		if name == store.ProcExecuteQueryPlan {
			return map[string]any{
				"ok": false, "error_class": models.ClassTimeout,
				"error": "statement timed out", "sql_state": "57014",
			}, true, nil
		}
		return nil, false, nil
	}
	ex := newTestExecutor(t, fake)

	compiled := compileTestPlan(t, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	result, err := ex.Execute(context.Background(), compiled, testEnvelope(100), "sess-1")
	require.Error(t, err)
	var gw *models.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, models.ClassTimeout, gw.Class)
	require.NotNil(t, result)
	assert.Equal(t, "57014", result.SQLState)

	events := fake.EventsByAction("mcp.error.execution")
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].ActorID)
	assert.Equal(t, models.ClassTimeout, events[0].Attr("error_class"))
}

func TestExecuteTransportFailure(t *testing.T) {
	fake := store.NewFake()
	fake.ProcHook = func(name string, _ []any) (map[string]any, bool, error) {
		if name == store.ProcExecuteQueryPlan {
			return nil, true, context.Canceled
		}
		return nil, false, nil
	}
	ex := newTestExecutor(t, fake)

	compiled := compileTestPlan(t, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	_, err := ex.Execute(context.Background(), compiled, testEnvelope(100), "sess-1")
	var gw *models.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, models.KindTransport, gw.Kind)
	assert.Equal(t, models.ClassCancelled, gw.Class)
}
