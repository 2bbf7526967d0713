package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/llm"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

const routerContract = `{
  "database": "analytics",
  "schemas": {
    "activity": {
      "tables": {
        "events": {
          "columns": {"activity": "VARCHAR", "customer": "VARCHAR", "ts": "TIMESTAMP_TZ"}
        }
      },
      "views": {
        "vw_activity_counts_24h": {
          "columns": {"activity": "VARCHAR", "hour": "TIMESTAMP_TZ", "event_count": "NUMBER"}
        }
      }
    }
  },
  "allowed_aggregations": ["COUNT", "COUNT_DISTINCT", "SUM", "AVG", "MIN", "MAX"],
  "allowed_operators": ["=", "!=", ">", ">=", "<", "<=", "IN", "NOT IN", "LIKE", "BETWEEN"],
  "allowed_grains": ["MINUTE", "HOUR", "DAY", "WEEK", "MONTH", "QUARTER", "YEAR"],
  "security": {"max_rows_per_query": 10000}
}`

// scriptedInterpreter lets tests control tier 2/3 behavior.
type scriptedInterpreter struct {
	choice    *llm.TemplateChoice
	chooseErr error
	plan      *models.Plan
	planErr   error
	calls     []string
}

func (s *scriptedInterpreter) ChooseTemplate(_ context.Context, _ string, _ []string) (*llm.TemplateChoice, error) {
	s.calls = append(s.calls, "choose")
	return s.choice, s.chooseErr
}

func (s *scriptedInterpreter) ComposePlan(_ context.Context, _ string, _ *config.Contract) (*models.Plan, string, error) {
	s.calls = append(s.calls, "compose")
	return s.plan, "scripted", s.planErr
}

func newTestRouter(t *testing.T, interp llm.Interpreter) (*Router, *store.Fake) {
	t.Helper()
	c, err := config.ParseContract([]byte(routerContract))
	require.NoError(t, err)
	fake := store.NewFake()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := eventlog.New(fake, eventlog.Config{RatePerMin: 1000}, logger)
	return New(c, interp, events, time.Second, time.Second, logger), fake
}

func TestTier1TopN(t *testing.T) {
	interp := &scriptedInterpreter{}
	r, _ := newTestRouter(t, interp)

	routed, err := r.Route(context.Background(), "show me the top 10 activities from the last 24 hours")
	require.NoError(t, err)
	assert.Equal(t, 1, routed.Decision.Tier)
	assert.Equal(t, TemplateTopN, routed.Decision.Template)
	assert.Empty(t, interp.calls, "tier 1 skips the interpreter entirely")

	require.NotNil(t, routed.Plan)
	assert.Equal(t, "EVENTS", routed.Plan.Source)
	require.NotNil(t, routed.Plan.TopN)
	assert.Equal(t, 10, *routed.Plan.TopN)
	require.Len(t, routed.Plan.Filters, 1, "the 24h window becomes a time filter")
	assert.Equal(t, "TS", routed.Plan.Filters[0].Column)
}

func TestTier1Clamps(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedInterpreter{})

	routed, err := r.Route(context.Background(), "top 5000 activities in the last 500 hours")
	require.NoError(t, err)
	assert.Equal(t, 1, routed.Decision.Tier)
	assert.Equal(t, MaxN, routed.Decision.Params["n"])
	assert.Equal(t, MaxHours, routed.Decision.Params["hours"])
	require.NotNil(t, routed.Plan.TopN)
	assert.Equal(t, MaxN, *routed.Plan.TopN)
}

func TestTier1Shapes(t *testing.T) {
	r, _ := newTestRouter(t, &scriptedInterpreter{})
	tests := []struct {
		query    string
		template string
	}{
		{"top 5 activities", TemplateTopN},
		{"latest 20 events", TemplateRecentN},
		{"breakdown by type", TemplateBreakdown},
		{"give me an overview", TemplateSummary},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			routed, err := r.Route(context.Background(), tt.query)
			require.NoError(t, err)
			assert.Equal(t, 1, routed.Decision.Tier)
			assert.Equal(t, tt.template, routed.Decision.Template)
		})
	}
}

func TestTier1BeatsTier2OnTie(t *testing.T) {
	interp := &scriptedInterpreter{}
	r, _ := newTestRouter(t, interp)

	// "top 10" is tier 1 even though "compare" is an analytic cue
	routed, err := r.Route(context.Background(), "top 10 activities, compare if you want")
	require.NoError(t, err)
	assert.Equal(t, 1, routed.Decision.Tier)
	assert.Empty(t, interp.calls)
}

func TestTier2TemplateChoice(t *testing.T) {
	interp := &scriptedInterpreter{
		choice: &llm.TemplateChoice{
			Template:   TemplateBreakdown,
			Params:     map[string]any{"n": 50},
			Confidence: 0.7,
			Reasoning:  "distribution question",
		},
	}
	r, _ := newTestRouter(t, interp)

	routed, err := r.Route(context.Background(), "how did the activity trend shift")
	require.NoError(t, err)
	assert.Equal(t, 2, routed.Decision.Tier)
	assert.Equal(t, TemplateBreakdown, routed.Decision.Template)
	require.NotNil(t, routed.Plan)
	require.NotNil(t, routed.Plan.TopN)
	assert.Equal(t, 50, *routed.Plan.TopN)
}

func TestTier2DirectReply(t *testing.T) {
	interp := &scriptedInterpreter{
		choice: &llm.TemplateChoice{Reply: "Revenue is tracked in the events source.", Confidence: 0.4},
	}
	r, _ := newTestRouter(t, interp)

	routed, err := r.Route(context.Background(), "where do we track revenue changes versus plan")
	require.NoError(t, err)
	assert.Equal(t, 2, routed.Decision.Tier)
	assert.Nil(t, routed.Plan)
	assert.NotEmpty(t, routed.Reply)
}

func TestTier2FailureEscalatesToTier3(t *testing.T) {
	interp := &scriptedInterpreter{
		chooseErr: errors.New("model returned garbage"),
		plan:      &models.Plan{Source: "EVENTS", TopN: models.IntPtr(10)},
	}
	r, _ := newTestRouter(t, interp)

	routed, err := r.Route(context.Background(), "compare activity growth trend")
	require.NoError(t, err)
	assert.Equal(t, 3, routed.Decision.Tier)
	assert.Equal(t, []string{"choose", "compose"}, interp.calls)
	require.NotNil(t, routed.Plan)
}

func TestNarrativeGoesStraightToTier3(t *testing.T) {
	interp := &scriptedInterpreter{plan: &models.Plan{Source: "EVENTS", TopN: models.IntPtr(10)}}
	r, _ := newTestRouter(t, interp)

	routed, err := r.Route(context.Background(), "write a report explaining why signups dropped")
	require.NoError(t, err)
	assert.Equal(t, 3, routed.Decision.Tier)
	assert.Equal(t, []string{"compose"}, interp.calls)
}

func TestTier3ComposeFailure(t *testing.T) {
	interp := &scriptedInterpreter{planErr: errors.New("nothing matched")}
	r, _ := newTestRouter(t, interp)

	_, err := r.Route(context.Background(), "produce a cross-source report")
	var gw *models.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, models.KindValidation, gw.Kind)
}

func TestFinishLogsRoutedEvent(t *testing.T) {
	r, fake := newTestRouter(t, &scriptedInterpreter{})

	routed, err := r.Route(context.Background(), "top 3 activities")
	require.NoError(t, err)

	r.Finish(context.Background(), routed.Decision, "alice", "sess-1", 412, true)

	events := fake.EventsByAction(models.ActionQueryRouted)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "alice", e.ActorID)
	assert.EqualValues(t, 1, e.Attributes["tier"])
	assert.Equal(t, TemplateTopN, e.Attr("template"))
	assert.EqualValues(t, 412, e.Attributes["actual_ms"])
	assert.Equal(t, true, e.Attributes["success"])
}
