package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

const testContract = `{
  "database": "analytics",
  "schemas": {
    "activity": {
      "tables": {
        "events": {
          "columns": {
            "activity": "VARCHAR",
            "customer": "VARCHAR",
            "ts": "TIMESTAMP_TZ",
            "revenue_impact": "NUMBER",
            "feature_json": "VARIANT"
          }
        }
      },
      "views": {
        "vw_activity_counts_24h": {
          "columns": {
            "activity": "VARCHAR",
            "hour": "TIMESTAMP_TZ",
            "event_count": "NUMBER"
          }
        }
      }
    }
  },
  "allowed_aggregations": ["COUNT", "COUNT(DISTINCT x)", "SUM", "AVG", "MIN", "MAX"],
  "allowed_operators": ["=", "!=", ">", ">=", "<", "<=", "IN", "NOT IN", "LIKE", "BETWEEN"],
  "allowed_grains": ["MINUTE", "HOUR", "DAY", "WEEK", "MONTH", "QUARTER", "YEAR"],
  "security": {"max_rows_per_query": 10000}
}`

func loadTestContract(t *testing.T) *config.Contract {
	t.Helper()
	c, err := config.ParseContract([]byte(testContract))
	require.NoError(t, err)
	return c
}

func errClass(t *testing.T, err error) string {
	t.Helper()
	var gw *models.GatewayError
	require.True(t, errors.As(err, &gw), "expected GatewayError, got %v", err)
	assert.Equal(t, models.KindValidation, gw.Kind)
	return gw.Class
}

func TestCompileBreakdown(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	compiled, err := c.Compile(models.Plan{
		Source:     "events",
		Dimensions: []string{"activity"},
		Measures:   []models.Measure{{Fn: "count", Column: "*"}},
		Filters:    []models.Filter{{Column: "customer", Operator: "=", Value: "acme"}},
		OrderBy:    []models.Order{{Column: "COUNT_ALL", Direction: "desc"}},
		TopN:       models.IntPtr(25),
	})
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT ACTIVITY, COUNT(*) AS COUNT_ALL FROM ANALYTICS.ACTIVITY.EVENTS "+
			"WHERE CUSTOMER = ? GROUP BY ACTIVITY ORDER BY COUNT_ALL DESC LIMIT ?",
		compiled.SQLTemplate)
	assert.Equal(t, []any{"acme", 25}, compiled.Binds)
	assert.NotContains(t, compiled.SQLTemplate, "acme", "values are binds, never literals")
}

func TestCompileGrainBucketsTime(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	compiled, err := c.Compile(models.Plan{
		Source:   "vw_activity_counts_24h",
		Measures: []models.Measure{{Fn: "sum", Column: "event_count"}},
		Grain:    "day",
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQLTemplate, "DATE_TRUNC('DAY', HOUR) AS TIME_BUCKET")
	assert.Contains(t, compiled.SQLTemplate, "GROUP BY DATE_TRUNC('DAY', HOUR)")
	assert.Contains(t, compiled.SQLTemplate, "SUM(EVENT_COUNT) AS SUM_EVENT_COUNT")
}

func TestCompileDefaultLimit(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)
	compiled, err := c.Compile(models.Plan{Source: "events"})
	require.NoError(t, err)
	require.NotNil(t, compiled.Plan.TopN)
	assert.Equal(t, 10000, *compiled.Plan.TopN)
	assert.Equal(t, 10000, compiled.Binds[len(compiled.Binds)-1])
}

func TestCompileTopNBoundaries(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	_, err := c.Compile(models.Plan{Source: "events", TopN: models.IntPtr(10000)})
	assert.NoError(t, err, "at the cap is allowed")

	_, err = c.Compile(models.Plan{Source: "events", TopN: models.IntPtr(10001)})
	assert.Equal(t, models.ClassRowLimitExceedsPolicy, errClass(t, err))

	_, err = c.Compile(models.Plan{Source: "events", TopN: models.IntPtr(-1)})
	assert.Equal(t, models.ClassInvalidRange, errClass(t, err))
}

func TestCompileExplicitZeroTopNRejected(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	// An explicit zero is not the same as an omitted limit and must never be
	// promoted to the default.
	var plan models.Plan
	require.NoError(t, json.Unmarshal([]byte(`{"source":"events","top_n":0}`), &plan))
	require.NotNil(t, plan.TopN)

	_, err := c.Compile(plan)
	assert.Equal(t, models.ClassInvalidRange, errClass(t, err))
}

func TestCompileRejections(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	tests := []struct {
		name      string
		plan      models.Plan
		wantClass string
	}{
		{"unknown source", models.Plan{Source: "secrets"}, models.ClassUnknownSource},
		{"bad dimension", models.Plan{Source: "events", Dimensions: []string{"password"}}, models.ClassInvalidColumn},
		{"bad measure column", models.Plan{Source: "events",
			Measures: []models.Measure{{Fn: "SUM", Column: "nope"}}}, models.ClassInvalidColumn},
		{"bad aggregation", models.Plan{Source: "events",
			Measures: []models.Measure{{Fn: "MEDIAN", Column: "revenue_impact"}}}, models.ClassInvalidAggregation},
		{"count distinct needs column", models.Plan{Source: "events",
			Measures: []models.Measure{{Fn: "COUNT_DISTINCT", Column: "*"}}}, models.ClassInvalidAggregation},
		{"bad operator", models.Plan{Source: "events",
			Filters: []models.Filter{{Column: "activity", Operator: "~", Value: "x"}}}, models.ClassInvalidOperator},
		{"bad filter column", models.Plan{Source: "events",
			Filters: []models.Filter{{Column: "nope", Operator: "=", Value: "x"}}}, models.ClassInvalidColumn},
		{"bad grain", models.Plan{Source: "events", Grain: "FORTNIGHT"}, models.ClassInvalidGrain},
		{"bad order column", models.Plan{Source: "events",
			OrderBy: []models.Order{{Column: "nope"}}}, models.ClassInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.plan)
			assert.Equal(t, tt.wantClass, errClass(t, err))
		})
	}
}

func TestCompileInExpandsBinds(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	compiled, err := c.Compile(models.Plan{
		Source:  "events",
		Filters: []models.Filter{{Column: "activity", Operator: "in", Value: []string{"a", "b", "c"}}},
		TopN:    models.IntPtr(10),
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQLTemplate, "ACTIVITY IN (?, ?, ?)")
	assert.Equal(t, []any{"a", "b", "c", 10}, compiled.Binds)
}

func TestCompileBetween(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)

	compiled, err := c.Compile(models.Plan{
		Source: "events",
		Filters: []models.Filter{{
			Column: "ts", Operator: "BETWEEN",
			Value: []any{"2026-01-01", "2026-02-01"},
		}},
		TopN: models.IntPtr(5),
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQLTemplate, "TS BETWEEN ? AND ?")

	_, err = c.Compile(models.Plan{
		Source:  "events",
		Filters: []models.Filter{{Column: "ts", Operator: "BETWEEN", Value: []any{"only-one"}}},
	})
	assert.Equal(t, models.ClassInvalidRange, errClass(t, err))
}

func TestCompileEmptyInRejected(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)
	_, err := c.Compile(models.Plan{
		Source:  "events",
		Filters: []models.Filter{{Column: "activity", Operator: "IN", Value: []any{}}},
	})
	assert.Equal(t, models.ClassInvalidRange, errClass(t, err))
}

func TestCompileIdentifiersUppercased(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)
	compiled, err := c.Compile(models.Plan{
		Source:     "events",
		Dimensions: []string{"customer"},
		TopN:       models.IntPtr(1),
	})
	require.NoError(t, err)
	assert.Contains(t, compiled.SQLTemplate, "SELECT CUSTOMER")
	assert.Equal(t, "EVENTS", compiled.Plan.Source)
}

func TestCompileManyMeasures(t *testing.T) {
	c := NewCompiler(loadTestContract(t), 0)
	compiled, err := c.Compile(models.Plan{
		Source: "events",
		Measures: []models.Measure{
			{Fn: "COUNT", Column: "*"},
			{Fn: "COUNT(DISTINCT x)", Column: "customer"},
			{Fn: "AVG", Column: "revenue_impact"},
		},
		TopN: models.IntPtr(1),
	})
	require.NoError(t, err)
	want := fmt.Sprintf("SELECT %s, %s, %s FROM",
		"COUNT(*) AS COUNT_ALL",
		"COUNT(DISTINCT CUSTOMER) AS COUNT_DISTINCT_CUSTOMER",
		"AVG(REVENUE_IMPACT) AS AVG_REVENUE_IMPACT")
	assert.Contains(t, compiled.SQLTemplate, want)
}
