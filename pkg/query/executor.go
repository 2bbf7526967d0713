package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Executor is the only path user plans take to the warehouse. Every
// execution goes through the single server-side procedure; the executor
// caps rows to the caller's envelope, stamps the query tag, and bounds
// wall time.
type Executor struct {
	wh      store.Warehouse
	events  *eventlog.Logger
	logger  *slog.Logger
	timeout time.Duration

	contractHash string
}

// NewExecutor builds an executor. timeout <= 0 defaults to 90 seconds.
func NewExecutor(wh store.Warehouse, events *eventlog.Logger, contractHash string,
	timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Executor{
		wh:           wh,
		events:       events,
		logger:       logger.With("component", "executor"),
		timeout:      timeout,
		contractHash: contractHash,
	}
}

// Execute runs a compiled plan under the caller's envelope. The effective
// row limit is min(plan.top_n, envelope.max_rows); the envelope can only
// shrink what the compiler allowed.
func (e *Executor) Execute(ctx context.Context, compiled *models.CompiledQuery,
	envelope *models.Envelope, sessionID string) (*models.ExecResult, error) {

	plan := compiled.Plan
	if envelope.MaxRows > 0 && plan.TopN != nil && *plan.TopN > envelope.MaxRows {
		capped := envelope.MaxRows
		plan.TopN = &capped
	}

	tag := store.QueryTag{
		Agent:        store.AgentName,
		Op:           "execute_plan",
		Session:      sessionID,
		User:         envelope.Username,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ContractHash: e.contractHash,
	}
	if err := e.wh.SetQueryTag(ctx, tag); err != nil {
		e.logger.Warn("failed to set query tag", "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	res, err := e.wh.CallProcedure(ctx, store.ProcExecuteQueryPlan, planMap(plan))
	if err != nil {
		gwErr := toGatewayError(err)
		e.events.LogError(ctx, gwErr, envelope.Username, models.ObjectTypeRequest, sessionID)
		return nil, gwErr
	}

	result := parseExecResult(res)
	if !result.OK {
		gwErr := models.NewGatewayError(models.KindExecution, result.ErrorClass, result.Error)
		if result.SQLState != "" {
			gwErr.WithDetail("sql_state", result.SQLState)
		}
		e.events.LogError(ctx, gwErr, envelope.Username, models.ObjectTypeRequest, sessionID)
		return result, gwErr
	}

	e.logger.Info("plan executed",
		"user", envelope.Username,
		"source", plan.Source,
		"rows", result.RowCount,
		"elapsed", time.Since(started))
	return result, nil
}

func toGatewayError(err error) *models.GatewayError {
	classified := store.ClassifyError(err)
	if gw, ok := classified.(*models.GatewayError); ok {
		return gw
	}
	return models.NewGatewayError(models.KindExecution, models.ClassOther, classified.Error())
}

// planMap renders the plan as the procedure's variant argument.
func planMap(plan models.Plan) map[string]any {
	data, _ := json.Marshal(plan)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func parseExecResult(res map[string]any) *models.ExecResult {
	out := &models.ExecResult{}
	out.OK, _ = res["ok"].(bool)
	out.QueryID, _ = res["query_id"].(string)
	out.ErrorClass, _ = res["error_class"].(string)
	out.Error, _ = res["error"].(string)
	out.SQLState, _ = res["sql_state"].(string)
	if n, ok := res["row_count"].(float64); ok {
		out.RowCount = int(n)
	}
	if n, ok := res["bytes_scanned"].(float64); ok {
		out.BytesScanned = int64(n)
	}
	switch rows := res["sample_rows"].(type) {
	case []map[string]any:
		out.SampleRows = rows
	case []any:
		for _, r := range rows {
			if m, ok := r.(map[string]any); ok {
				out.SampleRows = append(out.SampleRows, m)
			}
		}
	}
	if out.ErrorClass == "" && !out.OK {
		out.ErrorClass = models.ClassOther
	}
	return out
}
