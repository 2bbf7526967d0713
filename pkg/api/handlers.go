package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/router"
)

// healthHandler handles GET /health. The warehouse check is a trivial
// statement so a suspended warehouse reports unhealthy without burning
// compute.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	snowflake := "connected"
	httpCode := http.StatusOK
	if _, err := s.wh.Execute(ctx, "SELECT 1"); err != nil {
		status = "unhealthy"
		snowflake = err.Error()
		httpCode = http.StatusServiceUnavailable
	}

	return c.JSON(httpCode, map[string]any{
		"status":    status,
		"snowflake": snowflake,
		"templates": len(router.Templates),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// schemaHandler handles GET /meta/schema: the contract served to clients so
// they can self-validate plans before submitting them.
func (s *Server) schemaHandler(c *echo.Context) error {
	contract := s.cfg.Contract

	db := strings.ToUpper(contract.Database)
	var views, tables []string
	for _, name := range contract.SourceNames() {
		src := contract.SourceByName(name)
		qualified := db + "." + src.Schema + "." + src.Name
		if src.IsView {
			views = append(views, qualified)
		} else {
			tables = append(tables, qualified)
		}
	}
	sort.Strings(views)
	sort.Strings(tables)

	return c.JSON(http.StatusOK, map[string]any{
		"views":  views,
		"tables": tables,
		"hash":   contract.Hash(),
	})
}

// schemaHashHandler handles GET /meta/schema.hash.
func (s *Server) schemaHashHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"hash": s.cfg.Contract.Hash()})
}

// userMetaHandler handles GET /meta/user.
func (s *Server) userMetaHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"theme":    "dark",
		"timezone": "UTC",
	})
}

// validateHandler handles POST /api/validate: a dry validation of a plan
// with no warehouse round trip.
func (s *Server) validateHandler(c *echo.Context) error {
	var plan models.Plan
	if err := c.Bind(&plan); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a plan object")
	}
	return c.JSON(http.StatusOK, s.orch.ValidatePlan(plan))
}

// queryRequest is the REST query body. Exactly one of Plan or Query must be
// set; Token and Nonce are required for authenticated calls.
type queryRequest struct {
	Plan  *models.Plan `json:"plan,omitempty"`
	Query string       `json:"query,omitempty"`
	Token string       `json:"token,omitempty"`
	Nonce string       `json:"nonce,omitempty"`
}

// queryHandler handles POST /api/query by replaying the body through the
// same pipeline WebSocket messages take, then returning the terminal frame.
func (s *Server) queryHandler(c *echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Plan == nil && req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "either plan or query is required")
	}

	msg := &events.ClientMessage{}
	switch {
	case req.Token != "":
		msg.Type = events.TypeToolsCall
		msg.Token = req.Token
		msg.Nonce = req.Nonce
		if req.Plan != nil {
			msg.Name = ToolExecutePlan
			msg.Arguments = mustJSON(req.Plan)
		} else {
			msg.Name = ToolQuery
			msg.Arguments = mustJSON(map[string]string{"query": req.Query})
		}
	case req.Plan != nil:
		msg.Type = events.TypeExecutePanel
		msg.Panel = panelFromPlan(req.Plan)
	default:
		msg.Type = events.TypeUserMessage
		msg.Content = req.Query
	}

	sink := &memorySink{}
	sess := events.NewSession("http-"+c.RealIP(), sink)
	s.orch.Handle(c.Request().Context(), sess, msg)

	final := sink.terminal()
	if final == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "no response produced")
	}
	if errMsg, ok := final.(events.ErrorMessage); ok {
		return c.JSON(httpStatus(gatewayErrorFrom(errMsg)), errMsg)
	}
	return c.JSON(http.StatusOK, final)
}

// activityHandler handles POST /api/activity: recent events for an actor
// through the consistency reader.
func (s *Server) activityHandler(c *echo.Context) error {
	var req struct {
		Actor string `json:"actor"`
		Limit int    `json:"limit"`
	}
	if err := c.Bind(&req); err != nil || req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}

	res, err := s.reader.RecentActivity(c.Request().Context(), req.Actor, req.Limit, time.Time{})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read activity")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events": res.Events,
		"source": res.Source,
	})
}

// memorySink buffers orchestrator output for the REST surface.
type memorySink struct {
	mu   sync.Mutex
	msgs []any
}

func (m *memorySink) Send(_ context.Context, v any) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, v)
	m.mu.Unlock()
	return nil
}

// terminal returns the last result-bearing frame, skipping progress updates.
func (m *memorySink) terminal() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		switch m.msgs[i].(type) {
		case events.SQLResult, events.ErrorMessage, events.AssistantMessage, events.Info:
			return m.msgs[i]
		}
	}
	return nil
}

// gatewayErrorFrom rebuilds a typed error from a wire frame so the REST
// surface can reuse the status mapping.
func gatewayErrorFrom(msg events.ErrorMessage) *models.GatewayError {
	gw := models.NewGatewayError(models.ErrorKind(msg.ErrorClass), msg.Error, "")
	gw.Details = msg.Details
	return gw
}

func panelFromPlan(p *models.Plan) *events.Panel {
	panel := &events.Panel{
		Source:     p.Source,
		Dimensions: p.Dimensions,
		Grain:      p.Grain,
		TopN:       p.TopN,
	}
	for _, m := range p.Measures {
		panel.Measures = append(panel.Measures, events.Measure{Fn: m.Fn, Col: m.Column})
	}
	for _, f := range p.Filters {
		panel.Filters = append(panel.Filters, events.Filter{Column: f.Column, Operator: f.Operator, Value: f.Value})
	}
	for _, o := range p.OrderBy {
		panel.OrderBy = append(panel.OrderBy, events.Order{Column: o.Column, Direction: o.Direction})
	}
	return panel
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
