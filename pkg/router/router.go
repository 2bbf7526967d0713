// Package router classifies incoming requests into execution tiers.
// Tier 1 is a closed set of parameterized templates that skip any model
// call; Tier 2 asks a constrained interpreter for a template choice;
// Tier 3 composes a full plan. Every decision becomes a mcp.query.routed
// event once its outcome is known.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/eventlog"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/llm"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Safe template names.
const (
	TemplateTopN      = "sample_top"
	TemplateRecentN   = "recent_n"
	TemplateBreakdown = "breakdown"
	TemplateSummary   = "summary"
)

// Templates lists every safe template the router can target.
var Templates = []string{TemplateTopN, TemplateRecentN, TemplateBreakdown, TemplateSummary}

// Parameter clamps.
const (
	MaxN     = 1000
	MinHours = 1
	MaxHours = 168
)

// Tier expectations, logged with every decision.
const (
	tier1ExpectedMs   = 2000
	tier1ExpectedCost = 0.001
	tier2ExpectedMs   = 8000
	tier2ExpectedCost = 0.05
	tier3ExpectedMs   = 30000
	tier3ExpectedCost = 0.20
)

// Routed is the router's answer: a decision plus either a plan to execute
// or a direct natural-language reply.
type Routed struct {
	Decision models.RouteDecision
	Plan     *models.Plan
	Reply    string
}

// Router is safe for concurrent use.
type Router struct {
	contract    *config.Contract
	interpreter llm.Interpreter
	events      *eventlog.Logger
	logger      *slog.Logger

	tier2Budget time.Duration
	tier3Budget time.Duration
}

// New builds a router. Zero budgets default to 10s and 45s.
func New(contract *config.Contract, interpreter llm.Interpreter, events *eventlog.Logger,
	tier2Budget, tier3Budget time.Duration, logger *slog.Logger) *Router {
	if tier2Budget <= 0 {
		tier2Budget = 10 * time.Second
	}
	if tier3Budget <= 0 {
		tier3Budget = 45 * time.Second
	}
	return &Router{
		contract:    contract,
		interpreter: interpreter,
		events:      events,
		logger:      logger.With("component", "router"),
		tier2Budget: tier2Budget,
		tier3Budget: tier3Budget,
	}
}

var (
	topNPattern    = regexp.MustCompile(`(?i)\btop\s+(\d+)\b`)
	recentNPattern = regexp.MustCompile(`(?i)\b(?:recent|last|latest)\s+(\d+)\s+(?:events|rows|records|activities)\b`)
	hoursPattern   = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)\s*h(?:ou)?rs?\b`)
	daysPattern    = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)\s*days?\b`)

	breakdownPattern = regexp.MustCompile(`(?i)\b(?:breakdown|by type|per type)\b`)
	summaryPattern   = regexp.MustCompile(`(?i)\b(?:summary|overview|how many)\b`)

	analyticCues  = regexp.MustCompile(`(?i)\b(?:compare|trend|filter|versus|vs\.?|change|growth|distinct)\b`)
	narrativeCues = regexp.MustCompile(`(?i)\b(?:report|narrative|explain|why|across|join|correlate)\b`)
)

// Route classifies the query. Tier 1 wins any tie with Tier 2; a Tier 2
// interpreter failure escalates to Tier 3 instead of failing the request.
func (r *Router) Route(ctx context.Context, query string) (*Routed, error) {
	if template, params, ok := r.matchTier1(query); ok {
		plan, err := r.PlanFromTemplate(template, params)
		if err != nil {
			return nil, err
		}
		return &Routed{
			Decision: models.RouteDecision{
				Tier:            1,
				NaturalLanguage: query,
				Template:        template,
				Params:          params,
				ExpectedMs:      tier1ExpectedMs,
				ExpectedCost:    tier1ExpectedCost,
				Confidence:      1.0,
				Reasoning:       "pattern matched a safe template",
			},
			Plan: plan,
		}, nil
	}

	if narrativeCues.MatchString(query) {
		return r.routeTier3(ctx, query, "narrative-shaped request")
	}
	if analyticCues.MatchString(query) || summaryPattern.MatchString(query) {
		routed, err := r.routeTier2(ctx, query)
		if err == nil {
			return routed, nil
		}
		r.logger.Warn("tier 2 failed, escalating", "error", err)
		return r.routeTier3(ctx, query, "escalated after tier 2 failure")
	}
	return r.routeTier3(ctx, query, "no pattern or analytic cue matched")
}

// matchTier1 tries the closed set of parameterized shapes.
func (r *Router) matchTier1(query string) (string, map[string]any, bool) {
	params := r.extractParams(query)
	switch {
	case topNPattern.MatchString(query):
		return TemplateTopN, params, true
	case recentNPattern.MatchString(query):
		return TemplateRecentN, params, true
	case breakdownPattern.MatchString(query):
		return TemplateBreakdown, params, true
	case summaryPattern.MatchString(query) && !analyticCues.MatchString(query):
		return TemplateSummary, params, true
	}
	return "", nil, false
}

func (r *Router) routeTier2(ctx context.Context, query string) (*Routed, error) {
	ctx, cancel := context.WithTimeout(ctx, r.tier2Budget)
	defer cancel()

	choice, err := r.interpreter.ChooseTemplate(ctx, query, Templates)
	if err != nil {
		return nil, err
	}
	decision := models.RouteDecision{
		Tier:            2,
		NaturalLanguage: query,
		Template:        choice.Template,
		Params:          choice.Params,
		ExpectedMs:      tier2ExpectedMs,
		ExpectedCost:    tier2ExpectedCost,
		Confidence:      choice.Confidence,
		Reasoning:       choice.Reasoning,
	}
	if choice.Template == "" {
		if choice.Reply == "" {
			return nil, fmt.Errorf("interpreter produced neither template nor reply")
		}
		return &Routed{Decision: decision, Reply: choice.Reply}, nil
	}
	plan, err := r.PlanFromTemplate(choice.Template, choice.Params)
	if err != nil {
		return nil, err
	}
	return &Routed{Decision: decision, Plan: plan}, nil
}

func (r *Router) routeTier3(ctx context.Context, query, reason string) (*Routed, error) {
	ctx, cancel := context.WithTimeout(ctx, r.tier3Budget)
	defer cancel()

	plan, reasoning, err := r.interpreter.ComposePlan(ctx, query, r.contract)
	if err != nil {
		return nil, models.NewGatewayError(models.KindValidation, models.ClassUnknownSource,
			fmt.Sprintf("failed to compose a plan: %v", err))
	}
	return &Routed{
		Decision: models.RouteDecision{
			Tier:            3,
			NaturalLanguage: query,
			ExpectedMs:      tier3ExpectedMs,
			ExpectedCost:    tier3ExpectedCost,
			Confidence:      0.5,
			Reasoning:       reason + "; " + reasoning,
		},
		Plan: plan,
	}, nil
}

// extractParams pulls clamped integers and windows from the query text.
func (r *Router) extractParams(query string) map[string]any {
	params := map[string]any{}
	for _, p := range []*regexp.Regexp{topNPattern, recentNPattern} {
		if m := p.FindStringSubmatch(query); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				params["n"] = clamp(n, 1, MaxN)
				break
			}
		}
	}
	if m := hoursPattern.FindStringSubmatch(query); m != nil {
		if h, err := strconv.Atoi(m[1]); err == nil {
			params["hours"] = clamp(h, MinHours, MaxHours)
		}
	}
	if m := daysPattern.FindStringSubmatch(query); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil {
			params["hours"] = clamp(d*24, MinHours, MaxHours)
		}
	}
	return params
}

// PlanFromTemplate instantiates a safe template against the contract's
// conventional activity source.
func (r *Router) PlanFromTemplate(template string, params map[string]any) (*models.Plan, error) {
	src := r.activitySource()
	if src == nil {
		return nil, models.NewGatewayError(models.KindValidation, models.ClassUnknownSource,
			"contract has no activity source")
	}

	n := paramInt(params, "n", 10)
	plan := &models.Plan{Source: src.Name, TopN: models.IntPtr(n)}

	dimension := "ACTIVITY"
	if !src.HasColumn(dimension) {
		dimension = ""
	}

	switch template {
	case TemplateTopN:
		if dimension != "" {
			plan.Dimensions = []string{dimension}
		}
		plan.Measures = []models.Measure{{Fn: "COUNT", Column: "*"}}
		plan.OrderBy = []models.Order{{Column: "COUNT_ALL", Direction: "DESC"}}
	case TemplateRecentN:
		if timeCol := src.TimeColumn(); timeCol != "" {
			plan.OrderBy = []models.Order{{Column: timeCol, Direction: "DESC"}}
		}
	case TemplateBreakdown:
		if dimension != "" {
			plan.Dimensions = []string{dimension}
		}
		plan.Measures = []models.Measure{{Fn: "COUNT", Column: "*"}}
		plan.OrderBy = []models.Order{{Column: "COUNT_ALL", Direction: "DESC"}}
		plan.TopN = models.IntPtr(paramInt(params, "n", 100))
	case TemplateSummary:
		plan.Measures = []models.Measure{{Fn: "COUNT", Column: "*"}}
		plan.TopN = models.IntPtr(1)
	default:
		return nil, models.NewGatewayError(models.KindValidation, models.ClassUnknownSource,
			fmt.Sprintf("unknown template %q", template))
	}

	if _, ok := params["hours"]; ok {
		if timeCol := src.TimeColumn(); timeCol != "" {
			hours := paramInt(params, "hours", 24)
			cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
			plan.Filters = append(plan.Filters, models.Filter{
				Column:   timeCol,
				Operator: ">=",
				Value:    cutoff.Format(time.RFC3339),
			})
		}
	}
	return plan, nil
}

// Finish records the decision's outcome as a mcp.query.routed event.
func (r *Router) Finish(ctx context.Context, decision models.RouteDecision,
	actor, sessionID string, actualMs int64, success bool) {

	decision.ActualMs = actualMs
	decision.Success = success
	if success {
		decision.ActualCost = decision.ExpectedCost
	}

	e := models.NewEvent(models.ActionQueryRouted, models.ObjectTypeRequest, sessionID)
	e.ActorID = actor
	e.Attributes["tier"] = decision.Tier
	if decision.NaturalLanguage != "" {
		e.Attributes["natural_language"] = decision.NaturalLanguage
	}
	e.Attributes["template"] = decision.Template
	e.Attributes["expected_ms"] = decision.ExpectedMs
	e.Attributes["actual_ms"] = decision.ActualMs
	e.Attributes["expected_cost"] = decision.ExpectedCost
	e.Attributes["actual_cost"] = decision.ActualCost
	e.Attributes["success"] = decision.Success
	e.Attributes["confidence"] = decision.Confidence
	e.Attributes["reasoning"] = decision.Reasoning
	if err := r.events.Log(ctx, e); err != nil {
		r.logger.Warn("failed to log route decision", "error", err)
	}
}

// activitySource returns the conventional base source: the first table with
// an ACTIVITY column, else the first table at all.
func (r *Router) activitySource() *config.Source {
	var fallback *config.Source
	for _, name := range r.contract.SourceNames() {
		src := r.contract.SourceByName(name)
		if src.IsView {
			continue
		}
		if src.HasColumn("ACTIVITY") {
			return src
		}
		if fallback == nil {
			fallback = src
		}
	}
	return fallback
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
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
