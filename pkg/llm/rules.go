package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// RuleBased is the offline interpreter: keyword and pattern heuristics that
// cover the common analytics questions without a network call. It backs the
// gateway when no API key is configured and serves as the fallback when the
// model misbehaves.
type RuleBased struct{}

// NewRuleBased returns the offline interpreter.
func NewRuleBased() *RuleBased { return &RuleBased{} }

var (
	numberPattern = regexp.MustCompile(`\b(\d+)\b`)
	hoursPattern  = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)\s*h(?:ou)?rs?\b`)
	daysPattern   = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d+)\s*days?\b`)
)

// ChooseTemplate maps analytic phrasing onto a template by keywords.
func (r *RuleBased) ChooseTemplate(_ context.Context, query string, templates []string) (*TemplateChoice, error) {
	q := strings.ToLower(query)
	pick := func(template, reasoning string, confidence float64) (*TemplateChoice, error) {
		if !contains(templates, template) {
			return nil, fmt.Errorf("template %q not offered", template)
		}
		return &TemplateChoice{
			Template:   template,
			Params:     extractParams(query),
			Confidence: confidence,
			Reasoning:  reasoning,
		}, nil
	}

	switch {
	case strings.Contains(q, "top "):
		return pick("sample_top", "question asks for a ranked head", 0.8)
	case strings.Contains(q, "recent"), strings.Contains(q, "latest"):
		return pick("recent_n", "question asks for newest rows", 0.8)
	case strings.Contains(q, "breakdown"), strings.Contains(q, "by type"),
		strings.Contains(q, "per type"), strings.Contains(q, "group"):
		return pick("breakdown", "question asks for a per-category split", 0.7)
	case strings.Contains(q, "summary"), strings.Contains(q, "overview"),
		strings.Contains(q, "how many"), strings.Contains(q, "trend"),
		strings.Contains(q, "compare"):
		return pick("summary", "question asks for an aggregate picture", 0.6)
	}

	return &TemplateChoice{
		Reply:      "I can answer top-N, recent-N, breakdown, and summary questions over the activity sources.",
		Confidence: 0.3,
		Reasoning:  "no template keyword matched",
	}, nil
}

// ComposePlan builds a conservative plan from keywords: a breakdown by the
// first varchar-ish dimension with a count, windowed when the question names
// a time range.
func (r *RuleBased) ComposePlan(_ context.Context, query string, contract *config.Contract) (*models.Plan, string, error) {
	source := pickSource(query, contract)
	if source == nil {
		return nil, "", fmt.Errorf("no source in the contract matches the question")
	}

	plan := models.Plan{
		Source:   source.Name,
		Measures: []models.Measure{{Fn: "COUNT", Column: "*"}},
		TopN:     models.IntPtr(100),
	}
	if dim := pickDimension(source); dim != "" {
		plan.Dimensions = []string{dim}
		plan.OrderBy = []models.Order{{Column: "COUNT_ALL", Direction: "DESC"}}
	}

	q := strings.ToLower(query)
	if strings.Contains(q, "daily") || daysPattern.MatchString(query) {
		plan.Grain = "DAY"
	} else if strings.Contains(q, "hourly") || hoursPattern.MatchString(query) {
		plan.Grain = "HOUR"
	}
	if m := numberPattern.FindStringSubmatch(query); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n <= 1000 {
			plan.TopN = models.IntPtr(n)
		}
	}

	return &plan, "rule-based plan: count grouped by the primary dimension", nil
}

// extractParams pulls clamped integers and time windows out of the question.
func extractParams(query string) map[string]any {
	params := map[string]any{}
	if m := numberPattern.FindStringSubmatch(query); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			params["n"] = clamp(n, 1, 1000)
		}
	}
	if m := hoursPattern.FindStringSubmatch(query); m != nil {
		if h, err := strconv.Atoi(m[1]); err == nil {
			params["hours"] = clamp(h, 1, 168)
		}
	}
	if m := daysPattern.FindStringSubmatch(query); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil {
			params["hours"] = clamp(d*24, 1, 168)
		}
	}
	return params
}

func pickSource(query string, contract *config.Contract) *config.Source {
	q := strings.ToUpper(query)
	var fallback *config.Source
	for _, name := range contract.SourceNames() {
		src := contract.SourceByName(name)
		if fallback == nil && !src.IsView {
			fallback = src
		}
		if strings.Contains(q, name) {
			return src
		}
	}
	if fallback != nil {
		return fallback
	}
	names := contract.SourceNames()
	if len(names) > 0 {
		return contract.SourceByName(names[0])
	}
	return nil
}

// pickDimension prefers the conventional activity column, else the first
// varchar column that is not a timestamp.
func pickDimension(src *config.Source) string {
	if src.HasColumn("ACTIVITY") {
		return "ACTIVITY"
	}
	for col, typ := range src.Columns {
		t := strings.ToUpper(typ)
		if strings.Contains(t, "VARCHAR") || strings.Contains(t, "STRING") || strings.Contains(t, "TEXT") {
			return col
		}
	}
	return ""
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
