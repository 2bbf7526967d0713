// Package llm interprets natural-language analytics requests. The router
// uses it for Tier 2 (constrained template choice) and Tier 3 (full
// plan composition). Both an Anthropic-backed interpreter and an offline
// rule-based one implement the same interface; the gateway degrades to
// rules when no API key is configured.
package llm

import (
	"context"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// TemplateChoice is a Tier 2 verdict: either a safe-template selection with
// extracted parameters, or a brief natural-language reply when no template
// fits the question.
type TemplateChoice struct {
	Template   string         `json:"template,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Reply      string         `json:"reply,omitempty"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// Interpreter turns natural language into constrained analytics outputs.
// Implementations must respect ctx deadlines; the router sets tier budgets.
type Interpreter interface {
	// ChooseTemplate picks one of the named safe templates for the query,
	// or returns a choice with only Reply set when none fits.
	ChooseTemplate(ctx context.Context, query string, templates []string) (*TemplateChoice, error)

	// ComposePlan builds a full query plan for the request. The plan still
	// flows through the validator and compiler; nothing here is trusted.
	ComposePlan(ctx context.Context, query string, contract *config.Contract) (*models.Plan, string, error)
}
