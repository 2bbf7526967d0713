package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// Anthropic interprets requests through the Messages API. Responses are
// requested as strict JSON and re-validated downstream; a malformed reply
// is an error, never a pass-through.
type Anthropic struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropic builds an interpreter. An empty model takes DefaultModel.
func NewAnthropic(apiKey, model string, logger *slog.Logger) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger.With("component", "llm"),
	}
}

const chooseSystem = `You route analytics questions to safe SQL templates.
Reply with ONLY a JSON object, no prose:
{"template": "<one of the allowed templates or empty>",
 "params": {"n": int?, "hours": int?, "dimension": string?},
 "reply": "<short answer when no template fits, else empty>",
 "confidence": 0.0-1.0,
 "reasoning": "<one sentence>"}`

// ChooseTemplate asks the model to pick a safe template for the query.
func (a *Anthropic) ChooseTemplate(ctx context.Context, query string, templates []string) (*TemplateChoice, error) {
	prompt := fmt.Sprintf("Allowed templates: %s\n\nQuestion: %s",
		strings.Join(templates, ", "), query)

	text, err := a.complete(ctx, chooseSystem, prompt, 512)
	if err != nil {
		return nil, err
	}
	var choice TemplateChoice
	if err := json.Unmarshal([]byte(extractJSON(text)), &choice); err != nil {
		return nil, fmt.Errorf("failed to parse template choice: %w", err)
	}
	if choice.Template != "" && !contains(templates, choice.Template) {
		return nil, fmt.Errorf("model chose unknown template %q", choice.Template)
	}
	return &choice, nil
}

const composeSystem = `You translate analytics questions into a strict query plan.
Reply with ONLY a JSON object matching:
{"source": string, "dimensions": [string],
 "measures": [{"fn": "COUNT|COUNT_DISTINCT|SUM|AVG|MIN|MAX", "column": string}],
 "filters": [{"column": string, "operator": "=|!=|>|>=|<|<=|IN|NOT IN|LIKE|BETWEEN", "value": any}],
 "grain": "MINUTE|HOUR|DAY|WEEK|MONTH|QUARTER|YEAR|", "top_n": int,
 "order_by": [{"column": string, "direction": "ASC|DESC"}]}
Only use sources and columns from the provided registry.`

// ComposePlan asks the model for a full plan. The caller validates it.
func (a *Anthropic) ComposePlan(ctx context.Context, query string, contract *config.Contract) (*models.Plan, string, error) {
	var registry strings.Builder
	for _, name := range contract.SourceNames() {
		src := contract.SourceByName(name)
		cols := make([]string, 0, len(src.Columns))
		for col := range src.Columns {
			cols = append(cols, col)
		}
		fmt.Fprintf(&registry, "%s: %s\n", name, strings.Join(cols, ", "))
	}
	prompt := fmt.Sprintf("Source registry:\n%s\nQuestion: %s", registry.String(), query)

	text, err := a.complete(ctx, composeSystem, prompt, 1024)
	if err != nil {
		return nil, "", err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(extractJSON(text)), &plan); err != nil {
		return nil, "", fmt.Errorf("failed to parse composed plan: %w", err)
	}
	return &plan, "model-composed plan", nil
}

func (a *Anthropic) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages API call failed: %w", err)
	}
	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty model response")
	}
	return sb.String(), nil
}

// extractJSON strips any accidental fencing around the JSON body.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
