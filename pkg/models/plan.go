package models

import "strings"

// Measure is an aggregation applied to a source column.
type Measure struct {
	Fn     string `json:"fn"`
	Column string `json:"column"`
}

// Filter is a single predicate in a plan. Value is kept opaque and is only
// ever rendered as a bind parameter, never interpolated.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Order is one ordering term.
type Order struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

// Plan is the structured, declarative description of a query. It is the only
// shape user requests can take on their way to the warehouse; the compiler
// turns it into parameterized SQL and the executor runs it through a single
// stored procedure.
type Plan struct {
	Source     string    `json:"source"`
	Dimensions []string  `json:"dimensions,omitempty"`
	Measures   []Measure `json:"measures,omitempty"`
	Filters    []Filter  `json:"filters,omitempty"`
	Grain      string    `json:"grain,omitempty"`
	// TopN is a pointer so an explicit zero stays distinguishable from an
	// omitted field: nil takes the default limit, zero is rejected.
	TopN    *int    `json:"top_n,omitempty"`
	OrderBy []Order `json:"order_by,omitempty"`
}

// IntPtr returns a pointer to n, for the optional numeric plan fields.
func IntPtr(n int) *int { return &n }

// Normalize upper-cases identifiers, aggregation names, and grains so the
// rest of the pipeline compares against a single canonical form.
func (p Plan) Normalize() Plan {
	out := p
	out.Source = strings.ToUpper(strings.TrimSpace(p.Source))
	out.Grain = strings.ToUpper(strings.TrimSpace(p.Grain))

	out.Dimensions = make([]string, len(p.Dimensions))
	for i, d := range p.Dimensions {
		out.Dimensions[i] = strings.ToUpper(strings.TrimSpace(d))
	}

	out.Measures = make([]Measure, len(p.Measures))
	for i, m := range p.Measures {
		out.Measures[i] = Measure{
			Fn:     NormalizeAggregation(m.Fn),
			Column: strings.ToUpper(strings.TrimSpace(m.Column)),
		}
	}

	out.Filters = make([]Filter, len(p.Filters))
	for i, f := range p.Filters {
		out.Filters[i] = Filter{
			Column:   strings.ToUpper(strings.TrimSpace(f.Column)),
			Operator: strings.ToUpper(strings.TrimSpace(f.Operator)),
			Value:    f.Value,
		}
	}

	out.OrderBy = make([]Order, len(p.OrderBy))
	for i, o := range p.OrderBy {
		dir := strings.ToUpper(strings.TrimSpace(o.Direction))
		if dir == "" {
			dir = "ASC"
		}
		out.OrderBy[i] = Order{
			Column:    strings.ToUpper(strings.TrimSpace(o.Column)),
			Direction: dir,
		}
	}

	return out
}

// NormalizeAggregation maps either form the contract may carry — a symbolic
// name ("COUNT_DISTINCT") or a SQL fragment ("COUNT(DISTINCT x)") — to the
// symbolic canonical form. Symbolic names are the single normal form used by
// the validator and compiler.
func NormalizeAggregation(fn string) string {
	f := strings.ToUpper(strings.TrimSpace(fn))
	switch {
	case strings.HasPrefix(f, "COUNT(DISTINCT"):
		return "COUNT_DISTINCT"
	case strings.HasPrefix(f, "COUNT("), f == "COUNT":
		return "COUNT"
	case strings.HasPrefix(f, "SUM"):
		return "SUM"
	case strings.HasPrefix(f, "AVG"):
		return "AVG"
	case strings.HasPrefix(f, "MIN"):
		return "MIN"
	case strings.HasPrefix(f, "MAX"):
		return "MAX"
	}
	return f
}

// CompiledQuery is the compiler's output: a SQL template whose values are all
// bind parameters, the binds in order, and the normalized plan it came from.
type CompiledQuery struct {
	SQLTemplate string `json:"sql_template"`
	Binds       []any  `json:"binds"`
	Plan        Plan   `json:"plan"`
}

// PlanValidation is the validator's verdict.
type PlanValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
