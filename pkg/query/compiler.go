// Package query turns declarative plans into parameterized SQL and runs
// them through the single server-side execution procedure. The compiler
// only ever emits whitelisted upper-cased identifiers; every value is a
// bind parameter.
package query

import (
	"fmt"
	"strings"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// Compiler compiles plans against the loaded schema contract.
type Compiler struct {
	contract *config.Contract
	maxTopN  int
}

// NewCompiler builds a compiler. maxTopN <= 0 takes the contract's
// max_rows_per_query.
func NewCompiler(contract *config.Contract, maxTopN int) *Compiler {
	if maxTopN <= 0 {
		maxTopN = contract.Security.MaxRowsPerQuery
	}
	return &Compiler{contract: contract, maxTopN: maxTopN}
}

// MaxTopN returns the system-wide row cap applied by this compiler.
func (c *Compiler) MaxTopN() int { return c.maxTopN }

// Compile checks the plan against the contract and emits canonical SQL.
// The returned plan is the normalized form, with the default limit filled in.
func (c *Compiler) Compile(plan models.Plan) (*models.CompiledQuery, error) {
	p := plan.Normalize()

	src := c.contract.SourceByName(p.Source)
	if src == nil {
		return nil, validationErr(models.ClassUnknownSource,
			fmt.Sprintf("unknown source %q", p.Source))
	}

	topN := c.maxTopN
	if p.TopN != nil {
		topN = *p.TopN
		if topN < 1 {
			return nil, validationErr(models.ClassInvalidRange,
				fmt.Sprintf("top_n %d outside [1, %d]", topN, c.maxTopN))
		}
		if topN > c.maxTopN {
			return nil, validationErr(models.ClassRowLimitExceedsPolicy,
				fmt.Sprintf("top_n %d outside [1, %d]", topN, c.maxTopN))
		}
	}
	p.TopN = &topN

	var selects, groups []string
	for _, dim := range p.Dimensions {
		if !src.HasColumn(dim) {
			return nil, validationErr(models.ClassInvalidColumn,
				fmt.Sprintf("column %q not in source %s", dim, src.Name))
		}
		selects = append(selects, dim)
		groups = append(groups, dim)
	}

	if p.Grain != "" {
		if !c.contract.AllowsGrain(p.Grain) {
			return nil, validationErr(models.ClassInvalidGrain,
				fmt.Sprintf("grain %q not allowed", p.Grain))
		}
		timeCol := src.TimeColumn()
		if timeCol == "" {
			return nil, validationErr(models.ClassInvalidGrain,
				fmt.Sprintf("source %s has no time column for grain", src.Name))
		}
		bucket := fmt.Sprintf("DATE_TRUNC('%s', %s) AS TIME_BUCKET", p.Grain, timeCol)
		selects = append(selects, bucket)
		groups = append(groups, fmt.Sprintf("DATE_TRUNC('%s', %s)", p.Grain, timeCol))
	}

	for _, m := range p.Measures {
		if !c.contract.AllowsAggregation(m.Fn) {
			return nil, validationErr(models.ClassInvalidAggregation,
				fmt.Sprintf("aggregation %q not allowed", m.Fn))
		}
		expr, err := measureExpr(src, m)
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr)
	}
	if len(selects) == 0 {
		selects = append(selects, "COUNT(*) AS COUNT_ALL")
	}

	var binds []any
	var wheres []string
	for _, f := range p.Filters {
		if !src.HasColumn(f.Column) {
			return nil, validationErr(models.ClassInvalidColumn,
				fmt.Sprintf("column %q not in source %s", f.Column, src.Name))
		}
		if !c.contract.AllowsOperator(f.Operator) {
			return nil, validationErr(models.ClassInvalidOperator,
				fmt.Sprintf("operator %q not allowed", f.Operator))
		}
		clause, clauseBinds, err := filterClause(f)
		if err != nil {
			return nil, err
		}
		wheres = append(wheres, clause)
		binds = append(binds, clauseBinds...)
	}

	var orders []string
	for _, o := range p.OrderBy {
		if !src.HasColumn(o.Column) && !isSelectedAlias(selects, o.Column) {
			return nil, validationErr(models.ClassInvalidColumn,
				fmt.Sprintf("order_by column %q not in source %s", o.Column, src.Name))
		}
		if o.Direction != "ASC" && o.Direction != "DESC" {
			return nil, validationErr(models.ClassInvalidOperator,
				fmt.Sprintf("order direction %q", o.Direction))
		}
		orders = append(orders, o.Column+" "+o.Direction)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(c.qualified(src))
	if len(wheres) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(wheres, " AND "))
	}
	if len(groups) > 0 && len(p.Measures) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groups, ", "))
	}
	if len(orders) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}
	sb.WriteString(" LIMIT ?")
	binds = append(binds, topN)

	return &models.CompiledQuery{
		SQLTemplate: sb.String(),
		Binds:       binds,
		Plan:        p,
	}, nil
}

func (c *Compiler) qualified(src *config.Source) string {
	db := strings.ToUpper(c.contract.Database)
	if db == "" {
		return src.Schema + "." + src.Name
	}
	return db + "." + src.Schema + "." + src.Name
}

// measureExpr renders one aggregation with a deterministic alias.
func measureExpr(src *config.Source, m models.Measure) (string, error) {
	col := m.Column
	star := col == "" || col == "*"
	if !star && !src.HasColumn(col) {
		return "", validationErr(models.ClassInvalidColumn,
			fmt.Sprintf("measure column %q not in source %s", col, src.Name))
	}
	switch m.Fn {
	case "COUNT":
		if star {
			return "COUNT(*) AS COUNT_ALL", nil
		}
		return fmt.Sprintf("COUNT(%s) AS COUNT_%s", col, col), nil
	case "COUNT_DISTINCT":
		if star {
			return "", validationErr(models.ClassInvalidAggregation,
				"COUNT_DISTINCT requires a column")
		}
		return fmt.Sprintf("COUNT(DISTINCT %s) AS COUNT_DISTINCT_%s", col, col), nil
	case "SUM", "AVG", "MIN", "MAX":
		if star {
			return "", validationErr(models.ClassInvalidAggregation,
				m.Fn+" requires a column")
		}
		return fmt.Sprintf("%s(%s) AS %s_%s", m.Fn, col, m.Fn, col), nil
	}
	return "", validationErr(models.ClassInvalidAggregation,
		fmt.Sprintf("aggregation %q not allowed", m.Fn))
}

// filterClause renders one predicate with its binds. IN/NOT IN expand to one
// placeholder per element; BETWEEN takes exactly two bounds.
func filterClause(f models.Filter) (string, []any, error) {
	switch f.Operator {
	case "IN", "NOT IN":
		values, ok := listValues(f.Value)
		if !ok || len(values) == 0 {
			return "", nil, validationErr(models.ClassInvalidRange,
				f.Operator+" requires a non-empty list value")
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return fmt.Sprintf("%s %s (%s)", f.Column, f.Operator, marks), values, nil
	case "BETWEEN":
		values, ok := listValues(f.Value)
		if !ok || len(values) != 2 {
			return "", nil, validationErr(models.ClassInvalidRange,
				"BETWEEN requires exactly two bounds")
		}
		return fmt.Sprintf("%s BETWEEN ? AND ?", f.Column), values, nil
	default:
		return fmt.Sprintf("%s %s ?", f.Column, f.Operator), []any{f.Value}, nil
	}
}

func listValues(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func isSelectedAlias(selects []string, col string) bool {
	for _, s := range selects {
		if idx := strings.LastIndex(s, " AS "); idx >= 0 && s[idx+4:] == col {
			return true
		}
	}
	return false
}

func validationErr(class, msg string) *models.GatewayError {
	return models.NewGatewayError(models.KindValidation, class, msg)
}
