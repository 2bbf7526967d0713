package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/config"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

// Validator checks plans before compilation and collects every problem at
// once, where the compiler stops at the first.
type Validator struct {
	contract *config.Contract
	maxTopN  int
}

// NewValidator builds a validator with the same limits as the compiler.
func NewValidator(contract *config.Contract, maxTopN int) *Validator {
	if maxTopN <= 0 {
		maxTopN = contract.Security.MaxRowsPerQuery
	}
	return &Validator{contract: contract, maxTopN: maxTopN}
}

// Validate returns the full verdict for a plan.
func (v *Validator) Validate(plan models.Plan) models.PlanValidation {
	p := plan.Normalize()
	var result models.PlanValidation

	src := v.contract.SourceByName(p.Source)
	if src == nil {
		result.Errors = append(result.Errors,
			fmt.Sprintf("unknown_source: %q is not in the schema contract", p.Source))
	}

	if src != nil {
		for _, dim := range p.Dimensions {
			if !src.HasColumn(dim) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_column: %q not in %s", dim, src.Name))
			}
		}
		for _, m := range p.Measures {
			if !v.contract.AllowsAggregation(m.Fn) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_aggregation: %q", m.Fn))
			}
			if m.Column != "" && m.Column != "*" && !src.HasColumn(m.Column) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_column: measure column %q not in %s", m.Column, src.Name))
			}
		}
		for _, f := range p.Filters {
			if !src.HasColumn(f.Column) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_column: filter column %q not in %s", f.Column, src.Name))
			}
			if !v.contract.AllowsOperator(f.Operator) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_operator: %q", f.Operator))
			}
		}
		if p.Grain != "" {
			if !v.contract.AllowsGrain(p.Grain) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_grain: %q", p.Grain))
			} else if src.TimeColumn() == "" {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid_grain: source %s has no time column", src.Name))
			}
		}
	}

	if p.TopN != nil {
		if *p.TopN < 1 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("invalid_range: top_n %d outside [1, %d]", *p.TopN, v.maxTopN))
		} else if *p.TopN > v.maxTopN {
			result.Errors = append(result.Errors,
				fmt.Sprintf("row_limit_exceeds_policy: top_n %d outside [1, %d]", *p.TopN, v.maxTopN))
		}
	}

	if len(p.Measures) > 0 && len(p.Dimensions) == 0 && p.Grain == "" {
		result.Warnings = append(result.Warnings,
			"measures without dimensions will return a single row")
	}
	if p.TopN == nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no limit specified - default of %d will apply", v.maxTopN))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// DryCompile asks the warehouse to compile the plan server-side without
// executing it. Local validation runs first; a locally invalid plan is
// never sent.
func (v *Validator) DryCompile(ctx context.Context, wh store.Warehouse, plan models.Plan) (models.PlanValidation, error) {
	result := v.Validate(plan)
	if !result.Valid {
		return result, nil
	}
	res, err := wh.CallProcedure(ctx, store.ProcValidateQueryPlan, plan.Normalize())
	if err != nil {
		var gw *models.GatewayError
		if errors.As(store.ClassifyError(err), &gw) && !gw.Retryable() {
			result.Valid = false
			result.Errors = append(result.Errors, gw.Class+": "+gw.Message)
			return result, nil
		}
		return result, err
	}
	if res["ok"] != true || res["valid"] == false {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("server rejected plan: %v", res["error"]))
	}
	return result, nil
}
