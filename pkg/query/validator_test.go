package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/store"
)

func TestValidateCollectsAllErrors(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)

	result := v.Validate(models.Plan{
		Source:     "events",
		Dimensions: []string{"no_such_col"},
		Measures:   []models.Measure{{Fn: "MEDIAN", Column: "revenue_impact"}},
		Filters:    []models.Filter{{Column: "activity", Operator: "~", Value: "x"}},
		Grain:      "FORTNIGHT",
		TopN:       models.IntPtr(99999),
	})

	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 5)
}

func TestValidateUnknownSource(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	result := v.Validate(models.Plan{Source: "secrets"})
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unknown_source")
}

func TestValidateWarnings(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)

	result := v.Validate(models.Plan{
		Source:   "events",
		Measures: []models.Measure{{Fn: "COUNT", Column: "*"}},
	})
	require.True(t, result.Valid)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "single row")
	assert.Contains(t, result.Warnings[1], "default")
}

func TestValidateExplicitZeroTopNIsError(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	result := v.Validate(models.Plan{
		Source:     "events",
		Dimensions: []string{"activity"},
		TopN:       models.IntPtr(0),
	})
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "invalid_range")
	assert.Empty(t, result.Warnings, "an explicit zero is an error, not a defaulting warning")
}

func TestValidateNoWarningsWhenBounded(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	result := v.Validate(models.Plan{
		Source:     "events",
		Dimensions: []string{"activity"},
		Measures:   []models.Measure{{Fn: "COUNT", Column: "*"}},
		TopN:       models.IntPtr(10),
	})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestValidateGrainCountsAsBucketing(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	result := v.Validate(models.Plan{
		Source:   "events",
		Measures: []models.Measure{{Fn: "COUNT", Column: "*"}},
		Grain:    "HOUR",
		TopN:     models.IntPtr(24),
	})
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings, "a grain produces one row per bucket")
}

func TestDryCompileSkipsServerWhenLocallyInvalid(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	fake := store.NewFake()

	result, err := v.DryCompile(context.Background(), fake, models.Plan{Source: "secrets"})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Empty(t, fake.ProcCalls(), "invalid plans never reach the warehouse")
}

func TestDryCompileServerRejection(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	fake := store.NewFake()
	fake.ProcHook = func(name string, _ []any) (map[string]any, bool, error) {
		if name == store.ProcValidateQueryPlan {
			return map[string]any{"ok": true, "valid": false, "error": "ambiguous column"}, true, nil
		}
		return nil, false, nil
	}

	result, err := v.DryCompile(context.Background(), fake, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "server rejected")
}

func TestDryCompileAccepts(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	fake := store.NewFake()

	result, err := v.DryCompile(context.Background(), fake, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestDryCompileTransientErrorSurfaces(t *testing.T) {
	v := NewValidator(loadTestContract(t), 0)
	fake := store.NewFake()
	fake.ProcHook = func(name string, _ []any) (map[string]any, bool, error) {
		return nil, true, context.DeadlineExceeded
	}

	_, err := v.DryCompile(context.Background(), fake, models.Plan{Source: "events", TopN: models.IntPtr(1)})
	require.Error(t, err)
	var gw *models.GatewayError
	if errors.As(err, &gw) {
		assert.Equal(t, models.ClassTimeout, gw.Class)
	}
}
