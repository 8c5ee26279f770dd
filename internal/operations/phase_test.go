package operations_test

import (
	"errors"
	"testing"

	"fauxnetd/internal/operations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sevenPhases mirrors the shape of the vhost generation catalog
func sevenPhases() *operations.Catalog {
	return operations.MustCatalog(
		operations.PhaseDefinition{Number: 1, Name: "Generate CA", Weight: 5},
		operations.PhaseDefinition{Number: 2, Name: "Download websites", Requires: []int{1}, Weight: 50, NeedsSites: true},
		operations.PhaseDefinition{Number: 3, Name: "Generate certificates", Requires: []int{1, 2}, Weight: 15},
		operations.PhaseDefinition{Number: 4, Name: "Generate hosts", Requires: []int{2}, Weight: 5},
		operations.PhaseDefinition{Number: 5, Name: "Generate nginx configs", Requires: []int{2, 3, 4}, Weight: 10},
		operations.PhaseDefinition{Number: 6, Name: "Generate landing page", Requires: []int{3, 4, 5}, Weight: 5},
		operations.PhaseDefinition{Number: 7, Name: "Generate summary", Requires: []int{2}, Weight: 10},
	)
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		defs []operations.PhaseDefinition
	}{
		{"empty", nil},
		{"zero number", []operations.PhaseDefinition{{Number: 0, Name: "x"}}},
		{"duplicate", []operations.PhaseDefinition{{Number: 1}, {Number: 1}}},
		{"unknown dependency", []operations.PhaseDefinition{{Number: 1, Requires: []int{9}}}},
		{"forward dependency", []operations.PhaseDefinition{{Number: 1, Requires: []int{2}}, {Number: 2}}},
		{"self dependency", []operations.PhaseDefinition{{Number: 1, Requires: []int{1}}}},
		{"negative weight", []operations.PhaseDefinition{{Number: 1, Weight: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := operations.NewCatalog(tt.defs...)
			assert.Error(t, err)
		})
	}
}

func TestCatalogOrdersPhases(t *testing.T) {
	c, err := operations.NewCatalog(
		operations.PhaseDefinition{Number: 3, Requires: []int{1}},
		operations.PhaseDefinition{Number: 1},
		operations.PhaseDefinition{Number: 2, Requires: []int{1}},
	)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, c.Numbers())
	assert.Equal(t, 3, c.Max())
	assert.Equal(t, []int{2, 3}, c.Dependents(1))
}

func TestCatalogPlan(t *testing.T) {
	c := sevenPhases()

	plan, err := c.Plan([]int{3, 1, 2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, operations.PlanNumbers(plan))

	plan, err = c.Plan(nil, nil)
	assert.Nil(t, plan)
	assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))

	_, err = c.Plan([]int{8}, nil)
	assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))
	assert.Contains(t, err.Error(), "valid range: 1-7")
}

func TestCatalogPlanNamesMissingDependency(t *testing.T) {
	c := sevenPhases()

	_, err := c.Plan([]int{5}, nil)
	require.Error(t, err)

	var opErr *operations.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, operations.ErrorTypeDependencyUnsatisfied, opErr.Type)
	assert.Equal(t, 5, opErr.Phase)
	assert.Equal(t, 2, opErr.Context["missing_phase"])
	assert.Contains(t, opErr.Message, "phase 5 requires phase 2")
}

func TestCatalogPlanAcceptsPriorCompletion(t *testing.T) {
	c := sevenPhases()
	completed := map[int]bool{1: true, 2: true, 3: true, 4: true}

	plan, err := c.Plan([]int{5, 6}, func(n int) bool { return completed[n] })
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, operations.PlanNumbers(plan))

	_, err = c.Plan([]int{6}, func(n int) bool { return completed[n] })
	assert.Equal(t, operations.ErrorTypeDependencyUnsatisfied, operations.GetErrorType(err))
}

func TestOverallPercent(t *testing.T) {
	plan, err := sevenPhases().Plan([]int{1, 2, 3, 4, 5, 6, 7}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, operations.OverallPercent(plan, 0, 0))
	assert.Equal(t, 5.0, operations.OverallPercent(plan, 1, 0))
	assert.Equal(t, 30.0, operations.OverallPercent(plan, 1, 0.5))
	assert.Equal(t, 100.0, operations.OverallPercent(plan, 7, 0))
	assert.Equal(t, 5.0, operations.OverallPercent(plan, 1, -3))

	unweighted := []operations.PhaseDefinition{{Number: 1}, {Number: 2}, {Number: 3}, {Number: 4}}
	assert.Equal(t, 50.0, operations.OverallPercent(unweighted, 2, 0))
	assert.Equal(t, 0.0, operations.OverallPercent(nil, 0, 0))
}
