package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPlanConfig(t *testing.T) {
	cfg := DefaultPlanConfig()

	assert.Equal(t, 10.0, cfg.Allocation(PlanFree))
	assert.Equal(t, 200.0, cfg.Allocation(PlanPro))
	assert.Equal(t, 1000.0, cfg.Allocation(PlanTeam))

	// Unknown plans fall back to the free tier instead of zeroing out.
	assert.Equal(t, 10.0, cfg.Allocation("enterprise"))
	assert.Equal(t, 1, cfg.FreeLimit("enterprise", "review"))

	assert.Equal(t, 5.0, cfg.Cost("review"))
	assert.Equal(t, 1.0, cfg.Cost("conversation_turn"))
	assert.Equal(t, 2.0, cfg.Cost("company_info"))
	assert.Zero(t, cfg.Cost("unknown"))

	assert.True(t, cfg.KnownPlan(PlanPro))
	assert.False(t, cfg.KnownPlan("enterprise"))
}

func TestValidatePlanConfig(t *testing.T) {
	assert.NoError(t, validatePlanConfig(DefaultPlanConfig()))

	assert.Error(t, validatePlanConfig(PlanConfig{}))

	missingFree := DefaultPlanConfig()
	delete(missingFree.Plans, PlanFree)
	assert.Error(t, validatePlanConfig(missingFree))

	negativeCost := DefaultPlanConfig()
	negativeCost.Operations["review"] = OperationCost{NominalCost: -1}
	assert.Error(t, validatePlanConfig(negativeCost))
}

func TestStaticPlanConfigHolder(t *testing.T) {
	holder := NewStaticPlanConfigHolder(DefaultPlanConfig())
	assert.Equal(t, 200.0, holder.Get().Allocation(PlanPro))
}
