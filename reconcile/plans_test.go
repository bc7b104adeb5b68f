package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPlanForTagsKnownMemberships(t *testing.T) {
	mapper := NewTagPlanMapper()

	plan := mapper.PlanForTags("CREETELO_ANUAL, vip")
	assert.Equal(t, "creetelo_anual", plan.Name)
	assert.Equal(t, IntervalYear, plan.Interval)
	assert.Equal(t, 1, plan.IntervalCount)

	plan = mapper.PlanForTags("vip, créetelo_mensual")
	assert.Equal(t, "creetelo_mensual", plan.Name)
	assert.Equal(t, IntervalMonth, plan.Interval)

	// the membership tag wins even when it is not first
	plan = mapper.PlanForTags("something, Creetelo_Anual_2024")
	assert.Equal(t, "creetelo_anual", plan.Name)
	assert.Equal(t, IntervalYear, plan.Interval)
}

func TestPlanForTagsFallback(t *testing.T) {
	mapper := NewTagPlanMapper()

	plan := mapper.PlanForTags("custom_tag")
	assert.Equal(t, "custom_tag", plan.Name)
	assert.Equal(t, IntervalMonth, plan.Interval)

	plan = mapper.PlanForTags("membresia_anual_vip, otro")
	assert.Equal(t, "membresia_anual_vip", plan.Name)
	assert.Equal(t, IntervalYear, plan.Interval)

	plan = mapper.PlanForTags("premium_yearly")
	assert.Equal(t, IntervalYear, plan.Interval)
}

func TestPlanForTagsEmptyDefaultsMonthly(t *testing.T) {
	mapper := NewTagPlanMapper()

	for _, tags := range []string{"", "   ", ", ,"} {
		plan := mapper.PlanForTags(tags)
		assert.Equal(t, "creetelo_mensual", plan.Name, "tags=%q", tags)
		assert.Equal(t, IntervalMonth, plan.Interval)
		assert.True(t, plan.Amount.Equal(decimal.NewFromInt(39)))
		assert.Equal(t, "usd", plan.Currency)
	}
}

func TestPlanDescriptorAmountCents(t *testing.T) {
	plan := PlanDescriptor{Amount: decimal.RequireFromString("39.99")}
	assert.Equal(t, int64(3999), plan.AmountCents())

	plan = PlanDescriptor{Amount: decimal.NewFromInt(390)}
	assert.Equal(t, int64(39000), plan.AmountCents())
}
