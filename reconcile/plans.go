package reconcile

import (
	"strings"

	"github.com/creetelo/admin_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// PlanDescriptor is everything needed to create a billing-platform plan and
// subscription for an imported contact.
type PlanDescriptor struct {
	Name          string          `json:"name"`
	Interval      string          `json:"interval"`
	IntervalCount int             `json:"interval_count"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// AmountCents is the plan amount in the smallest currency unit.
func (p PlanDescriptor) AmountCents() int64 {
	return p.Amount.Shift(2).IntPart()
}

// PlanMapper derives a plan from a contact's free-text tags. Pluggable so
// the heuristic can be replaced without touching the import workflow.
type PlanMapper interface {
	PlanForTags(tags string) PlanDescriptor
}

// TagPlanMapper is the default heuristic for Créetelo memberships.
type TagPlanMapper struct {
	MonthlyAmount decimal.Decimal
	YearlyAmount  decimal.Decimal
	Currency      string
}

func NewTagPlanMapper() *TagPlanMapper {
	return &TagPlanMapper{
		MonthlyAmount: decimal.NewFromInt(39),
		YearlyAmount:  decimal.NewFromInt(390),
		Currency:      "usd",
	}
}

// PlanForTags splits the tags on commas and searches case-insensitively for
// the known membership tags. Unknown tags fall back to the first tag verbatim
// as the plan name, inferring the interval from its text. No tags yields the
// default monthly plan.
func (m *TagPlanMapper) PlanForTags(tags string) PlanDescriptor {
	for _, tag := range utils.SplitAndTrim(tags) {
		lowered := strings.ToLower(tag)
		if strings.Contains(lowered, "creetelo_anual") || strings.Contains(lowered, "créetelo_anual") {
			return m.yearly("creetelo_anual")
		}
		if strings.Contains(lowered, "creetelo_mensual") || strings.Contains(lowered, "créetelo_mensual") {
			return m.monthly("creetelo_mensual")
		}
	}

	if split := utils.SplitAndTrim(tags); len(split) > 0 && split[0] != "" {
		first := split[0]
		lowered := strings.ToLower(first)
		if strings.Contains(lowered, "anual") || strings.Contains(lowered, "year") {
			return m.yearly(first)
		}
		return m.monthly(first)
	}

	return m.monthly("creetelo_mensual")
}

func (m *TagPlanMapper) monthly(name string) PlanDescriptor {
	return PlanDescriptor{
		Name:          name,
		Interval:      IntervalMonth,
		IntervalCount: 1,
		Amount:        m.MonthlyAmount,
		Currency:      m.Currency,
	}
}

func (m *TagPlanMapper) yearly(name string) PlanDescriptor {
	return PlanDescriptor{
		Name:          name,
		Interval:      IntervalYear,
		IntervalCount: 1,
		Amount:        m.YearlyAmount,
		Currency:      m.Currency,
	}
}
