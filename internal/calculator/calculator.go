// Package calculator turns a service configuration, a consumption quantity and
// a billing period into a deterministic monetary result.
//
// CalculateBill is a pure function of its arguments: it reads no clock and keeps
// no state between calls, so identical inputs produce identical results.
package calculator

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
)

// DefaultSummerMonths is May through September.
var DefaultSummerMonths = []int{5, 6, 7, 8, 9}

// charge is the unrounded outcome of one pricing model
type charge struct {
	fixed       decimal.Decimal
	consumption decimal.Decimal
	base        decimal.Decimal
	details     CalculationDetails
}

type pricer func(c *Calculator, rs *RateSchedule, usage ConsumptionData, period BillingPeriod) (*charge, error)

var pricers = map[PricingModel]pricer{
	FixedMonthly:     priceFixedMonthly,
	ConsumptionBased: priceConsumptionBased,
	Flat:             priceConsumptionBased,
	TieredRates:      priceTiered,
	Hybrid:           priceHybrid,
	TimeOfUse:        priceTimeOfUse,
	CustomFormula:    priceCustomFormula,
}

// Calculator prices service configurations
type Calculator struct {
	summerMonths []int
	logger       *zap.Logger
}

// NewCalculator creates a calculator. summerMonths applies when a schedule's
// seasonal adjustments do not name their own.
func NewCalculator(summerMonths []int, logger *zap.Logger) *Calculator {
	if len(summerMonths) == 0 {
		summerMonths = DefaultSummerMonths
	}
	return &Calculator{
		summerMonths: append([]int(nil), summerMonths...),
		logger:       logger,
	}
}

// CalculateBill prices usage for cfg over period.
func (c *Calculator) CalculateBill(cfg *db.ServiceConfiguration, usage ConsumptionData, period BillingPeriod) (*CalculationResult, error) {
	if cfg == nil {
		return nil, apperr.Configuration("service_configuration", "service configuration is required")
	}
	model := PricingModel(cfg.PricingModel)
	if model == "" {
		return nil, apperr.Configuration("pricing_model", "service configuration missing pricing model")
	}

	rs, err := ParseRateSchedule(cfg.RateSchedule)
	if err != nil {
		return nil, err
	}
	if err := ValidateSchedule(model, rs); err != nil {
		return nil, err
	}
	if err := usage.validate(); err != nil {
		return nil, err
	}
	if err := period.validate(); err != nil {
		return nil, err
	}

	price, ok := pricers[model]
	if !ok {
		return nil, apperr.Configuration("pricing_model", "unsupported pricing model %q", model)
	}
	ch, err := price(c, rs, usage, period)
	if err != nil {
		return nil, err
	}

	result := &CalculationResult{
		FixedAmount:        roundMoney(ch.fixed),
		ConsumptionAmount:  roundMoney(ch.consumption),
		BaseAmount:         roundMoney(ch.base),
		Adjustments:        configuredAdjustments(rs),
		TariffSnapshot:     newSnapshot(cfg, period.snapshotTime()),
		CalculationDetails: ch.details,
	}
	result.TotalAmount = result.FixedAmount.Add(result.ConsumptionAmount).Add(result.AdjustmentsTotal())

	if c.logger != nil {
		c.logger.Debug("Bill calculated",
			zap.String("service_configuration_id", cfg.ID.String()),
			zap.String("pricing_model", string(model)),
			zap.String("consumption", usage.TotalConsumption().String()),
			zap.String("total_amount", result.TotalAmount.StringFixed(monetaryPlaces)),
		)
	}

	return result, nil
}

func configuredAdjustments(rs *RateSchedule) []Adjustment {
	return lo.Map(rs.Adjustments, func(a Adjustment, _ int) Adjustment {
		if a.Type == "" {
			a.Type = "configured"
		}
		a.Amount = roundMoney(a.Amount)
		return a
	})
}

// isSummer reports whether the period starts in a summer month.
func (c *Calculator) isSummer(rs *RateSchedule, period BillingPeriod) bool {
	months := c.summerMonths
	if rs.Seasonal != nil && len(rs.Seasonal.SummerMonths) > 0 {
		months = rs.Seasonal.SummerMonths
	}
	return lo.Contains(months, int(period.Start.Month()))
}

// fixedCharge applies the seasonal multiplier and proration to a monthly amount.
func (c *Calculator) fixedCharge(amount decimal.Decimal, rs *RateSchedule, period BillingPeriod, details *CalculationDetails) decimal.Decimal {
	if s := rs.Seasonal; s != nil {
		multiplier := s.WinterMultiplier
		details.Season = "winter"
		if c.isSummer(rs, period) {
			multiplier = s.SummerMultiplier
			details.Season = "summer"
		}
		if multiplier != nil {
			amount = amount.Mul(*multiplier)
			details.SeasonalMultiplier = ptr(*multiplier)
		}
	}

	if period.IsPartial() {
		days := decimal.NewFromInt(int64(period.Days()))
		daysInMonth := decimal.NewFromInt(int64(daysInMonthOf(period.Start)))
		details.ProRated = true
		details.ProRationFactor = ptr(days.DivRound(daysInMonth, 6))
		amount = amount.Mul(days).Div(daysInMonth)
	}
	return amount
}
