package calculator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

func daysInMonthOf(t time.Time) int {
	return timeparser.DaysInMonth(t)
}

func priceFixedMonthly(c *Calculator, rs *RateSchedule, usage ConsumptionData, period BillingPeriod) (*charge, error) {
	details := CalculationDetails{
		PricingModel:     FixedMonthly,
		TotalConsumption: usage.TotalConsumption(),
		MonthlyRate:      ptr(*rs.MonthlyRate),
	}
	fixed := c.fixedCharge(*rs.MonthlyRate, rs, period, &details)
	return &charge{
		fixed:       fixed,
		consumption: decimal.Zero,
		base:        *rs.MonthlyRate,
		details:     details,
	}, nil
}

func priceConsumptionBased(_ *Calculator, rs *RateSchedule, usage ConsumptionData, _ BillingPeriod) (*charge, error) {
	total := usage.TotalConsumption()
	amount := total.Mul(*rs.UnitRate)
	return &charge{
		fixed:       decimal.Zero,
		consumption: amount,
		base:        amount,
		details: CalculationDetails{
			PricingModel:     ConsumptionBased,
			TotalConsumption: total,
			UnitRate:         ptr(*rs.UnitRate),
		},
	}, nil
}

// priceTiered fills brackets from the lowest upward. Consumption beyond the
// last bracket's limit is charged at the last bracket's rate.
func priceTiered(_ *Calculator, rs *RateSchedule, usage ConsumptionData, _ BillingPeriod) (*charge, error) {
	total := usage.TotalConsumption()
	remaining := total
	amount := decimal.Zero
	var breakdown []TierCharge

	for i, tier := range rs.Tiers {
		if !remaining.IsPositive() {
			break
		}
		used := remaining
		last := i == len(rs.Tiers)-1
		if tier.Limit != nil && !last && remaining.GreaterThan(*tier.Limit) {
			used = *tier.Limit
		}
		tierAmount := used.Mul(tier.Rate)
		amount = amount.Add(tierAmount)
		remaining = remaining.Sub(used)

		tc := TierCharge{
			Tier:        i + 1,
			Consumption: used,
			Rate:        tier.Rate,
			Amount:      roundMoney(tierAmount),
		}
		if tier.Limit != nil {
			tc.Limit = ptr(*tier.Limit)
		}
		breakdown = append(breakdown, tc)
	}

	return &charge{
		fixed:       decimal.Zero,
		consumption: amount,
		base:        amount,
		details: CalculationDetails{
			PricingModel:     TieredRates,
			TotalConsumption: total,
			TierBreakdown:    breakdown,
		},
	}, nil
}

func priceHybrid(c *Calculator, rs *RateSchedule, usage ConsumptionData, period BillingPeriod) (*charge, error) {
	total := usage.TotalConsumption()
	details := CalculationDetails{
		PricingModel:     Hybrid,
		TotalConsumption: total,
		FixedFee:         ptr(*rs.FixedFee),
		UnitRate:         ptr(*rs.UnitRate),
	}
	fixed := c.fixedCharge(*rs.FixedFee, rs, period, &details)
	consumption := total.Mul(*rs.UnitRate)
	return &charge{
		fixed:       fixed,
		consumption: consumption,
		base:        rs.FixedFee.Add(consumption),
		details:     details,
	}, nil
}

// priceTimeOfUse prices each zone at its own rate, falling back to the
// default rate. Usage without a zone split is priced entirely as the default zone.
func priceTimeOfUse(_ *Calculator, rs *RateSchedule, usage ConsumptionData, _ BillingPeriod) (*charge, error) {
	zones := usage.Zones
	if len(zones) == 0 && !usage.Total.IsZero() {
		zones = map[string]decimal.Decimal{DefaultZone: usage.Total}
	}

	names := make([]string, 0, len(zones))
	for z := range zones {
		names = append(names, z)
	}
	sort.Strings(names)

	amount := decimal.Zero
	breakdown := make([]ZoneCharge, 0, len(names))
	for _, zone := range names {
		rate, ok := rs.ZoneRates[zone]
		source := "zone"
		if !ok {
			def, hasDefault := rs.ZoneRates[DefaultZone]
			if !hasDefault {
				return nil, apperr.Configuration("zone_rates", "no rate configured for zone %s and no default rate", zone)
			}
			rate, source = def, DefaultZone
		}
		zoneAmount := zones[zone].Mul(rate)
		amount = amount.Add(zoneAmount)
		breakdown = append(breakdown, ZoneCharge{
			Zone:        zone,
			Consumption: zones[zone],
			Rate:        rate,
			RateSource:  source,
			Amount:      roundMoney(zoneAmount),
		})
	}

	return &charge{
		fixed:       decimal.Zero,
		consumption: amount,
		base:        amount,
		details: CalculationDetails{
			PricingModel:     TimeOfUse,
			TotalConsumption: usage.TotalConsumption(),
			ZoneBreakdown:    breakdown,
		},
	}, nil
}

func priceCustomFormula(c *Calculator, rs *RateSchedule, usage ConsumptionData, period BillingPeriod) (*charge, error) {
	expr, err := rs.CompileFormula()
	if err != nil {
		return nil, err
	}

	total := usage.TotalConsumption()
	summer := c.isSummer(rs, period)
	vars := map[string]decimal.Decimal{
		"consumption": total,
		"days":        decimal.NewFromInt(int64(period.Days())),
		"month":       decimal.NewFromInt(int64(period.Start.Month())),
		"year":        decimal.NewFromInt(int64(period.Start.Year())),
		"is_summer":   boolDecimal(summer),
		"is_winter":   boolDecimal(!summer),
	}
	for name, v := range rs.Variables {
		vars[name] = v
	}

	amount, err := expr.Eval(vars)
	if err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, apperr.Configuration("formula", "formula produced a negative amount %s", amount.String())
	}

	return &charge{
		fixed:       decimal.Zero,
		consumption: amount,
		base:        amount,
		details: CalculationDetails{
			PricingModel:     CustomFormula,
			TotalConsumption: total,
			Formula:          expr.Source(),
			Variables:        vars,
		},
	}, nil
}

func boolDecimal(b bool) decimal.Decimal {
	if b {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
