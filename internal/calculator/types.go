package calculator

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// PricingModel selects how a service configuration is priced
type PricingModel string

const (
	FixedMonthly     PricingModel = "fixed_monthly"
	ConsumptionBased PricingModel = "consumption_based"
	TieredRates      PricingModel = "tiered_rates"
	Hybrid           PricingModel = "hybrid"
	TimeOfUse        PricingModel = "time_of_use"
	CustomFormula    PricingModel = "custom_formula"
	// Flat is the legacy alias of ConsumptionBased.
	Flat PricingModel = "flat"
)

// HasFixedComponent reports whether the model charges independently of consumption.
func (m PricingModel) HasFixedComponent() bool {
	return m == FixedMonthly || m == Hybrid
}

// DistributionMethod splits shared costs across properties
type DistributionMethod string

const (
	DistributeEqual         DistributionMethod = "equal"
	DistributeArea          DistributionMethod = "area"
	DistributeByConsumption DistributionMethod = "by_consumption"
	DistributeCustomFormula DistributionMethod = "custom_formula"
)

// RequiresArea reports whether the method needs property area data.
func (d DistributionMethod) RequiresArea() bool {
	return d == DistributeArea
}

// Valid reports whether d is a known method.
func (d DistributionMethod) Valid() bool {
	return lo.Contains([]DistributionMethod{DistributeEqual, DistributeArea, DistributeByConsumption, DistributeCustomFormula}, d)
}

const (
	// MaxConsumption bounds a single calculation.
	MaxConsumption = "999999.99"

	// DefaultZone is the fallback rate key for time-of-use schedules.
	DefaultZone = "default"

	monetaryPlaces = 2
)

var maxConsumption = decimal.RequireFromString(MaxConsumption)

// ConsumptionData is the metered quantity for one calculation. When Zones is
// non-empty the total is the sum of the zone quantities.
type ConsumptionData struct {
	Total decimal.Decimal
	Zones map[string]decimal.Decimal
}

// TotalConsumption returns the quantity being priced.
func (c ConsumptionData) TotalConsumption() decimal.Decimal {
	if len(c.Zones) == 0 {
		return c.Total
	}
	sum := decimal.Zero
	for _, q := range c.Zones {
		sum = sum.Add(q)
	}
	return sum
}

func (c ConsumptionData) validate() error {
	for zone, q := range c.Zones {
		if q.IsNegative() {
			return apperr.Validation("consumption", "consumption for zone %s cannot be negative", zone)
		}
	}
	total := c.TotalConsumption()
	if total.IsNegative() {
		return apperr.Validation("consumption", "consumption cannot be negative")
	}
	if total.GreaterThan(maxConsumption) {
		return apperr.Validation("consumption", "consumption %s exceeds maximum allowed value %s", total.String(), MaxConsumption)
	}
	return nil
}

// BillingPeriod is the inclusive date range being billed. AsOf stamps the
// tariff snapshot; when zero the period end is used so results never depend
// on the wall clock.
type BillingPeriod struct {
	Start time.Time
	End   time.Time
	AsOf  time.Time
}

// Days returns the number of calendar days in the period.
func (p BillingPeriod) Days() int {
	return timeparser.DaysInclusive(p.Start, p.End)
}

// IsPartial reports whether the period does not run from the first to the
// last day of a month.
func (p BillingPeriod) IsPartial() bool {
	return !(p.Start.Day() == 1 && p.End.Day() == timeparser.DaysInMonth(p.End))
}

func (p BillingPeriod) snapshotTime() time.Time {
	if !p.AsOf.IsZero() {
		return p.AsOf.UTC()
	}
	return timeparser.StartOfDay(p.End)
}

func (p BillingPeriod) validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return apperr.Validation("billing_period", "billing period start and end are required")
	}
	if timeparser.StartOfDay(p.End).Before(timeparser.StartOfDay(p.Start)) {
		return apperr.Validation("billing_period", "billing period end cannot be before its start")
	}
	return nil
}

// Adjustment is a named amount added to a bill
type Adjustment struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// TierCharge is one bracket's share of a tiered bill
type TierCharge struct {
	Tier        int              `json:"tier"`
	Limit       *decimal.Decimal `json:"limit"`
	Consumption decimal.Decimal  `json:"consumption"`
	Rate        decimal.Decimal  `json:"rate"`
	Amount      decimal.Decimal  `json:"amount"`
}

// ZoneCharge is one zone's share of a time-of-use bill
type ZoneCharge struct {
	Zone        string          `json:"zone"`
	Consumption decimal.Decimal `json:"consumption"`
	Rate        decimal.Decimal `json:"rate"`
	RateSource  string          `json:"rate_source"`
	Amount      decimal.Decimal `json:"amount"`
}

// CalculationDetails explains how a result was reached
type CalculationDetails struct {
	PricingModel       PricingModel               `json:"pricing_model"`
	TotalConsumption   decimal.Decimal            `json:"total_consumption"`
	UnitRate           *decimal.Decimal           `json:"unit_rate,omitempty"`
	MonthlyRate        *decimal.Decimal           `json:"monthly_rate,omitempty"`
	FixedFee           *decimal.Decimal           `json:"fixed_fee,omitempty"`
	Season             string                     `json:"season,omitempty"`
	SeasonalMultiplier *decimal.Decimal           `json:"seasonal_multiplier,omitempty"`
	ProRated           bool                       `json:"pro_rated"`
	ProRationFactor    *decimal.Decimal           `json:"pro_ration_factor,omitempty"`
	TierBreakdown      []TierCharge               `json:"tier_breakdown,omitempty"`
	ZoneBreakdown      []ZoneCharge               `json:"zone_breakdown,omitempty"`
	Formula            string                     `json:"formula,omitempty"`
	Variables          map[string]decimal.Decimal `json:"variables,omitempty"`
}

// CalculationResult is the priced outcome of one service configuration.
// TotalAmount always equals FixedAmount + ConsumptionAmount + the sum of Adjustments.
type CalculationResult struct {
	TotalAmount        decimal.Decimal    `json:"total_amount"`
	BaseAmount         decimal.Decimal    `json:"base_amount"`
	FixedAmount        decimal.Decimal    `json:"fixed_amount"`
	ConsumptionAmount  decimal.Decimal    `json:"consumption_amount"`
	Adjustments        []Adjustment       `json:"adjustments"`
	TariffSnapshot     TariffSnapshot     `json:"tariff_snapshot"`
	CalculationDetails CalculationDetails `json:"calculation_details"`
}

// AdjustmentsTotal sums the adjustment amounts.
func (r *CalculationResult) AdjustmentsTotal() decimal.Decimal {
	return lo.Reduce(r.Adjustments, func(acc decimal.Decimal, a Adjustment, _ int) decimal.Decimal {
		return acc.Add(a.Amount)
	}, decimal.Zero)
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(monetaryPlaces)
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
