package calculator

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/formula"
)

// Tier is one bracket of a tiered schedule. Limit is the bracket's capacity;
// nil means unbounded and is only allowed on the last bracket.
type Tier struct {
	Limit *decimal.Decimal `json:"limit,omitempty"`
	Rate  decimal.Decimal  `json:"rate"`
}

// SeasonalAdjustments scales fixed charges by the season of the period start
type SeasonalAdjustments struct {
	SummerMultiplier *decimal.Decimal `json:"summer_multiplier,omitempty"`
	WinterMultiplier *decimal.Decimal `json:"winter_multiplier,omitempty"`
	SummerMonths     []int            `json:"summer_months,omitempty"`
}

// RateSchedule is the JSON document stored on a service configuration
type RateSchedule struct {
	MonthlyRate *decimal.Decimal           `json:"monthly_rate,omitempty"`
	FixedFee    *decimal.Decimal           `json:"fixed_fee,omitempty"`
	UnitRate    *decimal.Decimal           `json:"unit_rate,omitempty"`
	Tiers       []Tier                     `json:"tiers,omitempty"`
	ZoneRates   map[string]decimal.Decimal `json:"zone_rates,omitempty"`
	Formula     string                     `json:"formula,omitempty"`
	Variables   map[string]decimal.Decimal `json:"variables,omitempty"`
	Seasonal    *SeasonalAdjustments       `json:"seasonal_adjustments,omitempty"`
	Adjustments []Adjustment               `json:"adjustments,omitempty"`
}

// ParseRateSchedule decodes a stored rate schedule.
func ParseRateSchedule(raw []byte) (*RateSchedule, error) {
	if len(raw) == 0 {
		return nil, apperr.Configuration("rate_schedule", "rate schedule is required")
	}
	var rs RateSchedule
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, apperr.Configuration("rate_schedule", "rate schedule is not valid JSON: %v", err)
	}
	return &rs, nil
}

// Encode serializes the schedule.
func (rs *RateSchedule) Encode() ([]byte, error) {
	return json.Marshal(rs)
}

// builtinVariables are always available to custom formulas.
var builtinVariables = []string{"consumption", "days", "month", "year", "is_summer", "is_winter"}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FormulaVariables lists the identifiers a custom formula may reference.
func (rs *RateSchedule) FormulaVariables() []string {
	names := append([]string(nil), builtinVariables...)
	custom := lo.Keys(rs.Variables)
	sort.Strings(custom)
	return append(names, custom...)
}

// CompileFormula compiles the schedule's custom formula.
func (rs *RateSchedule) CompileFormula() (*formula.Expression, error) {
	for name := range rs.Variables {
		if !identifierPattern.MatchString(name) {
			return nil, apperr.Configuration("variables", "invalid variable name %q", name)
		}
		if lo.Contains(builtinVariables, name) {
			return nil, apperr.Configuration("variables", "variable %q shadows a built-in variable", name)
		}
	}
	return formula.Compile(rs.Formula, rs.FormulaVariables())
}

// ValidateSchedule checks that rs carries every field the model needs. It
// runs when a configuration is saved and again before each calculation.
func ValidateSchedule(model PricingModel, rs *RateSchedule) error {
	switch model {
	case FixedMonthly:
		if err := requireRate("monthly_rate", rs.MonthlyRate); err != nil {
			return err
		}
	case ConsumptionBased, Flat:
		if err := requireRate("unit_rate", rs.UnitRate); err != nil {
			return err
		}
	case TieredRates:
		if err := validateTiers(rs.Tiers); err != nil {
			return err
		}
	case Hybrid:
		if err := requireRate("fixed_fee", rs.FixedFee); err != nil {
			return err
		}
		if err := requireRate("unit_rate", rs.UnitRate); err != nil {
			return err
		}
	case TimeOfUse:
		if len(rs.ZoneRates) == 0 {
			return apperr.Configuration("zone_rates", "time_of_use pricing requires zone rates")
		}
		for zone, rate := range rs.ZoneRates {
			if rate.IsNegative() {
				return apperr.Configuration("zone_rates", "rate for zone %s cannot be negative", zone)
			}
		}
	case CustomFormula:
		if _, err := rs.CompileFormula(); err != nil {
			return err
		}
	default:
		return apperr.Configuration("pricing_model", "unsupported pricing model %q", model)
	}

	if len(rs.Adjustments) > 0 && !model.HasFixedComponent() {
		return apperr.Configuration("adjustments", "adjustments are only supported for fixed_monthly and hybrid pricing")
	}
	for _, a := range rs.Adjustments {
		if a.Description == "" {
			return apperr.Configuration("adjustments", "adjustment description is required")
		}
	}

	if s := rs.Seasonal; s != nil {
		for _, m := range []*decimal.Decimal{s.SummerMultiplier, s.WinterMultiplier} {
			if m != nil && m.IsNegative() {
				return apperr.Configuration("seasonal_adjustments", "seasonal multiplier cannot be negative")
			}
		}
		for _, month := range s.SummerMonths {
			if month < 1 || month > 12 {
				return apperr.Configuration("seasonal_adjustments", "invalid summer month %d", month)
			}
		}
	}
	return nil
}

func requireRate(field string, rate *decimal.Decimal) error {
	if rate == nil {
		return apperr.Configuration(field, "%s is required", field)
	}
	if rate.IsNegative() {
		return apperr.Configuration(field, "%s cannot be negative", field)
	}
	return nil
}

func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return apperr.Configuration("tiers", "tiered pricing requires at least one tier")
	}
	for i, t := range tiers {
		if t.Rate.IsNegative() {
			return apperr.Configuration("tiers", "tier %d rate cannot be negative", i+1)
		}
		if t.Limit == nil {
			if i != len(tiers)-1 {
				return apperr.Configuration("tiers", "only the last tier may be unbounded")
			}
			continue
		}
		if !t.Limit.IsPositive() {
			return apperr.Configuration("tiers", "tier %d limit must be positive", i+1)
		}
	}
	return nil
}
