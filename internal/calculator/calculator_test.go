package calculator

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
)

type CalculatorSuite struct {
	suite.Suite
	calc *Calculator
}

func TestCalculatorSuite(t *testing.T) {
	suite.Run(t, new(CalculatorSuite))
}

func (s *CalculatorSuite) SetupTest() {
	s.calc = NewCalculator(nil, zap.NewNop())
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func month(s string) BillingPeriod {
	start := day(s)
	return BillingPeriod{Start: start, End: start.AddDate(0, 1, -1)}
}

func config(model PricingModel, schedule string) *db.ServiceConfiguration {
	return &db.ServiceConfiguration{
		ID:                 uuid.MustParse("6f1c9a52-3b7e-4c21-9d0a-5e8f2a1b7c33"),
		PricingModel:       string(model),
		RateSchedule:       []byte(schedule),
		DistributionMethod: string(DistributeEqual),
		EffectiveFrom:      day("2024-01-01"),
		IsActive:           true,
	}
}

func qty(v string) ConsumptionData {
	return ConsumptionData{Total: decimal.RequireFromString(v)}
}

func (s *CalculatorSuite) money(expected string, actual decimal.Decimal) {
	s.Equal(expected, actual.StringFixed(2))
}

func (s *CalculatorSuite) TestFixedMonthly_FullMonth() {
	res, err := s.calc.CalculateBill(config(FixedMonthly, `{"monthly_rate": 50}`), qty("123"), month("2024-03-01"))
	s.Require().NoError(err)

	s.money("50.00", res.TotalAmount)
	s.money("50.00", res.FixedAmount)
	s.money("0.00", res.ConsumptionAmount)
	s.False(res.CalculationDetails.ProRated)
}

func (s *CalculatorSuite) TestFixedMonthly_ProRated() {
	period := BillingPeriod{Start: day("2024-03-16"), End: day("2024-03-31")}

	res, err := s.calc.CalculateBill(config(FixedMonthly, `{"monthly_rate": 50}`), qty("0"), period)
	s.Require().NoError(err)

	// 50 * 16 / 31
	s.money("25.81", res.TotalAmount)
	s.True(res.CalculationDetails.ProRated)
	s.Equal("0.516129", res.CalculationDetails.ProRationFactor.String())
	s.money("50.00", res.BaseAmount)
}

func (s *CalculatorSuite) TestFixedMonthly_Seasonal() {
	schedule := `{"monthly_rate": 50, "seasonal_adjustments": {"summer_multiplier": 1.2, "winter_multiplier": 0.8}}`

	summer, err := s.calc.CalculateBill(config(FixedMonthly, schedule), qty("0"), month("2024-07-01"))
	s.Require().NoError(err)
	s.money("60.00", summer.TotalAmount)
	s.Equal("summer", summer.CalculationDetails.Season)

	winter, err := s.calc.CalculateBill(config(FixedMonthly, schedule), qty("0"), month("2024-01-01"))
	s.Require().NoError(err)
	s.money("40.00", winter.TotalAmount)
	s.Equal("winter", winter.CalculationDetails.Season)

	custom := `{"monthly_rate": 50, "seasonal_adjustments": {"summer_multiplier": 2, "summer_months": [1]}}`
	res, err := s.calc.CalculateBill(config(FixedMonthly, custom), qty("0"), month("2024-01-01"))
	s.Require().NoError(err)
	s.money("100.00", res.TotalAmount)
}

func (s *CalculatorSuite) TestConsumptionBased() {
	res, err := s.calc.CalculateBill(config(ConsumptionBased, `{"unit_rate": "0.1234"}`), qty("100"), month("2024-03-01"))
	s.Require().NoError(err)
	s.money("12.34", res.TotalAmount)
	s.money("0.00", res.FixedAmount)

	legacy, err := s.calc.CalculateBill(config(Flat, `{"unit_rate": "0.1234"}`), qty("100"), month("2024-03-01"))
	s.Require().NoError(err)
	s.True(res.TotalAmount.Equal(legacy.TotalAmount))
}

func (s *CalculatorSuite) TestZeroConsumption() {
	noFixed := map[PricingModel]string{
		ConsumptionBased: `{"unit_rate": 0.5}`,
		TieredRates:      `{"tiers": [{"limit": 100, "rate": 0.1}, {"rate": 0.2}]}`,
		TimeOfUse:        `{"zone_rates": {"day": 0.3, "night": 0.1}}`,
		CustomFormula:    `{"formula": "consumption * 0.15"}`,
	}
	for model, schedule := range noFixed {
		res, err := s.calc.CalculateBill(config(model, schedule), qty("0"), month("2024-03-01"))
		s.Require().NoError(err, model)
		s.True(res.TotalAmount.IsZero(), "%s total %s", model, res.TotalAmount)
	}

	withFixed := map[PricingModel]string{
		FixedMonthly: `{"monthly_rate": 30}`,
		Hybrid:       `{"fixed_fee": 30, "unit_rate": 0.5}`,
	}
	for model, schedule := range withFixed {
		res, err := s.calc.CalculateBill(config(model, schedule), qty("0"), month("2024-03-01"))
		s.Require().NoError(err, model)
		s.money("30.00", res.TotalAmount)
	}
}

func (s *CalculatorSuite) TestHybrid_WithAdjustments() {
	schedule := `{"fixed_fee": 10, "unit_rate": 0.5, "adjustments": [{"description": "meter rental", "amount": 2.5}, {"type": "discount", "description": "loyalty", "amount": -1}]}`

	res, err := s.calc.CalculateBill(config(Hybrid, schedule), qty("20"), month("2024-03-01"))
	s.Require().NoError(err)

	s.money("10.00", res.FixedAmount)
	s.money("10.00", res.ConsumptionAmount)
	s.Len(res.Adjustments, 2)
	s.Equal("configured", res.Adjustments[0].Type)
	s.money("21.50", res.TotalAmount)
	s.True(res.TotalAmount.Equal(res.FixedAmount.Add(res.ConsumptionAmount).Add(res.AdjustmentsTotal())))
}

func (s *CalculatorSuite) TestAdjustmentsRejectedWithoutFixedComponent() {
	_, err := s.calc.CalculateBill(config(ConsumptionBased, `{"unit_rate": 0.5, "adjustments": [{"description": "x", "amount": 1}]}`), qty("1"), month("2024-03-01"))
	s.Require().Error(err)
	s.True(apperr.IsConfiguration(err))
}

func (s *CalculatorSuite) TestTiered() {
	schedule := `{"tiers": [{"limit": 100, "rate": 0.10}, {"limit": 200, "rate": 0.15}, {"rate": 0.20}]}`
	tests := map[string]string{
		"0":   "0.00",
		"50":  "5.00",
		"100": "10.00",
		"250": "32.50",
		"500": "80.00",
	}
	for consumption, expected := range tests {
		res, err := s.calc.CalculateBill(config(TieredRates, schedule), qty(consumption), month("2024-03-01"))
		s.Require().NoError(err)
		s.money(expected, res.TotalAmount)
	}

	res, err := s.calc.CalculateBill(config(TieredRates, schedule), qty("250"), month("2024-03-01"))
	s.Require().NoError(err)
	s.Require().Len(res.CalculationDetails.TierBreakdown, 2)
	s.Equal("150", res.CalculationDetails.TierBreakdown[1].Consumption.String())
}

func (s *CalculatorSuite) TestTiered_OverflowUsesLastRate() {
	schedule := `{"tiers": [{"limit": 100, "rate": 0.1}, {"limit": 100, "rate": 0.2}]}`

	res, err := s.calc.CalculateBill(config(TieredRates, schedule), qty("300"), month("2024-03-01"))
	s.Require().NoError(err)
	s.money("50.00", res.TotalAmount)
}

func (s *CalculatorSuite) TestTimeOfUse() {
	schedule := `{"zone_rates": {"day": 0.3, "night": 0.15, "default": 0.2}}`
	usage := ConsumptionData{Zones: map[string]decimal.Decimal{
		"night": decimal.NewFromInt(50),
		"day":   decimal.NewFromInt(100),
		"peak":  decimal.NewFromInt(10),
	}}

	res, err := s.calc.CalculateBill(config(TimeOfUse, schedule), usage, month("2024-03-01"))
	s.Require().NoError(err)

	s.money("39.50", res.TotalAmount)
	s.Equal("160", res.CalculationDetails.TotalConsumption.String())
	s.Require().Len(res.CalculationDetails.ZoneBreakdown, 3)
	s.Equal([]string{"day", "night", "peak"}, []string{
		res.CalculationDetails.ZoneBreakdown[0].Zone,
		res.CalculationDetails.ZoneBreakdown[1].Zone,
		res.CalculationDetails.ZoneBreakdown[2].Zone,
	})
	s.Equal(DefaultZone, res.CalculationDetails.ZoneBreakdown[2].RateSource)
}

func (s *CalculatorSuite) TestTimeOfUse_MissingRate() {
	usage := ConsumptionData{Zones: map[string]decimal.Decimal{"peak": decimal.NewFromInt(1)}}

	_, err := s.calc.CalculateBill(config(TimeOfUse, `{"zone_rates": {"day": 0.3}}`), usage, month("2024-03-01"))
	s.Require().Error(err)
	s.True(apperr.IsConfiguration(err))
	s.Contains(err.Error(), "no rate configured for zone peak")
}

func (s *CalculatorSuite) TestCustomFormula() {
	schedule := `{"formula": "consumption * rate + base * days / 31", "variables": {"rate": 0.2, "base": 5}}`

	res, err := s.calc.CalculateBill(config(CustomFormula, schedule), qty("100"), month("2024-03-01"))
	s.Require().NoError(err)
	s.money("25.00", res.TotalAmount)
	s.Equal("1", res.CalculationDetails.Variables["is_winter"].String())
}

func (s *CalculatorSuite) TestCustomFormula_Rejected() {
	for _, schedule := range []string{
		`{"formula": "system(consumption)"}`,
		`{"formula": "consumption * secret"}`,
		`{"formula": "consumption", "variables": {"month": 3}}`,
		`{}`,
	} {
		_, err := s.calc.CalculateBill(config(CustomFormula, schedule), qty("1"), month("2024-03-01"))
		s.Require().Error(err, schedule)
		s.True(apperr.IsConfiguration(err), schedule)
	}
}

func (s *CalculatorSuite) TestConsumptionBounds() {
	cfg := config(ConsumptionBased, `{"unit_rate": 1}`)

	_, err := s.calc.CalculateBill(cfg, qty("-1"), month("2024-03-01"))
	s.True(apperr.IsValidation(err))

	_, err = s.calc.CalculateBill(cfg, qty("1000000"), month("2024-03-01"))
	s.True(apperr.IsValidation(err))

	_, err = s.calc.CalculateBill(cfg, qty(MaxConsumption), month("2024-03-01"))
	s.NoError(err)
}

func (s *CalculatorSuite) TestUnsupportedModel() {
	_, err := s.calc.CalculateBill(config("block_rates", `{"unit_rate": 1}`), qty("1"), month("2024-03-01"))
	s.Require().Error(err)
	s.True(apperr.IsConfiguration(err))
}

func (s *CalculatorSuite) TestSnapshot() {
	cfg := config(ConsumptionBased, `{"unit_rate": 0.5}`)
	period := month("2024-03-01")

	res, err := s.calc.CalculateBill(cfg, qty("10"), period)
	s.Require().NoError(err)

	snap := res.TariffSnapshot
	s.Equal(cfg.ID, snap.ServiceConfigurationID)
	s.Equal(ConsumptionBased, snap.PricingModel)
	s.JSONEq(`{"unit_rate": 0.5}`, string(snap.RateSchedule))
	s.Equal(day("2024-03-31"), snap.SnapshotCreatedAt)

	// Mutating the source schedule after the fact does not reach the snapshot.
	cfg.RateSchedule[2] = 'X'
	s.JSONEq(`{"unit_rate": 0.5}`, string(res.TariffSnapshot.RateSchedule))

	asOf := time.Date(2024, 4, 2, 8, 30, 0, 0, time.UTC)
	period.AsOf = asOf
	res, err = s.calc.CalculateBill(config(ConsumptionBased, `{"unit_rate": 0.5}`), qty("10"), period)
	s.Require().NoError(err)
	s.Equal(asOf, res.TariffSnapshot.SnapshotCreatedAt)
}

func TestCalculateBill_Deterministic(t *testing.T) {
	calc := NewCalculator(nil, zap.NewNop())
	schedules := map[PricingModel]string{
		FixedMonthly:  `{"monthly_rate": 49.99, "seasonal_adjustments": {"summer_multiplier": 1.1}}`,
		Hybrid:        `{"fixed_fee": 12.5, "unit_rate": 0.333, "adjustments": [{"description": "fee", "amount": 1}]}`,
		TieredRates:   `{"tiers": [{"limit": 10, "rate": 0.7}, {"rate": 0.9}]}`,
		TimeOfUse:     `{"zone_rates": {"day": 0.31, "default": 0.12}}`,
		CustomFormula: `{"formula": "round(consumption ^ 1.1 / 7, 2) + is_summer * 3"}`,
	}
	usage := ConsumptionData{Zones: map[string]decimal.Decimal{
		"day":   decimal.RequireFromString("12.345"),
		"night": decimal.RequireFromString("6.789"),
	}}
	period := BillingPeriod{Start: day("2024-06-10"), End: day("2024-07-09")}

	for model, schedule := range schedules {
		first, err := calc.CalculateBill(config(model, schedule), usage, period)
		require.NoError(t, err, model)
		second, err := calc.CalculateBill(config(model, schedule), usage, period)
		require.NoError(t, err, model)

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), model)
	}
}

// Tiered totals match an independent bracket walk for usage spanning any number of tiers.
func TestTiered_MatchesBracketSum(t *testing.T) {
	calc := NewCalculator(nil, zap.NewNop())
	rng := rand.New(rand.NewSource(3))
	schedule := `{"tiers": [{"limit": 50, "rate": 0.05}, {"limit": 100, "rate": 0.08}, {"limit": 250, "rate": 0.11}, {"rate": 0.14}]}`
	capacities := []int64{50, 100, 250, -1}
	rates := []string{"0.05", "0.08", "0.11", "0.14"}

	for i := 0; i < 300; i++ {
		consumption := decimal.NewFromInt(int64(rng.Intn(1000))).Add(decimal.New(int64(rng.Intn(100)), -2))

		expected := decimal.Zero
		remaining := consumption
		for j, c := range capacities {
			used := remaining
			if c >= 0 && remaining.GreaterThan(decimal.NewFromInt(c)) {
				used = decimal.NewFromInt(c)
			}
			expected = expected.Add(used.Mul(decimal.RequireFromString(rates[j])))
			remaining = remaining.Sub(used)
		}

		res, err := calc.CalculateBill(config(TieredRates, schedule), ConsumptionData{Total: consumption}, month("2024-03-01"))
		require.NoError(t, err)
		assert.Equal(t, expected.Round(2).StringFixed(2), res.TotalAmount.StringFixed(2), "consumption %s", consumption)
	}
}
