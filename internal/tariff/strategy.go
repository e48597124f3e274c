package tariff

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
)

// Strategy prices consumption for one tariff type
type Strategy interface {
	Validate(cfg *Configuration) error
	Cost(cfg *Configuration, consumption decimal.Decimal, at time.Time) (decimal.Decimal, error)
}

var strategies = map[Type]Strategy{
	TypeFlat:      flatStrategy{},
	TypeTimeOfUse: timeOfUseStrategy{},
}

func strategyFor(t Type) (Strategy, error) {
	s, ok := strategies[t]
	if !ok {
		return nil, apperr.Configuration("type", "unsupported tariff type %q", t)
	}
	return s, nil
}

// ValidateConfiguration checks a configuration before it is stored.
func ValidateConfiguration(cfg *Configuration) error {
	s, err := strategyFor(cfg.Type)
	if err != nil {
		return err
	}
	return s.Validate(cfg)
}

// Cost prices consumption at instant at. The result is not rounded.
func Cost(cfg *Configuration, consumption decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if consumption.IsNegative() {
		return decimal.Zero, apperr.Validation("consumption", "consumption cannot be negative")
	}
	s, err := strategyFor(cfg.Type)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Cost(cfg, consumption, at)
}

type flatStrategy struct{}

func (flatStrategy) Validate(cfg *Configuration) error {
	if cfg.Rate == nil {
		return apperr.Configuration("rate", "flat tariff requires a rate")
	}
	if cfg.Rate.IsNegative() {
		return apperr.Configuration("rate", "rate cannot be negative")
	}
	return nil
}

func (s flatStrategy) Cost(cfg *Configuration, consumption decimal.Decimal, _ time.Time) (decimal.Decimal, error) {
	if err := s.Validate(cfg); err != nil {
		return decimal.Zero, err
	}
	return consumption.Mul(*cfg.Rate), nil
}

type timeOfUseStrategy struct{}

func (timeOfUseStrategy) Validate(cfg *Configuration) error {
	if err := ValidateZones(cfg.Zones); err != nil {
		return err
	}
	required := map[WeekendLogic]string{
		WeekendNightRate:   ZoneNight,
		WeekendDayRate:     ZoneDay,
		WeekendWeekendRate: ZoneWeekend,
	}
	switch cfg.WeekendLogic {
	case WeekendNone:
		return nil
	case WeekendNightRate, WeekendDayRate, WeekendWeekendRate:
		if _, ok := cfg.Zone(required[cfg.WeekendLogic]); !ok {
			return apperr.Configuration("weekend_logic", "%s requires a %q zone", cfg.WeekendLogic, required[cfg.WeekendLogic])
		}
		return nil
	default:
		return apperr.Configuration("weekend_logic", "unsupported weekend logic %q", cfg.WeekendLogic)
	}
}

func (timeOfUseStrategy) Cost(cfg *Configuration, consumption decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	zone, err := cfg.MatchZone(at)
	if err != nil {
		return decimal.Zero, err
	}
	return consumption.Mul(zone.Rate), nil
}
