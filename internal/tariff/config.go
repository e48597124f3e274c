package tariff

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
)

// Type selects the cost strategy of a tariff
type Type string

const (
	TypeFlat      Type = "flat"
	TypeTimeOfUse Type = "time_of_use"
)

// WeekendLogic overrides zone matching on Saturdays and Sundays
type WeekendLogic string

const (
	WeekendNone        WeekendLogic = ""
	WeekendNightRate   WeekendLogic = "apply_night_rate"
	WeekendDayRate     WeekendLogic = "apply_day_rate"
	WeekendWeekendRate WeekendLogic = "apply_weekend_rate"
)

// Well-known zone ids referenced by weekend logic.
const (
	ZoneDay     = "day"
	ZoneNight   = "night"
	ZoneWeekend = "weekend"
)

const minutesPerDay = 24 * 60

// Zone is a named time band priced at Rate. Start and End are "HH:MM";
// End before Start wraps past midnight.
type Zone struct {
	ID    string          `json:"id"`
	Start string          `json:"start"`
	End   string          `json:"end"`
	Rate  decimal.Decimal `json:"rate"`
}

// Configuration is the JSON document stored on a tariff row
type Configuration struct {
	Type         Type             `json:"type"`
	Rate         *decimal.Decimal `json:"rate,omitempty"`
	Zones        []Zone           `json:"zones,omitempty"`
	WeekendLogic WeekendLogic     `json:"weekend_logic,omitempty"`
	Currency     string           `json:"currency,omitempty"`
}

// ParseConfiguration decodes a raw tariff configuration.
func ParseConfiguration(raw []byte) (*Configuration, error) {
	if len(raw) == 0 {
		return nil, apperr.Configuration("configuration", "tariff configuration is empty")
	}
	var cfg Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apperr.Configuration("configuration", "tariff configuration is not valid JSON: %v", err)
	}
	return &cfg, nil
}

// Encode serializes the configuration for storage.
func (c *Configuration) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Zone returns the zone with id, if configured.
func (c *Configuration) Zone(id string) (Zone, bool) {
	for _, z := range c.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// ZoneRates maps zone id to rate.
func (c *Configuration) ZoneRates() map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal, len(c.Zones))
	for _, z := range c.Zones {
		rates[z.ID] = z.Rate
	}
	return rates
}

// parseClock converts "HH:MM" into minutes after midnight. "24:00" is accepted
// as an end-of-day marker.
func parseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h == 24 && m == 0 {
		return minutesPerDay, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return h*60 + m, nil
}
