package invoice

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/calculator"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// ChannelUsage is the consumption of one measured channel over the period
type ChannelUsage struct {
	MeterID      string          `json:"meter_id"`
	SerialNumber string          `json:"serial_number"`
	Channel      string          `json:"channel"`
	StartValue   decimal.Decimal `json:"start_value"`
	EndValue     decimal.Decimal `json:"end_value"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      time.Time       `json:"end_date"`
	Consumption  decimal.Decimal `json:"consumption"`
}

type point struct {
	date  time.Time
	value decimal.Decimal
}

// channelPoints splits a meter's readings into per-channel series. Scalar
// readings use their zone (or the default zone); multi-value readings
// contribute one series per cumulative field.
func channelPoints(meter db.Meter, readings []db.MeterReading) map[string][]point {
	series := make(map[string][]point)
	for _, r := range readings {
		if r.Status == db.ReadingRejected {
			continue
		}
		if meter.IsMultiValue() {
			for _, f := range meter.ReadingStructure {
				if !f.Cumulative {
					continue
				}
				if v, ok := r.Values[f.Name]; ok {
					series[f.Name] = append(series[f.Name], point{date: r.ReadingDate, value: v})
				}
			}
			continue
		}
		channel := r.ZoneKey()
		if channel == "" {
			channel = calculator.DefaultZone
		}
		series[channel] = append(series[channel], point{date: r.ReadingDate, value: r.Value})
	}
	return series
}

// meterUsage computes, per channel, the latest reading in the period minus the
// latest reading before it. Without an earlier reading the first reading in
// the period is the baseline; without a reading in the period there is no usage.
// readings must be ordered by (reading_date, created_at).
func meterUsage(meter db.Meter, readings []db.MeterReading, start, end time.Time) []ChannelUsage {
	periodStart := timeparser.StartOfDay(start)
	periodEnd := timeparser.StartOfDay(end).AddDate(0, 0, 1)

	series := channelPoints(meter, readings)
	channels := make([]string, 0, len(series))
	for c := range series {
		channels = append(channels, c)
	}
	sort.Strings(channels)

	var usage []ChannelUsage
	for _, channel := range channels {
		var before, first, last *point
		for i := range series[channel] {
			p := &series[channel][i]
			switch {
			case p.date.Before(periodStart):
				before = p
			case p.date.Before(periodEnd):
				if first == nil {
					first = p
				}
				last = p
			}
		}
		if last == nil {
			continue
		}
		baseline := before
		if baseline == nil {
			baseline = first
		}
		consumption := last.value.Sub(baseline.value)
		if consumption.IsNegative() {
			consumption = decimal.Zero
		}
		usage = append(usage, ChannelUsage{
			MeterID:      meter.ID.String(),
			SerialNumber: meter.SerialNumber,
			Channel:      channel,
			StartValue:   baseline.value,
			EndValue:     last.value,
			StartDate:    baseline.date,
			EndDate:      last.date,
			Consumption:  consumption,
		})
	}
	return usage
}

// toConsumptionData aggregates channel usage across meters. A zone split is
// kept only when some channel is not the default zone.
func toConsumptionData(usage []ChannelUsage) calculator.ConsumptionData {
	total := decimal.Zero
	zones := make(map[string]decimal.Decimal)
	split := false
	for _, u := range usage {
		total = total.Add(u.Consumption)
		zones[u.Channel] = zones[u.Channel].Add(u.Consumption)
		if u.Channel != calculator.DefaultZone {
			split = true
		}
	}
	data := calculator.ConsumptionData{Total: total}
	if split {
		data.Zones = zones
	}
	return data
}
