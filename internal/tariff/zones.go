package tariff

import (
	"sort"
	"time"

	"github.com/septivank/utility-billing-engine/internal/apperr"
)

// segment is a half-open [start, end) range of minutes within one day
type segment struct {
	zone       string
	start, end int
}

// zoneSegments splits a zone into at most two non-wrapping segments.
func zoneSegments(z Zone) ([]segment, error) {
	start, err := parseClock(z.Start)
	if err != nil {
		return nil, apperr.Configuration("zones", "zone %s: %v", z.ID, err)
	}
	end, err := parseClock(z.End)
	if err != nil {
		return nil, apperr.Configuration("zones", "zone %s: %v", z.ID, err)
	}
	if start == minutesPerDay {
		return nil, apperr.Configuration("zones", "zone %s cannot start at 24:00", z.ID)
	}
	switch {
	case start == end:
		return nil, apperr.Configuration("zones", "zone %s has an empty interval", z.ID)
	case start < end:
		return []segment{{zone: z.ID, start: start, end: end}}, nil
	default:
		segs := []segment{{zone: z.ID, start: start, end: minutesPerDay}}
		if end > 0 {
			segs = append(segs, segment{zone: z.ID, start: 0, end: end})
		}
		return segs, nil
	}
}

// contains reports whether minute-of-day m falls in the zone's half-open interval.
func (z Zone) contains(m int) bool {
	segs, err := zoneSegments(z)
	if err != nil {
		return false
	}
	for _, s := range segs {
		if m >= s.start && m < s.end {
			return true
		}
	}
	return false
}

// ValidateZones proves that the time-band zones partition the day: no two
// intervals overlap and their union covers all 24 hours. The weekend zone is a
// day-type override and takes no part in the proof.
func ValidateZones(zones []Zone) error {
	if len(zones) == 0 {
		return apperr.Configuration("zones", "time_of_use tariff requires at least one zone")
	}

	seen := make(map[string]struct{}, len(zones))
	var segs []segment
	for _, z := range zones {
		if z.ID == "" {
			return apperr.Configuration("zones", "zone id is required")
		}
		if _, dup := seen[z.ID]; dup {
			return apperr.Configuration("zones", "zone %s is defined more than once", z.ID)
		}
		seen[z.ID] = struct{}{}
		if z.Rate.IsNegative() {
			return apperr.Configuration("zones", "zone %s rate cannot be negative", z.ID)
		}
		if z.ID == ZoneWeekend {
			continue
		}
		s, err := zoneSegments(z)
		if err != nil {
			return err
		}
		segs = append(segs, s...)
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })

	covered := 0
	var reach segment
	for i, s := range segs {
		if i > 0 && s.start < reach.end {
			return apperr.Configuration("zones", "zones %s and %s overlap", reach.zone, s.zone)
		}
		if s.end > reach.end {
			reach = s
		}
		covered += s.end - s.start
	}
	if covered != minutesPerDay {
		return apperr.Configuration("zones", "zones must cover all 24 hours")
	}
	return nil
}

// MatchZone returns the zone applying at instant at, honoring weekend logic.
// When no band contains the time of day the first zone is used.
func (c *Configuration) MatchZone(at time.Time) (Zone, error) {
	if len(c.Zones) == 0 {
		return Zone{}, apperr.Configuration("zones", "time_of_use tariff has no zones")
	}

	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		var forced string
		switch c.WeekendLogic {
		case WeekendNightRate:
			forced = ZoneNight
		case WeekendDayRate:
			forced = ZoneDay
		case WeekendWeekendRate:
			forced = ZoneWeekend
		}
		if forced != "" {
			if z, ok := c.Zone(forced); ok {
				return z, nil
			}
		}
	}

	minute := at.Hour()*60 + at.Minute()
	for _, z := range c.Zones {
		if z.ID == ZoneWeekend {
			continue
		}
		if z.contains(minute) {
			return z, nil
		}
	}
	return c.Zones[0], nil
}
