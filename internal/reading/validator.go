package reading

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// Input is a reading as entered by a user, an import or an integration.
// Values stay textual until validated so non-numeric input can be reported.
type Input struct {
	MeterID     uuid.UUID
	ReadingDate time.Time
	Value       string
	Values      map[string]string
	Zone        string
	InputMethod db.InputMethod
	EnteredBy   uuid.UUID
}

// Measurement is a validated scalar or multi-value reading. Zone is the
// normalized zone tag; it keys the (meter, zone) sequence and is what gets stored.
type Measurement struct {
	Value  decimal.Decimal
	Values map[string]decimal.Decimal
	Zone   string
}

// Validator performs the checks that need no stored history
type Validator struct {
	now func() time.Time
}

// NewValidator creates a validator; now supplies "today" for the future-date check.
func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// ValidateInput checks date, zone, input method and values against the meter.
func (v *Validator) ValidateInput(meter *db.Meter, in Input) (*Measurement, error) {
	if in.ReadingDate.IsZero() {
		return nil, apperr.Validation("reading_date", "reading date is required")
	}
	if timeparser.IsAfterDay(in.ReadingDate, v.now()) {
		return nil, apperr.Validation("reading_date", "reading date %s cannot be in the future", in.ReadingDate.Format("2006-01-02"))
	}

	zone, err := normalizeZone(meter, in.Zone)
	if err != nil {
		return nil, err
	}

	switch in.InputMethod {
	case "", db.InputManual, db.InputPhotoOCR, db.InputCSV, db.InputAPI, db.InputEstimated:
	default:
		return nil, apperr.Validation("input_method", "unsupported input method %q", in.InputMethod)
	}

	m, err := parseValues(meter, in.Value, in.Values)
	if err != nil {
		return nil, err
	}
	m.Zone = zone
	return m, nil
}

// normalizeZone trims the zone tag. Zone ids are matched case-sensitively
// against tariff zones, so case is kept.
func normalizeZone(meter *db.Meter, zone string) (string, error) {
	zone = strings.TrimSpace(zone)
	if meter.SupportsZones && zone == "" {
		return "", apperr.Validation("zone", "zone is required for meters that support zones")
	}
	if !meter.SupportsZones && zone != "" {
		return "", apperr.Validation("zone", "meter %s does not support zones", meter.SerialNumber)
	}
	return zone, nil
}

// parseValues validates a scalar value or, for multi-value meters, each
// declared field independently.
func parseValues(meter *db.Meter, value string, values map[string]string) (*Measurement, error) {
	if !meter.IsMultiValue() {
		if len(values) > 0 {
			return nil, apperr.Validation("values", "meter %s does not accept multiple values", meter.SerialNumber)
		}
		d, err := parseNonNegative("value", value)
		if err != nil {
			return nil, err
		}
		return &Measurement{Value: d}, nil
	}

	if len(values) == 0 {
		return nil, apperr.Validation("values", "meter %s requires values for its declared fields", meter.SerialNumber)
	}

	declared := make(map[string]db.ReadingField, len(meter.ReadingStructure))
	for _, f := range meter.ReadingStructure {
		declared[f.Name] = f
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]decimal.Decimal, len(values))
	for _, name := range names {
		if _, ok := declared[name]; !ok {
			return nil, apperr.Validation("values."+name, "unknown field %s", name)
		}
		d, err := parseNonNegative("values."+name, values[name])
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	for _, f := range meter.ReadingStructure {
		if _, ok := out[f.Name]; f.Required && !ok {
			return nil, apperr.Validation("values."+f.Name, "field %s is required", f.Name)
		}
	}

	return &Measurement{Values: out}, nil
}

func parseNonNegative(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, apperr.Validation(field, "value is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperr.Validation(field, "value %q is not numeric", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, apperr.Validation(field, "value cannot be negative")
	}
	return d, nil
}

// checkSequence enforces monotonicity of candidate against its neighbours in
// the same (meter, zone) sequence. Multi-value readings are compared per
// cumulative field present on both sides.
func checkSequence(meter *db.Meter, candidate *Measurement, prev, next *db.MeterReading) error {
	if !meter.IsMultiValue() {
		if prev != nil && candidate.Value.LessThan(prev.Value) {
			return apperr.Validation("value", "cannot be lower than previous reading of %s", prev.Value.String())
		}
		if next != nil && candidate.Value.GreaterThan(next.Value) {
			return apperr.Validation("value", "cannot be higher than next reading of %s", next.Value.String())
		}
		return nil
	}

	for _, f := range meter.ReadingStructure {
		if !f.Cumulative {
			continue
		}
		v, ok := candidate.Values[f.Name]
		if !ok {
			continue
		}
		if prev != nil {
			if p, ok := prev.Values[f.Name]; ok && v.LessThan(p) {
				return apperr.Validation("values."+f.Name, "%s cannot be lower than previous reading of %s", f.Name, p.String())
			}
		}
		if next != nil {
			if n, ok := next.Values[f.Name]; ok && v.GreaterThan(n) {
				return apperr.Validation("values."+f.Name, "%s cannot be higher than next reading of %s", f.Name, n.String())
			}
		}
	}
	return nil
}
