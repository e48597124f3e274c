package reading

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// csvRow is one line of a reading import. Multi-value meters put their
// fields in values as "name=value;name=value".
type csvRow struct {
	MeterID     string `csv:"meter_id"`
	ReadingDate string `csv:"reading_date"`
	Value       string `csv:"value"`
	Values      string `csv:"values"`
	Zone        string `csv:"zone"`
}

// RowResult is the outcome of one imported row
type RowResult struct {
	Row       int       `json:"row"`
	MeterID   string    `json:"meter_id"`
	ReadingID uuid.UUID `json:"reading_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ImportReport summarizes an import
type ImportReport struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Rows     []RowResult `json:"rows"`
}

// Import submits every row of a CSV document. Rows failing validation are
// reported and skipped; storage failures abort the import.
func (s *Service) Import(ctx context.Context, scope tenant.Scope, r io.Reader, enteredBy uuid.UUID) (*ImportReport, error) {
	var rows []*csvRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperr.Validation("file", "failed to parse CSV: %v", err)
	}

	report := &ImportReport{Rows: make([]RowResult, 0, len(rows))}
	for i, row := range rows {
		result := RowResult{Row: i + 2, MeterID: row.MeterID}

		reading, err := s.submitRow(ctx, scope, row, enteredBy)
		switch {
		case err == nil:
			result.ReadingID = reading.ID
			report.Accepted++
		case apperr.IsValidation(err) || apperr.IsNotFound(err):
			result.Error = err.Error()
			report.Rejected++
		default:
			return nil, fmt.Errorf("import aborted at row %d: %w", result.Row, err)
		}
		report.Rows = append(report.Rows, result)
	}

	s.logger.Info("reading import finished",
		zap.String("tenant_id", scope.TenantID().String()),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
	)
	return report, nil
}

func (s *Service) submitRow(ctx context.Context, scope tenant.Scope, row *csvRow, enteredBy uuid.UUID) (*db.MeterReading, error) {
	meterID, err := uuid.Parse(strings.TrimSpace(row.MeterID))
	if err != nil {
		return nil, apperr.Validation("meter_id", "invalid meter id %q", row.MeterID)
	}
	date, err := timeparser.ParseReadingDate(row.ReadingDate)
	if err != nil {
		return nil, apperr.Validation("reading_date", "%v", err)
	}
	values, err := parseValuesColumn(row.Values)
	if err != nil {
		return nil, err
	}

	return s.Submit(ctx, scope, Input{
		MeterID:     meterID,
		ReadingDate: date,
		Value:       row.Value,
		Values:      values,
		Zone:        strings.TrimSpace(row.Zone),
		InputMethod: db.InputCSV,
		EnteredBy:   enteredBy,
	})
}

func parseValuesColumn(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, apperr.Validation("values", "malformed values entry %q, expected name=value", pair)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}
