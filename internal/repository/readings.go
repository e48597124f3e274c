package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

const meterColumns = `id, tenant_id, property_id, serial_number, utility_type, supports_zones, reading_structure, created_at`

const readingColumns = `id, tenant_id, meter_id, reading_date, value, reading_values, zone, input_method, status, entered_by, created_at, updated_at`

func scanMeter(row pgx.Row) (*db.Meter, error) {
	var (
		m         db.Meter
		structure []byte
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.PropertyID, &m.SerialNumber, &m.UtilityType,
		&m.SupportsZones, &structure, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(structure, &m.ReadingStructure); err != nil {
		return nil, fmt.Errorf("failed to decode reading structure of meter %s: %w", m.ID, err)
	}
	return &m, nil
}

func scanReading(row pgx.Row) (*db.MeterReading, error) {
	var (
		r      db.MeterReading
		value  decimal.NullDecimal
		values []byte
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.MeterID, &r.ReadingDate, &value, &values, &r.Zone,
		&r.InputMethod, &r.Status, &r.EnteredBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Value = value.Decimal
	if err := decodeJSON(values, &r.Values); err != nil {
		return nil, fmt.Errorf("failed to decode values of reading %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectReadings(rows pgx.Rows) ([]db.MeterReading, error) {
	defer rows.Close()
	var out []db.MeterReading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetMeter loads a meter visible in scope
func (r *Repository) GetMeter(ctx context.Context, scope tenant.Scope, meterID uuid.UUID) (*db.Meter, error) {
	bypass, tenantID := scoped(scope)
	m, err := scanMeter(r.q(ctx).QueryRow(ctx,
		`SELECT `+meterColumns+` FROM meters WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		meterID, bypass, tenantID))
	if err != nil {
		return nil, notFound(err, "meter", meterID.String())
	}
	return m, nil
}

// LockMeter takes a row lock on the meter; readings of the meter are
// serialized behind it until the transaction ends.
func (r *Repository) LockMeter(ctx context.Context, scope tenant.Scope, meterID uuid.UUID) error {
	bypass, tenantID := scoped(scope)
	var id uuid.UUID
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id FROM meters WHERE id = $1 AND ($2 OR tenant_id = $3) FOR UPDATE`,
		meterID, bypass, tenantID).Scan(&id)
	if err != nil {
		return notFound(err, "meter", meterID.String())
	}
	return nil
}

// ListPropertyMeters lists the meters of a property measuring utilityType
func (r *Repository) ListPropertyMeters(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID, utilityType db.UtilityType) ([]db.Meter, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+meterColumns+` FROM meters
		WHERE property_id = $1 AND utility_type = $2 AND ($3 OR tenant_id = $4)
		ORDER BY serial_number`,
		propertyID, utilityType, bypass, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var out []db.Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetReading loads a reading visible in scope
func (r *Repository) GetReading(ctx context.Context, scope tenant.Scope, readingID uuid.UUID) (*db.MeterReading, error) {
	bypass, tenantID := scoped(scope)
	reading, err := scanReading(r.q(ctx).QueryRow(ctx,
		`SELECT `+readingColumns+` FROM meter_readings WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		readingID, bypass, tenantID))
	if err != nil {
		return nil, notFound(err, "meter reading", readingID.String())
	}
	return reading, nil
}

// AdjacentReadings returns the neighbours of position (readingDate, createdAt)
// in the non-rejected (meter, zone) sequence
func (r *Repository) AdjacentReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, readingDate, createdAt time.Time, excludeID uuid.UUID) (*db.MeterReading, *db.MeterReading, error) {
	bypass, tenantID := scoped(scope)
	const base = `SELECT ` + readingColumns + ` FROM meter_readings
		WHERE meter_id = $1 AND COALESCE(zone, '') = $2 AND status <> 'rejected' AND id <> $5
		  AND ($6 OR tenant_id = $7)`

	prev, err := scanReading(r.q(ctx).QueryRow(ctx,
		base+` AND (reading_date, created_at) < ($3::date, $4)
		ORDER BY reading_date DESC, created_at DESC LIMIT 1`,
		meterID, zone, readingDate, createdAt, excludeID, bypass, tenantID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to query previous reading: %w", err)
	}

	next, err := scanReading(r.q(ctx).QueryRow(ctx,
		base+` AND (reading_date, created_at) >= ($3::date, $4)
		ORDER BY reading_date, created_at LIMIT 1`,
		meterID, zone, readingDate, createdAt, excludeID, bypass, tenantID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to query next reading: %w", err)
	}

	return prev, next, nil
}

// RecentReadings gets recent readings for spike detection, newest first
func (r *Repository) RecentReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, before time.Time, limit int) ([]db.MeterReading, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+readingColumns+` FROM meter_readings
		WHERE meter_id = $1 AND COALESCE(zone, '') = $2 AND status <> 'rejected'
		  AND reading_date < $3::date AND ($4 OR tenant_id = $5)
		ORDER BY reading_date DESC, created_at DESC
		LIMIT $6`,
		meterID, zone, before, bypass, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	return collectReadings(rows)
}

// ListMeterReadings returns the non-rejected readings dated on or before until
func (r *Repository) ListMeterReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, until time.Time) ([]db.MeterReading, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+readingColumns+` FROM meter_readings
		WHERE meter_id = $1 AND status <> 'rejected' AND reading_date <= $2::date AND ($3 OR tenant_id = $4)
		ORDER BY reading_date, created_at`,
		meterID, until, bypass, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query meter readings: %w", err)
	}
	return collectReadings(rows)
}

func readingArgs(reading *db.MeterReading) (any, []byte, error) {
	if reading.Values == nil {
		return reading.Value, nil, nil
	}
	values, err := encodeJSON(reading.Values)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode reading values: %w", err)
	}
	return nil, values, nil
}

// InsertReading inserts a meter reading
func (r *Repository) InsertReading(ctx context.Context, reading *db.MeterReading) error {
	value, values, err := readingArgs(reading)
	if err != nil {
		return err
	}
	_, err = r.q(ctx).Exec(ctx,
		`INSERT INTO meter_readings (`+readingColumns+`)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12)`,
		reading.ID, reading.TenantID, reading.MeterID, reading.ReadingDate, value, values, reading.Zone,
		reading.InputMethod, reading.Status, reading.EnteredBy, reading.CreatedAt, reading.UpdatedAt)
	return err
}

// UpdateReading stores a reading's value and status
func (r *Repository) UpdateReading(ctx context.Context, reading *db.MeterReading) error {
	value, values, err := readingArgs(reading)
	if err != nil {
		return err
	}
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE meter_readings SET value = $2, reading_values = $3, status = $4, updated_at = $5 WHERE id = $1`,
		reading.ID, value, values, reading.Status, reading.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("meter reading", reading.ID.String())
	}
	return nil
}

// InsertReadingAudit appends one audit row
func (r *Repository) InsertReadingAudit(ctx context.Context, audit *db.ReadingAudit) error {
	oldValues, err := encodeJSON(audit.OldValues)
	if err != nil {
		return fmt.Errorf("failed to encode old values: %w", err)
	}
	newValues, err := encodeJSON(audit.NewValues)
	if err != nil {
		return fmt.Errorf("failed to encode new values: %w", err)
	}

	_, err = r.q(ctx).Exec(ctx,
		`INSERT INTO reading_audits (id, tenant_id, reading_id, action, old_value, new_value, old_values, new_values,
			old_status, new_status, change_reason, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''), $12, $13)`,
		audit.ID, audit.TenantID, audit.ReadingID, audit.Action,
		nullDecimal(audit.OldValue), nullDecimal(audit.NewValue), oldValues, newValues,
		string(audit.OldStatus), audit.NewStatus, audit.ChangeReason, audit.ChangedBy, audit.ChangedAt)
	return err
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
