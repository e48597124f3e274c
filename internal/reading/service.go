// Package reading validates and stores meter readings.
//
// For a fixed (meter, zone) pair, readings ordered by (reading_date,
// created_at) never decrease. Rejected readings take no part in the sequence.
// Every write happens under a lock on the meter row so two concurrent
// submissions cannot both validate against the same stale predecessor.
package reading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/anomaly"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/logging"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

// Audit actions
const (
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionStatusChanged = "status_changed"
)

// Store is the persistence the reading service needs
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetMeter(ctx context.Context, scope tenant.Scope, meterID uuid.UUID) (*db.Meter, error)
	LockMeter(ctx context.Context, scope tenant.Scope, meterID uuid.UUID) error
	GetReading(ctx context.Context, scope tenant.Scope, readingID uuid.UUID) (*db.MeterReading, error)
	// AdjacentReadings returns the non-rejected readings immediately before and
	// after position (readingDate, createdAt) in the (meter, zone) sequence,
	// ignoring excludeID.
	AdjacentReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, readingDate, createdAt time.Time, excludeID uuid.UUID) (prev, next *db.MeterReading, err error)
	// RecentReadings returns up to limit non-rejected readings dated before
	// the given date, newest first.
	RecentReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, before time.Time, limit int) ([]db.MeterReading, error)
	InsertReading(ctx context.Context, reading *db.MeterReading) error
	UpdateReading(ctx context.Context, reading *db.MeterReading) error
	InsertReadingAudit(ctx context.Context, audit *db.ReadingAudit) error
}

// EditInput corrects the value of a stored reading
type EditInput struct {
	ReadingID    uuid.UUID
	Value        string
	Values       map[string]string
	ChangeReason string
	ChangedBy    uuid.UUID
}

var transitions = map[db.ReadingStatus][]db.ReadingStatus{
	db.ReadingPending:        {db.ReadingValidated, db.ReadingRejected, db.ReadingRequiresReview},
	db.ReadingRequiresReview: {db.ReadingValidated, db.ReadingRejected},
}

// Service submits, edits and reviews meter readings
type Service struct {
	store         Store
	validator     *Validator
	detector      *anomaly.Detector
	recorder      activity.Recorder
	historyWindow int
	logger        *zap.Logger
}

// NewService creates a new reading service
func NewService(
	store Store,
	validator *Validator,
	detector *anomaly.Detector,
	recorder activity.Recorder,
	historyWindow int,
	logger *zap.Logger,
) *Service {
	if recorder == nil {
		recorder = activity.Nop{}
	}
	return &Service{
		store:         store,
		validator:     validator,
		detector:      detector,
		recorder:      recorder,
		historyWindow: historyWindow,
		logger:        logger,
	}
}

// Submit validates and stores a new reading together with its audit row.
func (s *Service) Submit(ctx context.Context, scope tenant.Scope, in Input) (*db.MeterReading, error) {
	meter, err := s.store.GetMeter(ctx, scope, in.MeterID)
	if err != nil {
		return nil, err
	}

	measurement, err := s.validator.ValidateInput(meter, in)
	if err != nil {
		return nil, err
	}

	now := s.validator.now().UTC()
	reading := &db.MeterReading{
		ID:          uuid.New(),
		TenantID:    meter.TenantID,
		MeterID:     meter.ID,
		ReadingDate: in.ReadingDate.UTC(),
		Value:       measurement.Value,
		Values:      measurement.Values,
		InputMethod: in.InputMethod,
		Status:      db.ReadingPending,
		EnteredBy:   in.EnteredBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if reading.InputMethod == "" {
		reading.InputMethod = db.InputManual
	}
	if measurement.Zone != "" {
		zone := measurement.Zone
		reading.Zone = &zone
	}

	logger := logging.WithTenant(s.logger, meter.TenantID)

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockMeter(ctx, scope, meter.ID); err != nil {
			return err
		}

		prev, next, err := s.store.AdjacentReadings(ctx, scope, meter.ID, reading.ZoneKey(), reading.ReadingDate, reading.CreatedAt, uuid.Nil)
		if err != nil {
			return fmt.Errorf("failed to load adjacent readings: %w", err)
		}
		if err := checkSequence(meter, measurement, prev, next); err != nil {
			return err
		}

		reading.Status = s.initialStatus(ctx, scope, meter, reading, prev, logger)

		if err := s.store.InsertReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}

		audit := &db.ReadingAudit{
			ID:        uuid.New(),
			TenantID:  reading.TenantID,
			ReadingID: reading.ID,
			Action:    ActionCreated,
			NewValues: reading.Values,
			NewStatus: reading.Status,
			ChangedBy: reading.EnteredBy,
			ChangedAt: now,
		}
		if !meter.IsMultiValue() {
			audit.NewValue = decimalPtr(reading.Value)
		}
		if err := s.store.InsertReadingAudit(ctx, audit); err != nil {
			return fmt.Errorf("failed to insert reading audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("reading submitted",
		zap.String("reading_id", reading.ID.String()),
		zap.String("meter_id", meter.ID.String()),
		zap.String("status", string(reading.Status)),
	)
	s.record(ctx, reading, "Meter reading submitted", reading.EnteredBy, map[string]interface{}{
		"status":       reading.Status,
		"input_method": reading.InputMethod,
	})

	return reading, nil
}

// initialStatus routes estimated readings and consumption spikes to review.
func (s *Service) initialStatus(ctx context.Context, scope tenant.Scope, meter *db.Meter, reading *db.MeterReading, prev *db.MeterReading, logger *zap.Logger) db.ReadingStatus {
	if reading.InputMethod == db.InputEstimated {
		return db.ReadingPending
	}
	if meter.IsMultiValue() || prev == nil || s.detector == nil {
		return db.ReadingValidated
	}

	history, err := s.store.RecentReadings(ctx, scope, meter.ID, reading.ZoneKey(), reading.ReadingDate, s.historyWindow+1)
	if err != nil {
		// Spike detection is advisory; a failed lookup leaves the reading validated.
		logger.Warn("failed to load reading history for spike detection", zap.Error(err))
		return db.ReadingValidated
	}

	var deltas []decimal.Decimal
	for i := 0; i+1 < len(history); i++ {
		deltas = append(deltas, history[i].Value.Sub(history[i+1].Value))
	}

	if spike, reason := s.detector.DetectSpike(reading.Value.Sub(prev.Value), deltas); spike {
		logger.Info("reading flagged for review",
			zap.String("meter_id", meter.ID.String()),
			zap.String("reason", reason),
		)
		return db.ReadingRequiresReview
	}
	return db.ReadingValidated
}

// Edit replaces a reading's value. The new value must fit between the
// reading's predecessor and successor; the change is audited.
func (s *Service) Edit(ctx context.Context, scope tenant.Scope, in EditInput) (*db.MeterReading, error) {
	if in.ChangeReason == "" {
		return nil, apperr.Validation("change_reason", "change reason is required when editing a reading")
	}

	var updated *db.MeterReading
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.store.GetReading(ctx, scope, in.ReadingID)
		if err != nil {
			return err
		}
		if current.Status == db.ReadingRejected {
			return apperr.Validation("status", "rejected readings cannot be edited")
		}
		meter, err := s.store.GetMeter(ctx, scope, current.MeterID)
		if err != nil {
			return err
		}
		if err := s.store.LockMeter(ctx, scope, meter.ID); err != nil {
			return err
		}

		measurement, err := parseValues(meter, in.Value, in.Values)
		if err != nil {
			return err
		}

		prev, next, err := s.store.AdjacentReadings(ctx, scope, meter.ID, current.ZoneKey(), current.ReadingDate, current.CreatedAt, current.ID)
		if err != nil {
			return fmt.Errorf("failed to load adjacent readings: %w", err)
		}
		if err := checkSequence(meter, measurement, prev, next); err != nil {
			return err
		}

		now := s.validator.now().UTC()
		audit := &db.ReadingAudit{
			ID:           uuid.New(),
			TenantID:     current.TenantID,
			ReadingID:    current.ID,
			Action:       ActionUpdated,
			OldValues:    current.Values,
			NewValues:    measurement.Values,
			OldStatus:    current.Status,
			NewStatus:    current.Status,
			ChangeReason: in.ChangeReason,
			ChangedBy:    in.ChangedBy,
			ChangedAt:    now,
		}
		if !meter.IsMultiValue() {
			audit.OldValue = decimalPtr(current.Value)
			audit.NewValue = decimalPtr(measurement.Value)
		}

		edited := *current
		edited.Value = measurement.Value
		edited.Values = measurement.Values
		edited.UpdatedAt = now

		if err := s.store.UpdateReading(ctx, &edited); err != nil {
			return fmt.Errorf("failed to update reading: %w", err)
		}
		if err := s.store.InsertReadingAudit(ctx, audit); err != nil {
			return fmt.Errorf("failed to insert reading audit: %w", err)
		}
		updated = &edited
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, updated, "Meter reading corrected", in.ChangedBy, map[string]interface{}{
		"reason": in.ChangeReason,
	})
	return updated, nil
}

// Transition moves a reading through its review lifecycle.
func (s *Service) Transition(ctx context.Context, scope tenant.Scope, readingID uuid.UUID, to db.ReadingStatus, reason string, changedBy uuid.UUID) (*db.MeterReading, error) {
	var updated *db.MeterReading
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.store.GetReading(ctx, scope, readingID)
		if err != nil {
			return err
		}
		if err := s.store.LockMeter(ctx, scope, current.MeterID); err != nil {
			return err
		}
		if !canTransition(current.Status, to) {
			return apperr.Validation("status", "cannot transition reading from %s to %s", current.Status, to)
		}

		now := s.validator.now().UTC()
		changed := *current
		changed.Status = to
		changed.UpdatedAt = now
		if err := s.store.UpdateReading(ctx, &changed); err != nil {
			return fmt.Errorf("failed to update reading status: %w", err)
		}

		audit := &db.ReadingAudit{
			ID:           uuid.New(),
			TenantID:     current.TenantID,
			ReadingID:    current.ID,
			Action:       ActionStatusChanged,
			OldStatus:    current.Status,
			NewStatus:    to,
			ChangeReason: reason,
			ChangedBy:    changedBy,
			ChangedAt:    now,
		}
		if err := s.store.InsertReadingAudit(ctx, audit); err != nil {
			return fmt.Errorf("failed to insert reading audit: %w", err)
		}
		updated = &changed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, updated, fmt.Sprintf("Meter reading %s", to), changedBy, map[string]interface{}{
		"reason": reason,
	})
	return updated, nil
}

func canTransition(from, to db.ReadingStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Service) record(ctx context.Context, r *db.MeterReading, description string, causer uuid.UUID, props map[string]interface{}) {
	props["meter_id"] = r.MeterID.String()
	entry := activity.Entry{
		TenantID:    r.TenantID,
		SubjectType: activity.SubjectMeterReading,
		SubjectID:   r.ID,
		Description: description,
		CauserID:    causer,
		Properties:  props,
		OccurredAt:  r.UpdatedAt,
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		// Log error but don't fail the committed operation
		s.logger.Error("failed to record activity",
			zap.Error(err),
			zap.String("reading_id", r.ID.String()),
		)
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
