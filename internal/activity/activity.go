// Package activity defines the append-only activity log entries the engine
// emits. Storage and retention belong to whoever consumes them.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject types
const (
	SubjectMeterReading         = "meter_reading"
	SubjectInvoice              = "invoice"
	SubjectTariff               = "tariff"
	SubjectServiceConfiguration = "service_configuration"
)

// Entry is one activity log record
type Entry struct {
	TenantID    uuid.UUID              `json:"tenant_id"`
	SubjectType string                 `json:"subject_type"`
	SubjectID   uuid.UUID              `json:"subject_id"`
	Description string                 `json:"description"`
	CauserID    uuid.UUID              `json:"causer_id"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Recorder emits activity entries
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }
