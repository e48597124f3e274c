// Package catalog validates tariffs and service configurations at write time,
// so nothing malformed ever reaches a calculation.
package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

// Store is the persistence the catalog needs
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProvider(ctx context.Context, scope tenant.Scope, providerID uuid.UUID) (*db.Provider, error)
	GetTariff(ctx context.Context, scope tenant.Scope, tariffID uuid.UUID) (*db.Tariff, error)
	InsertTariff(ctx context.Context, t *db.Tariff) error
	UpdateTariff(ctx context.Context, t *db.Tariff) error
	GetProperty(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID) (*db.Property, error)
	LockProperty(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID) error
	GetUtilityService(ctx context.Context, scope tenant.Scope, serviceID uuid.UUID) (*db.UtilityService, error)
	GetConfiguration(ctx context.Context, scope tenant.Scope, configID uuid.UUID) (*db.ServiceConfiguration, error)
	ListPropertyConfigurations(ctx context.Context, scope tenant.Scope, propertyID, utilityServiceID uuid.UUID) ([]db.ServiceConfiguration, error)
	InsertConfiguration(ctx context.Context, c *db.ServiceConfiguration) error
	UpdateConfiguration(ctx context.Context, c *db.ServiceConfiguration) error
}

// Service manages tariffs and service configurations
type Service struct {
	store    Store
	recorder activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates a new catalog service
func NewService(store Store, recorder activity.Recorder, now func() time.Time, logger *zap.Logger) *Service {
	if recorder == nil {
		recorder = activity.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, recorder: recorder, now: now, logger: logger}
}

func (s *Service) record(ctx context.Context, tenantID uuid.UUID, subjectType string, subjectID uuid.UUID, description string, causer uuid.UUID, props map[string]interface{}) {
	entry := activity.Entry{
		TenantID:    tenantID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Description: description,
		CauserID:    causer,
		Properties:  props,
		OccurredAt:  s.now().UTC(),
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Error("failed to record activity",
			zap.Error(err),
			zap.String("subject_type", subjectType),
			zap.String("subject_id", subjectID.String()),
		)
	}
}
