package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tariff"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// TariffInput describes a tariff to create or update
type TariffInput struct {
	ProviderID    uuid.UUID
	Name          string
	Configuration []byte
	ActiveFrom    time.Time
	ActiveUntil   *time.Time
}

// validate returns the normalized configuration document.
func (in TariffInput) validate() ([]byte, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Configuration("name", "tariff name is required")
	}
	if in.ActiveFrom.IsZero() {
		return nil, apperr.Configuration("active_from", "active_from is required")
	}
	if in.ActiveUntil != nil && in.ActiveUntil.Before(in.ActiveFrom) {
		return nil, apperr.Configuration("active_until", "active_until cannot be before active_from")
	}

	cfg, err := tariff.ParseConfiguration(in.Configuration)
	if err != nil {
		return nil, err
	}
	if err := tariff.ValidateConfiguration(cfg); err != nil {
		return nil, err
	}
	raw, err := cfg.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tariff configuration: %w", err)
	}
	return raw, nil
}

// CreateTariff validates and stores a new tariff for a provider.
func (s *Service) CreateTariff(ctx context.Context, scope tenant.Scope, in TariffInput) (*db.Tariff, error) {
	raw, err := in.validate()
	if err != nil {
		return nil, err
	}
	provider, err := s.store.GetProvider(ctx, scope, in.ProviderID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &db.Tariff{
		ID:            uuid.New(),
		TenantID:      provider.TenantID,
		ProviderID:    provider.ID,
		Name:          strings.TrimSpace(in.Name),
		Configuration: raw,
		ActiveFrom:    timeparser.StartOfDay(in.ActiveFrom),
		ActiveUntil:   dayPtr(in.ActiveUntil),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertTariff(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to insert tariff: %w", err)
	}

	s.logger.Info("tariff created",
		zap.String("tariff_id", t.ID.String()),
		zap.String("provider_id", provider.ID.String()),
	)
	s.record(ctx, t.TenantID, activity.SubjectTariff, t.ID, "Tariff created", scope.ActorID(), map[string]interface{}{
		"name": t.Name,
	})
	return t, nil
}

// UpdateTariff replaces a tariff's definition. Invoices already generated keep
// the rates captured in their snapshots.
func (s *Service) UpdateTariff(ctx context.Context, scope tenant.Scope, tariffID uuid.UUID, in TariffInput) (*db.Tariff, error) {
	raw, err := in.validate()
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetTariff(ctx, scope, tariffID)
	if err != nil {
		return nil, err
	}
	if in.ProviderID != uuid.Nil && in.ProviderID != current.ProviderID {
		return nil, apperr.Configuration("provider_id", "a tariff cannot be moved to another provider")
	}

	updated := *current
	updated.Name = strings.TrimSpace(in.Name)
	updated.Configuration = raw
	updated.ActiveFrom = timeparser.StartOfDay(in.ActiveFrom)
	updated.ActiveUntil = dayPtr(in.ActiveUntil)
	updated.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateTariff(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update tariff: %w", err)
	}

	s.record(ctx, updated.TenantID, activity.SubjectTariff, updated.ID, "Tariff updated", scope.ActorID(), map[string]interface{}{
		"name": updated.Name,
	})
	return &updated, nil
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := timeparser.StartOfDay(*t)
	return &d
}
