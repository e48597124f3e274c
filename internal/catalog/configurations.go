package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/calculator"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// ConfigurationInput describes a service configuration to save. A nil ID creates one.
type ConfigurationInput struct {
	ID                 *uuid.UUID
	PropertyID         uuid.UUID
	UtilityServiceID   uuid.UUID
	ProviderID         *uuid.UUID
	PricingModel       calculator.PricingModel
	RateSchedule       []byte
	DistributionMethod calculator.DistributionMethod
	EffectiveFrom      time.Time
	EffectiveUntil     *time.Time
	IsActive           bool
}

// SaveConfiguration validates and stores a service configuration. Active
// configurations of the same property and utility service may not overlap.
func (s *Service) SaveConfiguration(ctx context.Context, scope tenant.Scope, in ConfigurationInput) (*db.ServiceConfiguration, error) {
	rs, err := calculator.ParseRateSchedule(in.RateSchedule)
	if err != nil {
		return nil, err
	}
	if err := calculator.ValidateSchedule(in.PricingModel, rs); err != nil {
		return nil, err
	}
	if !in.DistributionMethod.Valid() {
		return nil, apperr.Configuration("distribution_method", "unsupported distribution method %q", in.DistributionMethod)
	}
	if in.EffectiveFrom.IsZero() {
		return nil, apperr.Configuration("effective_from", "effective_from is required")
	}
	if in.EffectiveUntil != nil && in.EffectiveUntil.Before(in.EffectiveFrom) {
		return nil, apperr.Configuration("effective_until", "effective_until cannot be before effective_from")
	}
	schedule, err := rs.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode rate schedule: %w", err)
	}

	var saved *db.ServiceConfiguration
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		property, err := s.store.GetProperty(ctx, scope, in.PropertyID)
		if err != nil {
			return err
		}
		if err := s.store.LockProperty(ctx, scope, property.ID); err != nil {
			return err
		}
		if in.DistributionMethod.RequiresArea() && (property.AreaSqm == nil || !property.AreaSqm.IsPositive()) {
			return apperr.Configuration("distribution_method", "area distribution requires property %s to have area data", property.Name)
		}

		service, err := s.store.GetUtilityService(ctx, scope, in.UtilityServiceID)
		if err != nil {
			return err
		}
		if in.ProviderID != nil {
			provider, err := s.store.GetProvider(ctx, scope, *in.ProviderID)
			if err != nil {
				return err
			}
			if provider.ServiceType != service.ServiceType {
				return apperr.Configuration("provider_id", "provider %s supplies %s, not %s", provider.Name, provider.ServiceType, service.ServiceType)
			}
		}

		now := s.now().UTC()
		cfg := &db.ServiceConfiguration{
			ID:                 uuid.New(),
			TenantID:           property.TenantID,
			PropertyID:         property.ID,
			UtilityServiceID:   service.ID,
			ProviderID:         in.ProviderID,
			PricingModel:       string(in.PricingModel),
			RateSchedule:       schedule,
			DistributionMethod: string(in.DistributionMethod),
			EffectiveFrom:      timeparser.StartOfDay(in.EffectiveFrom),
			EffectiveUntil:     dayPtr(in.EffectiveUntil),
			IsActive:           in.IsActive,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if in.ID != nil {
			current, err := s.store.GetConfiguration(ctx, scope, *in.ID)
			if err != nil {
				return err
			}
			cfg.ID = current.ID
			cfg.CreatedAt = current.CreatedAt
		}

		if cfg.IsActive {
			existing, err := s.store.ListPropertyConfigurations(ctx, scope, property.ID, service.ID)
			if err != nil {
				return fmt.Errorf("failed to list configurations: %w", err)
			}
			for _, other := range existing {
				if other.ID == cfg.ID || !other.IsActive {
					continue
				}
				if other.Overlaps(cfg.EffectiveFrom, cfg.EffectiveUntil) {
					return apperr.Configuration("effective_from", "effective window overlaps active configuration %s", other.ID)
				}
			}
		}

		if in.ID != nil {
			err = s.store.UpdateConfiguration(ctx, cfg)
		} else {
			err = s.store.InsertConfiguration(ctx, cfg)
		}
		if err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		saved = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("service configuration saved",
		zap.String("configuration_id", saved.ID.String()),
		zap.String("pricing_model", saved.PricingModel),
	)
	s.record(ctx, saved.TenantID, activity.SubjectServiceConfiguration, saved.ID, "Service configuration saved", scope.ActorID(), map[string]interface{}{
		"pricing_model": saved.PricingModel,
	})
	return saved, nil
}
