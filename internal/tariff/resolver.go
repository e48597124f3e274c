// Package tariff resolves the tariff active for a provider on a date and
// prices consumption with it.
package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// Store lists the tariffs of a provider visible in scope
type Store interface {
	ListProviderTariffs(ctx context.Context, scope tenant.Scope, providerID uuid.UUID) ([]db.Tariff, error)
}

// Resolver selects and applies tariffs
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a new tariff resolver
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the tariff with the latest active_from among those active on
// onDate. Ties on active_from go to the most recently created tariff.
func (r *Resolver) Resolve(ctx context.Context, scope tenant.Scope, providerID uuid.UUID, onDate time.Time) (*db.Tariff, error) {
	tariffs, err := r.store.ListProviderTariffs(ctx, scope, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tariffs for provider %s: %w", providerID, err)
	}

	day := timeparser.StartOfDay(onDate)
	var best *db.Tariff
	for i := range tariffs {
		t := &tariffs[i]
		if !scope.Allows(t.TenantID) || !t.IsActiveOn(day) {
			continue
		}
		if best == nil || t.ActiveFrom.After(best.ActiveFrom) ||
			(t.ActiveFrom.Equal(best.ActiveFrom) && t.CreatedAt.After(best.CreatedAt)) {
			best = t
		}
	}

	if best == nil {
		return nil, apperr.NotFound("tariff", fmt.Sprintf("provider %s on %s", providerID, day.Format("2006-01-02")))
	}

	r.logger.Debug("Tariff resolved",
		zap.String("provider_id", providerID.String()),
		zap.String("tariff_id", best.ID.String()),
		zap.Time("on_date", day),
	)
	return best, nil
}

// CalculateCost prices consumption with t at instant at.
func (r *Resolver) CalculateCost(t *db.Tariff, consumption decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	cfg, err := ParseConfiguration(t.Configuration)
	if err != nil {
		return decimal.Zero, err
	}
	return Cost(cfg, consumption, at)
}
