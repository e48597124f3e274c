package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

const tariffColumns = `id, tenant_id, provider_id, name, configuration, active_from, active_until, created_at, updated_at`

const configurationColumns = `id, tenant_id, property_id, utility_service_id, provider_id, pricing_model, rate_schedule,
	distribution_method, effective_from, effective_until, is_active, created_at, updated_at`

// GetProperty loads a property visible in scope
func (r *Repository) GetProperty(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID) (*db.Property, error) {
	bypass, tenantID := scoped(scope)
	var (
		p    db.Property
		area decimal.NullDecimal
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, name, area_sqm FROM properties WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		propertyID, bypass, tenantID).Scan(&p.ID, &p.TenantID, &p.Name, &area)
	if err != nil {
		return nil, notFound(err, "property", propertyID.String())
	}
	if area.Valid {
		p.AreaSqm = &area.Decimal
	}
	return &p, nil
}

// LockProperty serializes configuration writes for one property
func (r *Repository) LockProperty(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID) error {
	bypass, tenantID := scoped(scope)
	var id uuid.UUID
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id FROM properties WHERE id = $1 AND ($2 OR tenant_id = $3) FOR UPDATE`,
		propertyID, bypass, tenantID).Scan(&id)
	if err != nil {
		return notFound(err, "property", propertyID.String())
	}
	return nil
}

// GetRenter loads a tenant renter visible in scope
func (r *Repository) GetRenter(ctx context.Context, scope tenant.Scope, renterID uuid.UUID) (*db.TenantRenter, error) {
	bypass, tenantID := scoped(scope)
	var t db.TenantRenter
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, property_id, name FROM tenant_renters WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		renterID, bypass, tenantID).Scan(&t.ID, &t.TenantID, &t.PropertyID, &t.Name)
	if err != nil {
		return nil, notFound(err, "tenant renter", renterID.String())
	}
	return &t, nil
}

// GetProvider loads a provider visible in scope
func (r *Repository) GetProvider(ctx context.Context, scope tenant.Scope, providerID uuid.UUID) (*db.Provider, error) {
	bypass, tenantID := scoped(scope)
	var p db.Provider
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, name, service_type FROM providers WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		providerID, bypass, tenantID).Scan(&p.ID, &p.TenantID, &p.Name, &p.ServiceType)
	if err != nil {
		return nil, notFound(err, "provider", providerID.String())
	}
	return &p, nil
}

// GetUtilityService loads a utility service visible in scope
func (r *Repository) GetUtilityService(ctx context.Context, scope tenant.Scope, serviceID uuid.UUID) (*db.UtilityService, error) {
	bypass, tenantID := scoped(scope)
	var s db.UtilityService
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, name, service_type, unit FROM utility_services WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		serviceID, bypass, tenantID).Scan(&s.ID, &s.TenantID, &s.Name, &s.ServiceType, &s.Unit)
	if err != nil {
		return nil, notFound(err, "utility service", serviceID.String())
	}
	return &s, nil
}

func scanTariff(row pgx.Row) (*db.Tariff, error) {
	var t db.Tariff
	if err := row.Scan(&t.ID, &t.TenantID, &t.ProviderID, &t.Name, &t.Configuration,
		&t.ActiveFrom, &t.ActiveUntil, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTariff loads a tariff visible in scope
func (r *Repository) GetTariff(ctx context.Context, scope tenant.Scope, tariffID uuid.UUID) (*db.Tariff, error) {
	bypass, tenantID := scoped(scope)
	t, err := scanTariff(r.q(ctx).QueryRow(ctx,
		`SELECT `+tariffColumns+` FROM tariffs WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		tariffID, bypass, tenantID))
	if err != nil {
		return nil, notFound(err, "tariff", tariffID.String())
	}
	return t, nil
}

// ListProviderTariffs lists every tariff of a provider in creation order
func (r *Repository) ListProviderTariffs(ctx context.Context, scope tenant.Scope, providerID uuid.UUID) ([]db.Tariff, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+tariffColumns+` FROM tariffs
		WHERE provider_id = $1 AND ($2 OR tenant_id = $3)
		ORDER BY created_at, id`,
		providerID, bypass, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tariffs: %w", err)
	}
	defer rows.Close()

	var out []db.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tariff: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// InsertTariff inserts a tariff
func (r *Repository) InsertTariff(ctx context.Context, t *db.Tariff) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO tariffs (`+tariffColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7::date, $8, $9)`,
		t.ID, t.TenantID, t.ProviderID, t.Name, t.Configuration, t.ActiveFrom, t.ActiveUntil, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTariff updates a tariff's name, configuration and active window
func (r *Repository) UpdateTariff(ctx context.Context, t *db.Tariff) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE tariffs SET name = $2, configuration = $3, active_from = $4::date, active_until = $5::date, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Name, t.Configuration, t.ActiveFrom, t.ActiveUntil, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("tariff", t.ID.String())
	}
	return nil
}

func scanConfiguration(row pgx.Row) (*db.ServiceConfiguration, error) {
	var c db.ServiceConfiguration
	if err := row.Scan(&c.ID, &c.TenantID, &c.PropertyID, &c.UtilityServiceID, &c.ProviderID, &c.PricingModel,
		&c.RateSchedule, &c.DistributionMethod, &c.EffectiveFrom, &c.EffectiveUntil, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectConfigurations(rows pgx.Rows) ([]db.ServiceConfiguration, error) {
	defer rows.Close()
	var out []db.ServiceConfiguration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service configuration: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConfiguration loads a service configuration visible in scope
func (r *Repository) GetConfiguration(ctx context.Context, scope tenant.Scope, configID uuid.UUID) (*db.ServiceConfiguration, error) {
	bypass, tenantID := scoped(scope)
	c, err := scanConfiguration(r.q(ctx).QueryRow(ctx,
		`SELECT `+configurationColumns+` FROM service_configurations WHERE id = $1 AND ($2 OR tenant_id = $3)`,
		configID, bypass, tenantID))
	if err != nil {
		return nil, notFound(err, "service configuration", configID.String())
	}
	return c, nil
}

// ListPropertyConfigurations lists every configuration binding the property to a service
func (r *Repository) ListPropertyConfigurations(ctx context.Context, scope tenant.Scope, propertyID, utilityServiceID uuid.UUID) ([]db.ServiceConfiguration, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+configurationColumns+` FROM service_configurations
		WHERE property_id = $1 AND utility_service_id = $2 AND ($3 OR tenant_id = $4)
		ORDER BY created_at, id`,
		propertyID, utilityServiceID, bypass, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query service configurations: %w", err)
	}
	return collectConfigurations(rows)
}

// ListActiveConfigurations lists the active configurations of a property
// whose effective window intersects [from, to]
func (r *Repository) ListActiveConfigurations(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID, from, to time.Time) ([]db.ServiceConfiguration, error) {
	bypass, tenantID := scoped(scope)
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+configurationColumns+` FROM service_configurations
		WHERE property_id = $1 AND is_active
		  AND effective_from <= $3::date AND (effective_until IS NULL OR effective_until >= $2::date)
		  AND ($4 OR tenant_id = $5)
		ORDER BY created_at, id`,
		propertyID, from, to, bypass, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active service configurations: %w", err)
	}
	return collectConfigurations(rows)
}

// InsertConfiguration inserts a service configuration
func (r *Repository) InsertConfiguration(ctx context.Context, c *db.ServiceConfiguration) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO service_configurations (`+configurationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10::date, $11, $12, $13)`,
		c.ID, c.TenantID, c.PropertyID, c.UtilityServiceID, c.ProviderID, c.PricingModel, c.RateSchedule,
		c.DistributionMethod, c.EffectiveFrom, c.EffectiveUntil, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateConfiguration rewrites a service configuration in place
func (r *Repository) UpdateConfiguration(ctx context.Context, c *db.ServiceConfiguration) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE service_configurations SET provider_id = $2, pricing_model = $3, rate_schedule = $4,
			distribution_method = $5, effective_from = $6::date, effective_until = $7::date, is_active = $8, updated_at = $9
		WHERE id = $1`,
		c.ID, c.ProviderID, c.PricingModel, c.RateSchedule, c.DistributionMethod,
		c.EffectiveFrom, c.EffectiveUntil, c.IsActive, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service configuration", c.ID.String())
	}
	return nil
}
