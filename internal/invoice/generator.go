// Package invoice generates invoices from metered consumption and enforces
// their one-way DRAFT -> FINALIZED -> PAID lifecycle.
//
// Line items carry a snapshot of the rates used at calculation time. Nothing
// on a finalized invoice is ever recomputed.
package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/calculator"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/logging"
	"github.com/septivank/utility-billing-engine/internal/tariff"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// DefaultDueDays is the payment term applied when none is configured.
const DefaultDueDays = 14

// Store is the persistence the invoice generator needs
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetRenter(ctx context.Context, scope tenant.Scope, renterID uuid.UUID) (*db.TenantRenter, error)
	ListActiveConfigurations(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID, from, to time.Time) ([]db.ServiceConfiguration, error)
	GetUtilityService(ctx context.Context, scope tenant.Scope, serviceID uuid.UUID) (*db.UtilityService, error)
	ListPropertyMeters(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID, utilityType db.UtilityType) ([]db.Meter, error)
	// ListMeterReadings returns the non-rejected readings dated on or before
	// until, ordered by (reading_date, created_at).
	ListMeterReadings(ctx context.Context, scope tenant.Scope, meterID uuid.UUID, until time.Time) ([]db.MeterReading, error)
	InsertInvoice(ctx context.Context, invoice *db.Invoice) error
	GetInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error)
	// LockInvoice loads the invoice and its items and holds a row lock until
	// the surrounding transaction ends.
	LockInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error)
	// TransitionInvoice moves the invoice from one status to another and
	// reports false when it was not in the expected status.
	TransitionInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID, from, to db.InvoiceStatus, at time.Time) (bool, error)
	UpdateInvoiceTotal(ctx context.Context, invoiceID uuid.UUID, total decimal.Decimal, at time.Time) error
	ReplaceInvoiceItems(ctx context.Context, invoiceID uuid.UUID, items []db.InvoiceItem, total decimal.Decimal, at time.Time) error
	DeleteInvoiceItem(ctx context.Context, invoiceID, itemID uuid.UUID, total decimal.Decimal, at time.Time) error
}

// Generator builds and manages invoices
type Generator struct {
	store      Store
	resolver   *tariff.Resolver
	calculator *calculator.Calculator
	recorder   activity.Recorder
	dueDays    int
	now        func() time.Time
	logger     *zap.Logger
}

// NewGenerator creates a new invoice generator
func NewGenerator(
	store Store,
	resolver *tariff.Resolver,
	calc *calculator.Calculator,
	recorder activity.Recorder,
	dueDays int,
	now func() time.Time,
	logger *zap.Logger,
) *Generator {
	if dueDays <= 0 {
		dueDays = DefaultDueDays
	}
	if recorder == nil {
		recorder = activity.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		store:      store,
		resolver:   resolver,
		calculator: calc,
		recorder:   recorder,
		dueDays:    dueDays,
		now:        now,
		logger:     logger,
	}
}

// itemSummary is stored as the item's reading summary
type itemSummary struct {
	Channels          []ChannelUsage                `json:"channels"`
	Details           calculator.CalculationDetails `json:"calculation_details"`
	FixedAmount       decimal.Decimal               `json:"fixed_amount"`
	ConsumptionAmount decimal.Decimal               `json:"consumption_amount"`
	Adjustments       []calculator.Adjustment       `json:"adjustments,omitempty"`
}

// Generate creates a draft invoice for the renter covering [periodStart, periodEnd].
func (g *Generator) Generate(ctx context.Context, scope tenant.Scope, renterID uuid.UUID, periodStart, periodEnd time.Time) (*db.Invoice, error) {
	start, end := timeparser.StartOfDay(periodStart), timeparser.StartOfDay(periodEnd)
	if end.Before(start) {
		return nil, apperr.Validation("billing_period", "billing period end cannot be before its start")
	}

	renter, err := g.store.GetRenter(ctx, scope, renterID)
	if err != nil {
		return nil, err
	}
	logger := logging.WithTenant(g.logger, renter.TenantID)

	now := g.now().UTC()
	invoiceID := uuid.New()
	inv := &db.Invoice{
		ID:                 invoiceID,
		TenantID:           renter.TenantID,
		TenantRenterID:     renter.ID,
		InvoiceNumber:      invoiceNumber(start, invoiceID),
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
		DueDate:            end.AddDate(0, 0, g.dueDays),
		Status:             db.InvoiceDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = g.store.RunInTx(ctx, func(ctx context.Context) error {
		items, total, err := g.buildItems(ctx, scope, renter, inv.ID, start, end, now)
		if err != nil {
			return err
		}
		inv.Items = items
		inv.TotalAmount = total
		if err := g.store.InsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("invoice generated",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("renter_id", renter.ID.String()),
		zap.Int("items", len(inv.Items)),
		zap.String("total", inv.TotalAmount.StringFixed(2)),
	)
	g.record(ctx, inv, "Invoice generated", scope.ActorID(), nil)
	return inv, nil
}

// Regenerate recomputes the items of a draft invoice from current readings and rates.
func (g *Generator) Regenerate(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	var result *db.Invoice
	err := g.store.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := g.lockMutable(ctx, scope, invoiceID)
		if err != nil {
			return err
		}
		renter, err := g.store.GetRenter(ctx, scope, inv.TenantRenterID)
		if err != nil {
			return err
		}

		now := g.now().UTC()
		items, total, err := g.buildItems(ctx, scope, renter, inv.ID, inv.BillingPeriodStart, inv.BillingPeriodEnd, now)
		if err != nil {
			return err
		}
		if err := g.store.ReplaceInvoiceItems(ctx, inv.ID, items, total, now); err != nil {
			return fmt.Errorf("failed to replace invoice items: %w", err)
		}
		inv.Items, inv.TotalAmount, inv.UpdatedAt = items, total, now
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.record(ctx, result, "Invoice regenerated", scope.ActorID(), nil)
	return result, nil
}

func (g *Generator) buildItems(ctx context.Context, scope tenant.Scope, renter *db.TenantRenter, invoiceID uuid.UUID, start, end, now time.Time) ([]db.InvoiceItem, decimal.Decimal, error) {
	configs, err := g.store.ListActiveConfigurations(ctx, scope, renter.PropertyID, start, end)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to list service configurations: %w", err)
	}
	if len(configs) == 0 {
		return nil, decimal.Zero, apperr.NotFound("service configuration", fmt.Sprintf("property %s between %s and %s",
			renter.PropertyID, start.Format("2006-01-02"), end.Format("2006-01-02")))
	}

	items := make([]db.InvoiceItem, 0, len(configs))
	for i := range configs {
		item, err := g.buildItem(ctx, scope, &configs[i], renter.PropertyID, start, end, now)
		if err != nil {
			return nil, decimal.Zero, err
		}
		item.InvoiceID = invoiceID
		items = append(items, *item)
	}
	return items, sumItems(items), nil
}

func (g *Generator) buildItem(ctx context.Context, scope tenant.Scope, cfg *db.ServiceConfiguration, propertyID uuid.UUID, start, end, now time.Time) (*db.InvoiceItem, error) {
	service, err := g.store.GetUtilityService(ctx, scope, cfg.UtilityServiceID)
	if err != nil {
		return nil, err
	}

	meters, err := g.store.ListPropertyMeters(ctx, scope, propertyID, service.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}
	var usage []ChannelUsage
	for _, m := range meters {
		readings, err := g.store.ListMeterReadings(ctx, scope, m.ID, end)
		if err != nil {
			return nil, fmt.Errorf("failed to list readings for meter %s: %w", m.ID, err)
		}
		usage = append(usage, meterUsage(m, readings, start, end)...)
	}

	effective := *cfg
	var resolved *db.Tariff
	if cfg.ProviderID != nil {
		resolved, err = g.resolver.Resolve(ctx, scope, *cfg.ProviderID, start)
		if err != nil {
			return nil, err
		}
		schedule, err := overlayTariff(cfg, resolved)
		if err != nil {
			return nil, err
		}
		effective.RateSchedule = schedule
	}

	data := toConsumptionData(usage)
	result, err := g.calculator.CalculateBill(&effective, data, calculator.BillingPeriod{Start: start, End: end, AsOf: now})
	if err != nil {
		return nil, err
	}

	snapshot := result.TariffSnapshot
	if resolved != nil {
		snapshot = snapshot.WithTariff(resolved)
	}
	snapshotJSON, err := snapshot.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tariff snapshot: %w", err)
	}
	summaryJSON, err := json.Marshal(itemSummary{
		Channels:          usage,
		Details:           result.CalculationDetails,
		FixedAmount:       result.FixedAmount,
		ConsumptionAmount: result.ConsumptionAmount,
		Adjustments:       result.Adjustments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading summary: %w", err)
	}

	quantity, unit := data.TotalConsumption(), service.Unit
	if calculator.PricingModel(cfg.PricingModel) == calculator.FixedMonthly {
		quantity, unit = decimal.NewFromInt(1), "month"
	}

	return &db.InvoiceItem{
		ID:             uuid.New(),
		Description:    fmt.Sprintf("%s %s to %s", service.Name, start.Format("2006-01-02"), end.Format("2006-01-02")),
		Quantity:       quantity,
		Unit:           unit,
		UnitPrice:      unitPrice(result.TotalAmount, quantity),
		Total:          result.TotalAmount,
		TariffSnapshot: snapshotJSON,
		ReadingSummary: summaryJSON,
		CreatedAt:      now,
	}, nil
}

// overlayTariff replaces the schedule's rates with those of the provider tariff.
// Single-rate models only accept flat tariffs.
func overlayTariff(cfg *db.ServiceConfiguration, t *db.Tariff) ([]byte, error) {
	rs, err := calculator.ParseRateSchedule(cfg.RateSchedule)
	if err != nil {
		return nil, err
	}
	tc, err := tariff.ParseConfiguration(t.Configuration)
	if err != nil {
		return nil, err
	}
	if err := tariff.ValidateConfiguration(tc); err != nil {
		return nil, err
	}

	model := calculator.PricingModel(cfg.PricingModel)
	switch {
	case model == calculator.TimeOfUse && tc.Type == tariff.TypeTimeOfUse:
		rates := tc.ZoneRates()
		if _, ok := rates[calculator.DefaultZone]; !ok {
			rates[calculator.DefaultZone] = tc.Zones[0].Rate
		}
		rs.ZoneRates = rates
	case model == calculator.TimeOfUse && tc.Type == tariff.TypeFlat:
		rs.ZoneRates = map[string]decimal.Decimal{calculator.DefaultZone: *tc.Rate}
	case lo.Contains([]calculator.PricingModel{calculator.ConsumptionBased, calculator.Flat, calculator.Hybrid}, model):
		// A single unit rate cannot carry zone rates; billing the whole period
		// at one zone's rate would misprice it.
		if tc.Type != tariff.TypeFlat {
			return nil, apperr.Configuration("provider_id",
				"%s pricing needs a single rate but tariff %s of the provider is %s; use time_of_use pricing to bill by zone",
				model, t.ID, tc.Type)
		}
		rate := *tc.Rate
		rs.UnitRate = &rate
	}
	return rs.Encode()
}

func unitPrice(total, quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsZero() {
		return decimal.Zero
	}
	return total.DivRound(quantity, 4)
}

func sumItems(items []db.InvoiceItem) decimal.Decimal {
	return lo.Reduce(items, func(acc decimal.Decimal, it db.InvoiceItem, _ int) decimal.Decimal {
		return acc.Add(it.Total)
	}, decimal.Zero)
}

func invoiceNumber(start time.Time, id uuid.UUID) string {
	return fmt.Sprintf("INV-%s-%s", start.Format("200601"), strings.ToUpper(id.String()[:8]))
}

func (g *Generator) record(ctx context.Context, inv *db.Invoice, description string, causer uuid.UUID, props map[string]interface{}) {
	if props == nil {
		props = map[string]interface{}{}
	}
	props["invoice_number"] = inv.InvoiceNumber
	props["status"] = inv.Status
	props["total_amount"] = inv.TotalAmount.StringFixed(2)

	entry := activity.Entry{
		TenantID:    inv.TenantID,
		SubjectType: activity.SubjectInvoice,
		SubjectID:   inv.ID,
		Description: description,
		CauserID:    causer,
		Properties:  props,
		OccurredAt:  g.now().UTC(),
	}
	if err := g.recorder.Record(ctx, entry); err != nil {
		// Log error but don't fail the committed operation
		g.logger.Error("failed to record activity",
			zap.Error(err),
			zap.String("invoice_id", inv.ID.String()),
		)
	}
}
