package testutil

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

// Properties and renters

func (s *Store) GetProperty(_ context.Context, scope tenant.Scope, propertyID uuid.UUID) (*db.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.properties[propertyID]
	if !ok {
		return nil, apperr.NotFound("property", propertyID.String())
	}
	if err := visible(scope, p.TenantID, "property", propertyID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) LockProperty(ctx context.Context, scope tenant.Scope, propertyID uuid.UUID) error {
	_, err := s.GetProperty(ctx, scope, propertyID)
	return err
}

func (s *Store) GetRenter(_ context.Context, scope tenant.Scope, renterID uuid.UUID) (*db.TenantRenter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.renters[renterID]
	if !ok {
		return nil, apperr.NotFound("tenant renter", renterID.String())
	}
	if err := visible(scope, r.TenantID, "tenant renter", renterID); err != nil {
		return nil, err
	}
	return &r, nil
}

// Meters and readings

func (s *Store) GetMeter(_ context.Context, scope tenant.Scope, meterID uuid.UUID) (*db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data.meters[meterID]
	if !ok {
		return nil, apperr.NotFound("meter", meterID.String())
	}
	if err := visible(scope, m.TenantID, "meter", meterID); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) LockMeter(ctx context.Context, scope tenant.Scope, meterID uuid.UUID) error {
	_, err := s.GetMeter(ctx, scope, meterID)
	return err
}

func (s *Store) ListPropertyMeters(_ context.Context, scope tenant.Scope, propertyID uuid.UUID, utilityType db.UtilityType) ([]db.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Meter
	for _, m := range s.data.meters {
		if m.PropertyID == propertyID && m.UtilityType == utilityType && scope.Allows(m.TenantID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func (s *Store) GetReading(_ context.Context, scope tenant.Scope, readingID uuid.UUID) (*db.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.readings[readingID]
	if !ok {
		return nil, apperr.NotFound("meter reading", readingID.String())
	}
	if err := visible(scope, r.TenantID, "meter reading", readingID); err != nil {
		return nil, err
	}
	return &r, nil
}

// sequence returns the non-rejected readings of a (meter, zone) pair in order.
func (s *Store) sequence(scope tenant.Scope, meterID uuid.UUID, zone string) []db.MeterReading {
	var out []db.MeterReading
	for _, r := range s.data.readings {
		if r.MeterID != meterID || r.ZoneKey() != zone || r.Status == db.ReadingRejected || !scope.Allows(r.TenantID) {
			continue
		}
		out = append(out, r)
	}
	sortReadings(out)
	return out
}

func (s *Store) AdjacentReadings(_ context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, readingDate, createdAt time.Time, excludeID uuid.UUID) (*db.MeterReading, *db.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pivot := db.MeterReading{ReadingDate: readingDate, CreatedAt: createdAt}
	var prev, next *db.MeterReading
	for _, r := range s.sequence(scope, meterID, zone) {
		if r.ID == excludeID {
			continue
		}
		r := r
		if readingBefore(r, pivot) {
			prev = &r
			continue
		}
		if next == nil {
			next = &r
		}
	}
	return prev, next, nil
}

func (s *Store) RecentReadings(_ context.Context, scope tenant.Scope, meterID uuid.UUID, zone string, before time.Time, limit int) ([]db.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.MeterReading
	seq := s.sequence(scope, meterID, zone)
	for i := len(seq) - 1; i >= 0 && len(out) < limit; i-- {
		if seq[i].ReadingDate.Before(before) {
			out = append(out, seq[i])
		}
	}
	return out, nil
}

func (s *Store) ListMeterReadings(_ context.Context, scope tenant.Scope, meterID uuid.UUID, until time.Time) ([]db.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := until.AddDate(0, 0, 1)
	var out []db.MeterReading
	for _, r := range s.data.readings {
		if r.MeterID == meterID && r.Status != db.ReadingRejected && r.ReadingDate.Before(cutoff) && scope.Allows(r.TenantID) {
			out = append(out, r)
		}
	}
	sortReadings(out)
	return out, nil
}

func (s *Store) InsertReading(_ context.Context, reading *db.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.readings[reading.ID]; ok {
		return fmt.Errorf("duplicate reading %s", reading.ID)
	}
	s.data.readings[reading.ID] = *reading
	return nil
}

func (s *Store) UpdateReading(_ context.Context, reading *db.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.readings[reading.ID]; !ok {
		return apperr.NotFound("meter reading", reading.ID.String())
	}
	s.data.readings[reading.ID] = *reading
	return nil
}

func (s *Store) InsertReadingAudit(_ context.Context, audit *db.ReadingAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAuditInsert {
		return fmt.Errorf("audit insert failed")
	}
	s.data.audits = append(s.data.audits, *audit)
	return nil
}

// Providers and tariffs

func (s *Store) GetProvider(_ context.Context, scope tenant.Scope, providerID uuid.UUID) (*db.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data.providers[providerID]
	if !ok {
		return nil, apperr.NotFound("provider", providerID.String())
	}
	if err := visible(scope, p.TenantID, "provider", providerID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetTariff(_ context.Context, scope tenant.Scope, tariffID uuid.UUID) (*db.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.tariffs[tariffID]
	if !ok {
		return nil, apperr.NotFound("tariff", tariffID.String())
	}
	if err := visible(scope, t.TenantID, "tariff", tariffID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListProviderTariffs(_ context.Context, scope tenant.Scope, providerID uuid.UUID) ([]db.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Tariff
	for _, t := range s.data.tariffs {
		if t.ProviderID == providerID && scope.Allows(t.TenantID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertTariff(_ context.Context, t *db.Tariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tariffs[t.ID] = *t
	return nil
}

func (s *Store) UpdateTariff(_ context.Context, t *db.Tariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.tariffs[t.ID]; !ok {
		return apperr.NotFound("tariff", t.ID.String())
	}
	s.data.tariffs[t.ID] = *t
	return nil
}

// Utility services and configurations

func (s *Store) GetUtilityService(_ context.Context, scope tenant.Scope, serviceID uuid.UUID) (*db.UtilityService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.services[serviceID]
	if !ok {
		return nil, apperr.NotFound("utility service", serviceID.String())
	}
	if err := visible(scope, u.TenantID, "utility service", serviceID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetConfiguration(_ context.Context, scope tenant.Scope, configID uuid.UUID) (*db.ServiceConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.configurations[configID]
	if !ok {
		return nil, apperr.NotFound("service configuration", configID.String())
	}
	if err := visible(scope, c.TenantID, "service configuration", configID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListPropertyConfigurations(_ context.Context, scope tenant.Scope, propertyID, utilityServiceID uuid.UUID) ([]db.ServiceConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ServiceConfiguration
	for _, c := range s.data.configurations {
		if c.PropertyID == propertyID && c.UtilityServiceID == utilityServiceID && scope.Allows(c.TenantID) {
			out = append(out, c)
		}
	}
	sortConfigurations(out)
	return out, nil
}

func (s *Store) ListActiveConfigurations(_ context.Context, scope tenant.Scope, propertyID uuid.UUID, from, to time.Time) ([]db.ServiceConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ServiceConfiguration
	for _, c := range s.data.configurations {
		if c.PropertyID == propertyID && c.IsActive && c.Overlaps(from, &to) && scope.Allows(c.TenantID) {
			out = append(out, c)
		}
	}
	sortConfigurations(out)
	return out, nil
}

func (s *Store) InsertConfiguration(_ context.Context, c *db.ServiceConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.configurations[c.ID] = *c
	return nil
}

func (s *Store) UpdateConfiguration(_ context.Context, c *db.ServiceConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.configurations[c.ID]; !ok {
		return apperr.NotFound("service configuration", c.ID.String())
	}
	s.data.configurations[c.ID] = *c
	return nil
}

func sortConfigurations(cs []db.ServiceConfiguration) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}

// Invoices

func (s *Store) InsertInvoice(_ context.Context, invoice *db.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *invoice
	stored.Items = append([]db.InvoiceItem(nil), invoice.Items...)
	s.data.invoices[stored.ID] = stored
	return nil
}

func (s *Store) GetInvoice(_ context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.data.invoices[invoiceID]
	if !ok {
		return nil, apperr.NotFound("invoice", invoiceID.String())
	}
	if err := visible(scope, inv.TenantID, "invoice", invoiceID); err != nil {
		return nil, err
	}
	inv.Items = append([]db.InvoiceItem(nil), inv.Items...)
	return &inv, nil
}

func (s *Store) LockInvoice(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error) {
	return s.GetInvoice(ctx, scope, invoiceID)
}

func (s *Store) TransitionInvoice(_ context.Context, scope tenant.Scope, invoiceID uuid.UUID, from, to db.InvoiceStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.data.invoices[invoiceID]
	if !ok || !scope.Allows(inv.TenantID) || inv.Status != from {
		return false, nil
	}
	inv.Status, inv.UpdatedAt = to, at
	switch to {
	case db.InvoiceFinalized:
		inv.FinalizedAt = &at
	case db.InvoicePaid:
		inv.PaidAt = &at
	}
	s.data.invoices[invoiceID] = inv
	return true, nil
}

// mutableInvoice mirrors the database trigger rejecting writes to finalized invoices.
func (s *Store) mutableInvoice(invoiceID uuid.UUID) (db.Invoice, error) {
	inv, ok := s.data.invoices[invoiceID]
	if !ok {
		return db.Invoice{}, apperr.NotFound("invoice", invoiceID.String())
	}
	if !inv.Status.Mutable() {
		return db.Invoice{}, apperr.Finalized(invoiceID.String(), string(inv.Status))
	}
	return inv, nil
}

func (s *Store) UpdateInvoiceTotal(_ context.Context, invoiceID uuid.UUID, total decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.mutableInvoice(invoiceID)
	if err != nil {
		return err
	}
	inv.TotalAmount, inv.UpdatedAt = total, at
	s.data.invoices[invoiceID] = inv
	return nil
}

func (s *Store) ReplaceInvoiceItems(_ context.Context, invoiceID uuid.UUID, items []db.InvoiceItem, total decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.mutableInvoice(invoiceID)
	if err != nil {
		return err
	}
	inv.Items = append([]db.InvoiceItem(nil), items...)
	inv.TotalAmount, inv.UpdatedAt = total, at
	s.data.invoices[invoiceID] = inv
	return nil
}

func (s *Store) DeleteInvoiceItem(_ context.Context, invoiceID, itemID uuid.UUID, total decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.mutableInvoice(invoiceID)
	if err != nil {
		return err
	}
	kept := make([]db.InvoiceItem, 0, len(inv.Items))
	for _, it := range inv.Items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	inv.Items = kept
	inv.TotalAmount, inv.UpdatedAt = total, at
	s.data.invoices[invoiceID] = inv
	return nil
}
