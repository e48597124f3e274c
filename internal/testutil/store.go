// Package testutil provides an in-memory store with the same tenant scoping
// and transaction semantics as the Postgres repository, for unit tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

type txKey struct{}

type state struct {
	properties     map[uuid.UUID]db.Property
	renters        map[uuid.UUID]db.TenantRenter
	meters         map[uuid.UUID]db.Meter
	readings       map[uuid.UUID]db.MeterReading
	audits         []db.ReadingAudit
	providers      map[uuid.UUID]db.Provider
	tariffs        map[uuid.UUID]db.Tariff
	services       map[uuid.UUID]db.UtilityService
	configurations map[uuid.UUID]db.ServiceConfiguration
	invoices       map[uuid.UUID]db.Invoice
}

func newState() state {
	return state{
		properties:     make(map[uuid.UUID]db.Property),
		renters:        make(map[uuid.UUID]db.TenantRenter),
		meters:         make(map[uuid.UUID]db.Meter),
		readings:       make(map[uuid.UUID]db.MeterReading),
		providers:      make(map[uuid.UUID]db.Provider),
		tariffs:        make(map[uuid.UUID]db.Tariff),
		services:       make(map[uuid.UUID]db.UtilityService),
		configurations: make(map[uuid.UUID]db.ServiceConfiguration),
		invoices:       make(map[uuid.UUID]db.Invoice),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.properties {
		c.properties[k] = v
	}
	for k, v := range s.renters {
		c.renters[k] = v
	}
	for k, v := range s.meters {
		c.meters[k] = v
	}
	for k, v := range s.readings {
		c.readings[k] = v
	}
	c.audits = append(c.audits, s.audits...)
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.tariffs {
		c.tariffs[k] = v
	}
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.configurations {
		c.configurations[k] = v
	}
	for k, v := range s.invoices {
		v.Items = append([]db.InvoiceItem(nil), v.Items...)
		c.invoices[k] = v
	}
	return c
}

// Store is an in-memory implementation of every store interface in the engine.
// RunInTx serializes transactions and rolls back all changes when fn fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data state

	// FailAuditInsert makes InsertReadingAudit fail, to exercise rollback.
	FailAuditInsert bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: newState()}
}

// RunInTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func visible(scope tenant.Scope, tenantID uuid.UUID, resource string, id uuid.UUID) error {
	if !scope.Allows(tenantID) {
		return apperr.NotFound(resource, id.String())
	}
	return nil
}

// Seeding

// AddProperty stores a property, assigning an ID when missing.
func (s *Store) AddProperty(p db.Property) db.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.data.properties[p.ID] = p
	return p
}

// AddRenter stores a tenant renter, assigning an ID when missing.
func (s *Store) AddRenter(r db.TenantRenter) db.TenantRenter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.data.renters[r.ID] = r
	return r
}

// AddMeter stores a meter, assigning an ID when missing.
func (s *Store) AddMeter(m db.Meter) db.Meter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.data.meters[m.ID] = m
	return m
}

// AddReading stores a reading as-is, bypassing validation.
func (s *Store) AddReading(r db.MeterReading) db.MeterReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = db.ReadingValidated
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.ReadingDate
	}
	s.data.readings[r.ID] = r
	return r
}

// AddProvider stores a provider, assigning an ID when missing.
func (s *Store) AddProvider(p db.Provider) db.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.data.providers[p.ID] = p
	return p
}

// AddTariff stores a tariff, assigning an ID and creation time when missing.
func (s *Store) AddTariff(t db.Tariff) db.Tariff {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.data.tariffs[t.ID] = t
	return t
}

// AddUtilityService stores a utility service, assigning an ID when missing.
func (s *Store) AddUtilityService(u db.UtilityService) db.UtilityService {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.data.services[u.ID] = u
	return u
}

// AddConfiguration stores a service configuration as-is, bypassing validation.
func (s *Store) AddConfiguration(c db.ServiceConfiguration) db.ServiceConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.data.configurations[c.ID] = c
	return c
}

// Inspection

// Readings returns every stored reading of a meter ordered by (reading_date, created_at).
func (s *Store) Readings(meterID uuid.UUID) []db.MeterReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.MeterReading
	for _, r := range s.data.readings {
		if r.MeterID == meterID {
			out = append(out, r)
		}
	}
	sortReadings(out)
	return out
}

// Audits returns the audit trail of a reading in insertion order.
func (s *Store) Audits(readingID uuid.UUID) []db.ReadingAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ReadingAudit
	for _, a := range s.data.audits {
		if a.ReadingID == readingID {
			out = append(out, a)
		}
	}
	return out
}

// Invoice returns the stored invoice, ignoring tenant scope.
func (s *Store) Invoice(id uuid.UUID) (db.Invoice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.data.invoices[id]
	if ok {
		inv.Items = append([]db.InvoiceItem(nil), inv.Items...)
	}
	return inv, ok
}

// SetTariffConfiguration overwrites a tariff's configuration in place.
func (s *Store) SetTariffConfiguration(id uuid.UUID, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.data.tariffs[id]
	t.Configuration = raw
	s.data.tariffs[id] = t
}

// SetRateSchedule overwrites a configuration's rate schedule in place.
func (s *Store) SetRateSchedule(id uuid.UUID, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.data.configurations[id]
	c.RateSchedule = raw
	s.data.configurations[id] = c
}

func sortReadings(rs []db.MeterReading) {
	sort.SliceStable(rs, func(i, j int) bool {
		return readingBefore(rs[i], rs[j])
	})
}

func readingBefore(a, b db.MeterReading) bool {
	if !a.ReadingDate.Equal(b.ReadingDate) {
		return a.ReadingDate.Before(b.ReadingDate)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
