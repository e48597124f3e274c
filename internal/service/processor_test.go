package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/anomaly"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/catalog"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/mq"
	"github.com/septivank/utility-billing-engine/internal/reading"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/internal/testutil"
)

type invoiceCall struct {
	action   string
	scope    tenant.Scope
	id       uuid.UUID
	start    time.Time
	end      time.Time
	returned *db.Invoice
}

type fakeInvoices struct {
	calls []invoiceCall
	err   error
}

func (f *fakeInvoices) Generate(_ context.Context, scope tenant.Scope, renterID uuid.UUID, start, end time.Time) (*db.Invoice, error) {
	f.calls = append(f.calls, invoiceCall{action: "generate", scope: scope, id: renterID, start: start, end: end})
	if f.err != nil {
		return nil, f.err
	}
	return &db.Invoice{ID: uuid.New(), InvoiceNumber: "INV-202406-00000000", Status: db.InvoiceDraft}, nil
}

func (f *fakeInvoices) Finalize(_ context.Context, scope tenant.Scope, id uuid.UUID) (*db.Invoice, error) {
	f.calls = append(f.calls, invoiceCall{action: "finalize", scope: scope, id: id})
	if f.err != nil {
		return nil, f.err
	}
	return &db.Invoice{ID: id, Status: db.InvoiceFinalized}, nil
}

func (f *fakeInvoices) MarkPaid(_ context.Context, scope tenant.Scope, id uuid.UUID) (*db.Invoice, error) {
	f.calls = append(f.calls, invoiceCall{action: "mark_paid", scope: scope, id: id})
	if f.err != nil {
		return nil, f.err
	}
	return &db.Invoice{ID: id, Status: db.InvoicePaid}, nil
}

type processorFixture struct {
	store     *testutil.Store
	invoices  *fakeInvoices
	processor *ProcessorService
	tenantID  uuid.UUID
	userID    uuid.UUID
	meter     db.Meter
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := testutil.NewStore()
	now := func() time.Time { return time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC) }
	readings := reading.NewService(store, reading.NewValidator(now), anomaly.NewDetector(3.0, 3), nil, 10, zap.NewNop())
	invoices := &fakeInvoices{}
	catalogSvc := catalog.NewService(store, nil, now, zap.NewNop())

	tenantID := uuid.New()
	property := store.AddProperty(db.Property{TenantID: tenantID, Name: "Flat 1"})
	meter := store.AddMeter(db.Meter{
		TenantID:     tenantID,
		PropertyID:   property.ID,
		SerialNumber: "EL-100",
		UtilityType:  db.UtilityElectricity,
	})

	return &processorFixture{
		store:     store,
		invoices:  invoices,
		processor: NewProcessorService(readings, invoices, catalogSvc, tenant.NewRolePolicy("superadmin"), zap.NewNop()),
		tenantID:  tenantID,
		userID:    uuid.New(),
		meter:     meter,
	}
}

func (f *processorFixture) job(kind, role string, payload interface{}) mq.Delivery {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	body, err := json.Marshal(Job{
		JobID:   uuid.NewString(),
		Kind:    kind,
		Actor:   JobActor{UserID: f.userID.String(), TenantID: f.tenantID.String(), Role: role},
		Payload: raw,
	})
	if err != nil {
		panic(err)
	}
	return mq.Delivery{MessageID: uuid.NewString(), RoutingKey: "billing.job." + kind, Body: body}
}

func TestProcessMessage_SubmitReading(t *testing.T) {
	f := newProcessorFixture(t)

	err := f.processor.ProcessMessage(context.Background(), f.job(KindReadingSubmit, "manager", ReadingSubmitPayload{
		MeterID:     f.meter.ID.String(),
		ReadingDate: "2024-06-10",
		Value:       "1234.5",
	}))
	require.NoError(t, err)

	stored := f.store.Readings(f.meter.ID)
	require.Len(t, stored, 1)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(stored[0].Value))
	assert.Equal(t, db.InputManual, stored[0].InputMethod)
	assert.Equal(t, f.userID, stored[0].EnteredBy)
}

func TestProcessMessage_ImportReadings(t *testing.T) {
	f := newProcessorFixture(t)
	other := uuid.NewString()

	csv := strings.Join([]string{
		"meter_id,reading_date,value,values,zone",
		f.meter.ID.String() + ",2024-06-01,100,,",
		f.meter.ID.String() + ",2024-06-10,150,,",
		other + ",2024-06-10,10,,",
	}, "\n")

	err := f.processor.ProcessMessage(context.Background(), f.job(KindReadingImport, "manager", ReadingImportPayload{CSV: csv}))
	require.NoError(t, err)

	stored := f.store.Readings(f.meter.ID)
	require.Len(t, stored, 2)
	for _, r := range stored {
		assert.Equal(t, db.InputCSV, r.InputMethod)
		assert.Equal(t, f.userID, r.EnteredBy)
	}
	assert.Equal(t, "150", stored[1].Value.String())
}

func TestProcessMessage_ImportReadingsRequiresDocument(t *testing.T) {
	f := newProcessorFixture(t)

	err := f.processor.ProcessMessage(context.Background(), f.job(KindReadingImport, "manager", ReadingImportPayload{}))
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, "csv", apperr.Field(err))
	assert.Empty(t, f.store.Readings(f.meter.ID))
}

func TestProcessMessage_SubmitReadingDomainRejection(t *testing.T) {
	f := newProcessorFixture(t)

	err := f.processor.ProcessMessage(context.Background(), f.job(KindReadingSubmit, "manager", ReadingSubmitPayload{
		MeterID:     f.meter.ID.String(),
		ReadingDate: "2024-07-01",
		Value:       "10",
	}))
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, f.store.Readings(f.meter.ID))
}

func TestProcessMessage_OtherTenantMeterIsNotFound(t *testing.T) {
	f := newProcessorFixture(t)
	f.tenantID = uuid.New()

	err := f.processor.ProcessMessage(context.Background(), f.job(KindReadingSubmit, "manager", ReadingSubmitPayload{
		MeterID:     f.meter.ID.String(),
		ReadingDate: "2024-06-10",
		Value:       "10",
	}))
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestProcessMessage_InvoiceJobs(t *testing.T) {
	f := newProcessorFixture(t)
	renterID, invoiceID := uuid.New(), uuid.New()

	require.NoError(t, f.processor.ProcessMessage(context.Background(), f.job(KindInvoiceGenerate, "manager", InvoiceGeneratePayload{
		TenantRenterID: renterID.String(),
		PeriodStart:    "2024-06-01",
		PeriodEnd:      "2024-06-30",
	})))
	require.NoError(t, f.processor.ProcessMessage(context.Background(), f.job(KindInvoiceFinalize, "manager", InvoicePayload{InvoiceID: invoiceID.String()})))
	require.NoError(t, f.processor.ProcessMessage(context.Background(), f.job(KindInvoiceMarkPaid, "manager", InvoicePayload{InvoiceID: invoiceID.String()})))

	require.Len(t, f.invoices.calls, 3)
	gen := f.invoices.calls[0]
	assert.Equal(t, "generate", gen.action)
	assert.Equal(t, renterID, gen.id)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), gen.start)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), gen.end)
	assert.Equal(t, f.tenantID, gen.scope.TenantID())
	assert.False(t, gen.scope.Bypass())

	assert.Equal(t, "finalize", f.invoices.calls[1].action)
	assert.Equal(t, "mark_paid", f.invoices.calls[2].action)
	assert.Equal(t, invoiceID, f.invoices.calls[2].id)
}

func TestProcessMessage_SuperadminBypassesTenantScope(t *testing.T) {
	f := newProcessorFixture(t)

	require.NoError(t, f.processor.ProcessMessage(context.Background(), f.job(KindInvoiceFinalize, "superadmin", InvoicePayload{InvoiceID: uuid.NewString()})))
	require.Len(t, f.invoices.calls, 1)
	assert.True(t, f.invoices.calls[0].scope.Bypass())
}

func TestProcessMessage_DomainErrorsPropagate(t *testing.T) {
	f := newProcessorFixture(t)
	id := uuid.New()
	f.invoices.err = apperr.Finalized(id.String(), "finalized")

	err := f.processor.ProcessMessage(context.Background(), f.job(KindInvoiceFinalize, "manager", InvoicePayload{InvoiceID: id.String()}))
	require.Error(t, err)
	assert.True(t, apperr.IsFinalized(err))
}

func TestProcessMessage_InvalidMessages(t *testing.T) {
	f := newProcessorFixture(t)

	tests := []struct {
		name  string
		msg   mq.Delivery
		field string
	}{
		{
			name:  "unknown kind",
			msg:   f.job("invoice.delete", "manager", InvoicePayload{InvoiceID: uuid.NewString()}),
			field: "kind",
		},
		{
			name:  "invoice id not a uuid",
			msg:   f.job(KindInvoiceFinalize, "manager", InvoicePayload{InvoiceID: "42"}),
			field: "invoice_id",
		},
		{
			name:  "reading without value",
			msg:   f.job(KindReadingSubmit, "manager", ReadingSubmitPayload{MeterID: uuid.NewString(), ReadingDate: "2024-06-10"}),
			field: "value",
		},
		{
			name:  "bad input method",
			msg:   f.job(KindReadingSubmit, "manager", ReadingSubmitPayload{MeterID: uuid.NewString(), ReadingDate: "2024-06-10", Value: "1", InputMethod: "fax"}),
			field: "input_method",
		},
		{
			name:  "period not a date",
			msg:   f.job(KindInvoiceGenerate, "manager", InvoiceGeneratePayload{TenantRenterID: uuid.NewString(), PeriodStart: "June", PeriodEnd: "2024-06-30"}),
			field: "period_start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.processor.ProcessMessage(context.Background(), tt.msg)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Equal(t, tt.field, apperr.Field(err))
		})
	}
	assert.Empty(t, f.invoices.calls)
}

func TestProcessMessage_MalformedBody(t *testing.T) {
	f := newProcessorFixture(t)
	err := f.processor.ProcessMessage(context.Background(), mq.Delivery{Body: []byte("{not json")})
	assert.Error(t, err)
}

func TestProcessMessage_ActorWithoutTenantIsRejected(t *testing.T) {
	f := newProcessorFixture(t)
	f.tenantID = uuid.Nil
	msg := f.job(KindInvoiceFinalize, "manager", InvoicePayload{InvoiceID: uuid.NewString()})

	require.Error(t, f.processor.ProcessMessage(context.Background(), msg))
	assert.Empty(t, f.invoices.calls)
}

func TestProcessMessage_CreateTariff(t *testing.T) {
	f := newProcessorFixture(t)
	provider := f.store.AddProvider(db.Provider{TenantID: f.tenantID, Name: "GridCo", ServiceType: db.UtilityElectricity})

	require.NoError(t, f.processor.ProcessMessage(context.Background(), f.job(KindTariffCreate, "manager", TariffCreatePayload{
		ProviderID:    provider.ID.String(),
		Name:          "Standard 2024",
		Configuration: json.RawMessage(`{"type":"flat","rate":0.21}`),
		ActiveFrom:    "2024-01-01",
	})))

	scope := tenant.ForTenant(f.tenantID, f.userID)
	tariffs, err := f.store.ListProviderTariffs(context.Background(), scope, provider.ID)
	require.NoError(t, err)
	require.Len(t, tariffs, 1)
	assert.Equal(t, "Standard 2024", tariffs[0].Name)
	assert.Nil(t, tariffs[0].ActiveUntil)

	err = f.processor.ProcessMessage(context.Background(), f.job(KindTariffCreate, "manager", TariffCreatePayload{
		ProviderID:    provider.ID.String(),
		Name:          "Broken",
		Configuration: json.RawMessage(`{"type":"time_of_use","zones":[]}`),
		ActiveFrom:    "2024-01-01",
	}))
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}
