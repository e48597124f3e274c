//go:build integration

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/migration"
	"github.com/septivank/utility-billing-engine/internal/repository"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/migrations"
)

type RepositoryTestSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
	repo      *repository.Repository
	scope     tenant.Scope
	tenantID  uuid.UUID
	property  uuid.UUID
	renter    uuid.UUID
	meter     uuid.UUID
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func (s *RepositoryTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("billing_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	s.Require().NoError(err, "failed to start PostgreSQL container")
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	m, err := migration.New(migrations.FS, dsn, zap.NewNop())
	s.Require().NoError(err)
	s.Require().NoError(m.Up())
	s.Require().NoError(m.Close())

	s.pool, err = pgxpool.New(ctx, dsn)
	s.Require().NoError(err)
	s.repo = repository.NewRepository(s.pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		if err := s.container.Terminate(context.Background()); err != nil {
			s.T().Logf("failed to terminate container: %v", err)
		}
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	ctx := context.Background()
	s.tenantID = uuid.New()
	s.scope = tenant.ForTenant(s.tenantID, uuid.New())
	s.property, s.renter, s.meter = uuid.New(), uuid.New(), uuid.New()

	s.exec(ctx, `INSERT INTO properties (id, tenant_id, name, area_sqm) VALUES ($1, $2, 'Flat 1', 48.5)`, s.property, s.tenantID)
	s.exec(ctx, `INSERT INTO tenant_renters (id, tenant_id, property_id, name) VALUES ($1, $2, $3, 'Jordan Doe')`, s.renter, s.tenantID, s.property)
	s.exec(ctx, `INSERT INTO meters (id, tenant_id, property_id, serial_number, utility_type) VALUES ($1, $2, $3, $4, 'electricity')`,
		s.meter, s.tenantID, s.property, "EL-"+s.meter.String()[:8])
}

func (s *RepositoryTestSuite) exec(ctx context.Context, sql string, args ...any) {
	_, err := s.pool.Exec(ctx, sql, args...)
	s.Require().NoError(err)
}

func (s *RepositoryTestSuite) insertReading(date string, value int64, createdAt time.Time) db.MeterReading {
	d, err := time.Parse("2006-01-02", date)
	s.Require().NoError(err)
	r := db.MeterReading{
		ID:          uuid.New(),
		TenantID:    s.tenantID,
		MeterID:     s.meter,
		ReadingDate: d,
		Value:       decimal.NewFromInt(value),
		InputMethod: db.InputManual,
		Status:      db.ReadingValidated,
		EnteredBy:   uuid.New(),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	s.Require().NoError(s.repo.InsertReading(context.Background(), &r))
	return r
}

func (s *RepositoryTestSuite) TestTenantScoping() {
	ctx := context.Background()

	meter, err := s.repo.GetMeter(ctx, s.scope, s.meter)
	s.Require().NoError(err)
	s.Equal(s.property, meter.PropertyID)
	s.False(meter.IsMultiValue())

	_, err = s.repo.GetMeter(ctx, tenant.ForTenant(uuid.New(), uuid.New()), s.meter)
	s.True(apperr.IsNotFound(err))

	property, err := s.repo.GetProperty(ctx, s.scope, s.property)
	s.Require().NoError(err)
	s.Require().NotNil(property.AreaSqm)
	s.Equal("48.5", property.AreaSqm.String())
}

func (s *RepositoryTestSuite) TestAdjacentReadings() {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	first := s.insertReading("2024-05-01", 100, base)
	second := s.insertReading("2024-06-01", 200, base.Add(time.Hour))
	third := s.insertReading("2024-06-01", 210, base.Add(2*time.Hour))

	prev, next, err := s.repo.AdjacentReadings(ctx, s.scope, s.meter, "", second.ReadingDate, second.CreatedAt, second.ID)
	s.Require().NoError(err)
	s.Require().NotNil(prev)
	s.Require().NotNil(next)
	s.Equal(first.ID, prev.ID)
	s.Equal(third.ID, next.ID)
	s.True(decimal.NewFromInt(210).Equal(next.Value))

	recent, err := s.repo.RecentReadings(ctx, s.scope, s.meter, "", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), 10)
	s.Require().NoError(err)
	s.Require().Len(recent, 3)
	s.Equal(third.ID, recent[0].ID)

	prev, next, err = s.repo.AdjacentReadings(ctx, s.scope, s.meter, "", first.ReadingDate, first.CreatedAt, first.ID)
	s.Require().NoError(err)
	s.Nil(prev)
	s.Equal(second.ID, next.ID)
}

func (s *RepositoryTestSuite) TestReadingAuditInsideTransaction() {
	ctx := context.Background()
	r := s.insertReading("2024-06-10", 500, time.Now().UTC())

	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		r.Value = decimal.NewFromInt(550)
		r.UpdatedAt = time.Now().UTC()
		if err := s.repo.UpdateReading(ctx, &r); err != nil {
			return err
		}
		old, nv := decimal.NewFromInt(500), decimal.NewFromInt(550)
		if err := s.repo.InsertReadingAudit(ctx, &db.ReadingAudit{
			ID: uuid.New(), TenantID: s.tenantID, ReadingID: r.ID, Action: "updated",
			OldValue: &old, NewValue: &nv, OldStatus: db.ReadingValidated, NewStatus: db.ReadingValidated,
			ChangeReason: "typo", ChangedBy: uuid.New(), ChangedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return apperr.Validation("value", "forced rollback")
	})
	s.Require().Error(err)

	stored, err := s.repo.GetReading(ctx, s.scope, r.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(500).Equal(stored.Value))

	var audits int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reading_audits WHERE reading_id = $1`, r.ID).Scan(&audits))
	s.Zero(audits)
}

func (s *RepositoryTestSuite) newInvoice() *db.Invoice {
	now := time.Now().UTC()
	id := uuid.New()
	return &db.Invoice{
		ID:                 id,
		TenantID:           s.tenantID,
		TenantRenterID:     s.renter,
		InvoiceNumber:      "INV-202406-" + id.String()[:8],
		BillingPeriodStart: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		DueDate:            time.Date(2024, 7, 14, 0, 0, 0, 0, time.UTC),
		Status:             db.InvoiceDraft,
		TotalAmount:        decimal.RequireFromString("62.50"),
		CreatedAt:          now,
		UpdatedAt:          now,
		Items: []db.InvoiceItem{{
			ID:             uuid.New(),
			InvoiceID:      id,
			Description:    "Electricity",
			Quantity:       decimal.NewFromInt(250),
			Unit:           "kWh",
			UnitPrice:      decimal.RequireFromString("0.25"),
			Total:          decimal.RequireFromString("62.50"),
			TariffSnapshot: []byte(`{"pricing_model":"flat"}`),
			ReadingSummary: []byte(`{"channels":[]}`),
			CreatedAt:      now,
		}},
	}
}

func (s *RepositoryTestSuite) TestFinalizedInvoiceIsImmutable() {
	ctx := context.Background()
	inv := s.newInvoice()
	s.Require().NoError(s.repo.InsertInvoice(ctx, inv))

	loaded, err := s.repo.GetInvoice(ctx, s.scope, inv.ID)
	s.Require().NoError(err)
	s.Require().Len(loaded.Items, 1)
	s.Equal("62.5", loaded.TotalAmount.String())
	s.JSONEq(`{"pricing_model":"flat"}`, string(loaded.Items[0].TariffSnapshot))

	ok, err := s.repo.TransitionInvoice(ctx, s.scope, inv.ID, db.InvoiceDraft, db.InvoiceFinalized, time.Now().UTC())
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.repo.TransitionInvoice(ctx, s.scope, inv.ID, db.InvoiceDraft, db.InvoiceFinalized, time.Now().UTC())
	s.Require().NoError(err)
	s.False(ok)

	err = s.repo.UpdateInvoiceTotal(ctx, inv.ID, decimal.NewFromInt(1), time.Now().UTC())
	s.True(apperr.IsFinalized(err), "unexpected error: %v", err)

	err = s.repo.DeleteInvoiceItem(ctx, inv.ID, inv.Items[0].ID, decimal.Zero, time.Now().UTC())
	s.True(apperr.IsFinalized(err), "unexpected error: %v", err)

	err = s.repo.ReplaceInvoiceItems(ctx, inv.ID, nil, decimal.Zero, time.Now().UTC())
	s.True(apperr.IsFinalized(err), "unexpected error: %v", err)

	ok, err = s.repo.TransitionInvoice(ctx, s.scope, inv.ID, db.InvoiceFinalized, db.InvoicePaid, time.Now().UTC())
	s.Require().NoError(err)
	s.True(ok)

	final, err := s.repo.GetInvoice(ctx, s.scope, inv.ID)
	s.Require().NoError(err)
	s.Equal(db.InvoicePaid, final.Status)
	s.NotNil(final.FinalizedAt)
	s.NotNil(final.PaidAt)
	s.Equal("62.5", final.TotalAmount.String())
	s.Len(final.Items, 1)
}

func (s *RepositoryTestSuite) TestDraftInvoiceEditing() {
	ctx := context.Background()
	inv := s.newInvoice()
	s.Require().NoError(s.repo.InsertInvoice(ctx, inv))

	s.Require().NoError(s.repo.DeleteInvoiceItem(ctx, inv.ID, inv.Items[0].ID, decimal.Zero, time.Now().UTC()))

	loaded, err := s.repo.LockInvoice(ctx, s.scope, inv.ID)
	s.Require().NoError(err)
	s.Empty(loaded.Items)
	s.True(loaded.TotalAmount.IsZero())
}

