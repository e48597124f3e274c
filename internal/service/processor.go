package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/calculator"
	"github.com/septivank/utility-billing-engine/internal/catalog"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/logging"
	"github.com/septivank/utility-billing-engine/internal/mq"
	"github.com/septivank/utility-billing-engine/internal/reading"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/tools/timeparser"
)

// ReadingSubmitter stores validated meter readings
type ReadingSubmitter interface {
	Submit(ctx context.Context, scope tenant.Scope, in reading.Input) (*db.MeterReading, error)
	Import(ctx context.Context, scope tenant.Scope, r io.Reader, enteredBy uuid.UUID) (*reading.ImportReport, error)
}

// InvoiceManager generates invoices and moves them through their lifecycle
type InvoiceManager interface {
	Generate(ctx context.Context, scope tenant.Scope, renterID uuid.UUID, periodStart, periodEnd time.Time) (*db.Invoice, error)
	Finalize(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error)
	MarkPaid(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error)
}

// CatalogManager maintains tariffs and service configurations
type CatalogManager interface {
	CreateTariff(ctx context.Context, scope tenant.Scope, in catalog.TariffInput) (*db.Tariff, error)
	SaveConfiguration(ctx context.Context, scope tenant.Scope, in catalog.ConfigurationInput) (*db.ServiceConfiguration, error)
}

// ProcessorService dispatches billing jobs from the queue
type ProcessorService struct {
	readings ReadingSubmitter
	invoices InvoiceManager
	catalog  CatalogManager
	policy   tenant.Policy
	validate *validator.Validate
	logger   *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	readings ReadingSubmitter,
	invoices InvoiceManager,
	catalog CatalogManager,
	policy tenant.Policy,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		readings: readings,
		invoices: invoices,
		catalog:  catalog,
		policy:   policy,
		validate: newValidator(),
		logger:   logger,
	}
}

// ProcessMessage decodes a job envelope and runs it. Every returned error
// dead-letters the message; jobs are never retried by the engine.
func (s *ProcessorService) ProcessMessage(ctx context.Context, d mq.Delivery) error {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		s.logger.Warn("malformed job message", zap.String("message_id", d.MessageID), zap.Error(err))
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := s.validate.Struct(&job); err != nil {
		s.logger.Warn("invalid job envelope", zap.String("message_id", d.MessageID), zap.Error(err))
		return validationError(err)
	}

	jobLogger := logging.WithRequestID(s.logger, job.JobID).With(zap.String("kind", job.Kind))

	scope, err := s.scopeFor(job.Actor)
	if err != nil {
		jobLogger.Warn("job rejected by tenant policy", zap.Error(err))
		return err
	}
	jobLogger = logging.WithTenant(jobLogger, scope.TenantID())
	jobLogger.Info("processing job")

	start := time.Now()
	if err := s.dispatch(ctx, scope, job, jobLogger); err != nil {
		logFailure(jobLogger, err)
		return fmt.Errorf("job %s (%s) failed: %w", job.JobID, job.Kind, err)
	}

	jobLogger.Info("job processed successfully", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *ProcessorService) scopeFor(actor JobActor) (tenant.Scope, error) {
	userID, err := uuid.Parse(actor.UserID)
	if err != nil {
		return tenant.Scope{}, apperr.Validation("actor.user_id", "must be a UUID")
	}
	var tenantID uuid.UUID
	if actor.TenantID != "" {
		if tenantID, err = uuid.Parse(actor.TenantID); err != nil {
			return tenant.Scope{}, apperr.Validation("actor.tenant_id", "must be a UUID")
		}
	}
	return s.policy.Scope(tenant.Actor{UserID: userID, TenantID: tenantID, Role: tenant.Role(actor.Role)})
}

func (s *ProcessorService) dispatch(ctx context.Context, scope tenant.Scope, job Job, logger *zap.Logger) error {
	switch job.Kind {
	case KindReadingSubmit:
		return s.submitReading(ctx, scope, job.Payload, logger)
	case KindReadingImport:
		return s.importReadings(ctx, scope, job.Payload, logger)
	case KindInvoiceGenerate:
		return s.generateInvoice(ctx, scope, job.Payload, logger)
	case KindInvoiceFinalize:
		return s.invoiceTransition(ctx, scope, job.Payload, s.invoices.Finalize, logger)
	case KindInvoiceMarkPaid:
		return s.invoiceTransition(ctx, scope, job.Payload, s.invoices.MarkPaid, logger)
	case KindTariffCreate:
		return s.createTariff(ctx, scope, job.Payload, logger)
	case KindConfigSave:
		return s.saveConfiguration(ctx, scope, job.Payload, logger)
	default:
		return apperr.Validation("kind", "unsupported job kind %q", job.Kind)
	}
}

func (s *ProcessorService) decode(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Validation("payload", "malformed payload: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func (s *ProcessorService) submitReading(ctx context.Context, scope tenant.Scope, raw json.RawMessage, logger *zap.Logger) error {
	var p ReadingSubmitPayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}
	readingDate, err := timeparser.ParseReadingDate(p.ReadingDate)
	if err != nil {
		return apperr.Validation("reading_date", "%v", err)
	}

	r, err := s.readings.Submit(ctx, scope, reading.Input{
		MeterID:     uuid.MustParse(p.MeterID),
		ReadingDate: readingDate,
		Value:       p.Value,
		Values:      p.Values,
		Zone:        p.Zone,
		InputMethod: db.InputMethod(p.InputMethod),
		EnteredBy:   scope.ActorID(),
	})
	if err != nil {
		return err
	}

	logger.Info("reading stored",
		zap.String("reading_id", r.ID.String()),
		zap.String("meter_id", r.MeterID.String()),
		zap.String("status", string(r.Status)),
	)
	return nil
}

// importReadings stores every valid row of the document. Rejected rows are
// logged and do not fail the job; rows stored before a storage failure stay stored.
func (s *ProcessorService) importReadings(ctx context.Context, scope tenant.Scope, raw json.RawMessage, logger *zap.Logger) error {
	var p ReadingImportPayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}

	report, err := s.readings.Import(ctx, scope, strings.NewReader(p.CSV), scope.ActorID())
	if err != nil {
		return err
	}

	for _, row := range report.Rows {
		if row.Error != "" {
			logger.Warn("import row rejected",
				zap.Int("row", row.Row),
				zap.String("meter_id", row.MeterID),
				zap.String("reason", row.Error),
			)
		}
	}
	logger.Info("readings imported",
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
	)
	return nil
}

func (s *ProcessorService) generateInvoice(ctx context.Context, scope tenant.Scope, raw json.RawMessage, logger *zap.Logger) error {
	var p InvoiceGeneratePayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}
	start, _ := time.Parse(time.DateOnly, p.PeriodStart)
	end, _ := time.Parse(time.DateOnly, p.PeriodEnd)

	inv, err := s.invoices.Generate(ctx, scope, uuid.MustParse(p.TenantRenterID), start, end)
	if err != nil {
		return err
	}

	logger.Info("invoice generated",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total", inv.TotalAmount.StringFixed(2)),
		zap.Int("items", len(inv.Items)),
	)
	return nil
}

type invoiceAction func(ctx context.Context, scope tenant.Scope, invoiceID uuid.UUID) (*db.Invoice, error)

func (s *ProcessorService) invoiceTransition(ctx context.Context, scope tenant.Scope, raw json.RawMessage, action invoiceAction, logger *zap.Logger) error {
	var p InvoicePayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}

	inv, err := action(ctx, scope, uuid.MustParse(p.InvoiceID))
	if err != nil {
		return err
	}

	logger.Info("invoice status changed",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("status", string(inv.Status)),
	)
	return nil
}

func (s *ProcessorService) createTariff(ctx context.Context, scope tenant.Scope, raw json.RawMessage, logger *zap.Logger) error {
	var p TariffCreatePayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}
	from, _ := time.Parse(time.DateOnly, p.ActiveFrom)

	t, err := s.catalog.CreateTariff(ctx, scope, catalog.TariffInput{
		ProviderID:    uuid.MustParse(p.ProviderID),
		Name:          p.Name,
		Configuration: p.Configuration,
		ActiveFrom:    from,
		ActiveUntil:   optionalDate(p.ActiveUntil),
	})
	if err != nil {
		return err
	}

	logger.Info("tariff created", zap.String("tariff_id", t.ID.String()), zap.String("provider_id", p.ProviderID))
	return nil
}

func (s *ProcessorService) saveConfiguration(ctx context.Context, scope tenant.Scope, raw json.RawMessage, logger *zap.Logger) error {
	var p ConfigurationSavePayload
	if err := s.decode(raw, &p); err != nil {
		return err
	}
	from, _ := time.Parse(time.DateOnly, p.EffectiveFrom)

	in := catalog.ConfigurationInput{
		ID:                 optionalUUID(p.ID),
		PropertyID:         uuid.MustParse(p.PropertyID),
		UtilityServiceID:   uuid.MustParse(p.UtilityServiceID),
		ProviderID:         optionalUUID(p.ProviderID),
		PricingModel:       calculator.PricingModel(p.PricingModel),
		RateSchedule:       p.RateSchedule,
		DistributionMethod: calculator.DistributionMethod(p.DistributionMethod),
		EffectiveFrom:      from,
		EffectiveUntil:     optionalDate(p.EffectiveUntil),
		IsActive:           p.IsActive == nil || *p.IsActive,
	}
	c, err := s.catalog.SaveConfiguration(ctx, scope, in)
	if err != nil {
		return err
	}

	logger.Info("service configuration saved",
		zap.String("configuration_id", c.ID.String()),
		zap.String("pricing_model", c.PricingModel),
	)
	return nil
}

// optionalDate parses an already validated YYYY-MM-DD string
func optionalDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, _ := time.Parse(time.DateOnly, s)
	return &t
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}

// logFailure logs domain rejections as warnings and everything else as errors
func logFailure(logger *zap.Logger, err error) {
	switch {
	case apperr.IsValidation(err), apperr.IsConfiguration(err), apperr.IsNotFound(err), apperr.IsFinalized(err):
		logger.Warn("job rejected",
			zap.String("field", apperr.Field(err)),
			zap.String("reason", apperr.Reason(err)),
			zap.Error(err),
		)
	default:
		logger.Error("job failed", zap.Error(err))
	}
}
