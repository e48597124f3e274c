package service

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/septivank/utility-billing-engine/internal/apperr"
)

// Job kinds accepted on the jobs queue
const (
	KindReadingSubmit   = "reading.submit"
	KindReadingImport   = "reading.import"
	KindInvoiceGenerate = "invoice.generate"
	KindInvoiceFinalize = "invoice.finalize"
	KindInvoiceMarkPaid = "invoice.mark_paid"
	KindTariffCreate    = "tariff.create"
	KindConfigSave      = "configuration.save"
)

// Job is the envelope of every message on the jobs queue
type Job struct {
	JobID   string          `json:"job_id" validate:"required"`
	Kind    string          `json:"kind" validate:"required,oneof=reading.submit reading.import invoice.generate invoice.finalize invoice.mark_paid tariff.create configuration.save"`
	Actor   JobActor        `json:"actor" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// JobActor is the caller on whose behalf the job runs
type JobActor struct {
	UserID   string `json:"user_id" validate:"required,uuid"`
	TenantID string `json:"tenant_id" validate:"omitempty,uuid"`
	Role     string `json:"role" validate:"required"`
}

// ReadingSubmitPayload submits one meter reading
type ReadingSubmitPayload struct {
	MeterID     string            `json:"meter_id" validate:"required,uuid"`
	ReadingDate string            `json:"reading_date" validate:"required"`
	Value       string            `json:"value" validate:"required_without=Values"`
	Values      map[string]string `json:"values" validate:"required_without=Value"`
	Zone        string            `json:"zone"`
	InputMethod string            `json:"input_method" validate:"omitempty,oneof=manual photo_ocr csv_import api_integration estimated"`
}

// ReadingImportPayload carries a CSV document of readings
type ReadingImportPayload struct {
	CSV string `json:"csv" validate:"required"`
}

// InvoiceGeneratePayload generates a draft invoice for a billing period
type InvoiceGeneratePayload struct {
	TenantRenterID string `json:"tenant_renter_id" validate:"required,uuid"`
	PeriodStart    string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd      string `json:"period_end" validate:"required,datetime=2006-01-02"`
}

// InvoicePayload addresses an existing invoice
type InvoicePayload struct {
	InvoiceID string `json:"invoice_id" validate:"required,uuid"`
}

// TariffCreatePayload creates a provider tariff
type TariffCreatePayload struct {
	ProviderID    string          `json:"provider_id" validate:"required,uuid"`
	Name          string          `json:"name" validate:"required"`
	Configuration json.RawMessage `json:"configuration" validate:"required"`
	ActiveFrom    string          `json:"active_from" validate:"required,datetime=2006-01-02"`
	ActiveUntil   string          `json:"active_until" validate:"omitempty,datetime=2006-01-02"`
}

// ConfigurationSavePayload creates or replaces a service configuration
type ConfigurationSavePayload struct {
	ID                 string          `json:"id" validate:"omitempty,uuid"`
	PropertyID         string          `json:"property_id" validate:"required,uuid"`
	UtilityServiceID   string          `json:"utility_service_id" validate:"required,uuid"`
	ProviderID         string          `json:"provider_id" validate:"omitempty,uuid"`
	PricingModel       string          `json:"pricing_model" validate:"required"`
	RateSchedule       json.RawMessage `json:"rate_schedule" validate:"required"`
	DistributionMethod string          `json:"distribution_method" validate:"required"`
	EffectiveFrom      string          `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveUntil     string          `json:"effective_until" validate:"omitempty,datetime=2006-01-02"`
	IsActive           *bool           `json:"is_active"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError reports the first failed rule as an apperr ValidationError
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("payload", "%v", err)
	}
	fe := fieldErrs[0]
	return apperr.Validation(fe.Field(), "%s", ruleMessage(fe))
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted " + fe.Param()
	default:
		return "is invalid"
	}
}
