// Package apperr defines the error taxonomy surfaced by the billing engine.
//
// Every error carries a human-readable reason naming the violated constraint so
// callers can render it without reinterpreting codes. None of these errors are
// transient; callers must not retry them.
package apperr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Markers used with errors.Is. Constructors attach them with errors.Mark so that
// wrapping with additional context keeps the classification.
var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrFinalized     = errors.New("already finalized")
)

// ValidationError reports an invalid reading value, date or zone.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConfigurationError reports a tariff or service configuration rejected at write time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing tariff, configuration or entity.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// FinalizedStateError reports a mutation attempt on a finalized or paid invoice.
type FinalizedStateError struct {
	InvoiceID string
	Status    string
}

func (e *FinalizedStateError) Error() string {
	return fmt.Sprintf("invoice %s is already finalized (status %s)", e.InvoiceID, e.Status)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...interface{}) error {
	return errors.Mark(&ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}, ErrValidation)
}

// Configuration builds a ConfigurationError for field.
func Configuration(field, format string, args ...interface{}) error {
	return errors.Mark(&ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}, ErrConfiguration)
}

// NotFound builds a NotFoundError for resource identified by key.
func NotFound(resource, key string) error {
	return errors.Mark(&NotFoundError{Resource: resource, Key: key}, ErrNotFound)
}

// Finalized builds a FinalizedStateError for the invoice.
func Finalized(invoiceID, status string) error {
	return errors.Mark(&FinalizedStateError{InvoiceID: invoiceID, Status: status}, ErrFinalized)
}

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsFinalized(err error) bool     { return errors.Is(err, ErrFinalized) }

// Reason extracts the human-readable reason of a taxonomy error, falling back
// to err.Error() for anything else.
func Reason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Field returns the offending field of a validation or configuration error.
func Field(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Field
	}
	return ""
}
