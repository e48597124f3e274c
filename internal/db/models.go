package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UtilityType identifies the kind of measured utility
type UtilityType string

const (
	UtilityElectricity UtilityType = "electricity"
	UtilityWater       UtilityType = "water"
	UtilityHeating     UtilityType = "heating"
	UtilityGas         UtilityType = "gas"
)

// ReadingStatus is the validation status of a meter reading
type ReadingStatus string

const (
	ReadingPending        ReadingStatus = "pending"
	ReadingValidated      ReadingStatus = "validated"
	ReadingRejected       ReadingStatus = "rejected"
	ReadingRequiresReview ReadingStatus = "requires_review"
)

// InputMethod records how a reading entered the system
type InputMethod string

const (
	InputManual    InputMethod = "manual"
	InputPhotoOCR  InputMethod = "photo_ocr"
	InputCSV       InputMethod = "csv_import"
	InputAPI       InputMethod = "api_integration"
	InputEstimated InputMethod = "estimated"
)

// InvoiceStatus is the lifecycle status of an invoice
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceFinalized InvoiceStatus = "finalized"
	InvoicePaid      InvoiceStatus = "paid"
)

// Mutable reports whether monetary fields and items may still change.
func (s InvoiceStatus) Mutable() bool {
	return s == InvoiceDraft
}

// ReadingField declares one named sub-field of a multi-value meter
type ReadingField struct {
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	Cumulative bool   `json:"cumulative"`
	Required   bool   `json:"required"`
}

// Property is a rentable unit
type Property struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	AreaSqm  *decimal.Decimal
}

// TenantRenter is the person or company billed for a property
type TenantRenter struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	PropertyID uuid.UUID
	Name       string
}

// Meter represents a physical measurement point
type Meter struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	PropertyID       uuid.UUID
	SerialNumber     string
	UtilityType      UtilityType
	SupportsZones    bool
	ReadingStructure []ReadingField
	CreatedAt        time.Time
}

// IsMultiValue reports whether readings carry a map of named sub-values.
func (m *Meter) IsMultiValue() bool {
	return len(m.ReadingStructure) > 0
}

// MeterReading represents a meter reading in the database
type MeterReading struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	MeterID     uuid.UUID
	ReadingDate time.Time
	Value       decimal.Decimal
	Values      map[string]decimal.Decimal
	Zone        *string
	InputMethod InputMethod
	Status      ReadingStatus
	EnteredBy   uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ZoneKey returns the zone tag or "" for zone-less readings.
func (r *MeterReading) ZoneKey() string {
	if r.Zone == nil {
		return ""
	}
	return *r.Zone
}

// ReadingAudit captures one mutation of a meter reading
type ReadingAudit struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ReadingID    uuid.UUID
	Action       string
	OldValue     *decimal.Decimal
	NewValue     *decimal.Decimal
	OldValues    map[string]decimal.Decimal
	NewValues    map[string]decimal.Decimal
	OldStatus    ReadingStatus
	NewStatus    ReadingStatus
	ChangeReason string
	ChangedBy    uuid.UUID
	ChangedAt    time.Time
}

// Provider is a utility supplier scoped to a service type
type Provider struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Name        string
	ServiceType UtilityType
}

// Tariff is a provider's priced offering. Configuration holds the raw JSON
// document; its shape is owned by the tariff package.
type Tariff struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	ProviderID    uuid.UUID
	Name          string
	Configuration []byte
	ActiveFrom    time.Time
	ActiveUntil   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActiveOn reports whether the tariff applies on date.
func (t *Tariff) IsActiveOn(date time.Time) bool {
	if t.ActiveFrom.After(date) {
		return false
	}
	return t.ActiveUntil == nil || !t.ActiveUntil.Before(date)
}

// UtilityService is a billable utility offered on properties
type UtilityService struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Name        string
	ServiceType UtilityType
	Unit        string
}

// ServiceConfiguration binds a property to a utility service with pricing.
// RateSchedule holds the raw JSON document owned by the calculator package.
type ServiceConfiguration struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	PropertyID         uuid.UUID
	UtilityServiceID   uuid.UUID
	ProviderID         *uuid.UUID
	PricingModel       string
	RateSchedule       []byte
	DistributionMethod string
	EffectiveFrom      time.Time
	EffectiveUntil     *time.Time
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Overlaps reports whether the configuration's effective window intersects [from, until].
// A nil until means open-ended.
func (c *ServiceConfiguration) Overlaps(from time.Time, until *time.Time) bool {
	if until != nil && c.EffectiveFrom.After(*until) {
		return false
	}
	if c.EffectiveUntil != nil && c.EffectiveUntil.Before(from) {
		return false
	}
	return true
}

// Invoice is a billing-period statement for one tenant renter
type Invoice struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	TenantRenterID     uuid.UUID
	InvoiceNumber      string
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	DueDate            time.Time
	Status             InvoiceStatus
	TotalAmount        decimal.Decimal
	FinalizedAt        *time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Items              []InvoiceItem
}

// InvoiceItem is one line per utility; all monetary fields are snapshots
type InvoiceItem struct {
	ID             uuid.UUID
	InvoiceID      uuid.UUID
	Description    string
	Quantity       decimal.Decimal
	Unit           string
	UnitPrice      decimal.Decimal
	Total          decimal.Decimal
	TariffSnapshot []byte
	ReadingSummary []byte
	CreatedAt      time.Time
}
