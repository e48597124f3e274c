package calculator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/utility-billing-engine/internal/db"
)

// TariffSnapshot is the immutable copy of the rate data used for one
// calculation. It is stored verbatim on the invoice item.
type TariffSnapshot struct {
	ServiceConfigurationID uuid.UUID       `json:"service_configuration_id"`
	PricingModel           PricingModel    `json:"pricing_model"`
	RateSchedule           json.RawMessage `json:"rate_schedule"`
	DistributionMethod     string          `json:"distribution_method"`
	EffectiveFrom          time.Time       `json:"effective_from"`
	EffectiveUntil         *time.Time      `json:"effective_until,omitempty"`
	Tariff                 *TariffRef      `json:"tariff,omitempty"`
	SnapshotCreatedAt      time.Time       `json:"snapshot_created_at"`
}

// TariffRef records the provider tariff whose rates fed the schedule
type TariffRef struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
	ActiveFrom    time.Time       `json:"active_from"`
}

func newSnapshot(cfg *db.ServiceConfiguration, at time.Time) TariffSnapshot {
	s := TariffSnapshot{
		ServiceConfigurationID: cfg.ID,
		PricingModel:           PricingModel(cfg.PricingModel),
		RateSchedule:           cloneBytes(cfg.RateSchedule),
		DistributionMethod:     cfg.DistributionMethod,
		EffectiveFrom:          cfg.EffectiveFrom,
		SnapshotCreatedAt:      at,
	}
	if cfg.EffectiveUntil != nil {
		until := *cfg.EffectiveUntil
		s.EffectiveUntil = &until
	}
	return s
}

// WithTariff returns a copy of the snapshot referencing t.
func (s TariffSnapshot) WithTariff(t *db.Tariff) TariffSnapshot {
	s.Tariff = &TariffRef{
		ID:            t.ID,
		Name:          t.Name,
		Configuration: cloneBytes(t.Configuration),
		ActiveFrom:    t.ActiveFrom,
	}
	return s
}

// Encode serializes the snapshot for storage.
func (s TariffSnapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
