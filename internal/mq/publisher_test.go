package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/septivank/utility-billing-engine/internal/activity"
)

func TestActivityRoutingKey(t *testing.T) {
	assert.Equal(t, "activity.invoice", ActivityRoutingKey("activity", activity.SubjectInvoice))
	assert.Equal(t, "activity.meter_reading", ActivityRoutingKey("activity", activity.SubjectMeterReading))
	assert.Equal(t, "activity.unknown", ActivityRoutingKey("activity", ""))
}
