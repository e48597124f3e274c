package anomaly

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Detector flags consumption deltas that spike above the recent average
type Detector struct {
	spikeThreshold            decimal.Decimal
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            decimal.NewFromFloat(spikeThreshold),
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectSpike checks whether consumption is anomalous against historical deltas.
// A flagged reading is kept but routed to manual review.
func (d *Detector) DetectSpike(consumption decimal.Decimal, history []decimal.Decimal) (bool, string) {
	if d == nil {
		return false, ""
	}
	if consumption.IsNegative() {
		return true, "negative consumption"
	}

	// Need enough historical data for spike detection
	if len(history) < d.minDataPointsForDetection || len(history) == 0 {
		return false, ""
	}

	sum := decimal.Zero
	for _, v := range history {
		sum = sum.Add(v)
	}
	average := sum.Div(decimal.NewFromInt(int64(len(history))))

	if average.IsPositive() && consumption.GreaterThan(d.spikeThreshold.Mul(average)) {
		return true, fmt.Sprintf("consumption spike: %s exceeds %sx rolling average %s",
			consumption.StringFixed(2), d.spikeThreshold.String(), average.StringFixed(2))
	}

	return false, ""
}
