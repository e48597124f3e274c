package anomaly

import (
	"testing"

	"github.com/shopspring/decimal"
)

const (
	testSpikeThreshold            = 3.0
	testMinDataPointsForDetection = 3
)

func deltas(values ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestDetectSpike_SuddenSpike(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectSpike(decimal.NewFromInt(350), deltas(100, 105, 98, 102, 99))

	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}
	if reason == "" {
		t.Error("Expected reason for spike anomaly")
	}
}

func TestDetectSpike_NormalValue(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectSpike(decimal.NewFromInt(103), deltas(100, 105, 98, 102, 99))

	if isAnomaly {
		t.Errorf("Expected no anomaly, but got: %s", reason)
	}
}

func TestDetectSpike_InsufficientData(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	if isAnomaly, _ := detector.DetectSpike(decimal.NewFromInt(300), deltas(100, 105)); isAnomaly {
		t.Error("Should not detect spike with insufficient historical data")
	}
}

func TestDetectSpike_ZeroAverage(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	if isAnomaly, _ := detector.DetectSpike(decimal.NewFromInt(100), deltas(0, 0, 0)); isAnomaly {
		t.Error("Should not detect spike when historical average is 0")
	}
}

func TestDetectSpike_NilDetector(t *testing.T) {
	var detector *Detector

	if isAnomaly, _ := detector.DetectSpike(decimal.NewFromInt(1000), deltas(1, 1, 1)); isAnomaly {
		t.Error("Nil detector must never flag readings")
	}
}
