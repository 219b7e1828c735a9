package analysis

import (
	"testing"

	"battery-policy/internal/env"

	"github.com/stretchr/testify/assert"
)

func testParams() env.Params {
	return env.Params{CapacityKWh: 10, MaxChargeKW: 5, MaxDischargeKW: 5, PeakTax: 0.5}
}

func zeros(n int) []float64 { return make([]float64, n) }

func TestComputeBound_EmptySeries(t *testing.T) {
	b := ComputeBound(nil, nil, nil, testParams())
	assert.Zero(t, b.Steps)
	assert.Zero(t, b.MinCost)
}

func TestComputeBound_PriceStatistics(t *testing.T) {
	price := []float64{0.1, 0.4, 0.2, 0.3}
	b := ComputeBound(price, zeros(4), zeros(4), testParams())

	assert.Equal(t, 4, b.Steps)
	assert.InDelta(t, 0.1, b.MinPrice, 1e-9)
	assert.InDelta(t, 0.4, b.MaxPrice, 1e-9)
	assert.InDelta(t, 0.25, b.MeanPrice, 1e-9)
	assert.GreaterOrEqual(t, b.P95Price, b.P05Price)
}

func TestComputeBound_HoldingCostsNothing(t *testing.T) {
	// With positive prices and no solar the oracle just holds.
	price := []float64{0.2, 0.3, 0.25}
	b := ComputeBound(price, zeros(3), zeros(3), testParams())
	assert.InDelta(t, 0.0, b.MinCost, 1e-9)
}

func TestComputeBound_NegativePricesAreHarvested(t *testing.T) {
	// One negative-price step: charge the full 5 kWh at -0.1, then stop.
	price := []float64{-0.1, 0.2}
	b := ComputeBound(price, zeros(2), zeros(2), testParams())
	assert.InDelta(t, -0.5, b.MinCost, 1e-9)
}

func TestComputeBound_SolarCoversCharging(t *testing.T) {
	// Solar covers the whole charge, so even charging is free.
	price := []float64{0.2, 0.2}
	pv := []float64{5, 5}
	b := ComputeBound(price, pv, zeros(2), testParams())
	assert.InDelta(t, 0.0, b.MinCost, 1e-9)
}

func TestComputeBound_PeakTaxRaisesCost(t *testing.T) {
	price := []float64{-0.1}
	offPeak := ComputeBound(price, zeros(1), []float64{0}, testParams())
	onPeak := ComputeBound(price, zeros(1), []float64{1}, testParams())

	// Negative price with peak tax pays out more on-peak.
	assert.Less(t, onPeak.MinCost, offPeak.MinCost)
}

func TestComputeBound_NeverAboveZeroWithFreeStart(t *testing.T) {
	// Holding is always available, so the bound can never be positive.
	price := []float64{0.5, 0.9, 1.2, 0.1}
	pv := []float64{0, 1, 0, 2}
	peak := []float64{1, 0, 1, 0}
	b := ComputeBound(price, pv, peak, testParams())
	assert.LessOrEqual(t, b.MinCost, 0.0)
}

func TestPercentileSorted(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, percentileSorted(sorted, 0), 1e-9)
	assert.InDelta(t, 5.0, percentileSorted(sorted, 1), 1e-9)
	assert.InDelta(t, 3.0, percentileSorted(sorted, 0.5), 1e-9)
	assert.InDelta(t, 2.0, percentileSorted(sorted, 0.25), 1e-9)
	assert.Zero(t, percentileSorted(nil, 0.5))
}
