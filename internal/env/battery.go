// Package env implements the differentiable battery simulator the controllers
// are trained through. Constraint enforcement uses a soft clamp sharpened by a
// temperature beta so that gradients flow through the physical cutoffs;
// beta = +Inf selects exact hard clamping for inference and replay.
package env

import (
	"errors"
	"math"

	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
	"gonum.org/v1/gonum/stat/distuv"
)

// Params defines the physical and tariff parameters of the battery.
// Units:
// - CapacityKWh: kWh
// - MaxChargeKW / MaxDischargeKW: kWh per timestep (positive)
// - PeakTax: extra cost multiplier fraction applied during peak tariff periods
type Params struct {
	CapacityKWh    float64
	MaxChargeKW    float64
	MaxDischargeKW float64
	PeakTax        float64
}

// Battery is the single-step environment.
type Battery struct {
	Params Params

	// initDist draws random initial states of charge for training rollouts.
	initDist distuv.Uniform
}

func NewBattery(params Params) (*Battery, error) {
	// If no discharge rate is given, mirror the charge rate.
	if params.MaxDischargeKW == 0 {
		params.MaxDischargeKW = params.MaxChargeKW
	}
	b := &Battery{
		Params:   params,
		initDist: distuv.Uniform{Min: 0, Max: params.CapacityKWh},
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Battery) Validate() error {
	p := b.Params
	if p.CapacityKWh <= 0 {
		return errors.New("CapacityKWh must be > 0")
	}
	if p.MaxChargeKW <= 0 {
		return errors.New("MaxChargeKW must be > 0")
	}
	if p.MaxDischargeKW <= 0 {
		return errors.New("MaxDischargeKW must be > 0")
	}
	if p.PeakTax < 0 {
		return errors.New("PeakTax must be >= 0")
	}
	return nil
}

// HardBeta is the beta sentinel that switches the simulator to hard clamping.
func HardBeta() float64 { return math.Inf(1) }

// InitialState returns the deterministic start-of-trajectory state of charge
// (half capacity) for a batch.
func (b *Battery) InitialState(batch int) []float64 {
	out := make([]float64, batch)
	for i := range out {
		out[i] = b.Params.CapacityKWh / 2
	}
	return out
}

// RandomInitialState draws a state of charge uniformly in [0, capacity] per
// batch element. Used during training and E-step replay for exploration.
func (b *Battery) RandomInitialState(batch int) []float64 {
	out := make([]float64, batch)
	for i := range out {
		out[i] = b.initDist.Rand()
	}
	return out
}

// Step advances the battery one timestep for a whole batch.
//
// state, gridAction and pvAction are (batch,) results; gridAction is in
// [-1, 1] (discharge..charge) and pvAction in [0, 1]. pvPower, price and peak
// are per-batch data for this timestep. The proposed energy delta is
// soft-clamped to the rate bounds and then the resulting state of charge to
// [0, capacity]. Cost covers only the grid energy the battery actually
// absorbed; solar energy is free and exporting earns nothing.
func (b *Battery) Step(state, gridAction, pvAction anydiff.Res, pvPower, price, peak []float64, beta float64) (next, cost anydiff.Res) {
	p := b.Params

	gridEnergy := anydiff.Sub(
		diff.Scale(diff.Relu(gridAction), p.MaxChargeKW),
		diff.Scale(diff.Relu(diff.Scale(gridAction, -1)), p.MaxDischargeKW),
	)
	pvEnergy := anydiff.Mul(pvAction, diff.Const(pvPower))

	delta := anydiff.Add(gridEnergy, pvEnergy)
	delta = diff.SoftClamp(delta, -p.MaxDischargeKW, p.MaxChargeKW, beta)
	next = diff.SoftClamp(anydiff.Add(state, delta), 0, p.CapacityKWh, beta)

	// Bill against the soft-clamped held state rather than the raw one.
	// Softening the capacity bound pulls every state toward the interior, and
	// charging for that drift would make a zero grid action look expensive at
	// low beta. Under hard clamping the baseline equals the state, so the two
	// formulations agree there.
	baseline := diff.SoftClamp(state, 0, p.CapacityKWh, beta)
	drawn := diff.Relu(anydiff.Sub(anydiff.Sub(next, baseline), pvEnergy))
	tariff := make([]float64, len(price))
	for i, pr := range price {
		tariff[i] = pr * (1 + p.PeakTax*peak[i])
	}
	cost = anydiff.Mul(drawn, diff.Const(tariff))
	return next, cost
}

// StepValues is the scalar, gradient-free counterpart of Step. It always uses
// hard clamping and is what the E-step replay and the deployment path run on.
func (b *Battery) StepValues(state, gridAction, pvAction, pvPower, price float64, peak bool) (next, cost float64) {
	p := b.Params

	gridEnergy := gridAction * p.MaxChargeKW
	if gridAction < 0 {
		gridEnergy = gridAction * p.MaxDischargeKW
	}
	delta := gridEnergy + pvAction*pvPower
	delta = math.Max(-p.MaxDischargeKW, math.Min(p.MaxChargeKW, delta))
	next = math.Max(0, math.Min(p.CapacityKWh, state+delta))

	drawn := math.Max(0, (next-state)-pvAction*pvPower)
	tariff := price
	if peak {
		tariff *= 1 + p.PeakTax
	}
	return next, drawn * tariff
}
