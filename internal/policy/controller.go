// Package policy implements the two trainable battery controllers: a
// recurrent discrete-action policy and a signature-regression policy. Both
// roll trajectories through the differentiable simulator in internal/env so
// the trajectory cost can be minimized by gradient descent end to end.
package policy

import (
	"errors"
	"fmt"

	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
)

// Augmenter is an optional transform applied to input features while
// training only (data augmentation hook).
type Augmenter func(features [][][]float64) [][][]float64

// Batch is one batch of trajectories. Features is indexed [batch][step][dim];
// the per-step scalars are indexed [batch][step]. Peak holds 0/1 tariff-peak
// indicators.
type Batch struct {
	Features [][][]float64
	PVPower  [][]float64
	Price    [][]float64
	Peak     [][]float64
}

// Dims returns (batch, steps, featureDim).
func (b *Batch) Dims() (int, int, int) {
	if len(b.Features) == 0 || len(b.Features[0]) == 0 {
		return len(b.Features), 0, 0
	}
	return len(b.Features), len(b.Features[0]), len(b.Features[0][0])
}

func (b *Batch) Validate() error {
	batch, steps, dim := b.Dims()
	if batch == 0 {
		return errors.New("batch is empty")
	}
	for i, traj := range b.Features {
		if len(traj) != steps {
			return fmt.Errorf("trajectory %d has %d steps, want %d", i, len(traj), steps)
		}
		for _, row := range traj {
			if len(row) != dim {
				return fmt.Errorf("trajectory %d has uneven feature dimension", i)
			}
		}
	}
	for name, series := range map[string][][]float64{"pv_power": b.PVPower, "price": b.Price, "peak": b.Peak} {
		if len(series) != batch {
			return fmt.Errorf("%s has %d trajectories, want %d", name, len(series), batch)
		}
		for i, row := range series {
			if len(row) != steps {
				return fmt.Errorf("%s trajectory %d has %d steps, want %d", name, i, len(row), steps)
			}
		}
	}
	return nil
}

// stepFeatures flattens features for one timestep into a row-major
// (batch, dim) slice.
func stepFeatures(features [][][]float64, t int) []float64 {
	batch := len(features)
	dim := len(features[0][0])
	out := make([]float64, 0, batch*dim)
	for b := 0; b < batch; b++ {
		out = append(out, features[b][t]...)
	}
	return out
}

// byStep transposes a [batch][step] series into [step][batch].
func byStep(series [][]float64, steps int) [][]float64 {
	out := make([][]float64, steps)
	for t := 0; t < steps; t++ {
		row := make([]float64, len(series))
		for b := range series {
			row[b] = series[b][t]
		}
		out[t] = row
	}
	return out
}

// Rollout is the result of rolling a controller over a batch: per-timestep
// (batch,) results for actions, resulting battery states and costs.
type Rollout struct {
	Grid   []anydiff.Res
	Solar  []anydiff.Res
	States []anydiff.Res
	Costs  []anydiff.Res
	Batch  int
}

// Loss sums cost over the trajectory and averages over the batch.
func (r *Rollout) Loss() anydiff.Res {
	if len(r.Costs) == 0 {
		return diff.Zeros(1)
	}
	return diff.Scale(diff.Sum(diff.Concat(r.Costs...)), 1/float64(r.Batch))
}

// TotalCost is the scalar value of Loss.
func (r *Rollout) TotalCost() float64 {
	return diff.Values(r.Loss())[0]
}

// GridValues returns the grid actions as [step][batch] floats.
func (r *Rollout) GridValues() [][]float64 { return resValues(r.Grid) }

// SolarValues returns the solar actions as [step][batch] floats.
func (r *Rollout) SolarValues() [][]float64 { return resValues(r.Solar) }

// StateValues returns the battery states as [step][batch] floats.
func (r *Rollout) StateValues() [][]float64 { return resValues(r.States) }

// CostValues returns the per-step costs as [step][batch] floats.
func (r *Rollout) CostValues() [][]float64 { return resValues(r.Costs) }

func resValues(rs []anydiff.Res) [][]float64 {
	out := make([][]float64, len(rs))
	for i, r := range rs {
		out[i] = diff.Values(r)
	}
	return out
}

// Controller is the shared contract the training driver works against.
// Forward is the training path (soft, differentiable action selection);
// EvalForward applies the controller's validation action-selection policy.
type Controller interface {
	Forward(b *Batch, beta float64) (*Rollout, error)
	EvalForward(b *Batch, beta float64) (*Rollout, error)
	Parameters() []*anydiff.Var
	SetTraining(training bool)
}
