package env

import (
	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
)

// Seq unrolls a Battery over whole batched trajectories.
//
// Action sequences are slices of (batch,) results indexed by timestep, as are
// the returned state and cost sequences. Per-timestep data (pvPower, price,
// peak) is indexed [timestep][batch].
type Seq struct {
	Batt *Battery
}

func NewSeq(b *Battery) *Seq { return &Seq{Batt: b} }

// Forward replays a fixed action sequence causally from an initial state.
// The returned trace has len(grid)+1 entries; trace[0] is the initial state
// and trace[t+1] the state after step t. A zero-length action sequence yields
// a trace holding only the initial state and no costs.
func (s *Seq) Forward(grid, pv []anydiff.Res, pvPower, price, peak [][]float64, beta float64, randomInitial bool, batch int) (trace, costs []anydiff.Res) {
	var init []float64
	if randomInitial {
		init = s.Batt.RandomInitialState(batch)
	} else {
		init = s.Batt.InitialState(batch)
	}
	state := anydiff.Res(diff.Const(init))
	trace = make([]anydiff.Res, 0, len(grid)+1)
	costs = make([]anydiff.Res, 0, len(grid))
	trace = append(trace, state)
	for t := range grid {
		next, cost := s.Batt.Step(state, grid[t], pv[t], pvPower[t], price[t], peak[t], beta)
		trace = append(trace, next)
		costs = append(costs, cost)
		state = next
	}
	return trace, costs
}

// StaticForward replays actions against a pre-estimated state trace instead
// of recomputing the state causally: step t starts from estimated[t]. This is
// the M-step replay, used only to compute cost and gradients against a trace
// the E-step already produced.
func (s *Seq) StaticForward(estimated [][]float64, grid, pv []anydiff.Res, pvPower, price, peak [][]float64, beta float64) (trace, costs []anydiff.Res) {
	trace = make([]anydiff.Res, 0, len(grid))
	costs = make([]anydiff.Res, 0, len(grid))
	for t := range grid {
		state := diff.Const(estimated[t])
		next, cost := s.Batt.Step(state, grid[t], pv[t], pvPower[t], price[t], peak[t], beta)
		trace = append(trace, next)
		costs = append(costs, cost)
	}
	return trace, costs
}

// ForwardValues is the gradient-free, hard-clamped unroll used by the E-step.
// Actions and returned sequences are indexed [timestep][batch]; the trace has
// len(grid)+1 rows.
func (s *Seq) ForwardValues(grid, pv, pvPower, price, peak [][]float64, randomInitial bool, batch int) (trace, costs [][]float64) {
	var state []float64
	if randomInitial {
		state = s.Batt.RandomInitialState(batch)
	} else {
		state = s.Batt.InitialState(batch)
	}
	trace = make([][]float64, 0, len(grid)+1)
	costs = make([][]float64, 0, len(grid))
	trace = append(trace, state)
	for t := range grid {
		next := make([]float64, batch)
		cost := make([]float64, batch)
		for b := 0; b < batch; b++ {
			next[b], cost[b] = s.Batt.StepValues(state[b], grid[t][b], pv[t][b], pvPower[t][b], price[t][b], peak[t][b] > 0)
		}
		trace = append(trace, next)
		costs = append(costs, cost)
		state = next
	}
	return trace, costs
}

// NeutralTrace is the flat half-capacity trace the fixed-point iteration
// starts from. It has steps+1 rows of batch entries.
func (s *Seq) NeutralTrace(batch, steps int) [][]float64 {
	trace := make([][]float64, steps+1)
	for t := range trace {
		row := make([]float64, batch)
		for b := range row {
			row[b] = s.Batt.Params.CapacityKWh / 2
		}
		trace[t] = row
	}
	return trace
}
