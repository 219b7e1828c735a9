package policy

import (
	"fmt"

	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
)

// NumActions is the size of the discrete action space.
const NumActions = 7

// ActionTable maps the 7 discrete actions to (grid, solar) multipliers:
//
//	0: max charge      grid =  1.0, solar = 1.0
//	1: medium charge   grid =  0.5, solar = 1.0
//	2: solar only      grid =  0.0, solar = 1.0
//	3: solar low       grid =  0.0, solar = 0.5
//	4: hold            grid =  0.0, solar = 0.0
//	5: low discharge   grid = -0.5, solar = 0.0
//	6: high discharge  grid = -1.0, solar = 0.0
type ActionTable [NumActions][2]float64

// DefaultActions is the canonical table above. Keep the ordering stable;
// checkpoints and the deployment contract depend on it.
var DefaultActions = ActionTable{
	{1.0, 1.0},
	{0.5, 1.0},
	{0.0, 1.0},
	{0.0, 0.5},
	{0.0, 0.0},
	{-0.5, 0.0},
	{-1.0, 0.0},
}

func (t ActionTable) Validate() error {
	for i, row := range t {
		if row[0] < -1 || row[0] > 1 {
			return fmt.Errorf("action %d: grid multiplier %v outside [-1, 1]", i, row[0])
		}
		if row[1] < 0 || row[1] > 1 {
			return fmt.Errorf("action %d: solar multiplier %v outside [0, 1]", i, row[1])
		}
	}
	return nil
}

// Soft selects actions as the softmax-weighted expectation over the table,
// keeping the selection differentiable. logits is row-major
// (batch, NumActions).
func (t ActionTable) Soft(logits anydiff.Res, batch int) (grid, solar anydiff.Res) {
	probs := diff.Softmax(logits, NumActions)
	cols := diff.RowsToCols(probs, batch, NumActions)
	grid = diff.Zeros(batch)
	solar = diff.Zeros(batch)
	for i, row := range t {
		grid = anydiff.Add(grid, diff.Scale(cols[i], row[0]))
		solar = anydiff.Add(solar, diff.Scale(cols[i], row[1]))
	}
	return grid, solar
}

// Hard selects the argmax action per batch row. The result carries no
// gradient.
func (t ActionTable) Hard(logits anydiff.Res, batch int) (grid, solar anydiff.Res) {
	gv, sv := t.HardValues(diff.Values(logits), batch)
	return diff.Const(gv), diff.Const(sv)
}

// HardValues is the float counterpart of Hard for single-step inference.
func (t ActionTable) HardValues(logits []float64, batch int) (grid, solar []float64) {
	grid = make([]float64, batch)
	solar = make([]float64, batch)
	for b := 0; b < batch; b++ {
		best := 0
		row := logits[b*NumActions : (b+1)*NumActions]
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		grid[b] = t[best][0]
		solar[b] = t[best][1]
	}
	return grid, solar
}
