package policy

import (
	"errors"

	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// Encoder is the stateful sequence encoder behind the discrete controller.
// Any sequence model with an explicit per-step state satisfies it.
type Encoder interface {
	Start(batch int) EncoderState
	Step(in anydiff.Res, state EncoderState, batch int) (anydiff.Res, EncoderState)
	OutSize() int
	Parameters() []*anydiff.Var
}

// EncoderState is the opaque hidden state, one (batch*hidden,) result per
// layer, owned by the caller between Step calls.
type EncoderState []anydiff.Res

// GRU is a gated recurrent encoder built from fully connected gates.
// Gradients flow through both the hidden state and the input, which the
// controllers rely on: the battery state fed back into the input carries
// gradient from earlier actions.
type GRU struct {
	inSize  int
	hidden  int
	cells   []*gruCell
	dropout []*anynet.Dropout
}

type gruCell struct {
	inSize int
	hidden int
	reset  *anynet.FC
	update *anynet.FC
	cand   *anynet.FC
}

func NewGRU(inSize, hidden, layers int, dropout float64) (*GRU, error) {
	if inSize <= 0 || hidden <= 0 || layers <= 0 {
		return nil, errors.New("GRU sizes must be positive")
	}
	if dropout < 0 || dropout >= 1 {
		return nil, errors.New("dropout must be in [0, 1)")
	}
	c := diff.Creator()
	g := &GRU{inSize: inSize, hidden: hidden}
	for l := 0; l < layers; l++ {
		in := inSize
		if l > 0 {
			in = hidden
		}
		g.cells = append(g.cells, &gruCell{
			inSize: in,
			hidden: hidden,
			reset:  anynet.NewFC(c, in+hidden, hidden),
			update: anynet.NewFC(c, in+hidden, hidden),
			cand:   anynet.NewFC(c, in+hidden, hidden),
		})
		if l+1 < layers && dropout > 0 {
			g.dropout = append(g.dropout, &anynet.Dropout{KeepProb: 1 - dropout})
		} else {
			g.dropout = append(g.dropout, nil)
		}
	}
	return g, nil
}

func (g *GRU) OutSize() int { return g.hidden }

func (g *GRU) Start(batch int) EncoderState {
	state := make(EncoderState, len(g.cells))
	for i := range state {
		state[i] = diff.Zeros(batch * g.hidden)
	}
	return state
}

func (g *GRU) Step(in anydiff.Res, state EncoderState, batch int) (anydiff.Res, EncoderState) {
	next := make(EncoderState, len(g.cells))
	x := in
	for l, cell := range g.cells {
		h := cell.step(x, state[l], batch)
		next[l] = h
		x = h
		if d := g.dropout[l]; d != nil {
			x = d.Apply(x, batch)
		}
	}
	return x, next
}

func (c *gruCell) step(x, h anydiff.Res, batch int) anydiff.Res {
	widths := []int{c.inSize, c.hidden}
	joined := diff.ConcatRows(batch, []anydiff.Res{x, h}, widths)
	r := diff.Sigmoid(c.reset.Apply(joined, batch))
	z := diff.Sigmoid(c.update.Apply(joined, batch))
	gated := diff.ConcatRows(batch, []anydiff.Res{x, anydiff.Mul(r, h)}, widths)
	cand := diff.Tanh(c.cand.Apply(gated, batch))
	keep := anydiff.Mul(anydiff.Sub(diff.Full(batch*c.hidden, 1), z), h)
	return anydiff.Add(keep, anydiff.Mul(z, cand))
}

func (g *GRU) Parameters() []*anydiff.Var {
	var out []*anydiff.Var
	for _, cell := range g.cells {
		for _, fc := range []*anynet.FC{cell.reset, cell.update, cell.cand} {
			out = append(out, fc.Parameters()...)
		}
	}
	return out
}

// SetTraining toggles inter-layer dropout.
func (g *GRU) SetTraining(training bool) {
	for _, d := range g.dropout {
		if d != nil {
			d.Enabled = training
		}
	}
}
