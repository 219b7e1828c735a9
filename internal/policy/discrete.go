package policy

import (
	"errors"
	"fmt"

	"battery-policy/internal/diff"
	"battery-policy/internal/env"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// DiscreteConfig configures the recurrent discrete-action controller.
type DiscreteConfig struct {
	InputSize     int
	HiddenSize    int
	FCSize        int
	EncoderLayers int
	Dropout       float64
	Bidirectional bool

	// SemiDiscrete keeps the soft expectation action at evaluation and
	// single-step inference instead of the hard argmax.
	SemiDiscrete bool

	Augmenter Augmenter
}

// Discrete is the recurrent controller: at each timestep it conditions a GRU
// on the market features plus the normalized battery state, projects to 7
// logits and picks an action from the fixed table, then advances the battery
// one step.
type Discrete struct {
	Batt  *env.Battery
	Table ActionTable

	cfg      DiscreteConfig
	enc      *GRU
	head     anynet.Net
	training bool
}

func NewDiscrete(batt *env.Battery, cfg DiscreteConfig) (*Discrete, error) {
	if batt == nil {
		return nil, errors.New("battery is nil")
	}
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 || cfg.FCSize <= 0 {
		return nil, errors.New("InputSize, HiddenSize and FCSize must be positive")
	}
	if cfg.EncoderLayers <= 0 {
		cfg.EncoderLayers = 1
	}
	if cfg.Bidirectional {
		// A bidirectional encoder cannot honor the causal single-step
		// deployment contract.
		return nil, errors.New("bidirectional encoders are not supported")
	}
	// +1 input for the normalized battery state.
	enc, err := NewGRU(cfg.InputSize+1, cfg.HiddenSize, cfg.EncoderLayers, cfg.Dropout)
	if err != nil {
		return nil, err
	}
	table := DefaultActions
	if err := table.Validate(); err != nil {
		return nil, err
	}
	c := diff.Creator()
	return &Discrete{
		Batt:  batt,
		Table: table,
		cfg:   cfg,
		enc:   enc,
		head: anynet.Net{
			anynet.NewFC(c, cfg.HiddenSize, cfg.FCSize),
			anynet.ReLU,
			anynet.NewFC(c, cfg.FCSize, NumActions),
		},
	}, nil
}

// Forward rolls the batch with soft (differentiable) action selection.
func (d *Discrete) Forward(b *Batch, beta float64) (*Rollout, error) {
	return d.forward(b, beta, false)
}

// EvalForward rolls the batch with the validation selection policy: hard
// argmax actions unless the controller is semi-discrete.
func (d *Discrete) EvalForward(b *Batch, beta float64) (*Rollout, error) {
	return d.forward(b, beta, !d.cfg.SemiDiscrete)
}

func (d *Discrete) forward(b *Batch, beta float64, hard bool) (*Rollout, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	batch, steps, dim := b.Dims()
	// An empty trajectory reports dim 0, so check the length first.
	if steps == 0 {
		return &Rollout{Batch: batch}, nil
	}
	if dim != d.cfg.InputSize {
		return nil, fmt.Errorf("batch has %d features, controller expects %d", dim, d.cfg.InputSize)
	}

	features := b.Features
	if d.training && d.cfg.Augmenter != nil {
		features = d.cfg.Augmenter(features)
	}
	pv := byStep(b.PVPower, steps)
	price := byStep(b.Price, steps)
	peak := byStep(b.Peak, steps)

	var init []float64
	if d.training {
		init = d.Batt.RandomInitialState(batch)
	} else {
		init = d.Batt.InitialState(batch)
	}
	state := anydiff.Res(diff.Const(init))
	h := d.enc.Start(batch)

	out := &Rollout{Batch: batch}
	for t := 0; t < steps; t++ {
		xt := diff.Const(stepFeatures(features, t))
		norm := diff.Scale(state, 1/d.Batt.Params.CapacityKWh)
		in := diff.ConcatRows(batch, []anydiff.Res{xt, norm}, []int{dim, 1})
		z, next := d.enc.Step(in, h, batch)
		h = next
		logits := d.head.Apply(z, batch)

		var grid, solar anydiff.Res
		if hard {
			grid, solar = d.Table.Hard(logits, batch)
		} else {
			grid, solar = d.Table.Soft(logits, batch)
		}

		nextState, cost := d.Batt.Step(state, grid, solar, pv[t], price[t], peak[t], beta)
		out.Grid = append(out.Grid, grid)
		out.Solar = append(out.Solar, solar)
		out.States = append(out.States, nextState)
		out.Costs = append(out.Costs, cost)
		state = nextState
	}
	return out, nil
}

// StartState returns a fresh recurrent state for single-step use.
func (d *Discrete) StartState(batch int) EncoderState {
	return d.enc.Start(batch)
}

// StepForward is the single-step transition for callers that manage their own
// recurrent and battery state between calls. features is one timestep,
// row-major (batch, InputSize). The battery state is passed through
// unchanged; advancing it is left to the caller.
func (d *Discrete) StepForward(soc []float64, features []float64, h EncoderState) (grid, solar []float64, state EncoderState, err error) {
	batch := len(soc)
	if len(features) != batch*d.cfg.InputSize {
		return nil, nil, nil, fmt.Errorf("features have %d values, want %d", len(features), batch*d.cfg.InputSize)
	}
	norm := make([]float64, batch)
	for i, s := range soc {
		norm[i] = s / d.Batt.Params.CapacityKWh
	}
	in := diff.ConcatRows(batch,
		[]anydiff.Res{diff.Const(features), diff.Const(norm)},
		[]int{d.cfg.InputSize, 1})
	z, next := d.enc.Step(in, h, batch)
	logits := d.head.Apply(z, batch)

	if d.cfg.SemiDiscrete {
		gridRes, solarRes := d.Table.Soft(logits, batch)
		return diff.Values(gridRes), diff.Values(solarRes), next, nil
	}
	grid, solar = d.Table.HardValues(diff.Values(logits), batch)
	return grid, solar, next, nil
}

func (d *Discrete) Parameters() []*anydiff.Var {
	out := d.enc.Parameters()
	out = append(out, d.head.Parameters()...)
	return out
}

func (d *Discrete) SetTraining(training bool) {
	d.training = training
	d.enc.SetTraining(training)
}
