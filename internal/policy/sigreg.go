package policy

import (
	"errors"
	"fmt"
	"math"

	"battery-policy/internal/diff"
	"battery-policy/internal/env"
	"battery-policy/internal/sig"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// SignatureConfig configures the signature-regression controller.
type SignatureConfig struct {
	InputSize   int
	HiddenSize  int
	FeatureSize int
	RegSize     int
	SigDepth    int
	Dropout     float64

	// EStepIters is the fixed number of fixed-point refinement iterations.
	// There is no convergence check; a non-convergent case just yields a
	// lower-quality trajectory estimate.
	EStepIters int

	// TimeTick is the time-coordinate spacing appended to the global
	// features before signature computation (hours between samples).
	TimeTick float64

	Augmenter Augmenter
}

// Signature is the non-recurrent controller: it summarizes the
// trajectory-so-far with an expanding path signature of learned global
// features, combines that with local per-timestep features and the estimated
// battery state, and regresses continuous (grid, solar) actions directly.
//
// Because the action at time t depends on the battery trajectory, which
// depends on all prior actions, Forward refines a trajectory estimate with a
// fixed number of detached E-step replays before the one differentiable
// M-step replay that produces the loss.
type Signature struct {
	Env *env.Seq

	cfg         SignatureConfig
	sigDim      int
	sigChannels int

	globalConv anynet.Net
	localConv  anynet.Net
	head       anynet.Net
	training   bool
}

func NewSignature(e *env.Seq, cfg SignatureConfig) (*Signature, error) {
	if e == nil {
		return nil, errors.New("environment is nil")
	}
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 || cfg.FeatureSize <= 0 || cfg.RegSize <= 0 {
		return nil, errors.New("InputSize, HiddenSize, FeatureSize and RegSize must be positive")
	}
	if cfg.SigDepth <= 0 {
		return nil, errors.New("SigDepth must be positive")
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.New("Dropout must be in [0, 1)")
	}
	if cfg.EStepIters <= 0 {
		cfg.EStepIters = 5
	}
	if cfg.TimeTick <= 0 {
		cfg.TimeTick = 1.0 / 12
	}

	sigDim := cfg.FeatureSize + 1 // +1 for the time coordinate
	channels := sig.Channels(sigDim, cfg.SigDepth)
	c := diff.Creator()

	s := &Signature{
		Env:         e,
		cfg:         cfg,
		sigDim:      sigDim,
		sigChannels: channels,
		// 1-kernel convolutions: a fully connected map applied per timestep.
		globalConv: anynet.Net{
			anynet.NewFC(c, cfg.InputSize, cfg.HiddenSize),
			anynet.ReLU,
			anynet.NewFC(c, cfg.HiddenSize, cfg.FeatureSize),
		},
		localConv: anynet.Net{
			anynet.NewFC(c, cfg.InputSize, cfg.HiddenSize),
			anynet.ReLU,
			&anynet.Dropout{KeepProb: 1 - cfg.Dropout},
			anynet.NewFC(c, cfg.HiddenSize, cfg.HiddenSize),
			anynet.ReLU,
		},
		head: anynet.Net{
			&anynet.Dropout{KeepProb: 1 - cfg.Dropout},
			anynet.NewFC(c, channels+cfg.HiddenSize+1, cfg.RegSize),
			anynet.ReLU,
			anynet.NewFC(c, cfg.RegSize, cfg.RegSize),
			anynet.ReLU,
			anynet.NewFC(c, cfg.RegSize, 2),
		},
	}
	return s, nil
}

// SigChannels is the number of signature channels fed to the head.
func (s *Signature) SigChannels() int { return s.sigChannels }

func (s *Signature) Forward(b *Batch, beta float64) (*Rollout, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	batch, steps, dim := b.Dims()
	// An empty trajectory reports dim 0, so check the length first.
	if steps == 0 {
		return &Rollout{Batch: batch}, nil
	}
	if dim != s.cfg.InputSize {
		return nil, fmt.Errorf("batch has %d features, controller expects %d", dim, s.cfg.InputSize)
	}

	features := b.Features
	if s.training && s.cfg.Augmenter != nil {
		features = s.cfg.Augmenter(features)
	}
	pv := byStep(b.PVPower, steps)
	price := byStep(b.Price, steps)
	peak := byStep(b.Peak, steps)

	// Flatten to row-major (batch*steps, dim), row index b*steps + t.
	flat := make([]float64, 0, batch*steps*dim)
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < steps; t++ {
			flat = append(flat, features[bi][t]...)
		}
	}
	rows := batch * steps
	in := diff.Const(flat)
	global := s.globalConv.Apply(in, rows)  // (rows, FeatureSize)
	local := s.localConv.Apply(in, rows)    // (rows, HiddenSize)

	// Expanding signature of the time-augmented global features. sigFeats[t]
	// holds one (batch,) result per channel.
	sigFeats, err := s.expandingSignature(global, batch, steps)
	if err != nil {
		return nil, err
	}
	normalizeChannels(sigFeats, batch, steps)

	// E-step: detached fixed-point refinement of the battery trajectory.
	sigVals := make([][][]float64, steps)
	for t := range sigFeats {
		sigVals[t] = make([][]float64, s.sigChannels)
		for c, ch := range sigFeats[t] {
			sigVals[t][c] = diff.Values(ch)
		}
	}
	localVals := diff.Values(local)
	trace := s.Env.NeutralTrace(batch, steps)
	for iter := 0; iter < s.cfg.EStepIters; iter++ {
		gridVals, pvVals := s.proposeActions(sigVals, localVals, trace, batch, steps)
		trace, _ = s.Env.ForwardValues(gridVals, pvVals, pv, price, peak, s.training, batch)
	}

	// M-step: one differentiable pass against the converged trace.
	combined := s.combineFeatures(sigFeats, local, trace, batch, steps)
	acts := s.head.Apply(combined, rows)
	cols := diff.RowsToCols(acts, rows, 2)
	gridFlat := diff.Tanh(cols[0])
	pvFlat := diff.Sigmoid(cols[1])

	grid := make([]anydiff.Res, steps)
	solar := make([]anydiff.Res, steps)
	for t := 0; t < steps; t++ {
		idx := make([]int, batch)
		for bi := 0; bi < batch; bi++ {
			idx[bi] = bi*steps + t
		}
		grid[t] = diff.Gather(gridFlat, idx)
		solar[t] = diff.Gather(pvFlat, idx)
	}

	_, costs := s.Env.StaticForward(trace[1:], grid, solar, pv, price, peak, beta)

	out := &Rollout{Batch: batch, Grid: grid, Solar: solar, Costs: costs}
	for t := 0; t < steps; t++ {
		out.States = append(out.States, diff.Const(trace[t+1]))
	}
	return out, nil
}

// EvalForward matches Forward: the signature controller has no discrete
// action mode, it always regresses continuous actions.
func (s *Signature) EvalForward(b *Batch, beta float64) (*Rollout, error) {
	return s.Forward(b, beta)
}

// expandingSignature streams the time-augmented global features through the
// signature transform, returning per-timestep channel results. The first
// point doubles as the basepoint, so the summary at t=0 is zero.
func (s *Signature) expandingSignature(global anydiff.Res, batch, steps int) ([][]anydiff.Res, error) {
	stream, err := sig.NewStream(s.sigDim, s.cfg.SigDepth, batch)
	if err != nil {
		return nil, err
	}
	out := make([][]anydiff.Res, steps)
	for t := 0; t < steps; t++ {
		point := make([]anydiff.Res, 0, s.sigDim)
		point = append(point, diff.Full(batch, float64(t)*s.cfg.TimeTick))
		for c := 0; c < s.cfg.FeatureSize; c++ {
			idx := make([]int, batch)
			for bi := 0; bi < batch; bi++ {
				idx[bi] = (bi*steps+t)*s.cfg.FeatureSize + c
			}
			point = append(point, diff.Gather(global, idx))
		}
		if err := stream.Extend(point); err != nil {
			return nil, err
		}
		out[t] = stream.Summary()
	}
	return out, nil
}

// normalizeChannels rescales each signature channel by its maximum absolute
// value over the batch and the trajectory. The scale is treated as a
// constant.
func normalizeChannels(sigFeats [][]anydiff.Res, batch, steps int) {
	if steps == 0 {
		return
	}
	channels := len(sigFeats[0])
	for c := 0; c < channels; c++ {
		maxAbs := 0.0
		for t := 0; t < steps; t++ {
			for _, v := range diff.Values(sigFeats[t][c]) {
				if a := math.Abs(v); a > maxAbs {
					maxAbs = a
				}
			}
		}
		scale := 1 / math.Max(maxAbs, 1e-8)
		for t := 0; t < steps; t++ {
			sigFeats[t][c] = diff.Scale(sigFeats[t][c], scale)
		}
	}
}

// proposeActions runs the head on detached features, squashing to the action
// ranges. Returned action slices are indexed [step][batch].
func (s *Signature) proposeActions(sigVals [][][]float64, localVals []float64, trace [][]float64, batch, steps int) (grid, solar [][]float64) {
	width := s.sigChannels + s.cfg.HiddenSize + 1
	capacity := s.Env.Batt.Params.CapacityKWh
	flat := make([]float64, 0, batch*steps*width)
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < steps; t++ {
			for c := 0; c < s.sigChannels; c++ {
				flat = append(flat, sigVals[t][c][bi])
			}
			row := (bi*steps + t) * s.cfg.HiddenSize
			flat = append(flat, localVals[row:row+s.cfg.HiddenSize]...)
			flat = append(flat, trace[t+1][bi]/capacity)
		}
	}
	acts := diff.Values(s.head.Apply(diff.Const(flat), batch*steps))

	grid = make([][]float64, steps)
	solar = make([][]float64, steps)
	for t := 0; t < steps; t++ {
		grid[t] = make([]float64, batch)
		solar[t] = make([]float64, batch)
	}
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < steps; t++ {
			r := bi*steps + t
			grid[t][bi] = math.Tanh(acts[r*2])
			solar[t][bi] = 1 / (1 + math.Exp(-acts[r*2+1]))
		}
	}
	return grid, solar
}

// combineFeatures assembles the differentiable (batch*steps, channels+hidden+1)
// head input from signature channels, local features and the estimated trace.
func (s *Signature) combineFeatures(sigFeats [][]anydiff.Res, local anydiff.Res, trace [][]float64, batch, steps int) anydiff.Res {
	rows := batch * steps
	cols := make([]anydiff.Res, 0, s.sigChannels)
	for c := 0; c < s.sigChannels; c++ {
		perStep := make([]anydiff.Res, steps)
		for t := 0; t < steps; t++ {
			perStep[t] = sigFeats[t][c]
		}
		// Concat is step-major; reorder to row index b*steps + t.
		idx := make([]int, rows)
		for bi := 0; bi < batch; bi++ {
			for t := 0; t < steps; t++ {
				idx[bi*steps+t] = t*batch + bi
			}
		}
		cols = append(cols, diff.Gather(diff.Concat(perStep...), idx))
	}
	sigMatrix := diff.ColsToRows(rows, cols...)

	capacity := s.Env.Batt.Params.CapacityKWh
	traceCol := make([]float64, rows)
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < steps; t++ {
			traceCol[bi*steps+t] = trace[t+1][bi] / capacity
		}
	}
	return diff.ConcatRows(rows,
		[]anydiff.Res{sigMatrix, local, diff.Const(traceCol)},
		[]int{s.sigChannels, s.cfg.HiddenSize, 1})
}

// StepForward is the single-step transition mirroring the discrete
// controller's contract, but threading an append-only signature path instead
// of a recurrent tensor. A nil path starts a new one with the first point as
// basepoint. The battery state is passed through, not advanced.
func (s *Signature) StepForward(soc float64, features []float64, path *sig.Path) (grid, solar float64, out *sig.Path, err error) {
	if len(features) != s.cfg.InputSize {
		return 0, 0, nil, fmt.Errorf("features have %d values, want %d", len(features), s.cfg.InputSize)
	}
	in := diff.Const(features)
	global := diff.Values(s.globalConv.Apply(in, 1))
	local := diff.Values(s.localConv.Apply(in, 1))

	if path == nil {
		point := append([]float64{0}, global...)
		path, err = sig.NewPath(point, s.cfg.SigDepth)
		if err != nil {
			return 0, 0, nil, err
		}
		if err := path.Update(point); err != nil {
			return 0, 0, nil, err
		}
	} else {
		tick := float64(path.Len()-1) * s.cfg.TimeTick
		point := append([]float64{tick}, global...)
		if err := path.Update(point); err != nil {
			return 0, 0, nil, err
		}
	}

	summary := path.NormalizedSignature()
	combined := make([]float64, 0, s.sigChannels+s.cfg.HiddenSize+1)
	combined = append(combined, summary...)
	combined = append(combined, local...)
	combined = append(combined, soc/s.Env.Batt.Params.CapacityKWh)

	acts := diff.Values(s.head.Apply(diff.Const(combined), 1))
	return math.Tanh(acts[0]), 1 / (1 + math.Exp(-acts[1])), path, nil
}

func (s *Signature) Parameters() []*anydiff.Var {
	out := s.globalConv.Parameters()
	out = append(out, s.localConv.Parameters()...)
	out = append(out, s.head.Parameters()...)
	return out
}

func (s *Signature) SetTraining(training bool) {
	s.training = training
	for _, net := range []anynet.Net{s.localConv, s.head} {
		for _, layer := range net {
			if d, ok := layer.(*anynet.Dropout); ok {
				d.Enabled = training
			}
		}
	}
}
