// Package sig computes truncated path signatures incrementally.
//
// The signature of a path is its iterated-integral tensor expansion, an
// order-sensitive summary that is invariant to time reparameterization (which
// is why callers append an explicit time coordinate). Extension by one point
// uses Chen's identity: Sig(X * segment) = Sig(X) tensor exp(increment).
//
// Stream is the differentiable, batched variant used while training; Path is
// the scalar append-only variant threaded across real-time calls.
package sig

import (
	"fmt"
	"math"

	"battery-policy/internal/diff"

	"github.com/unixpickle/anydiff"
)

// Channels returns the number of signature channels for a dim-dimensional
// path truncated at the given depth: dim + dim^2 + ... + dim^depth.
func Channels(dim, depth int) int {
	total := 0
	size := 1
	for k := 0; k < depth; k++ {
		size *= dim
		total += size
	}
	return total
}

// Stream is an expanding signature over a batch of paths. Each point is one
// result per channel, shaped (batch,). The first point supplied becomes the
// basepoint, so the summary starts at zero.
type Stream struct {
	dim   int
	depth int
	batch int

	prev   []anydiff.Res
	levels [][]anydiff.Res
}

func NewStream(dim, depth, batch int) (*Stream, error) {
	if dim <= 0 || depth <= 0 || batch <= 0 {
		return nil, fmt.Errorf("invalid signature shape: dim=%d depth=%d batch=%d", dim, depth, batch)
	}
	return &Stream{dim: dim, depth: depth, batch: batch}, nil
}

// Extend appends one point to every path in the batch.
func (s *Stream) Extend(point []anydiff.Res) error {
	if len(point) != s.dim {
		return fmt.Errorf("signature point has %d channels, want %d", len(point), s.dim)
	}
	if s.prev == nil {
		s.prev = point
		s.levels = make([][]anydiff.Res, s.depth)
		size := 1
		for k := 0; k < s.depth; k++ {
			size *= s.dim
			level := make([]anydiff.Res, size)
			for i := range level {
				level[i] = diff.Zeros(s.batch)
			}
			s.levels[k] = level
		}
		return nil
	}

	delta := make([]anydiff.Res, s.dim)
	for i := range delta {
		delta[i] = anydiff.Sub(point[i], s.prev[i])
	}

	// exp(delta) truncated: E_k = delta^(tensor k) / k!.
	exps := make([][]anydiff.Res, s.depth)
	exps[0] = delta
	for k := 1; k < s.depth; k++ {
		exps[k] = scaleLevel(outerLevel(exps[k-1], delta), 1/float64(k+1))
	}

	// Chen: newS_k = S_k + E_k + sum_{i=1..k-1} S_i tensor E_{k-i}.
	next := make([][]anydiff.Res, s.depth)
	for k := 0; k < s.depth; k++ {
		level := addLevels(s.levels[k], exps[k])
		for i := 0; i < k; i++ {
			level = addLevels(level, outerLevel(s.levels[i], exps[k-1-i]))
		}
		next[k] = level
	}
	s.levels = next
	s.prev = point
	return nil
}

// Summary returns the current signature, one (batch,) result per channel,
// levels concatenated lowest first.
func (s *Stream) Summary() []anydiff.Res {
	out := make([]anydiff.Res, 0, Channels(s.dim, s.depth))
	for _, level := range s.levels {
		out = append(out, level...)
	}
	return out
}

func outerLevel(a, b []anydiff.Res) []anydiff.Res {
	out := make([]anydiff.Res, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, anydiff.Mul(x, y))
		}
	}
	return out
}

func scaleLevel(level []anydiff.Res, s float64) []anydiff.Res {
	out := make([]anydiff.Res, len(level))
	for i, x := range level {
		out[i] = diff.Scale(x, s)
	}
	return out
}

func addLevels(a, b []anydiff.Res) []anydiff.Res {
	out := make([]anydiff.Res, len(a))
	for i := range a {
		out[i] = anydiff.Add(a[i], b[i])
	}
	return out
}

// Path is the scalar, append-only signature accumulator owned by deployment
// callers across successive single-step calls.
type Path struct {
	dim    int
	depth  int
	count  int
	prev   []float64
	levels [][]float64

	// norm is the running per-channel maximum absolute value, kept so
	// single-step inference can rescale channels the way training does.
	norm []float64
}

// NewPath starts a path at the given basepoint.
func NewPath(basepoint []float64, depth int) (*Path, error) {
	if len(basepoint) == 0 || depth <= 0 {
		return nil, fmt.Errorf("invalid path shape: dim=%d depth=%d", len(basepoint), depth)
	}
	p := &Path{dim: len(basepoint), depth: depth, count: 1}
	p.prev = append([]float64(nil), basepoint...)
	p.levels = make([][]float64, depth)
	size := 1
	for k := 0; k < depth; k++ {
		size *= p.dim
		p.levels[k] = make([]float64, size)
	}
	return p, nil
}

// Len is the number of points appended so far, basepoint included.
func (p *Path) Len() int { return p.count }

// Update appends one point.
func (p *Path) Update(point []float64) error {
	if len(point) != p.dim {
		return fmt.Errorf("path point has %d channels, want %d", len(point), p.dim)
	}
	delta := make([]float64, p.dim)
	for i := range delta {
		delta[i] = point[i] - p.prev[i]
	}

	exps := make([][]float64, p.depth)
	exps[0] = delta
	for k := 1; k < p.depth; k++ {
		exps[k] = scaleVals(outerVals(exps[k-1], delta), 1/float64(k+1))
	}

	next := make([][]float64, p.depth)
	for k := 0; k < p.depth; k++ {
		level := addVals(p.levels[k], exps[k])
		for i := 0; i < k; i++ {
			level = addVals(level, outerVals(p.levels[i], exps[k-1-i]))
		}
		next[k] = level
	}
	p.levels = next
	p.prev = append(p.prev[:0], point...)
	p.count++

	if p.norm == nil {
		p.norm = make([]float64, Channels(p.dim, p.depth))
	}
	for i, v := range p.Signature() {
		if a := math.Abs(v); a > p.norm[i] {
			p.norm[i] = a
		}
	}
	return nil
}

// NormalizedSignature returns the signature rescaled per channel by the
// running maximum absolute value seen across all updates.
func (p *Path) NormalizedSignature() []float64 {
	out := p.Signature()
	for i := range out {
		scale := 1e-8
		if p.norm != nil && p.norm[i] > scale {
			scale = p.norm[i]
		}
		out[i] = out[i] / scale
	}
	return out
}

// Signature returns the current signature channels, levels concatenated
// lowest first.
func (p *Path) Signature() []float64 {
	out := make([]float64, 0, Channels(p.dim, p.depth))
	for _, level := range p.levels {
		out = append(out, level...)
	}
	return out
}

func outerVals(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, x*y)
		}
	}
	return out
}

func scaleVals(vals []float64, s float64) []float64 {
	out := make([]float64, len(vals))
	for i, x := range vals {
		out[i] = x * s
	}
	return out
}

func addVals(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}
