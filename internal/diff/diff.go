// Package diff is the project's thin glue over the anydiff autodiff stack.
//
// The graph machinery (Res, Var, Grad, back-propagation) is anydiff's; this
// package only adds the handful of elementwise and reshaping operations the
// battery simulator and the controllers need, the same way anynet layers are
// built on anydiff primitives.
package diff

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

// Creator returns the vector creator used throughout the project.
func Creator() anyvec.Creator {
	return anyvec32.CurrentCreator()
}

// Vector builds a concrete vector from float64 values.
func Vector(vals []float64) anyvec.Vector {
	c := Creator()
	return c.MakeVectorData(c.MakeNumericList(vals))
}

// Const wraps values in a constant (gradient-less) result.
func Const(vals []float64) anydiff.Res {
	return anydiff.NewConst(Vector(vals))
}

// Zeros is a constant zero vector of length n.
func Zeros(n int) anydiff.Res {
	return anydiff.NewConst(Creator().MakeVector(n))
}

// Full is a constant vector of length n filled with val.
func Full(n int, val float64) anydiff.Res {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = val
	}
	return Const(vals)
}

// Floats extracts the contents of a vector as float64s.
func Floats(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		out := make([]float64, len(data))
		copy(out, data)
		return out
	case []float32:
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = float64(x)
		}
		return out
	default:
		panic("unsupported numeric type")
	}
}

// Values extracts the output of a result as float64s.
func Values(r anydiff.Res) []float64 {
	return Floats(r.Output())
}

// Detach returns a constant copy of r, cutting it out of the gradient graph.
func Detach(r anydiff.Res) anydiff.Res {
	return anydiff.NewConst(r.Output().Copy())
}

// Scale multiplies every component by s.
func Scale(r anydiff.Res, s float64) anydiff.Res {
	return anydiff.Scale(r, Creator().MakeNumeric(s))
}

// AddScalar adds s to every component.
func AddScalar(r anydiff.Res, s float64) anydiff.Res {
	return anydiff.AddScalar(r, Creator().MakeNumeric(s))
}

func intersects(g anydiff.Grad, vs anydiff.VarSet) bool {
	for v := range vs {
		if _, ok := g[v]; ok {
			return true
		}
	}
	return false
}

// elemRes is a componentwise operation with a pre-computed derivative.
type elemRes struct {
	in    anydiff.Res
	out   anyvec.Vector
	deriv []float64
}

// Elem applies f componentwise. f must return the value and its derivative.
func Elem(in anydiff.Res, f func(x float64) (y, dydx float64)) anydiff.Res {
	xs := Values(in)
	ys := make([]float64, len(xs))
	ds := make([]float64, len(xs))
	for i, x := range xs {
		ys[i], ds[i] = f(x)
	}
	return &elemRes{in: in, out: Vector(ys), deriv: ds}
}

func (e *elemRes) Output() anyvec.Vector { return e.out }

func (e *elemRes) Vars() anydiff.VarSet { return e.in.Vars() }

func (e *elemRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !intersects(g, e.in.Vars()) {
		return
	}
	us := Floats(u)
	down := make([]float64, len(us))
	for i, x := range us {
		down[i] = x * e.deriv[i]
	}
	e.in.Propagate(Vector(down), g)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Sigmoid maps components to (0, 1).
func Sigmoid(r anydiff.Res) anydiff.Res {
	return Elem(r, func(x float64) (float64, float64) {
		s := sigmoid(x)
		return s, s * (1 - s)
	})
}

// Tanh maps components to (-1, 1).
func Tanh(r anydiff.Res) anydiff.Res {
	return Elem(r, func(x float64) (float64, float64) {
		t := math.Tanh(x)
		return t, 1 - t*t
	})
}

// Relu zeroes negative components.
func Relu(r anydiff.Res) anydiff.Res {
	return Elem(r, func(x float64) (float64, float64) {
		if x > 0 {
			return x, 1
		}
		return 0, 0
	})
}

// softplusVal is a numerically stable (1/beta)*log(1+exp(beta*x)).
func softplusVal(x, beta float64) float64 {
	bx := beta * x
	if bx > 30 {
		return x
	}
	if bx < -30 {
		return math.Exp(bx) / beta
	}
	return math.Log1p(math.Exp(bx)) / beta
}

// Softmax applies a softmax over consecutive chunks of chunkSize components.
func Softmax(logits anydiff.Res, chunkSize int) anydiff.Res {
	return anydiff.Exp(anydiff.LogSoftmax(logits, chunkSize))
}

// SoftClamp smoothly bounds components to [lo, hi]. The output is strictly
// monotonic in the input and always stays inside [lo, hi]; as beta grows it
// converges to a hard clamp. beta = +Inf selects the exact hard clamp.
func SoftClamp(r anydiff.Res, lo, hi, beta float64) anydiff.Res {
	if math.IsInf(beta, 1) {
		return Elem(r, func(x float64) (float64, float64) {
			if x < lo {
				return lo, 0
			}
			if x > hi {
				return hi, 0
			}
			return x, 1
		})
	}
	return Elem(r, func(x float64) (float64, float64) {
		y := lo + softplusVal(x-lo, beta) - softplusVal(x-hi, beta)
		dy := sigmoid(beta*(x-lo)) - sigmoid(beta*(x-hi))
		return y, dy
	})
}

// SoftClampVal is the scalar counterpart of SoftClamp.
func SoftClampVal(x, lo, hi, beta float64) float64 {
	if math.IsInf(beta, 1) {
		return math.Max(lo, math.Min(hi, x))
	}
	return lo + softplusVal(x-lo, beta) - softplusVal(x-hi, beta)
}

// concatRes joins results end to end.
type concatRes struct {
	parts []anydiff.Res
	out   anyvec.Vector
	vars  anydiff.VarSet
}

// Concat joins results into one flat vector.
func Concat(parts ...anydiff.Res) anydiff.Res {
	var all []float64
	vss := make([]anydiff.VarSet, len(parts))
	for i, p := range parts {
		all = append(all, Values(p)...)
		vss[i] = p.Vars()
	}
	return &concatRes{parts: parts, out: Vector(all), vars: anydiff.MergeVarSets(vss...)}
}

func (c *concatRes) Output() anyvec.Vector { return c.out }

func (c *concatRes) Vars() anydiff.VarSet { return c.vars }

func (c *concatRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	us := Floats(u)
	start := 0
	for _, p := range c.parts {
		n := p.Output().Len()
		if intersects(g, p.Vars()) {
			down := make([]float64, n)
			copy(down, us[start:start+n])
			p.Propagate(Vector(down), g)
		}
		start += n
	}
}

// gatherRes reindexes a result: out[i] = in[idx[i]].
type gatherRes struct {
	in  anydiff.Res
	idx []int
	out anyvec.Vector
}

// Gather builds a result whose i-th component is in's idx[i]-th component.
// Gradients scatter-add back through repeated indices.
func Gather(in anydiff.Res, idx []int) anydiff.Res {
	xs := Values(in)
	ys := make([]float64, len(idx))
	for i, j := range idx {
		ys[i] = xs[j]
	}
	return &gatherRes{in: in, idx: idx, out: Vector(ys)}
}

func (r *gatherRes) Output() anyvec.Vector { return r.out }

func (r *gatherRes) Vars() anydiff.VarSet { return r.in.Vars() }

func (r *gatherRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !intersects(g, r.in.Vars()) {
		return
	}
	us := Floats(u)
	down := make([]float64, r.in.Output().Len())
	for i, j := range r.idx {
		down[j] += us[i]
	}
	r.in.Propagate(Vector(down), g)
}

// ColsToRows interleaves column vectors of length batch into a row-major
// (batch, len(cols)) matrix.
func ColsToRows(batch int, cols ...anydiff.Res) anydiff.Res {
	width := len(cols)
	idx := make([]int, batch*width)
	for b := 0; b < batch; b++ {
		for c := 0; c < width; c++ {
			idx[b*width+c] = c*batch + b
		}
	}
	return Gather(Concat(cols...), idx)
}

// RowsToCols splits a row-major (batch, width) matrix into width column
// vectors of length batch.
func RowsToCols(m anydiff.Res, batch, width int) []anydiff.Res {
	cols := make([]anydiff.Res, width)
	for c := 0; c < width; c++ {
		idx := make([]int, batch)
		for b := 0; b < batch; b++ {
			idx[b] = b*width + c
		}
		cols[c] = Gather(m, idx)
	}
	return cols
}

// ConcatRows joins row-major matrices along the feature dimension. Each part
// has batch rows; widths gives the per-part row width.
func ConcatRows(batch int, parts []anydiff.Res, widths []int) anydiff.Res {
	total := 0
	offsets := make([]int, len(parts))
	flatOff := make([]int, len(parts))
	flat := 0
	for i, w := range widths {
		offsets[i] = total
		flatOff[i] = flat
		total += w
		flat += batch * w
	}
	idx := make([]int, batch*total)
	for b := 0; b < batch; b++ {
		for i, w := range widths {
			for c := 0; c < w; c++ {
				idx[b*total+offsets[i]+c] = flatOff[i] + b*w + c
			}
		}
	}
	return Gather(Concat(parts...), idx)
}

// sumRes reduces a vector to its scalar sum.
type sumRes struct {
	in  anydiff.Res
	out anyvec.Vector
}

// Sum reduces r to a single-component result holding the sum.
func Sum(r anydiff.Res) anydiff.Res {
	total := 0.0
	for _, x := range Values(r) {
		total += x
	}
	return &sumRes{in: r, out: Vector([]float64{total})}
}

func (s *sumRes) Output() anyvec.Vector { return s.out }

func (s *sumRes) Vars() anydiff.VarSet { return s.in.Vars() }

func (s *sumRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !intersects(g, s.in.Vars()) {
		return
	}
	uv := Floats(u)[0]
	n := s.in.Output().Len()
	down := make([]float64, n)
	for i := range down {
		down[i] = uv
	}
	s.in.Propagate(Vector(down), g)
}
