package diff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
)

func TestValuesRoundTrip(t *testing.T) {
	vals := []float64{1.5, -2, 0}
	assert.InDeltaSlice(t, vals, Values(Const(vals)), 1e-6)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, Values(Zeros(3)), 1e-9)
	assert.InDeltaSlice(t, []float64{7, 7}, Values(Full(2, 7)), 1e-6)
}

func TestRelu(t *testing.T) {
	out := Values(Relu(Const([]float64{-1, 0, 2.5})))
	assert.InDeltaSlice(t, []float64{0, 0, 2.5}, out, 1e-6)
}

func TestSigmoidTanh(t *testing.T) {
	out := Values(Sigmoid(Const([]float64{0})))
	assert.InDelta(t, 0.5, out[0], 1e-6)

	out = Values(Tanh(Const([]float64{0, 100})))
	assert.InDelta(t, 0.0, out[0], 1e-6)
	assert.InDelta(t, 1.0, out[1], 1e-6)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	out := Values(Softmax(Const([]float64{1, 2, 3, -1, 0, 1}), 3))
	sum1 := out[0] + out[1] + out[2]
	sum2 := out[3] + out[4] + out[5]
	assert.InDelta(t, 1.0, sum1, 1e-5)
	assert.InDelta(t, 1.0, sum2, 1e-5)
	assert.Greater(t, out[2], out[1])
	assert.Greater(t, out[1], out[0])
}

func TestSoftClampVal(t *testing.T) {
	// Hard sentinel clamps exactly.
	assert.Equal(t, 0.0, SoftClampVal(-3, 0, 10, math.Inf(1)))
	assert.Equal(t, 10.0, SoftClampVal(12, 0, 10, math.Inf(1)))
	assert.Equal(t, 4.0, SoftClampVal(4, 0, 10, math.Inf(1)))

	// Finite beta stays strictly inside the bounds and is monotone.
	prev := math.Inf(-1)
	for x := -20.0; x <= 30; x += 0.5 {
		y := SoftClampVal(x, 0, 10, 1.5)
		assert.Greater(t, y, 0.0)
		assert.Less(t, y, 10.0)
		assert.Greater(t, y, prev)
		prev = y
	}
}

func TestElem_Gradient(t *testing.T) {
	v := anydiff.NewVar(Vector([]float64{2}))
	sq := Elem(v, func(x float64) (float64, float64) { return x * x, 2 * x })

	grad := anydiff.NewGrad(v)
	sq.Propagate(Vector([]float64{1}), grad)
	assert.InDelta(t, 4.0, Floats(grad[v])[0], 1e-5)
}

func TestConcat_ValuesAndGradient(t *testing.T) {
	a := anydiff.NewVar(Vector([]float64{1, 2}))
	b := anydiff.NewVar(Vector([]float64{3}))
	joined := Concat(a, b)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, Values(joined), 1e-6)

	grad := anydiff.NewGrad(a, b)
	joined.Propagate(Vector([]float64{10, 20, 30}), grad)
	assert.InDeltaSlice(t, []float64{10, 20}, Floats(grad[a]), 1e-5)
	assert.InDeltaSlice(t, []float64{30}, Floats(grad[b]), 1e-5)
}

func TestGather_ValuesAndScatterAddGradient(t *testing.T) {
	v := anydiff.NewVar(Vector([]float64{1, 2, 3}))
	picked := Gather(v, []int{2, 0, 2})
	assert.InDeltaSlice(t, []float64{3, 1, 3}, Values(picked), 1e-6)

	// Repeated indices accumulate upstream gradient.
	grad := anydiff.NewGrad(v)
	picked.Propagate(Vector([]float64{1, 1, 1}), grad)
	assert.InDeltaSlice(t, []float64{1, 0, 2}, Floats(grad[v]), 1e-5)
}

func TestSum_Gradient(t *testing.T) {
	v := anydiff.NewVar(Vector([]float64{1, 2, 3}))
	s := Sum(v)
	require.Len(t, Values(s), 1)
	assert.InDelta(t, 6.0, Values(s)[0], 1e-5)

	grad := anydiff.NewGrad(v)
	s.Propagate(Vector([]float64{2}), grad)
	assert.InDeltaSlice(t, []float64{2, 2, 2}, Floats(grad[v]), 1e-5)
}

func TestColsToRowsAndBack(t *testing.T) {
	// Two columns over a batch of 3 rows.
	c0 := Const([]float64{1, 2, 3})
	c1 := Const([]float64{4, 5, 6})
	m := ColsToRows(3, c0, c1)
	assert.InDeltaSlice(t, []float64{1, 4, 2, 5, 3, 6}, Values(m), 1e-6)

	cols := RowsToCols(m, 3, 2)
	require.Len(t, cols, 2)
	assert.InDeltaSlice(t, []float64{1, 2, 3}, Values(cols[0]), 1e-6)
	assert.InDeltaSlice(t, []float64{4, 5, 6}, Values(cols[1]), 1e-6)
}

func TestConcatRows(t *testing.T) {
	// Row-major (2, 2) and (2, 1) parts interleave per row.
	a := Const([]float64{1, 2, 3, 4})
	b := Const([]float64{9, 8})
	m := ConcatRows(2, []anydiff.Res{a, b}, []int{2, 1})
	assert.InDeltaSlice(t, []float64{1, 2, 9, 3, 4, 8}, Values(m), 1e-6)
}

func TestDetach_BlocksGradient(t *testing.T) {
	v := anydiff.NewVar(Vector([]float64{2}))
	out := anydiff.Mul(Detach(v), v)

	grad := anydiff.NewGrad(v)
	out.Propagate(Vector([]float64{1}), grad)

	// Only the non-detached factor contributes: d/dv (c*v) = c = 2.
	assert.InDelta(t, 2.0, Floats(grad[v])[0], 1e-5)
}

func TestScaleAddScalar(t *testing.T) {
	out := Values(AddScalar(Scale(Const([]float64{1, 2}), 3), 1))
	assert.InDeltaSlice(t, []float64{4, 7}, out, 1e-6)
}
