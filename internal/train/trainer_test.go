package train

import (
	"testing"

	"battery-policy/internal/diff"
	"battery-policy/internal/policy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
)

// quadCtrl is a stub controller whose loss is w^2 for a single scalar
// parameter, so gradient steps must shrink it.
type quadCtrl struct {
	w        *anydiff.Var
	training bool
}

func newQuadCtrl(init float64) *quadCtrl {
	return &quadCtrl{w: anydiff.NewVar(diff.Vector([]float64{init}))}
}

func (q *quadCtrl) Forward(b *policy.Batch, beta float64) (*policy.Rollout, error) {
	return &policy.Rollout{
		Batch: 1,
		Costs: []anydiff.Res{anydiff.Mul(q.w, q.w)},
	}, nil
}

func (q *quadCtrl) EvalForward(b *policy.Batch, beta float64) (*policy.Rollout, error) {
	return q.Forward(b, beta)
}

func (q *quadCtrl) Parameters() []*anydiff.Var { return []*anydiff.Var{q.w} }

func (q *quadCtrl) SetTraining(training bool) { q.training = training }

// flatCtrl has a parameter the loss never touches, so the training loss
// plateaus immediately.
type flatCtrl struct {
	quadCtrl
}

func (f *flatCtrl) Forward(b *policy.Batch, beta float64) (*policy.Rollout, error) {
	return &policy.Rollout{
		Batch: 1,
		Costs: []anydiff.Res{diff.Const([]float64{1})},
	}, nil
}

func (f *flatCtrl) EvalForward(b *policy.Batch, beta float64) (*policy.Rollout, error) {
	return f.Forward(b, beta)
}

func testBeta(t *testing.T) *Beta {
	t.Helper()
	b, err := NewBeta(BetaConfig{Floor: 0.5, Increment: 0.1, Ceiling: 5})
	require.NoError(t, err)
	return b
}

func oneBatch() []*policy.Batch {
	return []*policy.Batch{{
		Features: [][][]float64{{{0}}},
		PVPower:  [][]float64{{0}},
		Price:    [][]float64{{0}},
		Peak:     [][]float64{{0}},
	}}
}

func TestNew_Validation(t *testing.T) {
	beta := testBeta(t)

	_, err := New(nil, beta, Config{Epochs: 1, LearningRate: 0.1, MinLR: 0.01})
	assert.Error(t, err)

	_, err = New(newQuadCtrl(1), nil, Config{Epochs: 1, LearningRate: 0.1, MinLR: 0.01})
	assert.Error(t, err)

	_, err = New(newQuadCtrl(1), beta, Config{Epochs: 0, LearningRate: 0.1, MinLR: 0.01})
	assert.Error(t, err)

	_, err = New(newQuadCtrl(1), beta, Config{Epochs: 1, LearningRate: 0.1, MinLR: 0.2})
	assert.Error(t, err)
}

func TestFit_ReducesQuadraticLoss(t *testing.T) {
	ctrl := newQuadCtrl(3)
	tr, err := New(ctrl, testBeta(t), Config{Epochs: 30, LearningRate: 0.1, MinLR: 1e-6})
	require.NoError(t, err)

	hist, err := tr.Fit(oneBatch(), oneBatch())
	require.NoError(t, err)
	require.Len(t, hist.Epochs, 30)

	first := hist.Epochs[0].TrainLoss
	last := hist.Epochs[len(hist.Epochs)-1].TrainLoss
	assert.InDelta(t, 9.0, first, 0.01)
	assert.Less(t, last, first/2)

	// Training mode is switched off after every epoch.
	assert.False(t, ctrl.training)
}

func TestFit_RecordsScheduleInHistory(t *testing.T) {
	tr, err := New(newQuadCtrl(1), testBeta(t), Config{Epochs: 3, LearningRate: 0.01, MinLR: 1e-6})
	require.NoError(t, err)

	hist, err := tr.Fit(oneBatch(), nil)
	require.NoError(t, err)

	// Beta anneals between epochs: 0.5, 0.6, 0.7.
	assert.InDelta(t, 0.5, hist.Epochs[0].Beta, 1e-9)
	assert.InDelta(t, 0.6, hist.Epochs[1].Beta, 1e-9)
	assert.InDelta(t, 0.7, hist.Epochs[2].Beta, 1e-9)
}

func TestFit_PlateauHalvesLearningRate(t *testing.T) {
	ctrl := &flatCtrl{*newQuadCtrl(1)}
	tr, err := New(ctrl, testBeta(t), Config{
		Epochs: 6, LearningRate: 0.4, MinLR: 1e-6, Patience: 2,
	})
	require.NoError(t, err)

	_, err = tr.Fit(oneBatch(), nil)
	require.NoError(t, err)

	// Constant loss: two halvings in six epochs with patience 2.
	assert.InDelta(t, 0.1, tr.LearningRate(), 1e-9)
}

func TestFit_LearningRateFlooredAtMinLR(t *testing.T) {
	ctrl := &flatCtrl{*newQuadCtrl(1)}
	tr, err := New(ctrl, testBeta(t), Config{
		Epochs: 12, LearningRate: 0.4, MinLR: 0.2, Patience: 1,
	})
	require.NoError(t, err)

	_, err = tr.Fit(oneBatch(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, tr.LearningRate(), 1e-9)
}

func TestFit_NoTrainingBatches(t *testing.T) {
	tr, err := New(newQuadCtrl(1), testBeta(t), Config{Epochs: 1, LearningRate: 0.1, MinLR: 0.01})
	require.NoError(t, err)
	_, err = tr.Fit(nil, nil)
	assert.Error(t, err)
}

func TestValidate_NoBatches(t *testing.T) {
	tr, err := New(newQuadCtrl(1), testBeta(t), Config{Epochs: 1, LearningRate: 0.1, MinLR: 0.01})
	require.NoError(t, err)
	_, err = tr.Validate(nil)
	assert.Error(t, err)
}

func TestFit_UpdatesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr, err := New(newQuadCtrl(1), testBeta(t), Config{Epochs: 2, LearningRate: 0.01, MinLR: 1e-6})
	require.NoError(t, err)
	tr.Metrics = NewMetrics(reg)

	_, err = tr.Fit(oneBatch(), nil)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
