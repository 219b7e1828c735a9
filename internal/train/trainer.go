package train

import (
	"errors"
	"fmt"
	"log"

	"battery-policy/internal/diff"
	"battery-policy/internal/policy"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anysgd"
)

// Config holds the optimizer and loop hyperparameters.
type Config struct {
	Epochs       int
	LearningRate float64
	MinLR        float64
	// Patience is how many epochs the training loss may plateau before the
	// learning rate is halved.
	Patience int
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64
	Beta         float64
}

// History records per-epoch training progress.
type History struct {
	Epochs []EpochStats
}

// Trainer is the shared driver for both controller species: forward the
// batch, reduce trajectory cost to a scalar loss, backpropagate, Adam step.
// Validation mirrors training with the controller's validation action policy
// and no parameter updates.
type Trainer struct {
	Ctrl    policy.Controller
	Beta    *Beta
	Metrics *Metrics

	cfg  Config
	lr   float64
	adam *anysgd.Adam

	best  float64
	stale int
}

func New(ctrl policy.Controller, beta *Beta, cfg Config) (*Trainer, error) {
	if ctrl == nil {
		return nil, errors.New("controller is nil")
	}
	if beta == nil {
		return nil, errors.New("beta schedule is nil")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.New("Epochs must be > 0")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.New("LearningRate must be > 0")
	}
	if cfg.MinLR <= 0 || cfg.MinLR > cfg.LearningRate {
		return nil, errors.New("MinLR must be in (0, LearningRate]")
	}
	if cfg.Patience <= 0 {
		cfg.Patience = 5
	}
	return &Trainer{
		Ctrl: ctrl,
		Beta: beta,
		cfg:  cfg,
		lr:   cfg.LearningRate,
		adam: &anysgd.Adam{},
	}, nil
}

// Fit runs the full training loop and returns the per-epoch history.
func (t *Trainer) Fit(trainSet, valSet []*policy.Batch) (*History, error) {
	if len(trainSet) == 0 {
		return nil, errors.New("no training batches")
	}
	t.Beta.Reset()
	t.lr = t.cfg.LearningRate
	t.best = 0
	t.stale = 0

	hist := &History{}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		trainLoss, err := t.trainEpoch(trainSet)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		valLoss := trainLoss
		if len(valSet) > 0 {
			valLoss, err = t.Validate(valSet)
			if err != nil {
				return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
		}

		stats := EpochStats{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			LearningRate: t.lr,
			Beta:         t.Beta.Value(),
		}
		hist.Epochs = append(hist.Epochs, stats)
		log.Printf("epoch %d: train_loss=%.4f val_loss=%.4f lr=%.2g beta=%.2f",
			epoch, trainLoss, valLoss, t.lr, t.Beta.Value())
		if t.Metrics != nil {
			t.Metrics.TrainLoss.Set(trainLoss)
			t.Metrics.ValLoss.Set(valLoss)
			t.Metrics.LearningRate.Set(t.lr)
			t.Metrics.Beta.Set(t.Beta.Value())
			t.Metrics.EpochsTotal.Inc()
		}

		t.updatePlateau(epoch, trainLoss)
		t.Beta.EpochEnd()
	}
	return hist, nil
}

func (t *Trainer) trainEpoch(batches []*policy.Batch) (float64, error) {
	t.Ctrl.SetTraining(true)
	defer t.Ctrl.SetTraining(false)

	total := 0.0
	for _, b := range batches {
		rollout, err := t.Ctrl.Forward(b, t.Beta.Value())
		if err != nil {
			return 0, err
		}
		loss := rollout.Loss()
		total += diff.Values(loss)[0]
		t.step(loss)
	}
	return total / float64(len(batches)), nil
}

// Validate runs the validation pass at the current beta without updating
// parameters.
func (t *Trainer) Validate(batches []*policy.Batch) (float64, error) {
	if len(batches) == 0 {
		return 0, errors.New("no validation batches")
	}
	total := 0.0
	for _, b := range batches {
		rollout, err := t.Ctrl.EvalForward(b, t.Beta.Value())
		if err != nil {
			return 0, err
		}
		total += rollout.TotalCost()
	}
	return total / float64(len(batches)), nil
}

// step backpropagates a scalar loss and applies one Adam update.
func (t *Trainer) step(loss anydiff.Res) {
	params := t.Ctrl.Parameters()
	grad := anydiff.NewGrad(params...)
	loss.Propagate(diff.Vector([]float64{1}), grad)
	grad = t.adam.Transform(grad)
	scale := diff.Creator().MakeNumeric(-t.lr)
	for v, g := range grad {
		g.Scale(scale)
		v.Vector.Add(g)
	}
}

// updatePlateau halves the learning rate when the training loss has not
// improved for Patience epochs, floored at MinLR.
func (t *Trainer) updatePlateau(epoch int, loss float64) {
	if epoch == 0 || loss < t.best {
		t.best = loss
		t.stale = 0
		return
	}
	t.stale++
	if t.stale >= t.cfg.Patience {
		t.stale = 0
		t.lr /= 2
		if t.lr < t.cfg.MinLR {
			t.lr = t.cfg.MinLR
		}
		log.Printf("plateau at epoch %d: learning rate reduced to %.2g", epoch, t.lr)
	}
}

// LearningRate is the current (possibly decayed) learning rate.
func (t *Trainer) LearningRate() float64 { return t.lr }
