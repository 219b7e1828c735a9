// Package train drives gradient training of the battery controllers: the
// epoch loop, the soft-clamp temperature schedule and plateau-based learning
// rate decay.
package train

import (
	"errors"

	"battery-policy/internal/env"
)

// BetaConfig bounds the soft-clamp temperature anneal.
type BetaConfig struct {
	Floor     float64
	Increment float64
	Ceiling   float64
	// Interval is how many epochs pass between increments (default 1).
	Interval int
}

// Beta is the softness temperature schedule shared by environment and
// controller. It starts at the floor, rises by Increment every Interval
// epochs up to the ceiling, and is owned by the trainer: the environment
// queries it per call rather than reading ambient state.
type Beta struct {
	cfg    BetaConfig
	epochs int
	value  float64
}

func NewBeta(cfg BetaConfig) (*Beta, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 1
	}
	if cfg.Floor <= 0 {
		return nil, errors.New("beta floor must be > 0")
	}
	if cfg.Increment < 0 {
		return nil, errors.New("beta increment must be >= 0")
	}
	if cfg.Ceiling < cfg.Floor {
		return nil, errors.New("beta ceiling must be >= floor")
	}
	if cfg.Interval < 1 {
		return nil, errors.New("beta interval must be >= 1")
	}
	return &Beta{cfg: cfg, value: cfg.Floor}, nil
}

// Value is the current temperature.
func (b *Beta) Value() float64 { return b.value }

// EpochEnd advances the schedule by one finished epoch: after K epochs the
// value is min(floor + increment*(K/interval), ceiling).
func (b *Beta) EpochEnd() {
	b.epochs++
	steps := b.epochs / b.cfg.Interval
	v := b.cfg.Floor + b.cfg.Increment*float64(steps)
	if v > b.cfg.Ceiling {
		v = b.cfg.Ceiling
	}
	b.value = v
}

// Reset returns the schedule to the floor; called at the start of each
// training run.
func (b *Beta) Reset() {
	b.epochs = 0
	b.value = b.cfg.Floor
}

// Inference is the sentinel temperature that switches the simulator to hard
// clamping.
func (b *Beta) Inference() float64 { return env.HardBeta() }
