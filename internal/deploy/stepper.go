package deploy

import (
	"battery-policy/internal/policy"
	"battery-policy/internal/sig"
)

// Stepper is a trained controller narrowed to stateful one-call-per-timestep
// inference. Implementations own the state threaded between calls (recurrent
// tensor or signature path); callers must serialize access.
type Stepper interface {
	Reset()
	Step(soc float64, features []float64) (grid, solar float64, err error)
}

// DiscreteStepper threads a recurrent state across calls.
type DiscreteStepper struct {
	Ctrl  *policy.Discrete
	state policy.EncoderState
}

func NewDiscreteStepper(ctrl *policy.Discrete) *DiscreteStepper {
	return &DiscreteStepper{Ctrl: ctrl}
}

func (s *DiscreteStepper) Reset() { s.state = nil }

func (s *DiscreteStepper) Step(soc float64, features []float64) (float64, float64, error) {
	if s.state == nil {
		s.state = s.Ctrl.StartState(1)
	}
	grid, solar, next, err := s.Ctrl.StepForward([]float64{soc}, features, s.state)
	if err != nil {
		return 0, 0, err
	}
	s.state = next
	return grid[0], solar[0], nil
}

// SignatureStepper threads an append-only signature path across calls.
type SignatureStepper struct {
	Ctrl *policy.Signature
	path *sig.Path
}

func NewSignatureStepper(ctrl *policy.Signature) *SignatureStepper {
	return &SignatureStepper{Ctrl: ctrl}
}

func (s *SignatureStepper) Reset() { s.path = nil }

func (s *SignatureStepper) Step(soc float64, features []float64) (float64, float64, error) {
	grid, solar, path, err := s.Ctrl.StepForward(soc, features, s.path)
	if err != nil {
		return 0, 0, err
	}
	s.path = path
	return grid, solar, nil
}
