// Package deploy wraps a trained controller for single-step, stateful,
// real-time action emission. It fills gaps in incoming telemetry and converts
// policy actions into physical power setpoints.
package deploy

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// PVPowerColumn is the telemetry field holding current solar production; the
// adapter needs it both as a feature and to size the solar setpoint.
const PVPowerColumn = "pv_power"

// InternalState is the device-side record supplied per call.
type InternalState struct {
	BatterySOC  float64
	MaxChargeKW float64
}

// Setpoint is the physical output of one call: power routed to the battery.
type Setpoint struct {
	SolarKW float64
	GridKW  float64
}

// Adapter turns per-call external telemetry records (possibly with missing
// fields) into controller features and actions into setpoints. Missing fields
// are never fatal: they are forward-filled from the last observed record,
// falling back to the historical training-set mean.
type Adapter struct {
	stepper Stepper
	columns []string
	means   map[string]float64
	last    map[string]float64
}

// NewAdapter builds an adapter over a stepper. columns names the feature
// fields in model input order; history holds training-set rows (aligned with
// columns) used for the mean fallback.
func NewAdapter(stepper Stepper, columns []string, history [][]float64) (*Adapter, error) {
	if stepper == nil {
		return nil, errors.New("stepper is nil")
	}
	if len(columns) == 0 {
		return nil, errors.New("no feature columns")
	}
	hasPV := false
	for _, c := range columns {
		if c == PVPowerColumn {
			hasPV = true
		}
	}
	if !hasPV {
		return nil, fmt.Errorf("columns must include %q", PVPowerColumn)
	}
	if len(history) == 0 {
		return nil, errors.New("no history rows for mean fallback")
	}
	means := make(map[string]float64, len(columns))
	for i, c := range columns {
		col := make([]float64, 0, len(history))
		for _, row := range history {
			if len(row) != len(columns) {
				return nil, fmt.Errorf("history row has %d values, want %d", len(row), len(columns))
			}
			col = append(col, row[i])
		}
		means[c] = stat.Mean(col, nil)
	}
	return &Adapter{stepper: stepper, columns: columns, means: means}, nil
}

// Act consumes one telemetry record and returns the power setpoints for this
// timestep.
func (a *Adapter) Act(external map[string]float64, internal InternalState) (Setpoint, error) {
	features := make([]float64, len(a.columns))
	filled := make(map[string]float64, len(a.columns))
	for i, c := range a.columns {
		v, ok := external[c]
		if !ok {
			if last, seen := a.last[c]; seen {
				v = last
			} else {
				v = a.means[c]
			}
		}
		features[i] = v
		filled[c] = v
	}
	a.last = filled

	grid, solar, err := a.stepper.Step(internal.BatterySOC, features)
	if err != nil {
		return Setpoint{}, err
	}
	return Setpoint{
		SolarKW: solar * filled[PVPowerColumn],
		GridKW:  grid * internal.MaxChargeKW,
	}, nil
}

// Reset clears the threaded controller state and the forward-fill memory,
// starting a fresh deployment session.
func (a *Adapter) Reset() {
	a.stepper.Reset()
	a.last = nil
}
