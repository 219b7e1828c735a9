package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"battery-policy/internal/diff"
)

const checkpointVersion = 1

// Checkpoint is the on-disk model state. Only parameters are persisted; the
// environment is reconstructed from configuration (capacity and rate limits)
// by the loader.
type Checkpoint struct {
	Version int         `json:"version"`
	Kind    string      `json:"kind"`
	Params  [][]float64 `json:"params"`
}

// SaveCheckpoint writes the controller's parameters to path.
func SaveCheckpoint(path, kind string, ctrl Controller) error {
	ck := Checkpoint{Version: checkpointVersion, Kind: kind}
	for _, v := range ctrl.Parameters() {
		ck.Params = append(ck.Params, diff.Floats(v.Vector))
	}
	raw, err := json.Marshal(ck)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadCheckpoint restores parameters into a freshly constructed controller.
// The controller must have been built with the same configuration that
// produced the checkpoint; any shape mismatch is fatal.
func LoadCheckpoint(path, kind string, ctrl Controller) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ck Checkpoint
	if err := json.Unmarshal(raw, &ck); err != nil {
		return fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return fmt.Errorf("checkpoint %s has version %d, want %d", path, ck.Version, checkpointVersion)
	}
	if ck.Kind != kind {
		return fmt.Errorf("checkpoint %s holds a %q model, want %q", path, ck.Kind, kind)
	}
	params := ctrl.Parameters()
	if len(ck.Params) != len(params) {
		return fmt.Errorf("checkpoint %s has %d parameter tensors, model has %d", path, len(ck.Params), len(params))
	}
	for i, vals := range ck.Params {
		if len(vals) != params[i].Vector.Len() {
			return fmt.Errorf("checkpoint %s: tensor %d has %d values, model expects %d",
				path, i, len(vals), params[i].Vector.Len())
		}
		params[i].Vector.SetData(diff.Creator().MakeNumericList(vals))
	}
	return nil
}
