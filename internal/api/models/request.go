package models

// ActRequest represents the request body for a single control step
type ActRequest struct {
	// External telemetry for this timestep. Keys are feature column names;
	// missing columns are imputed server-side.
	External map[string]float64 `json:"external" binding:"required"`
	Internal InternalState      `json:"internal" binding:"required"`
}

// InternalState carries the device-side battery readings
type InternalState struct {
	BatterySOCKWh float64 `json:"battery_soc_kwh"`
	MaxChargeKW   float64 `json:"max_charge_kw" binding:"required"`
}
