package models

// ActResponse carries the physical setpoints for one timestep
type ActResponse struct {
	Status  string   `json:"status"`
	Command Setpoint `json:"command"`
}

// Setpoint is the power routing decision in kilowatts
type Setpoint struct {
	SolarKW float64 `json:"solar_kw"`
	GridKW  float64 `json:"grid_kw"`
}
