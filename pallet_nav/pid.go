package pallet_nav

// PIDConfig holds gains, setpoint, and optional symmetric output limit.
type PIDConfig struct {
	Kp          float64 `json:"kp" yaml:"kp"`
	Ki          float64 `json:"ki" yaml:"ki"`
	Kd          float64 `json:"kd" yaml:"kd"`
	Setpoint    float64 `json:"setpoint" yaml:"setpoint"`
	OutputLimit float64 `json:"output_limit" yaml:"output_limit"`
}

// PID is a positional controller with derivative-on-measurement.
//
// Each axis owns its own instance; Reset clears integral and derivative memory.
type PID struct {
	cfg PIDConfig

	integral  float64
	lastInput *float64
}

// NewPID constructs a controller with the given configuration.
func NewPID(cfg PIDConfig) *PID {
	return &PID{cfg: cfg}
}

// Update feeds the process variable measured dt seconds after the previous
// sample and returns the controller output.
func (p *PID) Update(pv, dt float64) float64 {
	if dt <= 0 {
		dt = 1e-3
	}
	e := p.cfg.Setpoint - pv

	var dInput float64
	if p.lastInput != nil {
		dInput = pv - *p.lastInput
	}
	p.lastInput = &pv

	p.integral += p.cfg.Ki * e * dt
	p.integral = p.limit(p.integral)

	out := p.cfg.Kp*e + p.integral - p.cfg.Kd*dInput/dt
	return p.limit(out)
}

// Reset clears accumulated state.
func (p *PID) Reset() {
	p.integral = 0
	p.lastInput = nil
}

// limit applies the configured output bound, if any.
func (p *PID) limit(v float64) float64 {
	if p.cfg.OutputLimit <= 0 {
		return v
	}
	return clamp(v, -p.cfg.OutputLimit, p.cfg.OutputLimit)
}
