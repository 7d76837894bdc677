package pallet_nav

import (
	"math"
	"time"
)

// MotionLaw maps a chosen detection into a drone-relative step.
type MotionLaw interface {
	Delta(det Detection) MotionDelta
	Reset()
}

// CoarseLawConfig defines the bang-bang approach used while closing on the
// pallet as a whole.
type CoarseLawConfig struct {
	DeadBandX    float64 `json:"dead_band_x" yaml:"dead_band_x"`
	DeadBandY    float64 `json:"dead_band_y" yaml:"dead_band_y"`
	LateralStep  float64 `json:"lateral_step" yaml:"lateral_step"`
	YawStep      float64 `json:"yaw_step" yaml:"yaw_step"`
	VerticalStep float64 `json:"vertical_step" yaml:"vertical_step"`
	ForwardStep  float64 `json:"forward_step" yaml:"forward_step"`
	CaptureArea  float64 `json:"capture_area" yaml:"capture_area"`
	StepSeconds  float64 `json:"step_seconds" yaml:"step_seconds"`
}

// CoarseLaw applies fixed-magnitude steps outside the dead bands. It is
// stateless.
type CoarseLaw struct {
	Cfg CoarseLawConfig
}

// NewCoarseLaw constructs a coarse law with the given configuration.
func NewCoarseLaw(cfg CoarseLawConfig) *CoarseLaw {
	return &CoarseLaw{Cfg: cfg}
}

// Delta computes the next step for the pallet approach.
func (cl *CoarseLaw) Delta(det Detection) MotionDelta {
	d := MotionDelta{Duration: seconds(cl.Cfg.StepSeconds)}

	if math.Abs(det.OffsetX) > cl.Cfg.DeadBandX {
		s := sign(det.OffsetX)
		d.Lateral = s * cl.Cfg.LateralStep
		d.Yaw = s * cl.Cfg.YawStep
	}
	if math.Abs(det.OffsetY) > cl.Cfg.DeadBandY {
		d.Vertical = sign(det.OffsetY) * cl.Cfg.VerticalStep
	}
	if det.Area < cl.Cfg.CaptureArea {
		d.Forward = cl.Cfg.ForwardStep
	}
	return d
}

// Reset is a no-op; the coarse law keeps no memory between cycles.
func (cl *CoarseLaw) Reset() {}

// FineLawConfig bundles the per-axis controllers and unit conversions used
// while passing individual blocks.
type FineLawConfig struct {
	X            PIDConfig `json:"pid_x" yaml:"pid_x"`
	Y            PIDConfig `json:"pid_y" yaml:"pid_y"`
	Area         PIDConfig `json:"pid_area" yaml:"pid_area"`
	PixelToMeter float64   `json:"pixel_to_meter" yaml:"pixel_to_meter"`
	AreaToMeter  float64   `json:"area_to_meter" yaml:"area_to_meter"`
	CaptureArea  float64   `json:"capture_area" yaml:"capture_area"`
	StepSeconds  float64   `json:"step_seconds" yaml:"step_seconds"`
	BackoffStep  float64   `json:"backoff_step" yaml:"backoff_step"`
}

// FineLaw drives lateral, vertical, and forward corrections from three
// independent PID controllers.
type FineLaw struct {
	Cfg FineLawConfig

	pidX    *PID
	pidY    *PID
	pidArea *PID
}

// NewFineLaw constructs a fine law owning fresh controllers.
func NewFineLaw(cfg FineLawConfig) *FineLaw {
	return &FineLaw{
		Cfg:     cfg,
		pidX:    NewPID(cfg.X),
		pidY:    NewPID(cfg.Y),
		pidArea: NewPID(cfg.Area),
	}
}

// Delta computes the next step for the block approach.
func (fl *FineLaw) Delta(det Detection) MotionDelta {
	dt := fl.Cfg.StepSeconds

	lateral := round2(-fl.pidX.Update(det.OffsetX, dt) * fl.Cfg.PixelToMeter)
	vertical := round2(-fl.pidY.Update(det.OffsetY, dt) * fl.Cfg.PixelToMeter)
	forward := round2(fl.pidArea.Update(det.Area, dt) * fl.Cfg.AreaToMeter)

	// never close in on a target that already fills the frame
	if det.Area >= fl.Cfg.CaptureArea {
		forward = math.Min(0, forward)
	}

	return MotionDelta{
		Lateral:  lateral,
		Vertical: vertical,
		Forward:  forward,
		Duration: seconds(dt),
	}
}

// Backoff returns the short retreat used when the target area collapses
// between cycles.
func (fl *FineLaw) Backoff() MotionDelta {
	return MotionDelta{Forward: -fl.Cfg.BackoffStep, Duration: seconds(fl.Cfg.StepSeconds)}
}

// Reset clears all three controllers.
func (fl *FineLaw) Reset() {
	fl.pidX.Reset()
	fl.pidY.Reset()
	fl.pidArea.Reset()
}

// clamp keeps value inside [lo, hi].
func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// round2 rounds to centimeter resolution.
func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// seconds converts a float second count into a time.Duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
