package pallet_nav

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"
)

// ReferenceMode selects which heading a stage rotates its deltas by.
type ReferenceMode int

const (
	// ReferenceLive uses the yaw reported by the actuator this cycle.
	ReferenceLive ReferenceMode = iota
	// ReferenceFixed holds a constant heading, the pallet's reference frame.
	ReferenceFixed
)

func (m ReferenceMode) String() string {
	if m == ReferenceFixed {
		return "fixed"
	}
	return "live"
}

// UnmarshalText parses "live" or "fixed".
func (m *ReferenceMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "live":
		*m = ReferenceLive
	case "fixed":
		*m = ReferenceFixed
	default:
		return fmt.Errorf("%w: unknown reference mode %q", ErrInvalidConfig, string(b))
	}
	return nil
}

// MarshalText writes the mode name.
func (m ReferenceMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ReferenceYaw is the per-stage choice of rotation frame.
type ReferenceYaw struct {
	Mode     ReferenceMode `json:"mode" yaml:"mode"`
	FixedDeg float64       `json:"fixed_deg" yaml:"fixed_deg"`
}

// Resolve returns the reference heading in radians for the given pose.
func (r ReferenceYaw) Resolve(pose Pose) float64 {
	if r.Mode == ReferenceFixed {
		return deg2rad(r.FixedDeg)
	}
	return pose.Yaw
}

// Transform rotates a drone-relative delta into the world frame around the
// reference heading and returns the absolute waypoint. Height never drops
// below floor.
func Transform(pose Pose, delta MotionDelta, refYaw, floor float64) Waypoint {
	heading := r2.Vec{X: math.Cos(refYaw), Y: math.Sin(refYaw)}
	left := r2.Vec{X: -heading.Y, Y: heading.X}

	pos := r2.Vec{X: pose.X, Y: pose.Y}
	pos = r2.Add(pos, r2.Scale(delta.Forward, heading))
	pos = r2.Add(pos, r2.Scale(delta.Lateral, left))

	return Waypoint{
		X:        pos.X,
		Y:        pos.Y,
		Z:        math.Max(floor, pose.Z+delta.Vertical),
		Yaw:      refYaw + deg2rad(delta.Yaw),
		Duration: delta.Duration,
	}
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}
