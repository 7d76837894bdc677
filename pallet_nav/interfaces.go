package pallet_nav

import (
	"fmt"
	"math"
	"time"
)

// Detection is a single bounding box reported by the vision pipeline.
//
// Conventions:
//   - OffsetX, OffsetY are image-center minus box-center in pixels, so a
//     positive OffsetX means the target sits left of center and a positive
//     OffsetY means it sits above center.
//   - Area is the box area in square pixels; larger implies closer.
type Detection struct {
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
	Area    float64 `json:"area"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
}

// Pose is the drone position and heading in the world frame. Yaw is in radians.
type Pose struct {
	X   float64
	Y   float64
	Z   float64
	Yaw float64
}

// MotionDelta is a drone-relative step produced by a motion law or a
// recovery pattern.
//
// Lateral is positive to the left of the heading, Vertical is positive up,
// Forward is along the heading. Yaw is a heading offset in degrees applied on
// top of the stage's reference yaw.
type MotionDelta struct {
	Lateral  float64
	Vertical float64
	Forward  float64
	Yaw      float64
	Duration time.Duration
}

// IsZero reports whether the delta commands no translation or rotation.
func (d MotionDelta) IsZero() bool {
	return d.Lateral == 0 && d.Vertical == 0 && d.Forward == 0 && d.Yaw == 0
}

// Waypoint is an absolute command handed to the actuator. Duration is a hint
// for the actuator's trajectory planner.
type Waypoint struct {
	X        float64
	Y        float64
	Z        float64
	Yaw      float64
	Duration time.Duration
}

// YawDeg returns the commanded yaw in degrees.
func (w Waypoint) YawDeg() float64 {
	return w.Yaw * 180 / math.Pi
}

// Pose returns the position and heading the waypoint commands.
func (w Waypoint) Pose() Pose {
	return Pose{X: w.X, Y: w.Y, Z: w.Z, Yaw: w.Yaw}
}

// TaskState selects which stage of the mission is active.
type TaskState int

const (
	StatePallet TaskState = iota + 1
	StateBlockSearch
	StateBlock
	StateFinished
)

func (s TaskState) String() string {
	switch s {
	case StatePallet:
		return "PALLET"
	case StateBlockSearch:
		return "BLOCK_SEARCH"
	case StateBlock:
		return "BLOCK"
	case StateFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// StepResult describes what a single decision cycle did.
type StepResult struct {
	From    TaskState
	To      TaskState
	Found   bool
	Failed  bool
	Done    bool
	Command *Waypoint
}

// Transitioned reports whether the cycle changed the active stage.
func (r StepResult) Transitioned() bool {
	return r.From != r.To
}
