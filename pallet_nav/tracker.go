package pallet_nav

import "math"

// RetryBudget is the per-stage convergence memory.
type RetryBudget struct {
	MaxIter     int
	FoundTarget bool
	LastArea    *float64
}

// TrackerConfig controls the convergence predicate.
type TrackerConfig struct {
	Tolerance   float64 `json:"tolerance" yaml:"tolerance"`
	FloorHeight float64 `json:"floor_height" yaml:"floor_height"`
	AreaMaxDiff float64 `json:"area_max_diff" yaml:"area_max_diff"`
}

// Tracker owns the retry budget of the active stage and decides when its
// target counts as reached.
type Tracker struct {
	cfg    TrackerConfig
	budget RetryBudget
}

// NewTracker constructs a tracker with an empty budget.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Reset re-arms the tracker on stage entry.
func (tr *Tracker) Reset(maxIter int) {
	if maxIter < 0 {
		maxIter = 0
	}
	tr.budget = RetryBudget{MaxIter: maxIter}
}

// Budget returns a copy of the current budget.
func (tr *Tracker) Budget() RetryBudget {
	return tr.budget
}

// Remaining returns the number of no-signal cycles left.
func (tr *Tracker) Remaining() int {
	return tr.budget.MaxIter
}

// Found reports whether the target has been reached since the last reset.
func (tr *Tracker) Found() bool {
	return tr.budget.FoundTarget
}

// Consume spends one unit of budget on a no-signal cycle. It reports
// exhausted once the counter is at zero; the counter never goes negative.
func (tr *Tracker) Consume() (remaining int, exhausted bool) {
	if tr.budget.MaxIter <= 0 {
		tr.budget.MaxIter = 0
		return 0, true
	}
	tr.budget.MaxIter--
	return tr.budget.MaxIter, tr.budget.MaxIter == 0
}

// Update evaluates the convergence predicate for a detection cycle. The
// target is reached when every correction is within tolerance (the vertical
// one may be skipped once the drone sits on the floor height), or early when
// the target area exceeds acceptArea.
func (tr *Tracker) Update(lateral, forward, vertical, height, area, acceptArea float64) bool {
	tol := tr.cfg.Tolerance
	settled := math.Abs(lateral) <= tol && math.Abs(forward) <= tol &&
		(math.Abs(vertical) <= tol || height <= tr.cfg.FloorHeight)
	if settled || (acceptArea > 0 && area > acceptArea) {
		tr.budget.FoundTarget = true
	}
	return tr.budget.FoundTarget
}

// MarkFound sets the found flag for stages whose convergence is not a motion
// predicate, such as counting visible blocks.
func (tr *Tracker) MarkFound() {
	tr.budget.FoundTarget = true
}

// AreaShrunk compares area against the previous sample and reports whether
// it dropped below AreaMaxDiff of it.
func (tr *Tracker) AreaShrunk(area float64) bool {
	last := tr.budget.LastArea
	tr.budget.LastArea = &area
	if last == nil || *last == 0 {
		return false
	}
	return area / *last < tr.cfg.AreaMaxDiff
}

// SearchPattern is a finite, restartable sequence of scripted recovery steps
// keyed by the remaining budget.
type SearchPattern struct {
	Steps []MotionDelta
}

// Step returns the recovery step for the given remaining budget.
func (p SearchPattern) Step(remaining int) (MotionDelta, bool) {
	if len(p.Steps) == 0 {
		return MotionDelta{}, false
	}
	if remaining < 0 {
		remaining = 0
	}
	return p.Steps[remaining%len(p.Steps)], true
}

// Len returns the pattern length.
func (p SearchPattern) Len() int {
	return len(p.Steps)
}
