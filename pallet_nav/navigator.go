package pallet_nav

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StagePolicy is everything a stage injects into the shared decision cycle.
type StagePolicy struct {
	State      TaskState
	Topic      string
	Select     Selector
	Law        MotionLaw
	Recovery   SearchPattern
	Reference  ReferenceYaw
	MaxIter    int
	AcceptArea float64
	Step       time.Duration
	// AreaTrendBackoff retreats instead of applying the law when the target
	// area collapses between cycles. Needs a law with a Backoff step.
	AreaTrendBackoff bool
}

type backoffLaw interface {
	Backoff() MotionDelta
}

// NewStagePolicy builds the policy for state from its config section.
func NewStagePolicy(state TaskState, cfg StageConfig, law MotionLaw) *StagePolicy {
	return &StagePolicy{
		State:            state,
		Topic:            cfg.Topic,
		Select:           cfg.selector(),
		Law:              law,
		Recovery:         patternFrom(cfg.Recovery),
		Reference:        cfg.Reference,
		MaxIter:          cfg.MaxIter,
		AcceptArea:       cfg.AcceptArea,
		Step:             seconds(cfg.StepSeconds),
		AreaTrendBackoff: cfg.AreaTrendBackoff,
	}
}

func (c StageConfig) selector() Selector {
	if c.MiddleMin <= 0 {
		return c.Policy.Selector()
	}
	return middleOr(c.MiddleMin, c.Policy.Selector())
}

// NavigatorOptions carries the collaborators of a Navigator. Perception and
// Actuator are required.
type NavigatorOptions struct {
	Perception Perception
	Actuator   Actuator
	Sink       TrajectorySink
	Clock      Clock
	Log        *logrus.Entry
	Tracer     trace.Tracer
	Viz        *VizMetrics
}

// Navigator is the stage state machine. It is not safe for concurrent use;
// one goroutine drives it by calling Step.
type Navigator struct {
	mission    MissionConfig
	perception PerceptionConfig
	policies   map[TaskState]*StagePolicy

	percept Perception
	act     Actuator
	sink    TrajectorySink
	clock   Clock
	log     *logrus.Entry
	tracer  trace.Tracer
	viz     *VizMetrics

	tracker      *Tracker
	state        TaskState
	blocksPassed int
	rollbacks    int
	done         bool
}

// NewNavigator wires a navigator from config. It starts in the pallet stage
// with the pallet budget.
func NewNavigator(cfg AppConfig, opts NavigatorOptions) (*Navigator, error) {
	if opts.Perception == nil {
		return nil, fmt.Errorf("%w: perception is required", ErrInvalidConfig)
	}
	if opts.Actuator == nil {
		return nil, fmt.Errorf("%w: actuator is required", ErrInvalidConfig)
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Log == nil {
		opts.Log = discardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}

	n := &Navigator{
		mission:    cfg.Mission,
		perception: cfg.Perception,
		policies: map[TaskState]*StagePolicy{
			StatePallet:      NewStagePolicy(StatePallet, cfg.Stages.Pallet, NewCoarseLaw(cfg.Laws.Coarse)),
			StateBlockSearch: NewStagePolicy(StateBlockSearch, cfg.Stages.BlockSearch, nil),
			StateBlock:       NewStagePolicy(StateBlock, cfg.Stages.Block, NewFineLaw(cfg.Laws.Fine)),
		},
		percept: opts.Perception,
		act:     opts.Actuator,
		sink:    opts.Sink,
		clock:   opts.Clock,
		log:     opts.Log.WithField("component", "navigator"),
		tracer:  opts.Tracer,
		viz:     opts.Viz,
		tracker: NewTracker(cfg.Tracker),
	}
	n.enter(StatePallet)
	return n, nil
}

// State returns the active stage.
func (n *Navigator) State() TaskState { return n.state }

// BlocksPassed returns how many blocks have been imaged since the last rollback.
func (n *Navigator) BlocksPassed() int { return n.blocksPassed }

// Rollbacks returns how many times a stage ran out of budget.
func (n *Navigator) Rollbacks() int { return n.rollbacks }

// Done reports whether the drone has landed.
func (n *Navigator) Done() bool { return n.done }

// Budget returns the retry budget of the active stage.
func (n *Navigator) Budget() RetryBudget { return n.tracker.Budget() }

// Policy returns the policy for a tracking stage, or nil.
func (n *Navigator) Policy(state TaskState) *StagePolicy { return n.policies[state] }

// enter switches stage and re-arms the tracker and every controller. Any
// advance acknowledgement still pending belongs to an earlier block and is
// dropped.
func (n *Navigator) enter(state TaskState) {
	n.state = state
	if topic := n.perception.AdvanceTopic; topic != "" && n.percept.Ready(topic) {
		n.percept.Latest(topic)
	}
	if pol, ok := n.policies[state]; ok {
		n.tracker.Reset(pol.MaxIter)
	} else {
		n.tracker.Reset(0)
	}
	for _, pol := range n.policies {
		if pol.Law != nil {
			pol.Law.Reset()
		}
	}
}

// Step runs one decision cycle: read perception, compute a delta, fly it and
// evaluate the stage transition.
func (n *Navigator) Step(ctx context.Context) (StepResult, error) {
	ctx, span := n.tracer.Start(ctx, "palletnav.step",
		trace.WithAttributes(attribute.String("stage", n.state.String())))
	defer span.End()

	res := StepResult{From: n.state, To: n.state}
	var err error
	switch n.state {
	case StatePallet, StateBlock:
		res, err = n.stepTracking(ctx, res)
	case StateBlockSearch:
		res, err = n.stepBlockSearch(ctx, res)
	case StateFinished:
		res, err = n.stepFinished(ctx, res)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownState, int(n.state))
	}
	res.To = n.state

	span.SetAttributes(
		attribute.Int("budget", n.tracker.Remaining()),
		attribute.Bool("found", res.Found),
		attribute.Bool("failed", res.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (n *Navigator) stepTracking(ctx context.Context, res StepResult) (StepResult, error) {
	pol := n.policies[n.state]

	dets, det, seen := n.observe(ctx, pol)
	pose, err := n.act.Pose(ctx)
	if err != nil {
		return res, fmt.Errorf("read pose: %w", err)
	}

	var delta MotionDelta
	if !seen {
		remaining, exhausted := n.tracker.Consume()
		if exhausted {
			return n.rollback(ctx, res)
		}
		delta = n.recovery(pol, remaining)
		n.log.WithFields(logrus.Fields{
			"stage":  n.state.String(),
			"budget": remaining,
		}).Info("no detection, recovering")
	} else {
		n.viz.UpdateInput(n.state, det, len(dets))
		backoff, canBackoff := pol.Law.(backoffLaw)
		if pol.AreaTrendBackoff && canBackoff && n.tracker.AreaShrunk(det.Area) {
			delta = backoff.Backoff()
			n.log.WithField("area", det.Area).Debug("target area collapsed, backing off")
		} else {
			delta = pol.Law.Delta(det)
		}
		heading := math.Max(math.Abs(delta.Lateral), math.Abs(delta.Yaw))
		res.Found = n.tracker.Update(heading, delta.Forward, delta.Vertical, pose.Z, det.Area, pol.AcceptArea)
	}

	wp := Transform(pose, delta, pol.Reference.Resolve(pose), n.mission.FloorHeight)
	n.logCycle(det, delta)
	if err := n.fly(ctx, delta, wp); err != nil {
		return res, err
	}
	res.Command = &wp

	if !res.Found || !seen {
		return res, nil
	}

	switch n.state {
	case StatePallet:
		n.log.Info("pallet reached, searching for blocks")
		n.enter(StateBlockSearch)
	case StateBlock:
		return n.advanceBlock(ctx, res, pol)
	}
	return res, nil
}

// advanceBlock waits for the imaging acknowledgement and moves on to the
// next block.
func (n *Navigator) advanceBlock(ctx context.Context, res StepResult, pol *StagePolicy) (StepResult, error) {
	topic := n.perception.AdvanceTopic
	if !WaitReady(ctx, n.percept, n.clock, topic, pol.Step, seconds(n.perception.PollSeconds)) {
		n.log.WithField("blocks_passed", n.blocksPassed).Info("waiting for image capture")
		return res, nil
	}
	n.percept.Latest(topic)

	n.blocksPassed++
	n.log.WithField("blocks_passed", n.blocksPassed).Info("block imaged")
	if n.blocksPassed >= n.mission.TotalBlocks {
		n.log.Info("all blocks imaged, returning to base")
		n.enter(StateFinished)
		return res, nil
	}

	n.enter(StateBlock)
	idx := n.blocksPassed - 1
	if idx >= len(n.mission.Reposition) {
		return res, nil
	}
	pose, err := n.act.Pose(ctx)
	if err != nil {
		return res, fmt.Errorf("read pose: %w", err)
	}
	delta := n.mission.Reposition[idx].Delta()
	wp := Transform(pose, delta, pose.Yaw, n.mission.FloorHeight)
	if err := n.fly(ctx, delta, wp); err != nil {
		return res, err
	}
	res.Command = &wp
	return res, nil
}

func (n *Navigator) stepBlockSearch(ctx context.Context, res StepResult) (StepResult, error) {
	pol := n.policies[StateBlockSearch]

	dets, _, _ := n.observe(ctx, pol)
	pose, err := n.act.Pose(ctx)
	if err != nil {
		return res, fmt.Errorf("read pose: %w", err)
	}
	n.viz.UpdateInput(n.state, Detection{}, len(dets))

	delta := MotionDelta{Duration: pol.Step}
	if len(dets) >= n.mission.RequiredBlocks {
		n.tracker.MarkFound()
		res.Found = true
	} else {
		remaining, exhausted := n.tracker.Consume()
		if exhausted {
			return n.rollback(ctx, res)
		}
		delta = n.recovery(pol, remaining)
		n.log.WithFields(logrus.Fields{
			"stage":  n.state.String(),
			"budget": remaining,
			"blocks": len(dets),
		}).Info("not all blocks visible, searching")
	}

	wp := Transform(pose, delta, pol.Reference.Resolve(pose), n.mission.FloorHeight)
	if err := n.fly(ctx, delta, wp); err != nil {
		return res, err
	}
	res.Command = &wp

	if res.Found {
		n.log.WithField("blocks", len(dets)).Info("all blocks visible, approaching")
		n.enter(StateBlock)
	}
	return res, nil
}

func (n *Navigator) stepFinished(ctx context.Context, res StepResult) (StepResult, error) {
	if n.done {
		res.Done = true
		return res, nil
	}
	wp := n.home(seconds(n.mission.HomeSeconds))
	if err := n.fly(ctx, MotionDelta{}, wp); err != nil {
		return res, err
	}
	res.Command = &wp
	if err := n.act.Land(ctx, n.mission.LandHeight, seconds(n.mission.LandSeconds)); err != nil {
		return res, fmt.Errorf("land: %w", err)
	}
	n.done = true
	res.Done = true
	n.log.Info("landed")
	return res, nil
}

// rollback abandons the active stage: fly back to the home hover and start
// over from the pallet with fresh budgets.
func (n *Navigator) rollback(ctx context.Context, res StepResult) (StepResult, error) {
	res.Failed = true
	n.rollbacks++
	failure := fmt.Errorf("%s: %w", n.state, ErrBudgetExhausted)
	trace.SpanFromContext(ctx).RecordError(failure)
	n.log.WithError(failure).WithFields(logrus.Fields{
		"stage":         n.state.String(),
		"blocks_passed": n.blocksPassed,
		"rollbacks":     n.rollbacks,
	}).Warn("no signal, returning to start")

	wp := n.home(seconds(n.mission.RollbackSeconds))
	n.blocksPassed = 0
	n.enter(StatePallet)
	if err := n.fly(ctx, MotionDelta{}, wp); err != nil {
		return res, err
	}
	res.Command = &wp
	return res, nil
}

// recovery returns the scripted step for the remaining budget. A stage
// without a pattern hovers for one step.
func (n *Navigator) recovery(pol *StagePolicy, remaining int) MotionDelta {
	delta, ok := pol.Recovery.Step(remaining)
	if !ok || delta.Duration <= 0 {
		delta.Duration = pol.Step
	}
	return delta
}

func (n *Navigator) home(d time.Duration) Waypoint {
	return Waypoint{X: n.mission.HomeX, Y: n.mission.HomeY, Z: n.mission.StartHeight, Duration: d}
}

// observe waits briefly for a fresh frame and applies the stage selector.
func (n *Navigator) observe(ctx context.Context, pol *StagePolicy) ([]Detection, Detection, bool) {
	WaitReady(ctx, n.percept, n.clock, pol.Topic, seconds(n.perception.WaitSeconds), seconds(n.perception.PollSeconds))
	dets, ok := n.percept.Latest(pol.Topic)
	if !ok {
		return nil, Detection{}, false
	}
	if pol.Select == nil {
		return dets, Detection{}, false
	}
	det, seen := pol.Select(dets)
	return dets, det, seen
}

// fly sends the waypoint, records it and waits out the settle pad.
func (n *Navigator) fly(ctx context.Context, delta MotionDelta, wp Waypoint) error {
	if err := n.act.GoTo(ctx, wp); err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	if err := n.sink.Record(RowFromWaypoint(wp)); err != nil {
		n.log.WithError(err).Warn("trajectory write failed")
	}
	n.viz.UpdateOutput(delta, wp)
	if pad := seconds(n.mission.StepPadSeconds); pad > 0 {
		n.clock.Sleep(pad)
	}
	return nil
}

func (n *Navigator) logCycle(det Detection, delta MotionDelta) {
	n.log.WithFields(logrus.Fields{
		"stage":    n.state.String(),
		"budget":   n.tracker.Remaining(),
		"offset_x": det.OffsetX,
		"offset_y": det.OffsetY,
		"area":     det.Area,
		"lateral":  delta.Lateral,
		"vertical": delta.Vertical,
		"forward":  delta.Forward,
		"yaw":      delta.Yaw,
	}).Debug("cycle")
}
