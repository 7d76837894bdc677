package pallet_nav

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mission outcomes stored with each flight.
const (
	OutcomeFinished = "finished"
	OutcomeAborted  = "aborted"
	OutcomeFailed   = "failed"
)

// MissionSummary is what a finished Run reports.
type MissionSummary struct {
	Outcome      string
	BlocksPassed int
	Rollbacks    int
	FlightTime   time.Duration
}

// EventPublisher sends mission events to whoever listens for them.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// FlightEvent is the message published when a mission ends.
type FlightEvent struct {
	Type    string  `json:"type"`
	Content float64 `json:"content"`
}

// Run takes off, steps the state machine until the drone has landed and
// publishes the flight time on the event topic. When ctx is cancelled the
// drone is landed where it is and ctx's error is returned.
func (n *Navigator) Run(ctx context.Context, events EventPublisher) (MissionSummary, error) {
	ctx, span := n.tracer.Start(ctx, "palletnav.mission")
	defer span.End()

	start := n.clock.Now()
	summary := func(outcome string) MissionSummary {
		return MissionSummary{
			Outcome:      outcome,
			BlocksPassed: n.blocksPassed,
			Rollbacks:    n.rollbacks,
			FlightTime:   n.clock.Since(start),
		}
	}

	if err := n.takeoff(ctx); err != nil {
		return summary(OutcomeFailed), err
	}
	span.AddEvent("takeoff")

	for !n.done {
		if err := ctx.Err(); err != nil {
			n.abort(ctx)
			return summary(OutcomeAborted), err
		}
		res, err := n.Step(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				n.abort(ctx)
				return summary(OutcomeAborted), cerr
			}
			span.RecordError(err)
			return summary(OutcomeFailed), err
		}
		if res.Failed {
			span.AddEvent("rollback", trace.WithAttributes(attribute.String("stage", res.From.String())))
		}
		if res.Transitioned() {
			span.AddEvent("stage.transition", trace.WithAttributes(
				attribute.String("from", res.From.String()),
				attribute.String("to", res.To.String()),
			))
		}
	}
	span.AddEvent("finished")

	out := summary(OutcomeFinished)
	n.log.WithField("flight_time", out.FlightTime.Seconds()).Info("mission finished")

	if events != nil && n.perception.EventTopic != "" {
		payload, err := json.Marshal(FlightEvent{Type: "flight_time", Content: out.FlightTime.Seconds()})
		if err != nil {
			return out, err
		}
		if err := events.Publish(ctx, n.perception.EventTopic, payload); err != nil {
			n.log.WithError(err).Warn("publish flight time failed")
		}
	}
	return out, nil
}

// takeoff climbs to the start height, settles and holds the start pose.
func (n *Navigator) takeoff(ctx context.Context) error {
	if err := n.act.Takeoff(ctx, n.mission.StartHeight, seconds(n.mission.TakeoffSeconds)); err != nil {
		return fmt.Errorf("takeoff: %w", err)
	}
	n.clock.Sleep(seconds(n.mission.SettleSeconds))

	pose, err := n.act.Pose(ctx)
	if err != nil {
		return fmt.Errorf("read pose: %w", err)
	}
	hold := Waypoint{X: pose.X, Y: pose.Y, Z: n.mission.StartHeight, Yaw: pose.Yaw, Duration: seconds(n.mission.HoldSeconds)}
	return n.fly(ctx, MotionDelta{}, hold)
}

// abort lands in place with a context that outlives the cancelled one.
func (n *Navigator) abort(ctx context.Context) {
	n.log.Warn("mission cancelled, landing")
	if err := n.act.Land(context.WithoutCancel(ctx), n.mission.LandHeight, seconds(n.mission.LandSeconds)); err != nil {
		n.log.WithError(err).Error("land after cancel failed")
	}
}
