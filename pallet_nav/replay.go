package pallet_nav

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplayOptions controls how a logged trajectory is flown again.
type ReplayOptions struct {
	StartHeight float64
	Takeoff     time.Duration
	Settle      time.Duration
	// Pad is added after every row so consecutive goto commands do not
	// overlap.
	Pad time.Duration
	// End is where the drone is parked before landing.
	End        Waypoint
	LandHeight float64
	Land       time.Duration

	Clock Clock
	Log   *logrus.Entry
}

// ReplayOptionsFrom derives replay timings from the mission config.
func ReplayOptionsFrom(m MissionConfig) ReplayOptions {
	return ReplayOptions{
		StartHeight: m.StartHeight,
		Takeoff:     seconds(m.TakeoffSeconds),
		Settle:      seconds(m.SettleSeconds),
		Pad:         seconds(m.StepPadSeconds),
		End:         Waypoint{X: m.HomeX, Y: m.HomeY, Z: m.StartHeight, Duration: seconds(m.HomeSeconds)},
		LandHeight:  m.LandHeight,
		Land:        seconds(m.LandSeconds),
	}
}

// Replay takes off, flies every row in order, parks at opts.End and lands.
func Replay(ctx context.Context, act Actuator, rows []TrajectoryRow, opts ReplayOptions) error {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Log == nil {
		opts.Log = discardLogger()
	}
	log := opts.Log.WithField("component", "replay")

	if err := act.Takeoff(ctx, opts.StartHeight, opts.Takeoff); err != nil {
		return fmt.Errorf("takeoff: %w", err)
	}
	opts.Clock.Sleep(opts.Settle)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"row": i + 1,
			"x":   row.X,
			"y":   row.Y,
			"z":   row.Z,
			"yaw": row.YawDeg,
		}).Debug("replaying")
		if err := act.GoTo(ctx, row.Waypoint()); err != nil {
			return fmt.Errorf("replay row %d: %w", i+1, err)
		}
		opts.Clock.Sleep(opts.Pad)
	}

	if err := act.GoTo(ctx, opts.End); err != nil {
		return fmt.Errorf("park: %w", err)
	}
	if err := act.Land(ctx, opts.LandHeight, opts.Land); err != nil {
		return fmt.Errorf("land: %w", err)
	}
	log.WithField("rows", len(rows)).Info("replay finished")
	return nil
}
