package pallet_nav

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_FliesRowsThenLands(t *testing.T) {
	t.Parallel()
	clock := NewManualClock(time.Unix(0, 0))
	act := NewSimActuator(Pose{}, clock)
	rows := []TrajectoryRow{
		{X: 0.3, Z: 0.4, Duration: 1500 * time.Millisecond},
		{X: 0.3, Y: 0.47, Z: 0.4, YawDeg: 90, Duration: 3 * time.Second},
	}
	opts := ReplayOptionsFrom(DefaultConfig().Mission)
	opts.Clock = clock

	require.NoError(t, Replay(context.Background(), act, rows, opts))

	want := []Waypoint{rows[0].Waypoint(), rows[1].Waypoint(), opts.End}
	if diff := cmp.Diff(want, act.History(), approx); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	pose, err := act.Pose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.05, pose.Z)

	pad := 200 * time.Millisecond
	assert.Equal(t, []time.Duration{
		4 * time.Second, time.Second,
		1500 * time.Millisecond, pad,
		3 * time.Second, pad,
		5 * time.Second,
		3 * time.Second,
	}, clock.Sleeps())
}

func TestReplay_StopsOnCancel(t *testing.T) {
	t.Parallel()
	clock := NewManualClock(time.Unix(0, 0))
	act := NewSimActuator(Pose{}, clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Replay(ctx, act, []TrajectoryRow{{X: 1}}, ReplayOptions{Clock: clock})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, act.History())
}
