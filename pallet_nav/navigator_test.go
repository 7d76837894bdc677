package pallet_nav

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	palletTopic  = "pallet_bb"
	blockTopic   = "palletBlock_bb"
	advanceTopic = "move_to_next_block"
)

type harness struct {
	nav   *Navigator
	store *LatestStore
	act   *SimActuator
	clock *ManualClock
	sink  *recordingSink
	spans *tracetest.InMemoryExporter
}

func testConfig() AppConfig {
	cfg := DefaultConfig()
	cfg.Perception.WaitSeconds = 0
	return cfg
}

func newHarness(t *testing.T, cfg AppConfig) *harness {
	t.Helper()
	h := &harness{
		store: NewLatestStore(),
		clock: NewManualClock(time.Unix(0, 0)),
		sink:  &recordingSink{},
		spans: tracetest.NewInMemoryExporter(),
	}
	h.act = NewSimActuator(Pose{Z: cfg.Mission.StartHeight}, h.clock)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	nav, err := NewNavigator(cfg, NavigatorOptions{
		Perception: h.store,
		Actuator:   h.act,
		Sink:       h.sink,
		Clock:      h.clock,
		Tracer:     tp.Tracer("test"),
	})
	require.NoError(t, err)
	h.nav = nav
	return h
}

func (h *harness) step(t *testing.T) StepResult {
	t.Helper()
	res, err := h.nav.Step(context.Background())
	require.NoError(t, err)
	return res
}

func palletFrame(area float64) []Detection {
	return []Detection{{OffsetX: 0, OffsetY: 0, Area: area, CenterX: 162, CenterY: 122}}
}

func blockFrame(n int, area float64) []Detection {
	dets := make([]Detection, n)
	for i := range dets {
		cx := 162 + float64(i-n/2)*60
		dets[i] = Detection{OffsetX: 162 - cx, Area: area, CenterX: cx, CenterY: 122}
	}
	return dets
}

// reachBlock drives the navigator through the pallet and block search stages.
func (h *harness) reachBlock(t *testing.T) {
	t.Helper()
	h.store.Put(palletTopic, palletFrame(7001))
	require.Equal(t, StateBlockSearch, h.step(t).To)
	h.store.Put(blockTopic, blockFrame(3, 9000))
	require.Equal(t, StateBlock, h.step(t).To)
}

func TestNavigator_PalletConvergesInOneCycleForAnyBudget(t *testing.T) {
	t.Parallel()
	for _, budget := range []int{0, 1, 8} {
		cfg := testConfig()
		cfg.Stages.Pallet.MaxIter = budget
		h := newHarness(t, cfg)

		h.store.Put(palletTopic, palletFrame(cfg.Laws.Coarse.CaptureArea+1))
		res := h.step(t)

		assert.True(t, res.Found, "budget %d", budget)
		assert.False(t, res.Failed)
		assert.Equal(t, StatePallet, res.From)
		assert.Equal(t, StateBlockSearch, res.To)
		require.NotNil(t, res.Command)
		assert.Equal(t, Pose{Z: cfg.Mission.StartHeight}, res.Command.Pose(), "fixed point hovers in place")
		assert.Equal(t, 9, h.nav.Budget().MaxIter, "block search starts with its own budget")
	}
}

func TestNavigator_PalletRecoverySweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	res := h.step(t)
	assert.False(t, res.Found)
	require.NotNil(t, res.Command)
	assert.InDelta(t, deg2rad(45), res.Command.Yaw, 1e-9)
	assert.Equal(t, 7, h.nav.Budget().MaxIter)

	res = h.step(t)
	assert.InDelta(t, deg2rad(90), res.Command.Yaw, 1e-9)
}

func TestNavigator_PalletBudgetExhaustion(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)

	var failures []int
	for i := 0; i < cfg.Stages.Pallet.MaxIter; i++ {
		if h.step(t).Failed {
			failures = append(failures, i)
		}
	}
	assert.Equal(t, []int{cfg.Stages.Pallet.MaxIter - 1}, failures)
	assert.Equal(t, 1, h.nav.Rollbacks())

	spans := h.spans.GetSpans()
	require.NotEmpty(t, spans)
	failed := spans[len(spans)-1]
	require.Len(t, failed.Events, 1)
	assert.Equal(t, "exception", failed.Events[0].Name)

	assert.Equal(t, cfg.Stages.Pallet.MaxIter, h.nav.Budget().MaxIter, "rollback re-arms the budget")
}

func TestNavigator_BlockSearchWithTooFewBlocksFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)

	h.store.Put(palletTopic, palletFrame(7001))
	require.Equal(t, StateBlockSearch, h.step(t).To)

	failures := 0
	for i := 0; i < cfg.Stages.BlockSearch.MaxIter; i++ {
		h.store.Put(blockTopic, blockFrame(2, 9000))
		res := h.step(t)
		assert.NotEqual(t, StateBlock, res.To, "cycle %d", i)
		if res.Failed {
			failures++
			assert.Equal(t, i, cfg.Stages.BlockSearch.MaxIter-1, "fails on the last cycle")
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, StatePallet, h.nav.State())
}

func TestNavigator_BlockSearchRetreatsLate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.store.Put(palletTopic, palletFrame(7001))
	h.step(t)

	var forwards []float64
	for i := 0; i < 8; i++ {
		before, _ := h.act.Pose(context.Background())
		res := h.step(t)
		forwards = append(forwards, math.Round((res.Command.X-before.X)*100)/100)
	}
	assert.Equal(t, []float64{0, 0, 0, 0, 0, -0.2, -0.2, -0.2}, forwards)
}

func TestNavigator_ThreeBlocksThenFinished(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.reachBlock(t)

	for block := 1; block <= cfg.Mission.TotalBlocks; block++ {
		h.store.Put(blockTopic, blockFrame(3, 14001))
		h.store.Put(advanceTopic, nil)
		before := len(h.act.History())

		res := h.step(t)
		require.True(t, res.Found, "block %d", block)
		assert.Equal(t, block, h.nav.BlocksPassed())

		if block < cfg.Mission.TotalBlocks {
			assert.Equal(t, StateBlock, res.To)
			assert.Len(t, h.act.History(), before+2, "approach plus reposition")
			want := cfg.Mission.Reposition[block-1]
			hist := h.act.History()
			prev, last := hist[len(hist)-2], hist[len(hist)-1]
			assert.InDelta(t, want.Lateral, last.Y-prev.Y, 1e-9)
			assert.InDelta(t, want.Forward, last.X-prev.X, 1e-9)
			assert.Equal(t, seconds(want.Seconds), last.Duration)
			assert.Equal(t, cfg.Stages.Block.MaxIter, h.nav.Budget().MaxIter)
			assert.False(t, h.nav.Budget().FoundTarget)
		} else {
			assert.Equal(t, StateFinished, res.To)
			assert.Len(t, h.act.History(), before+1, "no reposition after the last block")
		}
	}

	before := len(h.act.History())
	res := h.step(t)
	assert.True(t, res.Done)
	assert.Len(t, h.act.History(), before+1)
	home := h.act.History()[before]
	assert.Equal(t, Waypoint{Z: cfg.Mission.StartHeight, Duration: 5 * time.Second}, home)

	pose, _ := h.act.Pose(context.Background())
	assert.Equal(t, cfg.Mission.LandHeight, pose.Z)

	res = h.step(t)
	assert.True(t, res.Done)
	assert.Nil(t, res.Command)
	assert.Len(t, h.act.History(), before+1)
}

func TestNavigator_BlockWaitsForAdvanceSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.reachBlock(t)

	h.store.Put(blockTopic, blockFrame(3, 14001))
	start := h.clock.Now()
	res := h.step(t)
	assert.True(t, res.Found)
	assert.Equal(t, StateBlock, res.To)
	assert.Equal(t, 0, h.nav.BlocksPassed())
	assert.GreaterOrEqual(t, h.clock.Since(start), 3*time.Second, "flight plus bounded ack wait")
}

func TestNavigator_BlockExhaustionRollsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.reachBlock(t)

	h.store.Put(blockTopic, blockFrame(3, 14001))
	h.store.Put(advanceTopic, nil)
	h.step(t)
	require.Equal(t, 1, h.nav.BlocksPassed())

	var last StepResult
	for i := 0; i < cfg.Stages.Block.MaxIter; i++ {
		h.store.Put(blockTopic, []Detection{})
		last = h.step(t)
	}
	assert.True(t, last.Failed)
	assert.Equal(t, StateBlock, last.From)
	assert.Equal(t, StatePallet, last.To)
	assert.Equal(t, 0, h.nav.BlocksPassed())
	require.NotNil(t, last.Command)
	assert.Equal(t, Waypoint{Z: cfg.Mission.StartHeight, Duration: 4 * time.Second}, *last.Command)
}

func TestNavigator_BlockRetreatsWithoutDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.reachBlock(t)

	before, _ := h.act.Pose(context.Background())
	res := h.step(t)
	require.NotNil(t, res.Command)
	assert.InDelta(t, -0.1, res.Command.X-before.X, 1e-9)
	assert.Equal(t, 2*time.Second, res.Command.Duration)
}

func TestNavigator_AreaTrendBackoff(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Stages.Block.AreaTrendBackoff = true
	h := newHarness(t, cfg)
	h.reachBlock(t)

	h.store.Put(blockTopic, blockFrame(1, 10000))
	h.step(t)

	h.store.Put(blockTopic, blockFrame(1, 7000))
	before, _ := h.act.Pose(context.Background())
	res := h.step(t)
	assert.InDelta(t, -0.02, res.Command.X-before.X, 1e-9)
}

func TestNavigator_RecordsEveryCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.reachBlock(t)

	hist := h.act.History()
	require.Len(t, h.sink.rows, len(hist))
	for i, wp := range hist {
		if diff := cmp.Diff(RowFromWaypoint(wp), h.sink.rows[i], approx); diff != "" {
			t.Errorf("row %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestNavigator_SinkFailureDoesNotStop(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.nav.sink = &recordingSink{err: errors.New("read-only file system")}

	h.store.Put(palletTopic, palletFrame(7001))
	res, err := h.nav.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateBlockSearch, res.To)
}

type brokenActuator struct{ *SimActuator }

func newBrokenActuator() *brokenActuator {
	return &brokenActuator{NewSimActuator(Pose{}, NewManualClock(time.Unix(0, 0)))}
}

func (b *brokenActuator) Pose(context.Context) (Pose, error) {
	return Pose{}, errors.New("radio link down")
}

func TestNavigator_ActuationFaultIsReturned(t *testing.T) {
	t.Parallel()
	nav, err := NewNavigator(testConfig(), NavigatorOptions{
		Perception: NewLatestStore(),
		Actuator:   newBrokenActuator(),
		Clock:      NewManualClock(time.Unix(0, 0)),
	})
	require.NoError(t, err)

	_, err = nav.Step(context.Background())
	assert.ErrorContains(t, err, "radio link down")
}

func TestNewNavigator_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := NewNavigator(testConfig(), NavigatorOptions{Actuator: &SimActuator{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewNavigator(testConfig(), NavigatorOptions{Perception: NewLatestStore()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNavigator_StepSpans(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.store.Put(palletTopic, palletFrame(7001))
	h.step(t)

	spans := h.spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "palletnav.step", spans[0].Name)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "PALLET", attrs["stage"])
	assert.Equal(t, "true", attrs["found"])
}

// scriptedPerception hands out queued frames one per Latest call. With
// ackCloseUps set it acknowledges every block frame at capture size, like the
// imaging node does.
type scriptedPerception struct {
	frames      map[string][][]Detection
	ackCloseUps bool
}

func (s *scriptedPerception) Ready(topic string) bool {
	return len(s.frames[topic]) > 0
}

func (s *scriptedPerception) Latest(topic string) ([]Detection, bool) {
	q := s.frames[topic]
	if len(q) == 0 {
		return nil, false
	}
	s.frames[topic] = q[1:]
	if s.ackCloseUps && topic == blockTopic && len(q[0]) > 0 && q[0][0].Area >= 14000 {
		s.frames[advanceTopic] = append(s.frames[advanceTopic], []Detection{})
	}
	return q[0], true
}

type publishedEvent struct {
	topic   string
	payload []byte
}

type fakePublisher struct{ events []publishedEvent }

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.events = append(f.events, publishedEvent{topic: topic, payload: payload})
	return nil
}

func TestNavigator_RunFullMission(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	clock := NewManualClock(time.Unix(0, 0))
	act := NewSimActuator(Pose{}, clock)
	percept := &scriptedPerception{frames: map[string][][]Detection{
		palletTopic: {palletFrame(7001)},
		blockTopic: {
			blockFrame(3, 9000),
			blockFrame(3, 14001), blockFrame(3, 14001), blockFrame(3, 14001),
		},
	}, ackCloseUps: true}
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	nav, err := NewNavigator(cfg, NavigatorOptions{
		Perception: percept,
		Actuator:   act,
		Clock:      clock,
		Tracer:     tp.Tracer("test"),
	})
	require.NoError(t, err)

	events := &fakePublisher{}
	summary, err := nav.Run(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFinished, summary.Outcome)
	assert.Equal(t, 3, summary.BlocksPassed)
	assert.Zero(t, summary.Rollbacks)
	assert.Greater(t, summary.FlightTime, 20*time.Second)

	first := act.History()[0]
	assert.Equal(t, Waypoint{Z: cfg.Mission.StartHeight, Duration: 3 * time.Second}, first, "hold after takeoff")

	require.Len(t, events.events, 1)
	assert.Equal(t, "flight_time", events.events[0].topic)
	var ev FlightEvent
	require.NoError(t, json.Unmarshal(events.events[0].payload, &ev))
	assert.Equal(t, "flight_time", ev.Type)
	assert.InDelta(t, summary.FlightTime.Seconds(), ev.Content, 1e-9)

	var mission sdktrace.ReadOnlySpan
	for _, s := range exp.GetSpans().Snapshots() {
		if s.Name() == "palletnav.mission" {
			mission = s
		}
	}
	require.NotNil(t, mission)
	var names []string
	for _, e := range mission.Events() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"takeoff", "stage.transition", "stage.transition", "stage.transition", "finished"}, names)
}

func TestNavigator_RunStopsOnActuationFault(t *testing.T) {
	t.Parallel()
	nav, err := NewNavigator(testConfig(), NavigatorOptions{
		Perception: NewLatestStore(),
		Actuator:   newBrokenActuator(),
		Clock:      NewManualClock(time.Unix(0, 0)),
	})
	require.NoError(t, err)

	summary, err := nav.Run(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, summary.Outcome)
}

// cancellingPerception cancels the mission the first time the loop waits for
// a frame on topic.
type cancellingPerception struct {
	topic  string
	cancel context.CancelFunc
}

func (c *cancellingPerception) Ready(topic string) bool {
	if topic == c.topic {
		c.cancel()
	}
	return false
}

func (c *cancellingPerception) Latest(string) ([]Detection, bool) { return nil, false }

func TestNavigator_RunLandsWhenCancelledMidCycle(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Perception.WaitSeconds = 1
	clock := NewManualClock(time.Unix(0, 0))
	act := NewSimActuator(Pose{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nav, err := NewNavigator(cfg, NavigatorOptions{
		Perception: &cancellingPerception{topic: palletTopic, cancel: cancel},
		Actuator:   act,
		Clock:      clock,
	})
	require.NoError(t, err)

	summary, err := nav.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeAborted, summary.Outcome)

	pose, err := act.Pose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Mission.LandHeight, pose.Z)
}

func TestNavigator_StaleAdvanceSignalIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	// acknowledgement left over from a previous attempt
	h.store.Put(advanceTopic, nil)
	h.reachBlock(t)

	h.store.Put(blockTopic, blockFrame(3, 14001))
	res := h.step(t)
	assert.True(t, res.Found)
	assert.Equal(t, 0, h.nav.BlocksPassed(), "block must wait for a fresh acknowledgement")

	h.store.Put(blockTopic, blockFrame(3, 14001))
	h.store.Put(advanceTopic, nil)
	h.step(t)
	assert.Equal(t, 1, h.nav.BlocksPassed())
}

func TestNavigator_RollbackDropsPendingAdvanceSignal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.reachBlock(t)

	for i := 0; i < cfg.Stages.Block.MaxIter; i++ {
		if i == cfg.Stages.Block.MaxIter-1 {
			h.store.Put(advanceTopic, nil)
		}
		h.store.Put(blockTopic, []Detection{})
		h.step(t)
	}
	require.Equal(t, StatePallet, h.nav.State())
	assert.False(t, h.store.Ready(advanceTopic))
}
