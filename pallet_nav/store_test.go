package pallet_nav

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *TrajectoryStore {
	t.Helper()
	s, err := OpenTrajectoryStore(filepath.Join(t.TempDir(), "flights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrajectoryStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	s.clock = NewManualClock(time.Unix(1693921989, 0))

	flight, err := s.StartFlight()
	require.NoError(t, err)
	require.NotEmpty(t, flight.FlightID())

	rows := []TrajectoryRow{
		{X: 0, Y: 0, Z: 0.4, YawDeg: 0, Duration: 3 * time.Second},
		{X: 0.3, Y: 0, Z: 0.4, YawDeg: 0, Duration: 1500 * time.Millisecond},
		{X: 0.3, Y: 0.47, Z: 0.4, YawDeg: 90, Duration: 3 * time.Second},
	}
	for _, r := range rows {
		require.NoError(t, flight.Record(r))
	}

	got, err := s.ListFlight(flight.FlightID())
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	latest, err := s.LatestFlightID()
	require.NoError(t, err)
	assert.Equal(t, flight.FlightID(), latest)
}

func TestTrajectoryStore_FinishFlight(t *testing.T) {
	s := openTestStore(t)

	flight, err := s.StartFlight()
	require.NoError(t, err)
	require.NoError(t, flight.Finish(MissionSummary{Outcome: OutcomeFinished, BlocksPassed: 3, Rollbacks: 1}))

	var outcome string
	var blocks, rollbacks int
	var finished sql.NullInt64
	err = s.db.QueryRow(`SELECT outcome, blocks_passed, rollbacks, finished_at FROM flights WHERE flight_id = ?`, flight.FlightID()).
		Scan(&outcome, &blocks, &rollbacks, &finished)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
	assert.Equal(t, 3, blocks)
	assert.Equal(t, 1, rollbacks)
	assert.True(t, finished.Valid)
}

func TestTrajectoryStore_UnknownFlight(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ListFlight("missing")
	assert.ErrorIs(t, err, ErrFlightNotFound)

	_, err = s.LatestFlightID()
	assert.ErrorIs(t, err, ErrFlightNotFound)
}

func TestTrajectoryStore_MigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateUp())
}
