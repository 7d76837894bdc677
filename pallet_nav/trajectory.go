package pallet_nav

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// TrajectoryRow is one logged command: where the drone was sent and how long
// the flight was given.
type TrajectoryRow struct {
	X        float64
	Y        float64
	Z        float64
	YawDeg   float64
	Duration time.Duration
}

// RowFromWaypoint converts a waypoint into a log row.
func RowFromWaypoint(wp Waypoint) TrajectoryRow {
	return TrajectoryRow{X: wp.X, Y: wp.Y, Z: wp.Z, YawDeg: wp.YawDeg(), Duration: wp.Duration}
}

// Waypoint converts the row back into a command.
func (r TrajectoryRow) Waypoint() Waypoint {
	return Waypoint{X: r.X, Y: r.Y, Z: r.Z, Yaw: deg2rad(r.YawDeg), Duration: r.Duration}
}

// TrajectorySink is an append-only destination for trajectory rows.
type TrajectorySink interface {
	Record(row TrajectoryRow) error
}

// TrajectoryConfig controls where trajectory rows are written.
type TrajectoryConfig struct {
	CSVPath    string `json:"csv_path" yaml:"csv_path"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
}

var csvHeader = []string{"Position in x (m)", "Position in y (m)", "Position in z (m)", "Angle (deg)", "Flight time (sec)"}

// CSVSink writes rows to a CSV file, adding the header when the file is new.
type CSVSink struct {
	f *os.File
	w *csv.Writer
}

// OpenCSVSink opens path for appending, creating parent directories.
func OpenCSVSink(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trajectory log: %w", err)
	}
	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if isNew {
		if err := s.w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
		s.w.Flush()
	}
	return s, nil
}

// Record appends one row and flushes it.
func (s *CSVSink) Record(row TrajectoryRow) error {
	rec := []string{
		formatFloat(row.X),
		formatFloat(row.Y),
		formatFloat(row.Z),
		formatFloat(row.YawDeg),
		formatFloat(row.Duration.Seconds()),
	}
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.w.Flush()
	return s.f.Close()
}

// ReadCSVTrajectory reads rows written by CSVSink. Values are rounded to two
// decimals, the resolution the replay flies at.
func ReadCSVTrajectory(r io.Reader) ([]TrajectoryRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	header := true
	var rows []TrajectoryRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read trajectory: %w", err)
		}
		if header {
			header = false
			if _, perr := parseF64(rec[0]); perr != nil {
				continue
			}
		}
		var vals [5]float64
		for i, field := range rec {
			v, err := parseF64(field)
			if err != nil {
				return nil, fmt.Errorf("read trajectory row %d: %w", len(rows)+1, err)
			}
			vals[i] = round2(v)
		}
		rows = append(rows, TrajectoryRow{X: vals[0], Y: vals[1], Z: vals[2], YawDeg: vals[3], Duration: seconds(vals[4])})
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MultiSink fans rows out to several sinks. A failing sink is logged and does
// not stop the others.
type MultiSink struct {
	Sinks []TrajectorySink
	Log   *logrus.Entry
}

// Record writes row to every sink and returns the first error.
func (m *MultiSink) Record(row TrajectoryRow) error {
	var first error
	for _, s := range m.Sinks {
		if err := s.Record(row); err != nil {
			if m.Log != nil {
				m.Log.WithError(err).Warn("trajectory sink write failed")
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

type discardSink struct{}

func (discardSink) Record(TrajectoryRow) error { return nil }
