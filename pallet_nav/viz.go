package pallet_nav

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// VizConfig controls the optional expvar endpoint used by jplot.
type VizConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// VizMetrics exposes the live decision values via expvar.
type VizMetrics struct {
	input   *expvar.Map
	output  *expvar.Map
	command *expvar.Map
	stage   *expvar.Int
}

var (
	vizOnce    sync.Once
	vizMetrics *VizMetrics
)

// newVizMetrics registers the expvar variables once per process.
func newVizMetrics() *VizMetrics {
	vizOnce.Do(func() {
		vizMetrics = &VizMetrics{
			input:   expvar.NewMap("input"),
			output:  expvar.NewMap("output"),
			command: expvar.NewMap("command"),
			stage:   expvar.NewInt("stage"),
		}
		for _, k := range []string{"offset_x", "offset_y", "area", "count"} {
			vizMetrics.input.Set(k, new(expvar.Float))
		}
		for _, k := range []string{"lateral", "vertical", "forward", "yaw"} {
			vizMetrics.output.Set(k, new(expvar.Float))
		}
		for _, k := range []string{"x", "y", "z", "yaw_deg"} {
			vizMetrics.command.Set(k, new(expvar.Float))
		}
	})
	return vizMetrics
}

// StartViz starts an HTTP server exposing /debug/vars for plotting. The
// returned func shuts the server down; it is a no-op when viz is disabled.
func StartViz(cfg VizConfig, log *logrus.Entry) (*VizMetrics, func(context.Context) error, error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7070"
	}
	if log == nil {
		log = discardLogger()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("viz listen %s: %w", cfg.Addr, err)
	}
	metrics := newVizMetrics()

	server := &http.Server{Handler: http.DefaultServeMux}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("viz server stopped")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("viz listening")

	return metrics, server.Shutdown, nil
}

// UpdateInput publishes the detection the active stage acted on.
func (v *VizMetrics) UpdateInput(stage TaskState, det Detection, count int) {
	if v == nil {
		return
	}
	v.stage.Set(int64(stage))
	setFloat(v.input, "offset_x", det.OffsetX)
	setFloat(v.input, "offset_y", det.OffsetY)
	setFloat(v.input, "area", det.Area)
	setFloat(v.input, "count", float64(count))
}

// UpdateOutput publishes the delta and the waypoint it was turned into.
func (v *VizMetrics) UpdateOutput(delta MotionDelta, wp Waypoint) {
	if v == nil {
		return
	}
	setFloat(v.output, "lateral", delta.Lateral)
	setFloat(v.output, "vertical", delta.Vertical)
	setFloat(v.output, "forward", delta.Forward)
	setFloat(v.output, "yaw", delta.Yaw)
	setFloat(v.command, "x", wp.X)
	setFloat(v.command, "y", wp.Y)
	setFloat(v.command, "z", wp.Z)
	setFloat(v.command, "yaw_deg", wp.YawDeg())
}

// setFloat updates an expvar.Float stored inside a map.
func setFloat(m *expvar.Map, key string, value float64) {
	if v := m.Get(key); v != nil {
		if f, ok := v.(*expvar.Float); ok {
			f.Set(value)
			return
		}
	}
	f := new(expvar.Float)
	f.Set(value)
	m.Set(key, f)
}
