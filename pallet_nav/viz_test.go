package pallet_nav

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readVars(t *testing.T, client *http.Client, url string) map[string]json.RawMessage {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vars := map[string]json.RawMessage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	return vars
}

func TestVizMetrics_PublishesThroughExpvar(t *testing.T) {
	v := newVizMetrics()
	v.UpdateInput(StateBlock, Detection{OffsetX: 12, OffsetY: -3, Area: 9000}, 3)
	v.UpdateOutput(
		MotionDelta{Lateral: -0.05, Forward: 0.1},
		Waypoint{X: 1, Y: 0.5, Z: 0.4, Yaw: deg2rad(90)},
	)

	srv := httptest.NewServer(expvar.Handler())
	defer srv.Close()
	vars := readVars(t, srv.Client(), srv.URL)

	var input, output, command map[string]float64
	var stage int64
	require.NoError(t, json.Unmarshal(vars["input"], &input))
	require.NoError(t, json.Unmarshal(vars["output"], &output))
	require.NoError(t, json.Unmarshal(vars["command"], &command))
	require.NoError(t, json.Unmarshal(vars["stage"], &stage))

	assert.Equal(t, int64(StateBlock), stage)
	assert.Equal(t, map[string]float64{"offset_x": 12, "offset_y": -3, "area": 9000, "count": 3}, input)
	assert.Equal(t, -0.05, output["lateral"])
	assert.Equal(t, 0.1, output["forward"])
	assert.Equal(t, 1.0, command["x"])
	assert.InDelta(t, 90, command["yaw_deg"], 1e-9)
}

func TestStartViz_ServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	metrics, stop, err := StartViz(VizConfig{Enabled: true, Addr: addr}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, metrics)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	vars := readVars(t, client, "http://"+addr+"/debug/vars")
	assert.Contains(t, vars, "stage")

	require.NoError(t, stop(context.Background()))
	_, err = client.Get("http://" + addr + "/debug/vars")
	assert.Error(t, err)
}

func TestStartViz_Disabled(t *testing.T) {
	metrics, stop, err := StartViz(VizConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, metrics)
	assert.NoError(t, stop(context.Background()))

	// a nil collector is safe to update
	metrics.UpdateInput(StatePallet, Detection{}, 0)
	metrics.UpdateOutput(MotionDelta{}, Waypoint{})
}
