package pallet_nav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Actuator is the flight interface. GoTo, Takeoff and Land block until the
// commanded duration has elapsed.
type Actuator interface {
	GoTo(ctx context.Context, wp Waypoint) error
	Pose(ctx context.Context) (Pose, error)
	Takeoff(ctx context.Context, height float64, d time.Duration) error
	Land(ctx context.Context, height float64, d time.Duration) error
}

// SimActuator is an in-process stand-in that reaches every waypoint exactly.
type SimActuator struct {
	mu    sync.Mutex
	pose  Pose
	clock Clock

	history []Waypoint
}

// NewSimActuator constructs a simulator starting at pose.
func NewSimActuator(start Pose, clock Clock) *SimActuator {
	if clock == nil {
		clock = RealClock{}
	}
	return &SimActuator{pose: start, clock: clock}
}

// GoTo jumps to the waypoint and sleeps for its duration.
func (s *SimActuator) GoTo(ctx context.Context, wp Waypoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pose = wp.Pose()
	s.history = append(s.history, wp)
	s.mu.Unlock()
	s.clock.Sleep(wp.Duration)
	return nil
}

// Pose returns the simulated pose.
func (s *SimActuator) Pose(ctx context.Context) (Pose, error) {
	if err := ctx.Err(); err != nil {
		return Pose{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose, nil
}

// Takeoff climbs to height.
func (s *SimActuator) Takeoff(ctx context.Context, height float64, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pose.Z = height
	s.mu.Unlock()
	s.clock.Sleep(d)
	return nil
}

// Land descends to height.
func (s *SimActuator) Land(ctx context.Context, height float64, d time.Duration) error {
	return s.Takeoff(ctx, height, d)
}

// History returns every waypoint flown so far.
func (s *SimActuator) History() []Waypoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Waypoint, len(s.history))
	copy(out, s.history)
	return out
}

// ActuationConfig selects and configures the flight interface.
type ActuationConfig struct {
	Kind string `json:"kind" yaml:"kind"`
	// CommandAddr receives goto/takeoff/land commands as CSV datagrams.
	CommandAddr string `json:"command_addr" yaml:"command_addr"`
	// PoseAddr is where pose telemetry "x,y,z,yaw" datagrams arrive.
	PoseAddr   string `json:"pose_addr" yaml:"pose_addr"`
	ReadBuffer int    `json:"read_buffer" yaml:"read_buffer"`
}

// UDPActuator forwards commands to an external flight bridge over UDP and
// tracks the pose the bridge reports back.
type UDPActuator struct {
	conn   *net.UDPConn
	listen *net.UDPConn
	clock  Clock
	log    *logrus.Entry

	pose atomic.Pointer[Pose]
}

// NewUDPActuator dials the command address and starts the pose listener.
func NewUDPActuator(cfg ActuationConfig, clock Clock, log *logrus.Entry) (*UDPActuator, error) {
	if cfg.CommandAddr == "" {
		return nil, fmt.Errorf("%w: actuation.command_addr must be set", ErrInvalidConfig)
	}
	if cfg.PoseAddr == "" {
		return nil, fmt.Errorf("%w: actuation.pose_addr must be set", ErrInvalidConfig)
	}
	cmdAddr, err := net.ResolveUDPAddr("udp", cfg.CommandAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, cmdAddr)
	if err != nil {
		return nil, err
	}
	poseAddr, err := net.ResolveUDPAddr("udp", cfg.PoseAddr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	listen, err := net.ListenUDP("udp", poseAddr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &UDPActuator{conn: conn, listen: listen, clock: clock, log: log}

	bufSize := cfg.ReadBuffer
	if bufSize <= 0 {
		bufSize = 512
	}
	go a.readPoses(bufSize)
	return a, nil
}

func (a *UDPActuator) readPoses(bufSize int) {
	readDatagrams(a.listen, bufSize, a.log, func(b []byte) {
		p, err := parsePose(b)
		if err != nil {
			a.log.WithError(err).Debug("dropping pose datagram")
			return
		}
		a.pose.Store(&p)
	})
}

// Close releases both sockets.
func (a *UDPActuator) Close() error {
	err := a.listen.Close()
	if cerr := a.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// GoTo sends "goto,x,y,z,yaw,seconds" and waits for the duration.
func (a *UDPActuator) GoTo(ctx context.Context, wp Waypoint) error {
	payload := fmt.Sprintf("goto,%.4f,%.4f,%.4f,%.4f,%.3f", wp.X, wp.Y, wp.Z, wp.Yaw, wp.Duration.Seconds())
	return a.sendAndWait(ctx, payload, wp.Duration)
}

// Takeoff sends "takeoff,height,seconds" and waits for the duration.
func (a *UDPActuator) Takeoff(ctx context.Context, height float64, d time.Duration) error {
	return a.sendAndWait(ctx, fmt.Sprintf("takeoff,%.4f,%.3f", height, d.Seconds()), d)
}

// Land sends "land,height,seconds" and waits for the duration.
func (a *UDPActuator) Land(ctx context.Context, height float64, d time.Duration) error {
	return a.sendAndWait(ctx, fmt.Sprintf("land,%.4f,%.3f", height, d.Seconds()), d)
}

// Pose returns the last pose reported by the bridge.
func (a *UDPActuator) Pose(ctx context.Context) (Pose, error) {
	if err := ctx.Err(); err != nil {
		return Pose{}, err
	}
	p := a.pose.Load()
	if p == nil {
		return Pose{}, errors.New("no pose telemetry received")
	}
	return *p, nil
}

func (a *UDPActuator) sendAndWait(ctx context.Context, payload string, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := a.conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("send %q: %w", payload, err)
	}
	a.clock.Sleep(d)
	return nil
}

// parsePose parses "x,y,z,yaw" telemetry payloads.
func parsePose(b []byte) (Pose, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return Pose{}, errors.New("empty payload")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Pose{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := parseF64(p)
		if err != nil {
			return Pose{}, err
		}
		vals[i] = v
	}
	return Pose{X: vals[0], Y: vals[1], Z: vals[2], Yaw: vals[3]}, nil
}

// parseF64 parses a float from a CSV field.
func parseF64(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}
