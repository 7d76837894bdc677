package pallet_nav

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeltaConfig is a MotionDelta written in seconds for config files.
type DeltaConfig struct {
	Lateral  float64 `json:"lateral" yaml:"lateral"`
	Vertical float64 `json:"vertical" yaml:"vertical"`
	Forward  float64 `json:"forward" yaml:"forward"`
	Yaw      float64 `json:"yaw" yaml:"yaw"`
	Seconds  float64 `json:"seconds" yaml:"seconds"`
}

// Delta converts the config entry into a MotionDelta.
func (d DeltaConfig) Delta() MotionDelta {
	return MotionDelta{
		Lateral:  d.Lateral,
		Vertical: d.Vertical,
		Forward:  d.Forward,
		Yaw:      d.Yaw,
		Duration: seconds(d.Seconds),
	}
}

// patternFrom builds a SearchPattern from config entries.
func patternFrom(steps []DeltaConfig) SearchPattern {
	p := SearchPattern{Steps: make([]MotionDelta, 0, len(steps))}
	for _, s := range steps {
		p.Steps = append(p.Steps, s.Delta())
	}
	return p
}

// MissionConfig holds the mission-wide geometry and timings.
type MissionConfig struct {
	StartHeight    float64       `json:"start_height" yaml:"start_height"`
	HomeX          float64       `json:"home_x" yaml:"home_x"`
	HomeY          float64       `json:"home_y" yaml:"home_y"`
	FloorHeight    float64       `json:"floor_height" yaml:"floor_height"`
	TotalBlocks    int           `json:"total_blocks" yaml:"total_blocks"`
	RequiredBlocks int           `json:"required_blocks" yaml:"required_blocks"`
	Reposition     []DeltaConfig `json:"reposition" yaml:"reposition"`

	TakeoffSeconds  float64 `json:"takeoff_seconds" yaml:"takeoff_seconds"`
	SettleSeconds   float64 `json:"settle_seconds" yaml:"settle_seconds"`
	HoldSeconds     float64 `json:"hold_seconds" yaml:"hold_seconds"`
	StepPadSeconds  float64 `json:"step_pad_seconds" yaml:"step_pad_seconds"`
	RollbackSeconds float64 `json:"rollback_seconds" yaml:"rollback_seconds"`
	HomeSeconds     float64 `json:"home_seconds" yaml:"home_seconds"`
	LandHeight      float64 `json:"land_height" yaml:"land_height"`
	LandSeconds     float64 `json:"land_seconds" yaml:"land_seconds"`
}

// StageConfig parameterises one stage of the mission.
type StageConfig struct {
	Topic  string       `json:"topic" yaml:"topic"`
	Policy SelectPolicy `json:"policy" yaml:"policy"`
	// MiddleMin switches to middle selection when at least this many
	// detections are visible. Zero disables it.
	MiddleMin        int           `json:"middle_min" yaml:"middle_min"`
	MaxIter          int           `json:"max_iter" yaml:"max_iter"`
	AcceptArea       float64       `json:"accept_area" yaml:"accept_area"`
	StepSeconds      float64       `json:"step_seconds" yaml:"step_seconds"`
	Reference        ReferenceYaw  `json:"reference" yaml:"reference"`
	Recovery         []DeltaConfig `json:"recovery" yaml:"recovery"`
	AreaTrendBackoff bool          `json:"area_trend_backoff" yaml:"area_trend_backoff"`
}

// StagesConfig groups the per-stage settings.
type StagesConfig struct {
	Pallet      StageConfig `json:"pallet" yaml:"pallet"`
	BlockSearch StageConfig `json:"block_search" yaml:"block_search"`
	Block       StageConfig `json:"block" yaml:"block"`
}

// LawsConfig groups the motion law settings.
type LawsConfig struct {
	Coarse CoarseLawConfig `json:"coarse" yaml:"coarse"`
	Fine   FineLawConfig   `json:"fine" yaml:"fine"`
}

// PerceptionConfig selects the detection transport.
type PerceptionConfig struct {
	Transport    string  `json:"transport" yaml:"transport"`
	AdvanceTopic string  `json:"advance_topic" yaml:"advance_topic"`
	EventTopic   string  `json:"event_topic" yaml:"event_topic"`
	WaitSeconds  float64 `json:"wait_seconds" yaml:"wait_seconds"`
	PollSeconds  float64 `json:"poll_seconds" yaml:"poll_seconds"`

	UDPAddr    string `json:"udp_addr" yaml:"udp_addr"`
	ReadBuffer int    `json:"read_buffer" yaml:"read_buffer"`

	MQTTBroker   string `json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTClientID string `json:"mqtt_client_id" yaml:"mqtt_client_id"`

	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

// AppConfig aggregates all configuration sections.
type AppConfig struct {
	Mission    MissionConfig    `json:"mission" yaml:"mission"`
	Stages     StagesConfig     `json:"stages" yaml:"stages"`
	Laws       LawsConfig       `json:"laws" yaml:"laws"`
	Tracker    TrackerConfig    `json:"tracker" yaml:"tracker"`
	Perception PerceptionConfig `json:"perception" yaml:"perception"`
	Actuation  ActuationConfig  `json:"actuation" yaml:"actuation"`
	Trajectory TrajectoryConfig `json:"trajectory" yaml:"trajectory"`
	Viz        VizConfig        `json:"viz" yaml:"viz"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

// DefaultConfig returns the configuration the drone was tuned with.
func DefaultConfig() AppConfig {
	palletSweep := make([]DeltaConfig, 8)
	for r := range palletSweep {
		palletSweep[r] = DeltaConfig{Yaw: float64((45 * (8 - r)) % 360), Seconds: 1.5}
	}
	searchSteps := make([]DeltaConfig, 9)
	for r := range searchSteps {
		searchSteps[r] = DeltaConfig{Seconds: 1.5}
		if r <= 3 {
			searchSteps[r].Forward = -0.2
		}
	}

	return AppConfig{
		Mission: MissionConfig{
			StartHeight:    0.4,
			FloorHeight:    0.10,
			TotalBlocks:    3,
			RequiredBlocks: 3,
			Reposition: []DeltaConfig{
				{Lateral: 0.47, Forward: 0, Seconds: 3},
				{Lateral: -0.94, Forward: -0.2, Seconds: 5},
			},
			TakeoffSeconds:  4,
			SettleSeconds:   1,
			HoldSeconds:     3,
			StepPadSeconds:  0.2,
			RollbackSeconds: 4,
			HomeSeconds:     5,
			LandHeight:      0.05,
			LandSeconds:     3,
		},
		Stages: StagesConfig{
			Pallet: StageConfig{
				Topic:       "pallet_bb",
				Policy:      PolicyLargest,
				MaxIter:     8,
				AcceptArea:  14000,
				StepSeconds: 1.5,
				Reference:   ReferenceYaw{Mode: ReferenceFixed},
				Recovery:    palletSweep,
			},
			BlockSearch: StageConfig{
				Topic:       "palletBlock_bb",
				MaxIter:     9,
				StepSeconds: 1.5,
				Reference:   ReferenceYaw{Mode: ReferenceLive},
				Recovery:    searchSteps,
			},
			Block: StageConfig{
				Topic:       "palletBlock_bb",
				Policy:      PolicyClosest,
				MiddleMin:   3,
				MaxIter:     4,
				AcceptArea:  14000,
				StepSeconds: 1.5,
				Reference:   ReferenceYaw{Mode: ReferenceFixed},
				Recovery:    []DeltaConfig{{Forward: -0.1, Seconds: 2}},
			},
		},
		Laws: LawsConfig{
			Coarse: CoarseLawConfig{
				DeadBandX:    15,
				DeadBandY:    30,
				LateralStep:  0.1,
				VerticalStep: 0.1,
				ForwardStep:  0.3,
				CaptureArea:  7000,
				StepSeconds:  1.5,
			},
			Fine: FineLawConfig{
				X:            PIDConfig{Kp: 3, Ki: 0.05, Kd: 0.01},
				Y:            PIDConfig{Kp: 3, Ki: 0.05, Kd: 0.01},
				Area:         PIDConfig{Kp: 1.5, Ki: 0.05, Kd: 0.01, Setpoint: 14000},
				PixelToMeter: 10e-5,
				AreaToMeter:  10e-7,
				CaptureArea:  14000,
				StepSeconds:  1.5,
				BackoffStep:  0.02,
			},
		},
		Tracker: TrackerConfig{
			FloorHeight: 0.10,
			AreaMaxDiff: 0.8,
		},
		Perception: PerceptionConfig{
			Transport:    "mqtt",
			AdvanceTopic: "move_to_next_block",
			EventTopic:   "flight_time",
			WaitSeconds:  1,
			PollSeconds:  0.1,
			UDPAddr:      "127.0.0.1:5005",
			MQTTBroker:   "tcp://localhost:5000",
			MQTTClientID: "palletnav",
			RedisAddr:    "localhost:6379",
		},
		Actuation: ActuationConfig{
			Kind:        "sim",
			CommandAddr: "127.0.0.1:5006",
			PoseAddr:    "127.0.0.1:5007",
		},
		Viz: VizConfig{Addr: "127.0.0.1:7070"},
		Log: LogConfig{Enabled: true, Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			ServiceName:  "palletnav",
			OTLPEndpoint: "http://127.0.0.1:4318",
		},
	}
}

// LoadConfig reads a JSON or YAML config from disk on top of DefaultConfig.
// The format follows the file extension; anything but .yaml/.yml is JSON.
func LoadConfig(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values the decision loop relies on.
func (c AppConfig) Validate() error {
	var problems []string
	if c.Mission.StartHeight <= c.Mission.FloorHeight {
		problems = append(problems, "mission.start_height must be above mission.floor_height")
	}
	if c.Mission.TotalBlocks <= 0 {
		problems = append(problems, "mission.total_blocks must be > 0")
	}
	if len(c.Mission.Reposition) < c.Mission.TotalBlocks-1 {
		problems = append(problems, fmt.Sprintf("mission.reposition needs %d entries", c.Mission.TotalBlocks-1))
	}
	for name, st := range map[string]StageConfig{
		"pallet":       c.Stages.Pallet,
		"block_search": c.Stages.BlockSearch,
		"block":        c.Stages.Block,
	} {
		if st.Topic == "" {
			problems = append(problems, "stages."+name+".topic must be set")
		}
		if st.MaxIter < 0 {
			problems = append(problems, "stages."+name+".max_iter must be >= 0")
		}
		if st.StepSeconds <= 0 {
			problems = append(problems, "stages."+name+".step_seconds must be > 0")
		}
	}
	switch strings.ToLower(c.Perception.Transport) {
	case "udp", "mqtt", "redis":
	default:
		problems = append(problems, fmt.Sprintf("perception.transport %q is not one of udp, mqtt, redis", c.Perception.Transport))
	}
	switch strings.ToLower(c.Actuation.Kind) {
	case "sim", "udp":
	default:
		problems = append(problems, fmt.Sprintf("actuation.kind %q is not one of sim, udp", c.Actuation.Kind))
	}
	if c.Tracker.Tolerance < 0 {
		problems = append(problems, "tracker.tolerance must be >= 0")
	}
	if len(problems) == 0 {
		return nil
	}
	// sorted so the message is stable across map iteration
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// ApplyEnv overrides transport endpoints from PALLETNAV_* variables.
func ApplyEnv(cfg *AppConfig, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Perception.Transport, "PALLETNAV_TRANSPORT")
	set(&cfg.Perception.UDPAddr, "PALLETNAV_UDP_ADDR")
	set(&cfg.Perception.MQTTBroker, "PALLETNAV_MQTT_BROKER")
	set(&cfg.Perception.MQTTClientID, "PALLETNAV_MQTT_CLIENT_ID")
	set(&cfg.Perception.RedisAddr, "PALLETNAV_REDIS_ADDR")
	set(&cfg.Perception.RedisPassword, "PALLETNAV_REDIS_PASSWORD")
	set(&cfg.Actuation.Kind, "PALLETNAV_ACTUATOR")
	set(&cfg.Actuation.CommandAddr, "PALLETNAV_COMMAND_ADDR")
	set(&cfg.Actuation.PoseAddr, "PALLETNAV_POSE_ADDR")
	set(&cfg.Trajectory.CSVPath, "PALLETNAV_CSV_PATH")
	set(&cfg.Trajectory.SQLitePath, "PALLETNAV_SQLITE_PATH")
	set(&cfg.Telemetry.OTLPEndpoint, "PALLETNAV_OTLP_ENDPOINT")
	if v := getenv("PALLETNAV_TELEMETRY"); v != "" {
		cfg.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// ParseTaskState converts a stage name into a TaskState.
func ParseTaskState(value string) (TaskState, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "PALLET":
		return StatePallet, nil
	case "BLOCK_SEARCH", "BLOCKSEARCH":
		return StateBlockSearch, nil
	case "BLOCK":
		return StateBlock, nil
	case "FINISHED":
		return StateFinished, nil
	default:
		return StatePallet, fmt.Errorf("%w: %q", ErrUnknownState, value)
	}
}

// UnmarshalText allows states to be loaded from JSON and YAML strings.
func (s *TaskState) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText writes the state name.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
