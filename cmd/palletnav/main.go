package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pallet-navigation/pallet_nav"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var common commonFlags
	root := &cobra.Command{
		Use:           "palletnav",
		Short:         "Camera-guided pallet inspection for a small drone",
		Long:          `Flies the pallet inspection mission from live detections, or replays a recorded trajectory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&common.configPath, "config", "", "Path to JSON or YAML config. Defaults are used when empty.")
	pf.StringVar(&common.envPath, "env", ".env", "Optional dotenv file with PALLETNAV_* overrides.")
	pf.StringVar(&common.actuator, "actuator", "", "Override actuation kind (sim or udp).")
	pf.StringVar(&common.logLevel, "log-level", "", "Override log level.")

	root.AddCommand(newFlyCmd(&common), newReplayCmd(&common))
	return root
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	envPath    string
	actuator   string
	logLevel   string
}

// load builds the effective config: defaults, file, environment, flags.
func (c *commonFlags) load() (pallet_nav.AppConfig, error) {
	if c.envPath != "" {
		if err := godotenv.Load(c.envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return pallet_nav.AppConfig{}, fmt.Errorf("load env %q: %w", c.envPath, err)
		}
	}

	cfg := pallet_nav.DefaultConfig()
	if c.configPath != "" {
		loaded, err := pallet_nav.LoadConfig(c.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config %q: %w", c.configPath, err)
		}
		cfg = loaded
	}
	pallet_nav.ApplyEnv(&cfg, os.Getenv)

	if c.actuator != "" {
		cfg.Actuation.Kind = c.actuator
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
		cfg.Log.Enabled = true
	}
	return cfg, cfg.Validate()
}

func newActuator(cfg pallet_nav.AppConfig, log *logrus.Entry) (pallet_nav.Actuator, func() error, error) {
	switch cfg.Actuation.Kind {
	case "udp":
		act, err := pallet_nav.NewUDPActuator(cfg.Actuation, pallet_nav.RealClock{}, log)
		if err != nil {
			return nil, nil, err
		}
		return act, act.Close, nil
	default:
		start := pallet_nav.Pose{X: cfg.Mission.HomeX, Y: cfg.Mission.HomeY}
		return pallet_nav.NewSimActuator(start, pallet_nav.RealClock{}), func() error { return nil }, nil
	}
}

// topicsFor lists every topic the mission reads, without duplicates.
func topicsFor(cfg pallet_nav.AppConfig) []string {
	seen := map[string]bool{}
	var topics []string
	for _, t := range []string{
		cfg.Stages.Pallet.Topic,
		cfg.Stages.BlockSearch.Topic,
		cfg.Stages.Block.Topic,
		cfg.Perception.AdvanceTopic,
	} {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

type flyFlags struct {
	transport  string
	csvPath    string
	sqlitePath string
}

func newFlyCmd(common *commonFlags) *cobra.Command {
	var f flyFlags
	cmd := &cobra.Command{
		Use:   "fly",
		Short: "Run the pallet inspection mission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFly(cmd.Context(), common, f)
		},
	}
	cmd.Flags().StringVar(&f.transport, "transport", "", "Override perception transport (udp, mqtt or redis).")
	cmd.Flags().StringVar(&f.csvPath, "csv", "", "Append the flown trajectory to this CSV file.")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite", "", "Record the flight in this SQLite database.")
	return cmd
}

func runFly(ctx context.Context, common *commonFlags, f flyFlags) error {
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if f.transport != "" {
		cfg.Perception.Transport = f.transport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if f.csvPath != "" {
		cfg.Trajectory.CSVPath = f.csvPath
	}
	if f.sqlitePath != "" {
		cfg.Trajectory.SQLitePath = f.sqlitePath
	}

	logger := pallet_nav.NewLogger(cfg.Log)
	entry := logrus.NewEntry(logger)

	shutdown, err := pallet_nav.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			entry.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	store := pallet_nav.NewLatestStore()
	ingest := pallet_nav.NewIngestor(store, entry, cfg.Perception.AdvanceTopic)
	tr, err := pallet_nav.NewTransport(ctx, cfg.Perception, ingest, topicsFor(cfg), entry)
	if err != nil {
		return fmt.Errorf("start %s transport: %w", cfg.Perception.Transport, err)
	}
	defer tr.Close()
	events, _ := tr.(pallet_nav.EventPublisher)

	act, closeAct, err := newActuator(cfg, entry)
	if err != nil {
		return fmt.Errorf("start actuator: %w", err)
	}
	defer closeAct()

	sink := &pallet_nav.MultiSink{Log: entry}
	if cfg.Trajectory.CSVPath != "" {
		csvSink, err := pallet_nav.OpenCSVSink(cfg.Trajectory.CSVPath)
		if err != nil {
			return err
		}
		defer csvSink.Close()
		sink.Sinks = append(sink.Sinks, csvSink)
	}
	var flight *pallet_nav.FlightSink
	if cfg.Trajectory.SQLitePath != "" {
		db, err := pallet_nav.OpenTrajectoryStore(cfg.Trajectory.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		flight, err = db.StartFlight()
		if err != nil {
			return err
		}
		sink.Sinks = append(sink.Sinks, flight)
		entry.WithField("flight_id", flight.FlightID()).Info("recording flight")
	}

	viz, stopViz, err := pallet_nav.StartViz(cfg.Viz, entry)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopViz(context.Background()); err != nil {
			entry.WithError(err).Warn("viz shutdown failed")
		}
	}()

	nav, err := pallet_nav.NewNavigator(cfg, pallet_nav.NavigatorOptions{
		Perception: store,
		Actuator:   act,
		Sink:       sink,
		Log:        entry,
		Viz:        viz,
	})
	if err != nil {
		return err
	}

	summary, runErr := nav.Run(ctx, events)
	if flight != nil {
		if err := flight.Finish(summary); err != nil {
			entry.WithError(err).Warn("store flight outcome failed")
		}
	}
	entry.WithFields(logrus.Fields{
		"outcome":       summary.Outcome,
		"blocks_passed": summary.BlocksPassed,
		"rollbacks":     summary.Rollbacks,
		"flight_time":   summary.FlightTime.Seconds(),
	}).Info("mission summary")
	return runErr
}

type replayFlags struct {
	csvPath    string
	sqlitePath string
	flightID   string
}

func newReplayCmd(common *commonFlags) *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fly a recorded trajectory again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), common, f)
		},
	}
	cmd.Flags().StringVar(&f.csvPath, "csv", "", "CSV trajectory log to replay.")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite", "", "SQLite database holding recorded flights.")
	cmd.Flags().StringVar(&f.flightID, "flight", "", "Flight id to replay from --sqlite. Defaults to the latest flight.")
	return cmd
}

func runReplay(ctx context.Context, common *commonFlags, f replayFlags) error {
	if (f.csvPath == "") == (f.sqlitePath == "") {
		return errors.New("exactly one of --csv or --sqlite is required")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	entry := logrus.NewEntry(pallet_nav.NewLogger(cfg.Log))

	rows, err := loadRows(f.csvPath, f.sqlitePath, f.flightID)
	if err != nil {
		return err
	}

	act, closeAct, err := newActuator(cfg, entry)
	if err != nil {
		return fmt.Errorf("start actuator: %w", err)
	}
	defer closeAct()

	opts := pallet_nav.ReplayOptionsFrom(cfg.Mission)
	opts.Log = entry
	return pallet_nav.Replay(ctx, act, rows, opts)
}

func loadRows(csvPath, sqlitePath, flightID string) ([]pallet_nav.TrajectoryRow, error) {
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return pallet_nav.ReadCSVTrajectory(f)
	}

	db, err := pallet_nav.OpenTrajectoryStore(sqlitePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if flightID == "" {
		flightID, err = db.LatestFlightID()
		if err != nil {
			return nil, err
		}
	}
	return db.ListFlight(flightID)
}
