// ============================================================================
// oss CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for the scheduling simulator
//
// Command Structure:
//   oss                            # Run a simulation
//   │   -l <path>                  # reap log file (default logfile.txt)
//   │   -t <seconds>               # simulated-time budget (default 20)
//   │   -c <count>                 # max total spawns (default 100)
//   │   -s <count>                 # pool concurrency (default 5, max 19)
//   ├── status                     # Show last run summary and reap log size
//   ├── replay                     # Print the entries of a reap log
//   ├── version                    # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Optional YAML file (--config). Precedence, lowest first:
//   built-in defaults → config file → explicitly set flags
//
// Run Flow:
//   1. Configure slog on stderr (--log-level)
//   2. Build and validate controller.Config (exit 2 on error)
//   3. Listen for SIGINT / SIGTERM / SIGALRM
//   4. Start Metrics HTTP server (if enabled)
//   5. Start tracing exporter (if enabled)
//   6. Run the controller and exit with its exit code
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/oss-sim/internal/controller"
	"github.com/ChuLiYu/oss-sim/internal/interrupt"
	"github.com/ChuLiYu/oss-sim/internal/metrics"
	"github.com/ChuLiYu/oss-sim/internal/simclock"
	"github.com/ChuLiYu/oss-sim/internal/snapshot"
	"github.com/ChuLiYu/oss-sim/internal/storage/reaplog"
	"github.com/ChuLiYu/oss-sim/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "1.0.0"

// Config represents the YAML configuration file
// Zero values mean "not set" and leave the built-in default in place
type Config struct {
	Simulation struct {
		Concurrency  int           `yaml:"concurrency"`
		MaxSpawns    int           `yaml:"max_spawns"`
		TimeLimit    int64         `yaml:"time_limit"`
		Alarm        time.Duration `yaml:"alarm"`
		IncrementNs  int64         `yaml:"increment_ns"`
		LifetimeNs   int64         `yaml:"max_lifetime_ns"`
		GuardedDrain *bool         `yaml:"guarded_drain"`
	} `yaml:"simulation"`

	Log struct {
		Path    string `yaml:"path"`
		Summary string `yaml:"summary"`
		Level   string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Output  string `yaml:"output"`
	} `yaml:"tracing"`
}

// options holds flag values
type options struct {
	configFile     string
	logPath        string
	timeLimit      int64
	maxSpawns      int
	concurrency    int
	alarm          time.Duration
	increment      int64
	maxLifetime    int64
	unguardedDrain bool
	summaryPath    string
	metricsPort    int
	trace          string
	logLevel       string
}

// settings is the merged result of defaults, file and flags
type settings struct {
	controller  controller.Config
	logLevel    slog.Level
	metricsPort int
	tracing     bool
	traceOutput string
}

type app struct {
	opts     options
	exitCode int
	stderr   io.Writer
}

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	return newApp(os.Stderr).rootCommand()
}

// Execute runs the CLI with args and returns the process exit code
func Execute(ctx context.Context, args []string) int {
	a := newApp(os.Stderr)
	root := a.rootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(a.stderr, "Error:", err)
		return controller.ExitCode(err)
	}
	return a.exitCode
}

func newApp(stderr io.Writer) *app {
	return &app{stderr: stderr}
}

func (a *app) rootCommand() *cobra.Command {
	defaults := controller.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "oss",
		Short: "oss: a bounded-concurrency process scheduling simulator",
		Long: `oss runs a controller that keeps a fixed-size pool of worker processes
alive against a simulated clock. Each worker picks a random deadline, reports
through a single-slot mailbox when the clock reaches it and exits; the
controller reaps it, logs the termination and spawns a replacement until the
simulated-time budget or the spawn budget is exhausted.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = a.runSimulation(cmd)
			return nil
		},
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", controller.ErrInvalidConfig, err)
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.opts.configFile, "config", "", "YAML config file path")
	pf.StringVarP(&a.opts.logPath, "log", "l", defaults.LogPath, "reap log file")
	pf.StringVar(&a.opts.summaryPath, "summary", "", "write a JSON run summary to this path")
	pf.StringVar(&a.opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	f := rootCmd.Flags()
	f.Int64VarP(&a.opts.timeLimit, "time", "t", defaults.TimeLimit, "simulated-time budget in seconds")
	f.IntVarP(&a.opts.maxSpawns, "count", "c", defaults.MaxSpawns, "maximum total workers spawned")
	f.IntVarP(&a.opts.concurrency, "simultaneous", "s", defaults.Concurrency,
		fmt.Sprintf("workers alive at once (max %d)", controller.MaxConcurrency))
	f.DurationVar(&a.opts.alarm, "alarm", 0, "real-time safety alarm (default: the -t budget in wall seconds)")
	f.Int64Var(&a.opts.increment, "increment", defaults.Increment, "simulated nanoseconds added per controller iteration")
	f.Int64Var(&a.opts.maxLifetime, "max-lifetime", defaults.MaxLifetime, "exclusive upper bound of a worker's lifetime in simulated nanoseconds")
	f.BoolVar(&a.opts.unguardedDrain, "unguarded-drain", false, "drain the mailbox without holding the semaphore")
	f.IntVar(&a.opts.metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	f.StringVar(&a.opts.trace, "trace", "", "write OpenTelemetry spans to this file ('-' for stderr)")
	f.Lookup("trace").NoOptDefVal = "-"

	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildReplayCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// runSimulation runs one simulation and returns its exit code
func (a *app) runSimulation(cmd *cobra.Command) int {
	s, err := a.resolve(cmd)
	logger := newLogger(a.stderr, s.logLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return controller.ExitCode(err)
	}

	ctx, stop := interrupt.WithSignals(cmd.Context())
	defer stop()

	opts := []controller.Option{controller.WithLogger(logger)}

	if s.metricsPort > 0 {
		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			logger.Error("Failed to register metrics", "error", err)
		} else {
			opts = append(opts, controller.WithMetrics(collector))
			go func() {
				logger.Info("Starting metrics server", "port", s.metricsPort)
				if err := metrics.StartServer(ctx, s.metricsPort, reg); err != nil {
					logger.Error("Metrics server error", "error", err)
				}
			}()
		}
	}

	if s.tracing {
		output := s.traceOutput
		if output == "-" {
			output = ""
		}
		shutdown, err := tracing.Init("oss", Version, output)
		if err != nil {
			logger.Error("Failed to init tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to flush traces", "error", err)
				}
			}()
		}
	}

	ctrl, err := controller.New(s.controller, opts...)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return controller.ExitCode(err)
	}

	res, err := ctrl.Run(ctx)
	if err != nil {
		logger.Error("Simulation failed", "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Total children created: %d\n", res.Spawned)
	return res.ExitCode
}

// resolve merges defaults, the config file and explicitly set flags
func (a *app) resolve(cmd *cobra.Command) (settings, error) {
	s := settings{
		controller:  controller.DefaultConfig(),
		logLevel:    slog.LevelInfo,
		traceOutput: "-",
	}
	cfg := &s.controller
	alarmSet := false

	if a.opts.configFile != "" {
		fc, err := loadConfig(a.opts.configFile)
		if err != nil {
			return s, fmt.Errorf("%w: %v", controller.ErrInvalidConfig, err)
		}
		sim := fc.Simulation
		setIfNonZero(&cfg.Concurrency, sim.Concurrency)
		setIfNonZero(&cfg.MaxSpawns, sim.MaxSpawns)
		setIfNonZero(&cfg.TimeLimit, sim.TimeLimit)
		setIfNonZero(&cfg.Increment, sim.IncrementNs)
		setIfNonZero(&cfg.MaxLifetime, sim.LifetimeNs)
		if sim.Alarm != 0 {
			cfg.Alarm = sim.Alarm
			alarmSet = true
		}
		if sim.GuardedDrain != nil {
			cfg.GuardedDrain = *sim.GuardedDrain
		}
		setIfNonZero(&cfg.LogPath, fc.Log.Path)
		setIfNonZero(&cfg.SummaryPath, fc.Log.Summary)
		if fc.Log.Level != "" {
			if err := s.logLevel.UnmarshalText([]byte(fc.Log.Level)); err != nil {
				return s, fmt.Errorf("%w: %v", controller.ErrInvalidConfig, err)
			}
		}
		if fc.Metrics.Enabled {
			s.metricsPort = fc.Metrics.Port
		}
		if fc.Tracing.Enabled {
			s.tracing = true
			setIfNonZero(&s.traceOutput, fc.Tracing.Output)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log") {
		cfg.LogPath = a.opts.logPath
	}
	if flags.Changed("time") {
		cfg.TimeLimit = a.opts.timeLimit
	}
	if flags.Changed("count") {
		cfg.MaxSpawns = a.opts.maxSpawns
	}
	if flags.Changed("simultaneous") {
		cfg.Concurrency = a.opts.concurrency
	}
	if flags.Changed("alarm") {
		cfg.Alarm = a.opts.alarm
		alarmSet = true
	}
	if flags.Changed("increment") {
		cfg.Increment = a.opts.increment
	}
	if flags.Changed("max-lifetime") {
		cfg.MaxLifetime = a.opts.maxLifetime
	}
	if flags.Changed("unguarded-drain") {
		cfg.GuardedDrain = !a.opts.unguardedDrain
	}
	if flags.Changed("summary") {
		cfg.SummaryPath = a.opts.summaryPath
	}
	if flags.Changed("log-level") {
		if err := s.logLevel.UnmarshalText([]byte(a.opts.logLevel)); err != nil {
			return s, fmt.Errorf("%w: %v", controller.ErrInvalidConfig, err)
		}
	}
	if flags.Changed("metrics-port") {
		s.metricsPort = a.opts.metricsPort
	}
	if flags.Changed("trace") {
		s.tracing = true
		s.traceOutput = a.opts.trace
	}

	// The real-time alarm follows the simulated budget unless set explicitly
	if !alarmSet {
		cfg.Alarm = time.Duration(cfg.TimeLimit) * time.Second
	}

	return s, cfg.Validate()
}

func setIfNonZero[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run summary and reap log status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.resolve(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), s.controller.LogPath, s.controller.SummaryPath)
		},
	}
	return cmd
}

// showStatus prints the reap log size and the last run summary
func showStatus(w io.Writer, logPath, summaryPath string) error {
	fmt.Fprintln(w, "Reap log:")
	fmt.Fprintf(w, "  ├─ Path:     %s\n", logPath)
	n, err := reaplog.Count(logPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintln(w, "  └─ Entries:  (no log file)")
	case err != nil:
		return fmt.Errorf("failed to read reap log: %w", err)
	default:
		fmt.Fprintf(w, "  └─ Entries:  %d\n", n)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Last run:")
	if summaryPath == "" {
		fmt.Fprintln(w, "  └─ No summary path (use --summary)")
		return nil
	}
	manager := snapshot.NewManager(summaryPath)
	if !manager.Exists() {
		fmt.Fprintf(w, "  └─ No summary at %s\n", summaryPath)
		return nil
	}
	summary, err := manager.Load()
	if err != nil {
		return fmt.Errorf("failed to load run summary: %w", err)
	}

	fmt.Fprintf(w, "  ├─ Run ID:       %s\n", summary.RunID)
	fmt.Fprintf(w, "  ├─ Concurrency:  %d\n", summary.Concurrency)
	fmt.Fprintf(w, "  ├─ Max spawns:   %d\n", summary.MaxSpawns)
	fmt.Fprintf(w, "  ├─ Spawned:      %d\n", summary.Spawned)
	fmt.Fprintf(w, "  ├─ Reaped:       %d\n", summary.Reaped)
	fmt.Fprintf(w, "  ├─ Signalled:    %d\n", summary.Signalled)
	fmt.Fprintf(w, "  ├─ Final clock:  %s\n", summary.FinalClock)
	fmt.Fprintf(w, "  ├─ Cause:        %s\n", summary.Cause)
	fmt.Fprintf(w, "  ├─ Exit code:    %d\n", summary.ExitCode)
	fmt.Fprintf(w, "  └─ Duration:     %s\n", time.Duration(summary.CompletedAt-summary.StartedAt)*time.Millisecond)
	return nil
}

func (a *app) buildReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print and validate the entries of a reap log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.resolve(cmd)
			if err != nil {
				return err
			}
			return replayLog(cmd.OutOrStdout(), s.controller.LogPath)
		},
	}
	return cmd
}

// replayLog prints every entry and the latest reap time
func replayLog(w io.Writer, path string) error {
	var (
		count  int
		latest simclock.Clock
	)
	err := reaplog.Replay(path, func(e reaplog.Entry) error {
		count++
		if simclock.Compare(e.ControllerClock, latest) == simclock.Greater {
			latest = e.ControllerClock
		}
		_, err := fmt.Fprintln(w, e.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replay %s: %w", path, err)
	}
	fmt.Fprintf(w, "%d entries, last reap at %s\n", count, latest)
	return nil
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oss %s\n", Version)
		},
	}
}

// loadConfig reads a YAML config file
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
