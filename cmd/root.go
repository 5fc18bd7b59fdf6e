package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/hpo-client/hpo"
)

var (
	configPath string // Optional YAML config file
	flagConfig Config // Values bound to CLI flags
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "hpo-client",
	Short: "Client driver for a remote hyperparameter-optimization service",
}

// runCmd drives the trial loop using parameters from flags and --config
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Request trials, evaluate them and report scores until the study ends",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig(cmd, configPath, flagConfig)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		// Set up logging
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", cfg.LogLevel)
		}
		logrus.SetLevel(level)

		logrus.Infof("Server URL: %s", cfg.ServerURL)
		logrus.Infof("Study ID: %s", displayOrAuto(cfg.StudyID))
		logrus.Infof("Maximum trials: %d", cfg.MaxTrials)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := runStudy(ctx, cfg, hpo.DemoObjective, os.Stdout)
		writeSummary(os.Stderr, report)
		if err != nil {
			logrus.Fatalf("Trial loop aborted: %v", err)
		}
		logrus.Info("Client terminated")
	},
}

// resolveConfig layers defaults, the optional config file and explicitly set
// flags, in that order, then validates the result.
func resolveConfig(cmd *cobra.Command, path string, flags Config) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	fs := cmd.Flags()
	if fs.Changed("server-url") {
		cfg.ServerURL = flags.ServerURL
	}
	if fs.Changed("study-id") {
		cfg.StudyID = flags.StudyID
	}
	if fs.Changed("max-trials") {
		cfg.MaxTrials = flags.MaxTrials
	}
	if fs.Changed("max-retries") {
		cfg.MaxRetries = flags.MaxRetries
	}
	if fs.Changed("max-backoff") {
		cfg.MaxBackoff = flags.MaxBackoff
	}
	if fs.Changed("trial-timeout") {
		cfg.TrialTimeout = flags.TrialTimeout
	}
	if fs.Changed("score-timeout") {
		cfg.ScoreTimeout = flags.ScoreTimeout
	}
	if fs.Changed("best-timeout") {
		cfg.BestTimeout = flags.BestTimeout
	}
	if fs.Changed("max-rps") {
		cfg.MaxRequestsPerSecond = flags.MaxRequestsPerSecond
	}
	if fs.Changed("terminal-status") {
		cfg.TerminalStatuses = flags.TerminalStatuses
	}
	if fs.Changed("progress") {
		cfg.Progress = flags.Progress
	}
	if fs.Changed("log") {
		cfg.LogLevel = flags.LogLevel
	}
	return cfg, cfg.Validate()
}

// runStudy wires a protocol client and controller from cfg and runs the loop.
// Progress records, when enabled, go to out; logs stay on stderr.
func runStudy(ctx context.Context, cfg Config, objective hpo.Objective, out io.Writer) (*hpo.Report, error) {
	client, err := hpo.NewClient(cfg.ClientConfig())
	if err != nil {
		return setupFailed(cfg), err
	}
	var opts []hpo.ControllerOption
	if cfg.Progress {
		opts = append(opts, hpo.WithProgress(hpo.NewProgressReporter(out)))
	}
	controller, err := hpo.NewController(client, objective, cfg.LoopConfig(), opts...)
	if err != nil {
		return setupFailed(cfg), err
	}
	return controller.Run(ctx)
}

// setupFailed is the report of a run that never reached the trial loop.
func setupFailed(cfg Config) *hpo.Report {
	report := &hpo.Report{MaxTrials: cfg.MaxTrials, StopReason: hpo.StopFatal}
	logrus.Warn(report.Summary())
	return report
}

// writeSummary prints the completion line to w when the log level would
// hide the controller's own summary entry.
func writeSummary(w io.Writer, report *hpo.Report) {
	level := logrus.InfoLevel
	if report.EarlyStop() {
		level = logrus.WarnLevel
	}
	if !logrus.IsLevelEnabled(level) {
		_, _ = fmt.Fprintln(w, report.Summary())
	}
}

func displayOrAuto(studyID string) string {
	if studyID == "" {
		return "auto-generated"
	}
	return studyID
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerRunFlags binds the run flags to cfg. Defaults mirror DefaultConfig.
func registerRunFlags(cmd *cobra.Command, cfg *Config, path *string) {
	def := DefaultConfig()
	cmd.Flags().StringVar(path, "config", "", "Path to a YAML client config; explicitly set flags override it")

	cmd.Flags().StringVar(&cfg.ServerURL, "server-url", def.ServerURL, "Base URL of the optimization service")
	cmd.Flags().StringVar(&cfg.StudyID, "study-id", def.StudyID, "Existing study id (empty: the service creates one)")
	cmd.Flags().IntVar(&cfg.MaxTrials, "max-trials", def.MaxTrials, "Maximum number of trials to run (0 = until the service stops)")

	// Retry policy
	cmd.Flags().IntVar(&cfg.MaxRetries, "max-retries", def.MaxRetries, "Maximum attempts per request")
	cmd.Flags().DurationVar(&cfg.MaxBackoff, "max-backoff", def.MaxBackoff, "Cap on a single backoff wait (must be positive)")
	cmd.Flags().IntSliceVar(&cfg.TerminalStatuses, "terminal-status", nil, "HTTP statuses that end a request without retrying (repeatable)")

	// Transport
	cmd.Flags().DurationVar(&cfg.TrialTimeout, "trial-timeout", def.TrialTimeout, "Timeout for GET /trial")
	cmd.Flags().DurationVar(&cfg.ScoreTimeout, "score-timeout", def.ScoreTimeout, "Timeout for POST /score")
	cmd.Flags().DurationVar(&cfg.BestTimeout, "best-timeout", def.BestTimeout, "Timeout for GET /best")
	cmd.Flags().Float64Var(&cfg.MaxRequestsPerSecond, "max-rps", 0, "Client-side request rate ceiling (0 = unlimited)")

	// Output
	cmd.Flags().BoolVar(&cfg.Progress, "progress", false, "Emit JSON-lines progress records on stdout")
	cmd.Flags().StringVar(&cfg.LogLevel, "log", def.LogLevel, "Log level (trace, debug, info, warn, error, fatal, panic)")
}

// init sets up CLI flags and subcommands
func init() {
	registerRunFlags(runCmd, &flagConfig, &configPath)

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
