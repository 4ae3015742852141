package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openconverge/openconverge/pkg/adapters/accesspoint"
	"github.com/openconverge/openconverge/pkg/adapters/backup"
	"github.com/openconverge/openconverge/pkg/adapters/credentials"
	"github.com/openconverge/openconverge/pkg/adapters/pnp"
	"github.com/openconverge/openconverge/pkg/adapters/reports"
	"github.com/openconverge/openconverge/pkg/catalyst"
	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

var (
	// Global flags
	documentPath string
	jsonOutput   bool
)

// ExitError carries a process exit code through the command tree. A partial
// convergence exits 2 so callers can tell it from a plain failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge - desired-state convergence for Catalyst Center",
		Long: `Converge reads a desired-state document and drives a Cisco Catalyst
Center deployment toward it: validate, fetch current state, diff, execute
the resulting plan with asynchronous task tracking, and verify.

Resource families:
  - Global device credentials and their site assignments
  - Backup targets and NFS storage configuration
  - Planned access-point positions and device assignment
  - Plug-and-Play device import and claim
  - Report schedules with notification, webhook or file delivery`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&documentPath, "config", "c", "", "desired-state document path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())

	return rootCmd
}

// runtime bundles everything a command needs for one invocation.
type runtime struct {
	cfg     *config.Config
	doc     *engine.Document
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	client  *catalyst.Client
	engine  *engine.Engine
}

// runtimeOptions carry command-line overrides into runtime construction.
type runtimeOptions struct {
	// metricsListen enables the Prometheus endpoint when non-empty.
	metricsListen string

	// verify overrides the document's verify setting when non-nil.
	verify *bool

	// metrics reuses an existing metrics surface instead of creating one;
	// watch mode keeps one registry across re-applies.
	metrics *telemetry.Metrics
}

// buildRuntime loads the document and wires the client, the adapters and
// the engine.
func buildRuntime(opts runtimeOptions) (*runtime, error) {
	if documentPath == "" {
		return nil, fmt.Errorf("no document given, use --config")
	}

	cfg, doc, err := config.Load(documentPath)
	if err != nil {
		return nil, err
	}
	if opts.verify != nil {
		cfg.Verify = *opts.verify
	}

	output := "stderr"
	if cfg.LogFile != "" {
		output = cfg.LogFile
	}
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  cfg.LogLevel,
		Format: "console",
		Output: output,
	})
	if err != nil {
		return nil, err
	}

	metrics := opts.metrics
	if metrics == nil {
		metrics, err = telemetry.NewMetrics(telemetry.MetricsConfig{
			Enabled:       true,
			ListenAddress: opts.metricsListen,
			Namespace:     "converge",
		})
		if err != nil {
			return nil, err
		}
	}

	client := catalyst.NewClient(catalyst.Config{
		Host:             cfg.Controller.Host,
		Port:             cfg.Controller.Port,
		Username:         cfg.Controller.Username,
		Password:         cfg.Controller.Password,
		VerifyTLS:        cfg.Controller.VerifyTLS,
		TaskPollInterval: cfg.PollInterval(),
		TaskTimeout:      cfg.TaskTimeout(),
	}, log, metrics)

	adapters := []engine.Adapter{
		credentials.New(),
		backup.New(),
		accesspoint.New(),
		pnp.New(),
		reports.New(reports.Options{
			PollInterval: cfg.PollInterval(),
			Deadline:     cfg.TaskTimeout(),
		}),
	}

	eng := engine.New(client, adapters, engine.Options{
		TaskTimeout:       cfg.TaskTimeout(),
		Verify:            cfg.Verify,
		ControllerVersion: cfg.Controller.Version,
	}, log, metrics)

	return &runtime{
		cfg:     cfg,
		doc:     doc,
		log:     log,
		metrics: metrics,
		client:  client,
		engine:  eng,
	}, nil
}
