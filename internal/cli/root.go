// Package cli implements the ballotguard command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/ballotguard/internal/backend"
	"github.com/hed1ad/ballotguard/internal/config"
	"github.com/hed1ad/ballotguard/internal/logging"
	"github.com/hed1ad/ballotguard/internal/metrics"
	"github.com/hed1ad/ballotguard/internal/store"
	bgcsv "github.com/hed1ad/ballotguard/pkg/io/csv"
	"github.com/hed1ad/ballotguard/pkg/pipeline"
)

type app struct {
	configFile  string
	storeDriver string
	sqlitePath  string
	eventsCSV   string
	logLevel    string
	logFormat   string

	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand returns the ballotguard command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "ballotguard",
		Short:         "Anomaly detection over election audit logs",
		Long:          "ballotguard scores voting audit events with IsolationForest, KMeans and a bootstrapped logistic regression and records what it flags.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.storeDriver, "store", "", "anomaly store: http or sqlite")
	cmd.PersistentFlags().StringVar(&a.sqlitePath, "sqlite-path", "", "sqlite database path")
	cmd.PersistentFlags().StringVar(&a.eventsCSV, "events-csv", "", "read audit events from a CSV export")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log encoding: json or console")

	cmd.AddCommand(
		newAnalyzeCmd(a),
		newIsolationCmd(a),
		newKMeansCmd(a),
		newLogRegCmd(a),
		newRunAllCmd(a),
	)
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return nil, err
	}
	if a.storeDriver != "" {
		cfg.Store.Driver = a.storeDriver
	}
	if a.sqlitePath != "" {
		cfg.Store.SQLitePath = a.sqlitePath
	}
	if a.eventsCSV != "" {
		cfg.Store.EventsCSV = a.eventsCSV
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// deps wires the configured store. The returned func releases it.
func (a *app) deps(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pipeline.Deps, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := store.Open(cfg.Store.SQLitePath)
		if err != nil {
			return pipeline.Deps{}, noop, err
		}
		if cfg.Store.EventsCSV != "" {
			// Flags reference audit rows, so imported events live in the store.
			events, err := bgcsv.NewSource(cfg.Store.EventsCSV).ExportEvents(ctx)
			if err == nil {
				err = s.InsertEvents(ctx, events)
			}
			if err != nil {
				_ = s.Close()
				return pipeline.Deps{}, noop, fmt.Errorf("import %s: %w", cfg.Store.EventsCSV, err)
			}
			logger.Info("imported audit events", zap.String("file", cfg.Store.EventsCSV), zap.Int("count", len(events)))
		}
		return pipeline.FromBackend(s), s.Close, nil

	default:
		client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.AdminToken,
			backend.WithTimeout(cfg.Backend.Timeout))
		deps := pipeline.FromBackend(client)
		if cfg.Store.EventsCSV != "" {
			deps.Events = bgcsv.NewSource(cfg.Store.EventsCSV)
		}
		return deps, noop, nil
	}
}

// run sets up config, logging and the store, executes fn and reports its
// results. Metrics are pushed even when fn fails.
func (a *app) run(ctx context.Context, fn func(context.Context, *pipeline.Runner) ([]*pipeline.Result, error)) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	opts := logging.DefaultOptions()
	opts.Level = cfg.Logging.Level
	opts.Format = cfg.Logging.Format
	opts.File = cfg.Logging.File
	logger, err := logging.New(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps, closeStore, err := a.deps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	runner := pipeline.NewRunner(deps, cfg.Pipeline(), logger)
	results, runErr := fn(ctx, runner)
	for _, res := range results {
		a.printResult(res)
	}

	if err := metrics.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("metrics push failed", zap.Error(err))
	}
	return runErr
}

func (a *app) printResult(res *pipeline.Result) {
	if res == nil {
		return
	}
	if res.Skipped != "" {
		fmt.Fprintf(a.stdout, "%s\t%s\tskipped: %s\n", res.Pipeline, res.RunID, res.Skipped)
		return
	}
	fmt.Fprintf(a.stdout, "%s\t%s\tevents=%d flagged=%d written=%d\n",
		res.Pipeline, res.RunID, res.Events, res.Flagged, res.Written)
}

func one(res *pipeline.Result, err error) ([]*pipeline.Result, error) {
	return []*pipeline.Result{res}, err
}
