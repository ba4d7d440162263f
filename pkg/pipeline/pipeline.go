// Package pipeline runs the detectors over audit-log snapshots and reports
// what they flag.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/ballotguard/internal/metrics"
	"github.com/hed1ad/ballotguard/pkg/audit"
	"github.com/hed1ad/ballotguard/pkg/detectors"
	"github.com/hed1ad/ballotguard/pkg/detectors/iforest"
	"github.com/hed1ad/ballotguard/pkg/detectors/kmeans"
	"github.com/hed1ad/ballotguard/pkg/detectors/logreg"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
	"github.com/hed1ad/ballotguard/pkg/report"
)

// Pipeline names, used in results, logs and metrics.
const (
	PipelineElection  = "analyze-election"
	PipelineIsolation = "iforest"
	PipelineKMeans    = "kmeans"
	PipelineLogReg    = "logreg"
)

// Skip reasons.
const (
	SkipNotFinalized = "election not finalized"
	SkipNoEvents     = "no audit events"
	SkipNoFeatures   = "no features"
	SkipNoLabels     = "no existing anomalies to train on"
	SkipSingleClass  = "not enough class diversity"
)

// Config holds detector parameters and decision thresholds.
type Config struct {
	Seed          int64
	Trees         int
	SampleSize    int
	Contamination float64
	Clusters      int
	KMeansInits   int
	// MaxIterations caps both the Lloyd and the Newton iterations.
	MaxIterations int
	// Tolerance is the LogReg convergence threshold on the largest
	// coefficient update.
	Tolerance            float64
	IsolationQuantile    float64
	DistanceQuantile     float64
	ProbabilityThreshold float64
	Regularization       float64
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	base := detectors.DefaultConfig()
	return Config{
		Seed:                 base.RandomSeed,
		Trees:                100,
		SampleSize:           256,
		Contamination:        base.Contamination,
		Clusters:             3,
		KMeansInits:          10,
		MaxIterations:        300,
		Tolerance:            1e-8,
		IsolationQuantile:    0.05,
		DistanceQuantile:     0.95,
		ProbabilityThreshold: 0.7,
		Regularization:       1.0,
	}
}

// Result summarizes one run.
type Result struct {
	RunID    string
	Pipeline string
	Events   int
	Flagged  int
	Written  int
	// Skipped is set when the run stopped early without error.
	Skipped string
}

// Deps are the external collaborators of a Runner.
type Deps struct {
	Events bgio.EventSource
	Status bgio.StatusChecker
	Labels bgio.LabelSource
	Sink   bgio.Sink
}

// Runner executes detection runs. It keeps no state between runs.
type Runner struct {
	deps     Deps
	reporter *report.Reporter
	cfg      Config
	logger   *zap.Logger

	// Detector factories. Each run fits fresh detectors.
	NewIsolation  func(Config) detectors.Detector
	NewClustering func(Config) detectors.Clusterer
	NewClassifier func(Config) detectors.Classifier
}

// NewRunner returns a Runner using the built-in detectors.
func NewRunner(deps Deps, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:          deps,
		reporter:      report.NewReporter(deps.Sink, logger),
		cfg:           cfg,
		logger:        logger,
		NewIsolation:  newIsolation,
		NewClustering: newClustering,
		NewClassifier: newClassifier,
	}
}

// FromBackend wires every dependency to a single backend.
func FromBackend(b bgio.Backend) Deps {
	return Deps{Events: b, Status: b, Labels: b, Sink: b}
}

func newIsolation(cfg Config) detectors.Detector {
	return iforest.New(
		iforest.WithTrees(cfg.Trees),
		iforest.WithSampleSize(cfg.SampleSize),
		iforest.WithConfig(detectors.Config{
			Contamination: cfg.Contamination,
			RandomSeed:    cfg.Seed,
		}),
	)
}

func newClustering(cfg Config) detectors.Clusterer {
	return kmeans.New(
		kmeans.WithClusters(cfg.Clusters),
		kmeans.WithInits(cfg.KMeansInits),
		kmeans.WithMaxIterations(cfg.MaxIterations),
		kmeans.WithSeed(cfg.Seed),
	)
}

func newClassifier(cfg Config) detectors.Classifier {
	return logreg.New(
		logreg.WithC(cfg.Regularization),
		logreg.WithMaxIterations(cfg.MaxIterations),
		logreg.WithTolerance(cfg.Tolerance),
	)
}

// Fit diagnostics exposed by the built-in detectors.
type (
	offsetReporter interface{ Threshold() float64 }
	lloydReporter  interface {
		Iterations() int
		Inertia() float64
	}
	newtonReporter interface {
		Iterations() int
		Converged() bool
	}
)

// run carries the per-run bookkeeping.
type run struct {
	result *Result
	logger *zap.Logger
	start  time.Time
}

func (r *Runner) begin(pipeline string) *run {
	id := uuid.NewString()
	return &run{
		result: &Result{RunID: id, Pipeline: pipeline},
		logger: r.logger.With(zap.String("run_id", id), zap.String("pipeline", pipeline)),
		start:  time.Now(),
	}
}

func (rn *run) skip(reason string, fields ...zap.Field) (*Result, error) {
	rn.result.Skipped = reason
	rn.logger.Info(reason, fields...)
	rn.finish("skipped")
	return rn.result, nil
}

func (rn *run) fail(err error) (*Result, error) {
	rn.logger.Error("run failed", zap.Error(err))
	rn.finish("error")
	return rn.result, err
}

func (rn *run) done() (*Result, error) {
	rn.logger.Info("run completed",
		zap.Int("events", rn.result.Events),
		zap.Int("flagged", rn.result.Flagged),
		zap.Int("written", rn.result.Written),
		zap.Duration("duration", time.Since(rn.start)),
	)
	rn.finish("ok")
	return rn.result, nil
}

func (rn *run) finish(status string) {
	p := rn.result.Pipeline
	metrics.RunsTotal.WithLabelValues(p, status).Inc()
	metrics.RunDuration.WithLabelValues(p).Observe(time.Since(rn.start).Seconds())
	metrics.EventsLoaded.WithLabelValues(p).Set(float64(rn.result.Events))
	metrics.AnomaliesWritten.WithLabelValues(p).Add(float64(rn.result.Written))
}

func (rn *run) loaded(events []audit.Event) {
	rn.result.Events = len(events)
	rn.logger.Info("loaded audit events", zap.Int("count", len(events)))
}

func (r *Runner) submit(ctx context.Context, rn *run, records []bgio.AnomalyRecord) (*Result, error) {
	rn.result.Flagged = len(records)
	for _, rec := range records {
		metrics.AnomaliesFlagged.WithLabelValues(string(rec.DetectionMethod)).Inc()
	}

	written, err := r.reporter.Submit(ctx, records)
	if err != nil {
		return rn.fail(err)
	}
	rn.result.Written = written
	return rn.done()
}

func (r *Runner) loadEvents(ctx context.Context, electionID *int64) ([]audit.Event, error) {
	if r.deps.Events == nil {
		return nil, errors.New("no event source configured")
	}
	if electionID != nil {
		events, err := r.deps.Events.ElectionEvents(ctx, *electionID)
		if err != nil {
			return nil, fmt.Errorf("load audit events for election %d: %w", *electionID, err)
		}
		return events, nil
	}
	events, err := r.deps.Events.ExportEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("export audit events: %w", err)
	}
	return events, nil
}
