package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ballotguard/pkg/detectors"
	"github.com/hed1ad/ballotguard/pkg/features"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
	"github.com/hed1ad/ballotguard/pkg/report"
)

// AnalyzeElection runs IsolationForest and KMeans over per-actor features of
// a finalized election and submits their flags as one batch. Nothing is
// fetched when the election is not finalized.
func (r *Runner) AnalyzeElection(ctx context.Context, electionID int64) (*Result, error) {
	rn := r.begin(PipelineElection)
	rn.logger = rn.logger.With(zap.Int64("election_id", electionID))

	if r.deps.Status == nil {
		return rn.fail(errors.New("no election status checker configured"))
	}
	finalized, err := r.deps.Status.Finalized(ctx, electionID)
	if err != nil {
		return rn.fail(fmt.Errorf("election %d status: %w", electionID, err))
	}
	if !finalized {
		return rn.skip(SkipNotFinalized)
	}

	events, err := r.loadEvents(ctx, &electionID)
	if err != nil {
		return rn.fail(err)
	}
	rn.loaded(events)
	if len(events) == 0 {
		return rn.skip(SkipNoEvents)
	}

	table := features.PerActor(events)
	if table.Empty() {
		return rn.skip(SkipNoFeatures)
	}
	b := report.NewBuilder(table, events, report.PerActor, rn.result.RunID)

	// The detectors share the table read-only and own their models.
	var isoRecords, kmRecords []bgio.AnomalyRecord
	var g errgroup.Group
	g.Go(func() error {
		recs, err := r.isolation(rn.logger, table, b)
		isoRecords = recs
		return err
	})
	g.Go(func() error {
		recs, err := r.clustering(rn.logger, table, b)
		kmRecords = recs
		return err
	})
	if err := g.Wait(); err != nil {
		return rn.fail(err)
	}

	records := make([]bgio.AnomalyRecord, 0, len(isoRecords)+len(kmRecords))
	records = append(records, isoRecords...)
	records = append(records, kmRecords...)
	return r.submit(ctx, rn, records)
}

// RunIsolation scores every event with IsolationForest on per-event
// features. A nil electionID analyzes the whole log.
func (r *Runner) RunIsolation(ctx context.Context, electionID *int64) (*Result, error) {
	rn := r.begin(PipelineIsolation)
	if electionID != nil {
		rn.logger = rn.logger.With(zap.Int64("election_id", *electionID))
	}

	events, err := r.loadEvents(ctx, electionID)
	if err != nil {
		return rn.fail(err)
	}
	rn.loaded(events)
	if len(events) == 0 {
		return rn.skip(SkipNoEvents)
	}

	table := features.PerEvent(events)
	if table.Empty() {
		return rn.skip(SkipNoFeatures)
	}
	b := report.NewBuilder(table, events, report.PerEvent, rn.result.RunID)

	records, err := r.isolation(rn.logger, table, b)
	if err != nil {
		return rn.fail(err)
	}
	return r.submit(ctx, rn, records)
}

// RunKMeans clusters per-event features of the whole log and reports the
// rows farthest from their centroids.
func (r *Runner) RunKMeans(ctx context.Context) (*Result, error) {
	rn := r.begin(PipelineKMeans)

	events, err := r.loadEvents(ctx, nil)
	if err != nil {
		return rn.fail(err)
	}
	rn.loaded(events)
	if len(events) == 0 {
		return rn.skip(SkipNoEvents)
	}

	table := features.PerEvent(events)
	if table.Empty() {
		return rn.skip(SkipNoFeatures)
	}
	b := report.NewBuilder(table, events, report.PerEvent, rn.result.RunID)

	records, err := r.clustering(rn.logger, table, b)
	if err != nil {
		return rn.fail(err)
	}
	return r.submit(ctx, rn, records)
}

// RunSupervised trains a classifier on events already flagged by
// IsolationForest or KMeans and reports new events it rates above the
// probability threshold. Events used as positive labels are never reported.
func (r *Runner) RunSupervised(ctx context.Context) (*Result, error) {
	rn := r.begin(PipelineLogReg)

	events, err := r.loadEvents(ctx, nil)
	if err != nil {
		return rn.fail(err)
	}
	rn.loaded(events)
	if len(events) == 0 {
		return rn.skip(SkipNoEvents)
	}

	if r.deps.Labels == nil {
		return rn.fail(errors.New("no label source configured"))
	}
	known, err := r.deps.Labels.FlaggedEventIDs(ctx, bgio.MethodIsolationForest, bgio.MethodKMeans)
	if err != nil {
		return rn.fail(fmt.Errorf("load existing anomalies: %w", err))
	}
	if len(known) == 0 {
		return rn.skip(SkipNoLabels)
	}

	table := features.PerEvent(events)
	if table.Empty() {
		return rn.skip(SkipNoFeatures)
	}

	labels := make([]int, table.Len())
	positives := 0
	for i, id := range table.EventIDs {
		if _, ok := known[id]; ok {
			labels[i] = 1
			positives++
		}
	}
	if positives == 0 || positives == len(labels) {
		return rn.skip(SkipSingleClass,
			zap.Int("positives", positives),
			zap.Int("events", len(labels)),
		)
	}

	clf := r.NewClassifier(r.cfg)
	if err := clf.FitLabeled(table.Rows, labels); err != nil {
		return rn.fail(fmt.Errorf("fit %s: %w", bgio.MethodLogReg, err))
	}
	if nr, ok := clf.(newtonReporter); ok {
		rn.logger.Debug("classifier fitted",
			zap.Int("iterations", nr.Iterations()),
			zap.Bool("converged", nr.Converged()),
		)
		if !nr.Converged() {
			rn.logger.Warn("classifier hit the iteration cap before converging",
				zap.Int("iterations", nr.Iterations()))
		}
	}
	proba, err := clf.PredictProba(table.Rows)
	if err != nil {
		return rn.fail(fmt.Errorf("score %s: %w", bgio.MethodLogReg, err))
	}

	b := report.NewBuilder(table, events, report.PerEvent, rn.result.RunID)
	records := b.Supervised(proba, r.cfg.ProbabilityThreshold, known)
	rn.logger.Info("classifier scored events",
		zap.Int("positives", positives),
		zap.Int("above_threshold", len(records)),
	)
	return r.submit(ctx, rn, records)
}

// RunAll runs IsolationForest, KMeans and LogReg over the whole log in that
// order, so the classifier trains on what the first two just reported. It
// stops at the first failure.
func (r *Runner) RunAll(ctx context.Context) ([]*Result, error) {
	steps := []func(context.Context) (*Result, error){
		func(ctx context.Context) (*Result, error) { return r.RunIsolation(ctx, nil) },
		r.RunKMeans,
		r.RunSupervised,
	}

	results := make([]*Result, 0, len(steps))
	for _, step := range steps {
		res, err := step(ctx)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// isolation fits IsolationForest on table and flags rows whose decision
// score is at or below the batch quantile. The forest's own contamination
// offset is recorded alongside the batch threshold.
func (r *Runner) isolation(logger *zap.Logger, table *features.Table, b *report.Builder) ([]bgio.AnomalyRecord, error) {
	det := r.NewIsolation(r.cfg)
	if err := det.Fit(table.Rows); err != nil {
		return nil, fmt.Errorf("fit %s: %w", bgio.MethodIsolationForest, err)
	}
	scores, err := det.Predict(table.Rows)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", bgio.MethodIsolationForest, err)
	}

	flagged, threshold := detectors.FlagAtOrBelow(scores, r.cfg.IsolationQuantile)
	records := b.Isolation(flagged, scores, threshold)
	if o, ok := det.(offsetReporter); ok {
		offset := o.Threshold()
		for _, rec := range records {
			rec.Details["offset"] = offset
		}
		logger.Debug("isolation forest fitted",
			zap.Float64("offset", offset),
			zap.Float64("threshold", threshold),
		)
	}
	return records, nil
}

// clustering fits KMeans on table and flags rows whose centroid distance is
// at or above the batch quantile.
func (r *Runner) clustering(logger *zap.Logger, table *features.Table, b *report.Builder) ([]bgio.AnomalyRecord, error) {
	det := r.NewClustering(r.cfg)
	if err := det.Fit(table.Rows); err != nil {
		return nil, fmt.Errorf("fit %s: %w", bgio.MethodKMeans, err)
	}
	if lr, ok := det.(lloydReporter); ok {
		logger.Debug("kmeans fitted",
			zap.Int("iterations", lr.Iterations()),
			zap.Float64("inertia", lr.Inertia()),
		)
	}
	clusters, dists, err := det.Assign(table.Rows)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", bgio.MethodKMeans, err)
	}

	flagged, threshold := detectors.FlagAtOrAbove(dists, r.cfg.DistanceQuantile)
	return b.Clustering(flagged, clusters, dists, threshold), nil
}
