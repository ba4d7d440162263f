// Package report turns detector output into anomaly records and submits
// them to the anomaly sink.
package report

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hed1ad/ballotguard/pkg/audit"
	"github.com/hed1ad/ballotguard/pkg/features"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
)

// Reporter submits one batch per detector invocation.
type Reporter struct {
	sink   bgio.Sink
	logger *zap.Logger
}

// NewReporter returns a Reporter writing to sink.
func NewReporter(sink bgio.Sink, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{sink: sink, logger: logger}
}

// Submit writes records as a single batch and returns the sink's
// acknowledged count. An empty batch is not sent.
func (r *Reporter) Submit(ctx context.Context, records []bgio.AnomalyRecord) (int, error) {
	if len(records) == 0 {
		r.logger.Info("no anomalies to send")
		return 0, nil
	}

	if r.sink == nil {
		return 0, errors.New("no anomaly sink configured")
	}

	written, err := r.sink.Submit(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("submit %d anomalies: %w", len(records), err)
	}

	r.logger.Info("anomalies inserted",
		zap.Int("submitted", len(records)),
		zap.Int("inserted", written),
	)
	return written, nil
}

// Index maps audit-log ids to events so records can carry identifying
// fields of the entry they are attributed to.
type Index map[int64]audit.Event

// NewIndex indexes events by id.
func NewIndex(events []audit.Event) Index {
	idx := make(Index, len(events))
	for _, ev := range events {
		idx[ev.ID] = ev
	}
	return idx
}

// eventDetails returns the identifying fields of the event with the given id.
func (idx Index) eventDetails(id int64) map[string]any {
	ev, ok := idx[id]
	if !ok {
		return map[string]any{}
	}
	d := map[string]any{
		"voterAddress": ev.ActorAddress,
		"candidateId":  ev.CandidateID,
		"txHash":       ev.TxHash,
		"blockNumber":  ev.BlockNumber,
	}
	if ev.ElectionID != nil {
		d["electionId"] = *ev.ElectionID
	}
	return d
}

// Granularity tells the builders how table rows relate to actors.
type Granularity int

const (
	// PerActor rows are keyed by address and attributed to the actor's
	// earliest event.
	PerActor Granularity = iota
	// PerEvent rows are single events.
	PerEvent
)

// Builder assembles records from a feature table and its source events.
type Builder struct {
	table       *features.Table
	index       Index
	granularity Granularity
	runID       string
}

// NewBuilder returns a Builder for table, whose rows were built from events.
func NewBuilder(table *features.Table, events []audit.Event, g Granularity, runID string) *Builder {
	return &Builder{
		table:       table,
		index:       NewIndex(events),
		granularity: g,
		runID:       runID,
	}
}

func (b *Builder) base(row int) map[string]any {
	var d map[string]any
	if b.granularity == PerActor {
		d = map[string]any{"address": b.table.Keys[row]}
	} else {
		d = b.index.eventDetails(b.table.EventIDs[row])
	}
	if b.runID != "" {
		d["runId"] = b.runID
	}
	return d
}

// attributable reports whether row maps to an event in the snapshot.
func (b *Builder) attributable(row int) bool {
	_, ok := b.index[b.table.EventIDs[row]]
	return ok
}

// Isolation builds IsolationForest records for the flagged rows. The score
// is the raw decision score.
func (b *Builder) Isolation(flagged []int, scores []float64, threshold float64) []bgio.AnomalyRecord {
	out := make([]bgio.AnomalyRecord, 0, len(flagged))
	for _, i := range flagged {
		if !b.attributable(i) {
			continue
		}
		d := b.base(i)
		d["features"] = b.table.Snapshot(i)
		d["threshold"] = threshold
		out = append(out, bgio.AnomalyRecord{
			AuditLogID:      b.table.EventIDs[i],
			DetectionMethod: bgio.MethodIsolationForest,
			Score:           scores[i],
			Label:           bgio.LabelAnomaly,
			Details:         d,
		})
	}
	return out
}

// Clustering builds KMeans records for the flagged rows. The score is the
// distance to the assigned centroid.
func (b *Builder) Clustering(flagged []int, clusters []int, dists []float64, threshold float64) []bgio.AnomalyRecord {
	out := make([]bgio.AnomalyRecord, 0, len(flagged))
	for _, i := range flagged {
		if !b.attributable(i) {
			continue
		}
		d := b.base(i)
		if b.granularity == PerActor {
			d["clusterId"] = clusters[i]
			d["distanceToCentroid"] = dists[i]
		} else {
			d["cluster"] = clusters[i]
			d["distance"] = dists[i]
		}
		d["threshold"] = threshold
		out = append(out, bgio.AnomalyRecord{
			AuditLogID:      b.table.EventIDs[i],
			DetectionMethod: bgio.MethodKMeans,
			Score:           dists[i],
			Label:           bgio.LabelClusterOutlier,
			Details:         d,
		})
	}
	return out
}

// Supervised builds LogReg records for rows whose probability exceeds
// threshold and whose event is not in known.
func (b *Builder) Supervised(proba []float64, threshold float64, known map[int64]struct{}) []bgio.AnomalyRecord {
	var out []bgio.AnomalyRecord
	for i, p := range proba {
		if p <= threshold {
			continue
		}
		id := b.table.EventIDs[i]
		if _, seen := known[id]; seen {
			continue
		}
		if !b.attributable(i) {
			continue
		}
		d := b.base(i)
		d["probability"] = p
		out = append(out, bgio.AnomalyRecord{
			AuditLogID:      id,
			DetectionMethod: bgio.MethodLogReg,
			Score:           p,
			Label:           bgio.LabelAnomaly,
			Details:         d,
		})
	}
	return out
}
