package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hed1ad/ballotguard/pkg/audit"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
)

// memoryBackend is an in-memory backend whose sink feeds its label source,
// the way the real anomaly store does.
type memoryBackend struct {
	mu        sync.Mutex
	events    []audit.Event
	finalized map[int64]bool
	stored    []bgio.AnomalyRecord
	batches   int
	fetches   int
	exports   int

	fetchErr  error
	statusErr error
	labelsErr error
	submitErr error
}

var _ bgio.Backend = (*memoryBackend)(nil)

func (m *memoryBackend) ExportEvents(context.Context) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	m.exports++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]audit.Event(nil), m.events...), nil
}

func (m *memoryBackend) ElectionEvents(_ context.Context, id int64) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []audit.Event
	for _, ev := range m.events {
		if ev.ElectionID != nil && *ev.ElectionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memoryBackend) Finalized(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return false, m.statusErr
	}
	return m.finalized[id], nil
}

func (m *memoryBackend) FlaggedEventIDs(_ context.Context, methods ...bgio.Method) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labelsErr != nil {
		return nil, m.labelsErr
	}
	ids := make(map[int64]struct{})
	for _, rec := range m.stored {
		for _, meth := range methods {
			if rec.DetectionMethod == meth {
				ids[rec.AuditLogID] = struct{}{}
			}
		}
	}
	return ids, nil
}

func (m *memoryBackend) Submit(_ context.Context, records []bgio.AnomalyRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return 0, m.submitErr
	}
	m.batches++
	m.stored = append(m.stored, records...)
	return len(records), nil
}

func (m *memoryBackend) byMethod(method bgio.Method) []bgio.AnomalyRecord {
	var out []bgio.AnomalyRecord
	for _, rec := range m.stored {
		if rec.DetectionMethod == method {
			out = append(out, rec)
		}
	}
	return out
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id int64, actor string, typ audit.EventType, candidate int64, election int64, at time.Time) audit.Event {
	e := election
	return audit.Event{
		ID:           id,
		ActorAddress: actor,
		EventType:    typ,
		CandidateID:  candidate,
		BlockNumber:  1000 + id,
		ChainID:      31337,
		TxHash:       fmt.Sprintf("0x%04x", id),
		ElectionID:   &e,
		CreatedAt:    at,
	}
}

// heavyActorEvents returns 10 events of election 7: two actors cast a single
// vote each at the same instant, a third fires eight events across several
// candidates. Event 3 is the heavy actor's earliest.
func heavyActorEvents() []audit.Event {
	events := []audit.Event{
		event(1, "0xaaa", audit.VoteCommitted, 1, 7, base),
		event(2, "0xbbb", audit.VoteCommitted, 1, 7, base),
	}
	for i := int64(0); i < 8; i++ {
		typ := audit.VoteCommitted
		if i%2 == 1 {
			typ = audit.VoteRevealed
		}
		events = append(events, event(3+i, "0xccc", typ, i%4+1, 7, base.Add(time.Duration(i+1)*time.Minute)))
	}
	return events
}

// logEvents returns a varied whole-log snapshot with a few far-off events.
func logEvents(n int) []audit.Event {
	events := make([]audit.Event, 0, n)
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		candidate := int64(i%3 + 1)
		at := base.Add(time.Duration(i) * time.Minute)
		if i%17 == 16 {
			candidate = 40
			at = at.Add(72 * time.Hour)
		}
		events = append(events, event(id, fmt.Sprintf("0x%03d", i%9), audit.VoteCommitted, candidate, int64(i%2+1), at))
	}
	return events
}

func newTestRunner(b *memoryBackend) *Runner {
	return NewRunner(FromBackend(b), DefaultConfig(), nil)
}

func TestAnalyzeElectionSkipsUnfinalized(t *testing.T) {
	b := &memoryBackend{events: heavyActorEvents(), finalized: map[int64]bool{7: false}}

	res, err := newTestRunner(b).AnalyzeElection(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, SkipNotFinalized, res.Skipped)
	assert.Zero(t, b.fetches)
	assert.Zero(t, b.batches)
	assert.Empty(t, b.stored)
}

func TestAnalyzeElectionNoEvents(t *testing.T) {
	b := &memoryBackend{events: heavyActorEvents(), finalized: map[int64]bool{99: true}}

	res, err := newTestRunner(b).AnalyzeElection(context.Background(), 99)

	require.NoError(t, err)
	assert.Equal(t, SkipNoEvents, res.Skipped)
	assert.Equal(t, 1, b.fetches)
	assert.Zero(t, b.batches)
}

func TestAnalyzeElectionFlagsHeavyActor(t *testing.T) {
	b := &memoryBackend{events: heavyActorEvents(), finalized: map[int64]bool{7: true}}

	res, err := newTestRunner(b).AnalyzeElection(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 10, res.Events)
	assert.Equal(t, 1, b.batches, "both detectors share one batch")
	assert.Equal(t, res.Flagged, res.Written)

	iso := b.byMethod(bgio.MethodIsolationForest)
	require.Len(t, iso, 1)
	assert.Equal(t, int64(3), iso[0].AuditLogID)
	assert.Equal(t, bgio.LabelAnomaly, iso[0].Label)
	assert.Equal(t, "0xccc", iso[0].Details["address"])
	assert.Contains(t, iso[0].Details, "features")
	assert.Contains(t, iso[0].Details, "threshold")
	assert.Less(t, iso[0].Score, iso[0].Details["threshold"].(float64))
	assert.IsType(t, float64(0), iso[0].Details["offset"])

	km := b.byMethod(bgio.MethodKMeans)
	require.NotEmpty(t, km)
	clusters := make(map[int64]int)
	for _, rec := range km {
		assert.Equal(t, bgio.LabelClusterOutlier, rec.Label)
		clusters[rec.AuditLogID] = rec.Details["clusterId"].(int)
	}
	require.Contains(t, clusters, int64(3))
	for id, c := range clusters {
		if id != 3 {
			assert.NotEqual(t, clusters[3], c, "heavy actor shares a cluster with event %d", id)
		}
	}

	for _, rec := range b.stored {
		assert.Equal(t, res.RunID, rec.Details["runId"])
	}
}

func TestRunIsolationScopesToElection(t *testing.T) {
	b := &memoryBackend{events: logEvents(60)}
	id := int64(2)

	res, err := newTestRunner(b).RunIsolation(context.Background(), &id)
	require.NoError(t, err)

	assert.Equal(t, 30, res.Events)
	assert.Zero(t, b.exports)
	for _, rec := range b.stored {
		assert.Equal(t, int64(2), rec.Details["electionId"])
	}
}

func TestRunIsolationFlagsLowTail(t *testing.T) {
	b := &memoryBackend{events: logEvents(100)}

	res, err := newTestRunner(b).RunIsolation(context.Background(), nil)
	require.NoError(t, err)

	// q05 over 100 distinct scores leaves about five rows at or below it.
	assert.GreaterOrEqual(t, res.Flagged, 1)
	assert.LessOrEqual(t, res.Flagged, 10)
	for _, rec := range b.stored {
		assert.Equal(t, bgio.MethodIsolationForest, rec.DetectionMethod)
		assert.LessOrEqual(t, rec.Score, rec.Details["threshold"].(float64))
		assert.Contains(t, rec.Details, "voterAddress")
		assert.Contains(t, rec.Details, "txHash")
	}
}

func TestRunKMeansFlagsHighTail(t *testing.T) {
	b := &memoryBackend{events: logEvents(100)}

	res, err := newTestRunner(b).RunKMeans(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Flagged, 1)
	for _, rec := range b.stored {
		assert.Equal(t, bgio.MethodKMeans, rec.DetectionMethod)
		assert.GreaterOrEqual(t, rec.Score, rec.Details["threshold"].(float64))
		assert.Equal(t, rec.Score, rec.Details["distance"])
	}
}

func TestRunSupervisedSkipsWithoutLabels(t *testing.T) {
	b := &memoryBackend{events: logEvents(40)}

	res, err := newTestRunner(b).RunSupervised(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SkipNoLabels, res.Skipped)
	assert.Zero(t, b.batches)
}

func TestRunSupervisedSkipsSingleClass(t *testing.T) {
	events := logEvents(20)
	b := &memoryBackend{events: events}
	for _, ev := range events {
		b.stored = append(b.stored, bgio.AnomalyRecord{AuditLogID: ev.ID, DetectionMethod: bgio.MethodIsolationForest})
	}

	res, err := newTestRunner(b).RunSupervised(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SkipSingleClass, res.Skipped)
	assert.Zero(t, b.batches)
}

func TestRunSupervisedIgnoresOtherMethods(t *testing.T) {
	b := &memoryBackend{events: logEvents(20)}
	b.stored = []bgio.AnomalyRecord{{AuditLogID: 1, DetectionMethod: bgio.MethodLogReg}}

	res, err := newTestRunner(b).RunSupervised(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SkipNoLabels, res.Skipped)
}

func TestRunSupervisedExcludesKnownEvents(t *testing.T) {
	events := logEvents(68)
	b := &memoryBackend{events: events}
	known := make(map[int64]struct{})
	for _, ev := range events {
		if ev.CandidateID == 40 {
			b.stored = append(b.stored, bgio.AnomalyRecord{AuditLogID: ev.ID, DetectionMethod: bgio.MethodKMeans})
			known[ev.ID] = struct{}{}
		}
	}
	require.Len(t, known, 4)

	res, err := newTestRunner(b).RunSupervised(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	recs := b.byMethod(bgio.MethodLogReg)
	assert.Len(t, recs, res.Flagged)
	for _, rec := range recs {
		_, seen := known[rec.AuditLogID]
		assert.False(t, seen, "event %d was a training label", rec.AuditLogID)
		assert.Greater(t, rec.Score, DefaultConfig().ProbabilityThreshold)
		assert.Equal(t, rec.Score, rec.Details["probability"])
	}
}

func TestRunAllOrdersPipelines(t *testing.T) {
	b := &memoryBackend{events: logEvents(80)}

	results, err := newTestRunner(b).RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, PipelineIsolation, results[0].Pipeline)
	assert.Equal(t, PipelineKMeans, results[1].Pipeline)
	assert.Equal(t, PipelineLogReg, results[2].Pipeline)
	// The classifier trained on what the first two runs wrote.
	assert.Empty(t, results[2].Skipped)
	assert.NotEqual(t, results[0].RunID, results[1].RunID)
}

func TestSinkErrorIsFatal(t *testing.T) {
	sinkErr := errors.New("backend unavailable")
	b := &memoryBackend{events: logEvents(40), submitErr: sinkErr}

	results, err := newTestRunner(b).RunAll(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, sinkErr)
	assert.Len(t, results, 1, "later pipelines must not run")
}

func TestRunsAreDeterministic(t *testing.T) {
	scores := func() map[string]float64 {
		b := &memoryBackend{events: logEvents(80)}
		_, err := newTestRunner(b).RunIsolation(context.Background(), nil)
		require.NoError(t, err)
		_, err = newTestRunner(b).RunKMeans(context.Background())
		require.NoError(t, err)

		out := make(map[string]float64)
		for _, rec := range b.stored {
			out[fmt.Sprintf("%s/%d", rec.DetectionMethod, rec.AuditLogID)] = rec.Score
		}
		return out
	}

	assert.Equal(t, scores(), scores())
}

func TestMissingDependencies(t *testing.T) {
	r := NewRunner(Deps{}, DefaultConfig(), nil)

	_, err := r.AnalyzeElection(context.Background(), 1)
	assert.Error(t, err)

	_, err = r.RunKMeans(context.Background())
	assert.Error(t, err)
}

func TestSourceErrorsAreFatal(t *testing.T) {
	backendErr := errors.New("connection refused")
	ctx := context.Background()
	election := int64(2)

	tests := []struct {
		name    string
		backend *memoryBackend
		run     func(*Runner) (*Result, error)
		want    string
	}{
		{
			name:    "election status",
			backend: &memoryBackend{events: heavyActorEvents(), statusErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.AnalyzeElection(ctx, 7) },
			want:    "election 7 status",
		},
		{
			name:    "election events",
			backend: &memoryBackend{events: heavyActorEvents(), finalized: map[int64]bool{7: true}, fetchErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.AnalyzeElection(ctx, 7) },
			want:    "load audit events for election 7",
		},
		{
			name:    "scoped isolation events",
			backend: &memoryBackend{events: logEvents(20), fetchErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.RunIsolation(ctx, &election) },
			want:    "load audit events for election 2",
		},
		{
			name:    "isolation export",
			backend: &memoryBackend{events: logEvents(20), fetchErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.RunIsolation(ctx, nil) },
			want:    "export audit events",
		},
		{
			name:    "kmeans export",
			backend: &memoryBackend{events: logEvents(20), fetchErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.RunKMeans(ctx) },
			want:    "export audit events",
		},
		{
			name:    "supervised export",
			backend: &memoryBackend{events: logEvents(20), fetchErr: backendErr},
			run:     func(r *Runner) (*Result, error) { return r.RunSupervised(ctx) },
			want:    "export audit events",
		},
		{
			name: "existing anomalies",
			backend: &memoryBackend{
				events:    logEvents(20),
				stored:    []bgio.AnomalyRecord{{AuditLogID: 1, DetectionMethod: bgio.MethodKMeans}},
				labelsErr: backendErr,
			},
			run:  func(r *Runner) (*Result, error) { return r.RunSupervised(ctx) },
			want: "load existing anomalies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.run(newTestRunner(tt.backend))

			require.Error(t, err)
			assert.ErrorIs(t, err, backendErr)
			assert.Contains(t, err.Error(), tt.want)
			require.NotNil(t, res)
			assert.Empty(t, res.Skipped)
			assert.Zero(t, tt.backend.batches)
		})
	}
}

func TestSourceErrorStopsRunAll(t *testing.T) {
	fetchErr := errors.New("timeout")
	b := &memoryBackend{events: logEvents(40), fetchErr: fetchErr}

	results, err := newTestRunner(b).RunAll(context.Background())

	assert.ErrorIs(t, err, fetchErr)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, b.fetches)
	assert.Zero(t, b.batches)
}

func TestDefaultConfigUsesDetectorDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 0.05, cfg.Contamination)
	assert.Positive(t, cfg.Tolerance)

	clf := newClassifier(cfg)
	require.Implements(t, (*newtonReporter)(nil), clf)
}

func TestFitDiagnosticsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := &memoryBackend{events: logEvents(80)}
	r := NewRunner(FromBackend(b), DefaultConfig(), zap.New(core))

	_, err := r.RunAll(context.Background())
	require.NoError(t, err)

	iso := logs.FilterMessage("isolation forest fitted").All()
	require.Len(t, iso, 1)
	assert.Contains(t, iso[0].ContextMap(), "offset")

	km := logs.FilterMessage("kmeans fitted").All()
	require.Len(t, km, 1)
	assert.Positive(t, km[0].ContextMap()["iterations"])
	assert.Positive(t, km[0].ContextMap()["inertia"])

	clf := logs.FilterMessage("classifier fitted").All()
	require.Len(t, clf, 1)
	assert.Equal(t, true, clf[0].ContextMap()["converged"])
	assert.Positive(t, clf[0].ContextMap()["iterations"])

	for _, rec := range b.byMethod(bgio.MethodIsolationForest) {
		assert.Equal(t, iso[0].ContextMap()["offset"], rec.Details["offset"])
	}
}
