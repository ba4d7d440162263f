// Package features turns audit events into numeric feature tables.
package features

import (
	"sort"
	"strconv"

	"github.com/hed1ad/ballotguard/pkg/audit"
)

// Table is a dense feature matrix. Row i is keyed by Keys[i] and attributed
// to the audit-log entry EventIDs[i].
type Table struct {
	Columns  []string
	Keys     []string
	EventIDs []int64
	Rows     [][]float64
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Snapshot returns row i as a column-name to value map.
func (t *Table) Snapshot(i int) map[string]float64 {
	out := make(map[string]float64, len(t.Columns))
	for j, c := range t.Columns {
		out[c] = t.Rows[i][j]
	}
	return out
}

// Per-actor columns, in order.
const (
	ColTotalEvents      = "total_events"
	ColTotalCommits     = "total_commits"
	ColTotalReveals     = "total_reveals"
	ColTotalGrants      = "total_grants"
	ColTotalRevokes     = "total_revokes"
	ColOtherEvents      = "total_other"
	ColNumCandidates    = "num_candidates"
	ColFirstActionTs    = "first_action_ts"
	ColLastActionTs     = "last_action_ts"
	ColActivityDuration = "activity_duration"
)

// Per-event columns, in order.
const (
	ColBlockNumber = "blockNumber"
	ColChainID     = "chainId"
	ColCandidateID = "candidateId"
	ColCreatedTs   = "created_ts"
)

// ActorColumns is the fixed per-actor column order.
var ActorColumns = []string{
	ColTotalEvents,
	ColTotalCommits,
	ColTotalReveals,
	ColTotalGrants,
	ColTotalRevokes,
	ColOtherEvents,
	ColNumCandidates,
	ColFirstActionTs,
	ColLastActionTs,
	ColActivityDuration,
}

// EventColumns is the fixed per-event column order.
var EventColumns = []string{ColBlockNumber, ColChainID, ColCandidateID, ColCreatedTs}

type actorAgg struct {
	counts     map[audit.EventType]int
	total      int
	other      int
	candidates map[int64]struct{}
	first      int64
	last       int64
	firstEvent audit.Event
}

// PerActor aggregates events by actor address. Rows are sorted by address
// so the same input always yields the same table. Each row is attributed to
// the actor's earliest event, ties broken by the lowest id.
func PerActor(events []audit.Event) *Table {
	t := &Table{Columns: append([]string(nil), ActorColumns...)}
	if len(events) == 0 {
		return t
	}

	known := make(map[audit.EventType]bool, len(audit.KnownEventTypes))
	for _, et := range audit.KnownEventTypes {
		known[et] = true
	}

	aggs := make(map[string]*actorAgg)
	for _, ev := range events {
		ts := ev.CreatedUnix()
		a, ok := aggs[ev.ActorAddress]
		if !ok {
			a = &actorAgg{
				counts:     make(map[audit.EventType]int),
				candidates: make(map[int64]struct{}),
				first:      ts,
				last:       ts,
				firstEvent: ev,
			}
			aggs[ev.ActorAddress] = a
		}

		a.total++
		if known[ev.EventType] {
			a.counts[ev.EventType]++
		} else {
			a.other++
		}
		a.candidates[ev.CandidateID] = struct{}{}

		if ts < a.first {
			a.first = ts
		}
		if ts > a.last {
			a.last = ts
		}
		if earlier(ev, a.firstEvent) {
			a.firstEvent = ev
		}
	}

	addrs := make([]string, 0, len(aggs))
	for addr := range aggs {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		a := aggs[addr]
		row := []float64{
			float64(a.total),
			float64(a.counts[audit.VoteCommitted]),
			float64(a.counts[audit.VoteRevealed]),
			float64(a.counts[audit.VotingRightGranted]),
			float64(a.counts[audit.VotingRightRevoked]),
			float64(a.other),
			float64(len(a.candidates)),
			float64(a.first),
			float64(a.last),
			float64(a.last - a.first),
		}
		t.Keys = append(t.Keys, addr)
		t.EventIDs = append(t.EventIDs, a.firstEvent.ID)
		t.Rows = append(t.Rows, row)
	}

	return t
}

// earlier orders events by creation time then id.
func earlier(a, b audit.Event) bool {
	at, bt := a.CreatedUnix(), b.CreatedUnix()
	if at != bt {
		return at < bt
	}
	return a.ID < b.ID
}

// PerEvent builds one row per event in input order, keyed by event id.
// Missing candidate ids and timestamps are already 0 on the event and stay
// 0 here.
func PerEvent(events []audit.Event) *Table {
	t := &Table{Columns: append([]string(nil), EventColumns...)}
	for _, ev := range events {
		t.Keys = append(t.Keys, strconv.FormatInt(ev.ID, 10))
		t.EventIDs = append(t.EventIDs, ev.ID)
		t.Rows = append(t.Rows, []float64{
			float64(ev.BlockNumber),
			float64(ev.ChainID),
			float64(ev.CandidateID),
			float64(ev.CreatedUnix()),
		})
	}
	return t
}
