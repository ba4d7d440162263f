// Package csv reads audit-log exports saved as CSV files.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hed1ad/ballotguard/pkg/audit"
)

// Columns recognised in the header row. Unknown columns are ignored and
// missing ones leave the field at its zero value.
const (
	colID           = "Id"
	colEventType    = "EventType"
	colElectionID   = "BlockchainElectionId"
	colVoterAddress = "VoterAddress"
	colCandidateID  = "CandidateId"
	colTxHash       = "TxHash"
	colBlockNumber  = "BlockNumber"
	colChainID      = "ChainId"
	colLogIndex     = "LogIndex"
	colPayload      = "Payload"
	colCreatedAt    = "CreatedAt"
)

// Reader reads audit events from a CSV export with a header row.
type Reader struct {
	file    *os.File
	reader  *csv.Reader
	headers []string
	index   map[string]int
}

// NewReader opens filename and consumes its header row.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:   file,
		reader: csv.NewReader(file),
	}
	r.reader.FieldsPerRecord = -1

	headers, err := r.reader.Read()
	if err != nil {
		file.Close()
		if err == io.EOF {
			return nil, errors.New("csv export has no header row")
		}
		return nil, err
	}
	r.headers = headers
	r.index = make(map[string]int, len(headers))
	for i, h := range headers {
		r.index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	if _, ok := r.index[colID]; !ok {
		file.Close()
		return nil, fmt.Errorf("csv export is missing the %q column", colID)
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns every event in the file. Rows without a valid id are skipped
// because they cannot be attributed; other malformed cells are defaulted.
func (r *Reader) Read() ([]audit.Event, error) {
	var events []audit.Event

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		ev, ok := r.parseRow(record)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) cell(record []string, name string) string {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return ""
	}
	v := strings.TrimSpace(record[i])
	if strings.EqualFold(v, "null") {
		return ""
	}
	return v
}

func (r *Reader) parseRow(record []string) (audit.Event, bool) {
	id, ok := audit.ParseInt(r.cell(record, colID))
	if !ok {
		return audit.Event{}, false
	}

	ev := audit.Event{
		ID:           id,
		ActorAddress: r.cell(record, colVoterAddress),
		EventType:    audit.EventType(r.cell(record, colEventType)),
		TxHash:       r.cell(record, colTxHash),
		Payload:      r.cell(record, colPayload),
		CreatedAt:    audit.ParseTime(r.cell(record, colCreatedAt)),
	}
	ev.CandidateID, _ = audit.ParseInt(r.cell(record, colCandidateID))
	ev.BlockNumber, _ = audit.ParseInt(r.cell(record, colBlockNumber))
	ev.ChainID, _ = audit.ParseInt(r.cell(record, colChainID))
	ev.LogIndex, _ = audit.ParseInt(r.cell(record, colLogIndex))
	if eid, ok := audit.ParseInt(r.cell(record, colElectionID)); ok {
		ev.ElectionID = &eid
	}
	return ev, true
}

// Source serves a CSV export as an event source. The file is re-read on
// every call so each run sees a fresh snapshot.
type Source struct {
	path string
}

// NewSource returns a Source backed by the export at path.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// ExportEvents returns every event in the export ordered by id.
func (s *Source) ExportEvents(ctx context.Context) ([]audit.Event, error) {
	return s.load(ctx, nil)
}

// ElectionEvents returns the events of one election ordered by id.
func (s *Source) ElectionEvents(ctx context.Context, electionID int64) ([]audit.Event, error) {
	return s.load(ctx, func(ev audit.Event) bool {
		return ev.ElectionID != nil && *ev.ElectionID == electionID
	})
}

func (s *Source) load(ctx context.Context, keep func(audit.Event) bool) ([]audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := NewReader(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv export: %w", err)
	}
	defer r.Close()

	all, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv export: %w", err)
	}

	events := all[:0]
	for _, ev := range all {
		if keep == nil || keep(ev) {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}
