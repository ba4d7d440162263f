// Package audit defines the audit-log event consumed by the detection pipeline.
package audit

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventType is the kind of on-chain action recorded in the audit log.
type EventType string

// Known event types. The log may contain others; they still count towards
// an actor's total.
const (
	VoteCommitted      EventType = "VoteCommitted"
	VoteRevealed       EventType = "VoteRevealed"
	VotingRightGranted EventType = "VotingRightGranted"
	VotingRightRevoked EventType = "VotingRightRevoked"
)

// KnownEventTypes lists the event types that get their own per-actor count
// column, in column order.
var KnownEventTypes = []EventType{
	VoteCommitted,
	VoteRevealed,
	VotingRightGranted,
	VotingRightRevoked,
}

// Event is a single immutable audit-log entry.
type Event struct {
	ID           int64
	ActorAddress string
	EventType    EventType
	CandidateID  int64 // 0 when absent
	BlockNumber  int64
	ChainID      int64
	LogIndex     int64
	TxHash       string
	ElectionID   *int64
	Payload      string
	CreatedAt    time.Time // zero when missing or unparseable
}

// CreatedUnix returns CreatedAt in seconds since epoch, or 0 when unset.
func (e Event) CreatedUnix() int64 {
	if e.CreatedAt.IsZero() {
		return 0
	}
	return e.CreatedAt.Unix()
}

// wireEvent mirrors the backend's AuditLog row. Numeric columns are decoded
// leniently because the backend serializes BIGINT columns as strings.
type wireEvent struct {
	ID                   json.RawMessage `json:"Id"`
	EventType            string          `json:"EventType"`
	BlockchainElectionID json.RawMessage `json:"BlockchainElectionId"`
	VoterAddress         *string         `json:"VoterAddress"`
	CandidateID          json.RawMessage `json:"CandidateId"`
	TxHash               *string         `json:"TxHash"`
	BlockNumber          json.RawMessage `json:"BlockNumber"`
	ChainID              json.RawMessage `json:"ChainId"`
	LogIndex             json.RawMessage `json:"LogIndex"`
	Payload              *string         `json:"Payload"`
	CreatedAt            json.RawMessage `json:"CreatedAt"`
}

// UnmarshalJSON decodes a backend AuditLog row. Missing or malformed numeric
// fields default to 0 and a malformed timestamp to the zero time.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Event{
		ID:          rawInt(w.ID),
		EventType:   EventType(w.EventType),
		CandidateID: rawInt(w.CandidateID),
		BlockNumber: rawInt(w.BlockNumber),
		ChainID:     rawInt(w.ChainID),
		LogIndex:    rawInt(w.LogIndex),
		CreatedAt:   ParseTime(rawString(w.CreatedAt)),
	}
	if w.VoterAddress != nil {
		e.ActorAddress = *w.VoterAddress
	}
	if w.TxHash != nil {
		e.TxHash = *w.TxHash
	}
	if w.Payload != nil {
		e.Payload = *w.Payload
	}
	if id, ok := ParseInt(rawString(w.BlockchainElectionID)); ok {
		e.ElectionID = &id
	}
	return nil
}

// MarshalJSON encodes the event in the backend's row shape.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"Id":                   e.ID,
		"EventType":            string(e.EventType),
		"BlockchainElectionId": e.ElectionID,
		"VoterAddress":         e.ActorAddress,
		"CandidateId":          e.CandidateID,
		"TxHash":               e.TxHash,
		"BlockNumber":          e.BlockNumber,
		"ChainId":              e.ChainID,
		"LogIndex":             e.LogIndex,
		"Payload":              e.Payload,
	}
	if !e.CreatedAt.IsZero() {
		out["CreatedAt"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	return string(raw)
}

func rawInt(raw json.RawMessage) int64 {
	v, _ := ParseInt(rawString(raw))
	return v
}

// ParseInt parses an integer the way the audit export writes them: plain
// integers, numeric strings, or floats with an integral value. The boolean
// reports whether a value was present and valid.
func ParseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a CreatedAt value. It returns the zero time when the
// value is empty or unparseable.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
