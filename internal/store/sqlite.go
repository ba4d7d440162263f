// Package store is a local SQLite stand-in for the election backend. It
// mirrors the backend's AuditLog and AnomalyFlags tables so detection runs
// can be replayed offline.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/hed1ad/ballotguard/pkg/audit"
	bgio "github.com/hed1ad/ballotguard/pkg/io"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS AuditLog (
    Id                   INTEGER PRIMARY KEY,
    EventType            TEXT NOT NULL,
    BlockchainElectionId INTEGER,
    VoterAddress         TEXT NOT NULL DEFAULT '',
    CandidateId          INTEGER NOT NULL DEFAULT 0,
    TxHash               TEXT NOT NULL DEFAULT '',
    BlockNumber          INTEGER NOT NULL DEFAULT 0,
    ChainId              INTEGER NOT NULL DEFAULT 0,
    LogIndex             INTEGER NOT NULL DEFAULT 0,
    Payload              TEXT NOT NULL DEFAULT '',
    CreatedAt            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_auditlog_election ON AuditLog(BlockchainElectionId);

CREATE TABLE IF NOT EXISTS AnomalyFlags (
    Id         INTEGER PRIMARY KEY AUTOINCREMENT,
    AuditLogId INTEGER NOT NULL REFERENCES AuditLog(Id),
    Model      TEXT NOT NULL,
    Score      REAL NOT NULL,
    Label      TEXT NOT NULL,
    Details    TEXT,
    CreatedAt  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalyflags_model ON AnomalyFlags(Model);

CREATE TABLE IF NOT EXISTS elections (
    id        INTEGER PRIMARY KEY,
    finalized INTEGER NOT NULL DEFAULT 0
);
`,
	},
}

// ErrInvalidRecord is returned when a submitted record lacks a required field.
var ErrInvalidRecord = errors.New("invalid anomaly record")

// Store is the SQLite-backed backend.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ bgio.Backend = (*Store)(nil)

// Open opens (or creates) the database at path and applies pending
// migrations. Pass ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertEvents upserts audit events by id.
func (s *Store) InsertEvents(ctx context.Context, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO AuditLog(Id, EventType, BlockchainElectionId, VoterAddress, CandidateId,
                             TxHash, BlockNumber, ChainId, LogIndex, Payload, CreatedAt)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(Id) DO UPDATE SET
            EventType            = excluded.EventType,
            BlockchainElectionId = excluded.BlockchainElectionId,
            VoterAddress         = excluded.VoterAddress,
            CandidateId          = excluded.CandidateId,
            TxHash               = excluded.TxHash,
            BlockNumber          = excluded.BlockNumber,
            ChainId              = excluded.ChainId,
            LogIndex             = excluded.LogIndex,
            Payload              = excluded.Payload,
            CreatedAt            = excluded.CreatedAt
    `)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var election sql.NullInt64
		if ev.ElectionID != nil {
			election = sql.NullInt64{Int64: *ev.ElectionID, Valid: true}
		}
		created := ""
		if !ev.CreatedAt.IsZero() {
			created = ev.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.EventType), election, ev.ActorAddress, ev.CandidateID,
			ev.TxHash, ev.BlockNumber, ev.ChainID, ev.LogIndex, ev.Payload, created,
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// SetFinalized records an election's on-chain status.
func (s *Store) SetFinalized(ctx context.Context, electionID int64, finalized bool) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO elections(id, finalized) VALUES(?, ?)
        ON CONFLICT(id) DO UPDATE SET finalized = excluded.finalized
    `, electionID, finalized)
	if err != nil {
		return fmt.Errorf("set election %d status: %w", electionID, err)
	}
	return nil
}

// Finalized reports whether the election is finalized. Unknown elections are
// not finalized.
func (s *Store) Finalized(ctx context.Context, electionID int64) (bool, error) {
	var finalized bool
	err := s.db.QueryRowContext(ctx, `SELECT finalized FROM elections WHERE id = ?`, electionID).Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("election %d status: %w", electionID, err)
	}
	return finalized, nil
}

const selectEvents = `
    SELECT Id, EventType, BlockchainElectionId, VoterAddress, CandidateId,
           TxHash, BlockNumber, ChainId, LogIndex, Payload, CreatedAt
    FROM AuditLog`

// ExportEvents returns every audit event ordered by id.
func (s *Store) ExportEvents(ctx context.Context) ([]audit.Event, error) {
	return s.queryEvents(ctx, selectEvents+` ORDER BY Id`)
}

// ElectionEvents returns the audit events of one election ordered by id.
func (s *Store) ElectionEvents(ctx context.Context, electionID int64) ([]audit.Event, error) {
	return s.queryEvents(ctx, selectEvents+` WHERE BlockchainElectionId = ? ORDER BY Id`, electionID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			ev       audit.Event
			typ      string
			election sql.NullInt64
			created  string
		)
		if err := rows.Scan(&ev.ID, &typ, &election, &ev.ActorAddress, &ev.CandidateID,
			&ev.TxHash, &ev.BlockNumber, &ev.ChainID, &ev.LogIndex, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.EventType = audit.EventType(typ)
		if election.Valid {
			id := election.Int64
			ev.ElectionID = &id
		}
		ev.CreatedAt = audit.ParseTime(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FlaggedEventIDs returns the audit-log ids flagged by any of methods.
func (s *Store) FlaggedEventIDs(ctx context.Context, methods ...bgio.Method) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	if len(methods) == 0 {
		return ids, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(methods)), ",")
	args := make([]any, len(methods))
	for i, m := range methods {
		args[i] = string(m)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT AuditLogId FROM AnomalyFlags WHERE Model IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomaly flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan anomaly flag: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Submit inserts records in one transaction. A record missing its audit-log
// id, method or label rejects the whole batch.
func (s *Store) Submit(ctx context.Context, records []bgio.AnomalyRecord) (int, error) {
	for i, rec := range records {
		if rec.AuditLogID == 0 || rec.DetectionMethod == "" || rec.Label == "" {
			return 0, fmt.Errorf("%w: item %d needs auditLogId, detectionMethod and label", ErrInvalidRecord, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	created := s.now().UTC().Format(time.RFC3339Nano)
	for _, rec := range records {
		var details sql.NullString
		if rec.Details != nil {
			buf, err := json.Marshal(rec.Details)
			if err != nil {
				return 0, fmt.Errorf("encode details for %d: %w", rec.AuditLogID, err)
			}
			details = sql.NullString{String: string(buf), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO AnomalyFlags(AuditLogId, Model, Score, Label, Details, CreatedAt)
            VALUES(?,?,?,?,?,?)
        `, rec.AuditLogID, string(rec.DetectionMethod), rec.Score, string(rec.Label), details, created)
		if err != nil {
			return 0, fmt.Errorf("insert anomaly for %d: %w", rec.AuditLogID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit anomalies: %w", err)
	}
	return len(records), nil
}

// Anomalies returns the stored records of one method, newest first.
func (s *Store) Anomalies(ctx context.Context, method bgio.Method) ([]bgio.AnomalyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT AuditLogId, Model, Score, Label, Details
        FROM AnomalyFlags WHERE Model = ? ORDER BY Id DESC
    `, string(method))
	if err != nil {
		return nil, fmt.Errorf("query %s anomalies: %w", method, err)
	}
	defer rows.Close()

	var out []bgio.AnomalyRecord
	for rows.Next() {
		var (
			rec     bgio.AnomalyRecord
			model   string
			label   string
			details sql.NullString
		)
		if err := rows.Scan(&rec.AuditLogID, &model, &rec.Score, &label, &details); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		rec.DetectionMethod = bgio.Method(model)
		rec.Label = bgio.Label(label)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode details of %d: %w", rec.AuditLogID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
