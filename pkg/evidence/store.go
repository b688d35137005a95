// Package evidence implements the immutable, content-addressed evidence
// store. Index rows live in SQL; raw bytes live in a blob.Store. Rows are
// never updated or deleted, and ingestion is idempotent on the identity
// triple (source_system, source_ref, content_sha256).
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/blob"
	"github.com/skylane-systems/aerogate/pkg/contracts"
)

var ErrNotFound = errors.New("evidence not found")

// timeLayout keeps a fixed-width fraction so stored strings compare and sort
// lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	source_system TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	content_sha256 TEXT NOT NULL,
	content_type TEXT NOT NULL,
	retrieved_at TEXT NOT NULL,
	event_start TEXT,
	event_end TEXT,
	payload_path TEXT NOT NULL,
	excerpt TEXT NOT NULL,
	meta TEXT NOT NULL DEFAULT '{}',
	UNIQUE (source_system, source_ref, content_sha256)
);
CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence (source_system, source_ref);
`

// Store is the evidence index plus its payload backend.
type Store struct {
	db    *sql.DB
	blobs blob.Store
	clock func() time.Time
}

// NewStore creates the store and ensures the schema exists.
func NewStore(ctx context.Context, db *sql.DB, blobs blob.Store) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("evidence schema: %w", err)
	}
	return &Store{db: db, blobs: blobs, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// PutInput is the provenance tuple accepted by Put.
type PutInput struct {
	SourceSystem string
	SourceRef    string
	ContentType  string
	Payload      []byte
	EventTime    *contracts.TimeWindow
	Meta         map[string]string
}

// Put ingests raw bytes. It computes the content hash, persists the payload
// through the blob store, and inserts the index row. A duplicate identity
// triple returns the existing id; a write failure is fatal for this put and
// the caller must record a MissingEvidenceRequest instead.
func (s *Store) Put(ctx context.Context, in PutInput) (contracts.EvidenceID, error) {
	if in.SourceSystem == "" || in.SourceRef == "" {
		return "", errors.New("source_system and source_ref are required")
	}

	hash, err := s.blobs.Put(ctx, in.Payload)
	if err != nil {
		return "", fmt.Errorf("payload write: %w", err)
	}

	now := s.clock().UTC()
	row := contracts.Evidence{
		ID:            contracts.EvidenceID(uuid.New().String()),
		SourceSystem:  in.SourceSystem,
		SourceRef:     in.SourceRef,
		ContentSHA256: hash,
		ContentType:   in.ContentType,
		RetrievedAt:   now,
		EventTime:     in.EventTime,
		PayloadPath:   hash + ".bin",
		Excerpt:       Redact(string(in.Payload), 500),
		Meta:          in.Meta,
	}
	if row.EventTime == nil {
		// Best-effort event time falls back to retrieval time.
		row.EventTime = &contracts.TimeWindow{Start: now}
	}

	metaJSON, err := json.Marshal(row.Meta)
	if err != nil {
		return "", fmt.Errorf("meta marshal: %w", err)
	}

	var eventStart, eventEnd sql.NullString
	eventStart = sql.NullString{String: row.EventTime.Start.UTC().Format(timeLayout), Valid: true}
	if row.EventTime.End != nil {
		eventEnd = sql.NullString{String: row.EventTime.End.UTC().Format(timeLayout), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, source_system, source_ref, content_sha256, content_type,
			retrieved_at, event_start, event_end, payload_path, excerpt, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_system, source_ref, content_sha256) DO NOTHING`,
		string(row.ID), row.SourceSystem, row.SourceRef, row.ContentSHA256, row.ContentType,
		now.Format(timeLayout), eventStart, eventEnd, row.PayloadPath, row.Excerpt, string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("evidence insert: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Dedup hit: hand back the id of the existing row.
		var existing string
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM evidence
			WHERE source_system = $1 AND source_ref = $2 AND content_sha256 = $3`,
			row.SourceSystem, row.SourceRef, row.ContentSHA256).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("evidence dedup lookup: %w", err)
		}
		return contracts.EvidenceID(existing), nil
	}
	return row.ID, nil
}

// Get returns the index row and the raw bytes. It never fails for an id that
// Put returned, short of storage loss.
func (s *Store) Get(ctx context.Context, id contracts.EvidenceID) (contracts.Evidence, []byte, error) {
	row, err := s.scanOne(ctx, `SELECT `+columns+` FROM evidence WHERE id = $1`, string(id))
	if err != nil {
		return contracts.Evidence{}, nil, err
	}
	payload, err := s.blobs.Get(ctx, row.ContentSHA256)
	if err != nil {
		return contracts.Evidence{}, nil, fmt.Errorf("payload read for %s: %w", id, err)
	}
	return row, payload, nil
}

// GetRow returns the index row without the payload.
func (s *Store) GetRow(ctx context.Context, id contracts.EvidenceID) (contracts.Evidence, error) {
	return s.scanOne(ctx, `SELECT `+columns+` FROM evidence WHERE id = $1`, string(id))
}

// BySource returns rows for a source system, optionally narrowed to one
// source ref, ordered by retrieval time.
func (s *Store) BySource(ctx context.Context, source string, ref string) ([]contracts.Evidence, error) {
	query := `SELECT ` + columns + ` FROM evidence WHERE source_system = $1 ORDER BY retrieved_at ASC`
	args := []any{source}
	if ref != "" {
		query = `SELECT ` + columns + ` FROM evidence WHERE source_system = $1 AND source_ref = $2 ORDER BY retrieved_at ASC`
		args = append(args, ref)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const columns = `id, source_system, source_ref, content_sha256, content_type,
	retrieved_at, event_start, event_end, payload_path, excerpt, meta`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (contracts.Evidence, error) {
	ev, err := scanEvidence(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Evidence{}, ErrNotFound
	}
	return ev, err
}

func scanEvidence(r rowScanner) (contracts.Evidence, error) {
	var ev contracts.Evidence
	var id, retrievedAt, metaJSON string
	var eventStart, eventEnd sql.NullString
	err := r.Scan(&id, &ev.SourceSystem, &ev.SourceRef, &ev.ContentSHA256, &ev.ContentType,
		&retrievedAt, &eventStart, &eventEnd, &ev.PayloadPath, &ev.Excerpt, &metaJSON)
	if err != nil {
		return contracts.Evidence{}, err
	}
	ev.ID = contracts.EvidenceID(id)
	if ev.RetrievedAt, err = time.Parse(time.RFC3339Nano, retrievedAt); err != nil {
		return contracts.Evidence{}, fmt.Errorf("corrupt retrieved_at on %s: %w", id, err)
	}
	if eventStart.Valid {
		start, err := time.Parse(time.RFC3339Nano, eventStart.String)
		if err != nil {
			return contracts.Evidence{}, fmt.Errorf("corrupt event_start on %s: %w", id, err)
		}
		w := &contracts.TimeWindow{Start: start}
		if eventEnd.Valid {
			end, err := time.Parse(time.RFC3339Nano, eventEnd.String)
			if err != nil {
				return contracts.Evidence{}, fmt.Errorf("corrupt event_end on %s: %w", id, err)
			}
			w.End = &end
		}
		ev.EventTime = w
	}
	if err := json.Unmarshal([]byte(metaJSON), &ev.Meta); err != nil {
		return contracts.Evidence{}, fmt.Errorf("corrupt meta on %s: %w", id, err)
	}
	return ev, nil
}
