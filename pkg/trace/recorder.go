// Package trace implements the per-case, append-only trace log. Entries are
// hash-chained in the manner of an audit ledger so a replayed case can be
// checked for tampering; the sequence is strictly increasing per case and
// mirrors the orchestrator's state transitions.
package trace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

const schema = `
CREATE TABLE IF NOT EXISTS trace_events (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	type TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	ref TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (case_id, sequence)
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Recorder appends trace events. Appends for one case serialize on an
// in-process lock; the chain head is read back from the table so restarts
// continue the chain.
type Recorder struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

func NewRecorder(ctx context.Context, db *sql.DB) (*Recorder, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("trace schema: %w", err)
	}
	return &Recorder{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Append writes one event and returns it with sequence and hashes filled.
func (r *Recorder) Append(ctx context.Context, caseID contracts.CaseID, eventType contracts.TraceEventType, state, ref string, meta map[string]any) (contracts.TraceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var seq uint64
	prev := "genesis"
	var lastSeq sql.NullInt64
	var lastHash sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT sequence, entry_hash FROM trace_events
		WHERE case_id = $1 ORDER BY sequence DESC LIMIT 1`, string(caseID)).
		Scan(&lastSeq, &lastHash)
	if err != nil && err != sql.ErrNoRows {
		return contracts.TraceEvent{}, err
	}
	if lastSeq.Valid {
		seq = uint64(lastSeq.Int64)
		prev = lastHash.String
	}
	seq++

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return contracts.TraceEvent{}, fmt.Errorf("meta marshal: %w", err)
	}

	ev := contracts.TraceEvent{
		ID:           uuid.New().String(),
		CaseID:       caseID,
		Sequence:     seq,
		Type:         eventType,
		State:        state,
		Ref:          ref,
		Meta:         meta,
		Timestamp:    r.clock().UTC(),
		PreviousHash: prev,
	}
	ev.EntryHash = entryHash(ev, metaJSON)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trace_events (id, case_id, sequence, type, state, ref, meta, timestamp, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, string(caseID), int64(seq), string(eventType), state, ref, string(metaJSON),
		ev.Timestamp.Format(timeLayout), prev, ev.EntryHash)
	if err != nil {
		return contracts.TraceEvent{}, fmt.Errorf("trace insert: %w", err)
	}
	return ev, nil
}

// ForCase returns a case's events in sequence order.
func (r *Recorder) ForCase(ctx context.Context, caseID contracts.CaseID) ([]contracts.TraceEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sequence, type, state, ref, meta, timestamp, previous_hash, entry_hash
		FROM trace_events WHERE case_id = $1 ORDER BY sequence ASC`, string(caseID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TraceEvent
	for rows.Next() {
		var ev contracts.TraceEvent
		var seq int64
		var typ, metaJSON, ts string
		if err := rows.Scan(&ev.ID, &seq, &typ, &ev.State, &ev.Ref, &metaJSON, &ts, &ev.PreviousHash, &ev.EntryHash); err != nil {
			return nil, err
		}
		ev.CaseID = caseID
		ev.Sequence = uint64(seq)
		ev.Type = contracts.TraceEventType(typ)
		if err := json.Unmarshal([]byte(metaJSON), &ev.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta on trace %s: %w", ev.ID, err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp on trace %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VerifyChain recomputes the hash chain for a case.
func (r *Recorder) VerifyChain(ctx context.Context, caseID contracts.CaseID) error {
	events, err := r.ForCase(ctx, caseID)
	if err != nil {
		return err
	}
	prev := "genesis"
	for _, ev := range events {
		if ev.PreviousHash != prev {
			return fmt.Errorf("chain broken at sequence %d", ev.Sequence)
		}
		metaJSON, err := json.Marshal(ev.Meta)
		if err != nil {
			return err
		}
		if entryHash(ev, metaJSON) != ev.EntryHash {
			return fmt.Errorf("hash mismatch at sequence %d", ev.Sequence)
		}
		prev = ev.EntryHash
	}
	return nil
}

func entryHash(ev contracts.TraceEvent, metaJSON []byte) string {
	hashable := struct {
		CaseID       contracts.CaseID         `json:"case_id"`
		Sequence     uint64                   `json:"sequence"`
		Type         contracts.TraceEventType `json:"type"`
		State        string                   `json:"state"`
		Ref          string                   `json:"ref"`
		Meta         string                   `json:"meta"`
		Timestamp    string                   `json:"timestamp"`
		PreviousHash string                   `json:"previous_hash"`
	}{
		CaseID:       ev.CaseID,
		Sequence:     ev.Sequence,
		Type:         ev.Type,
		State:        ev.State,
		Ref:          ev.Ref,
		Meta:         string(metaJSON),
		Timestamp:    ev.Timestamp.Format(timeLayout),
		PreviousHash: ev.PreviousHash,
	}
	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
