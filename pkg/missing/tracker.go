// Package missing tracks what could not be fetched. Missing evidence is
// first-class state: rather than an unknown risk, the system records the
// failed source, the request, and how critical the gap is. An open BLOCKING
// request forces the owning case to BLOCKED and prevents auto-resolution.
package missing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

var ErrNotFound = errors.New("missing-evidence request not found")

const schema = `
CREATE TABLE IF NOT EXISTS missing_evidence (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	source TEXT NOT NULL,
	request_type TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	reason TEXT NOT NULL,
	criticality TEXT NOT NULL,
	created_at TEXT NOT NULL,
	resolved_by_evidence TEXT,
	retryable INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_missing_case ON missing_evidence (case_id);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Tracker records and resolves missing-evidence requests.
type Tracker struct {
	db    *sql.DB
	clock func() time.Time
}

func NewTracker(ctx context.Context, db *sql.DB) (*Tracker, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("missing-evidence schema: %w", err)
	}
	return &Tracker{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Record stores a new request and returns it. An open request for the same
// case, source, and request type is returned instead of duplicated, so
// repeated investigate passes accumulate one gap per source.
func (t *Tracker) Record(ctx context.Context, req contracts.MissingEvidenceRequest) (contracts.MissingEvidenceRequest, error) {
	open, err := t.OpenForCase(ctx, req.CaseID)
	if err != nil {
		return contracts.MissingEvidenceRequest{}, err
	}
	for _, existing := range open {
		if existing.Source == req.Source && existing.RequestType == req.RequestType {
			return existing, nil
		}
	}
	if req.ID == "" {
		req.ID = contracts.MissingRequestID(uuid.New().String())
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = t.clock().UTC()
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return contracts.MissingEvidenceRequest{}, fmt.Errorf("params marshal: %w", err)
	}
	retryable := 0
	if req.Retryable {
		retryable = 1
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO missing_evidence (id, case_id, source, request_type, params, reason, criticality, created_at, retryable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(req.ID), string(req.CaseID), req.Source, req.RequestType, string(params),
		req.Reason, string(req.Criticality), req.CreatedAt.Format(timeLayout), retryable)
	if err != nil {
		return contracts.MissingEvidenceRequest{}, fmt.Errorf("missing-evidence insert: %w", err)
	}
	return req, nil
}

// Resolve marks a request satisfied by an evidence row. Resolution is
// explicit: a later ingestion never auto-resolves; the next investigate pass
// calls Reconcile which in turn calls Resolve.
func (t *Tracker) Resolve(ctx context.Context, id contracts.MissingRequestID, evidenceID contracts.EvidenceID) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE missing_evidence SET resolved_by_evidence = $1
		WHERE id = $2 AND resolved_by_evidence IS NULL`,
		string(evidenceID), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForCase returns every request recorded for a case.
func (t *Tracker) ForCase(ctx context.Context, caseID contracts.CaseID) ([]contracts.MissingEvidenceRequest, error) {
	return t.query(ctx, `
		SELECT id, case_id, source, request_type, params, reason, criticality, created_at, resolved_by_evidence, retryable
		FROM missing_evidence WHERE case_id = $1 ORDER BY created_at ASC`, string(caseID))
}

// OpenForCase returns the unresolved requests for a case.
func (t *Tracker) OpenForCase(ctx context.Context, caseID contracts.CaseID) ([]contracts.MissingEvidenceRequest, error) {
	return t.query(ctx, `
		SELECT id, case_id, source, request_type, params, reason, criticality, created_at, resolved_by_evidence, retryable
		FROM missing_evidence WHERE case_id = $1 AND resolved_by_evidence IS NULL
		ORDER BY created_at ASC`, string(caseID))
}

// HasOpenBlocking reports whether any BLOCKING request is still open; a true
// result pins the case at BLOCKED.
func (t *Tracker) HasOpenBlocking(ctx context.Context, caseID contracts.CaseID) (bool, error) {
	var count int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM missing_evidence
		WHERE case_id = $1 AND criticality = $2 AND resolved_by_evidence IS NULL`,
		string(caseID), string(contracts.CriticalityBlocking)).Scan(&count)
	return count > 0, err
}

// Matcher reports whether an evidence row satisfies a request.
type Matcher func(req contracts.MissingEvidenceRequest, ev contracts.Evidence) bool

// SourceMatcher matches on source system and, when the request names an
// airport param, the source ref.
func SourceMatcher(req contracts.MissingEvidenceRequest, ev contracts.Evidence) bool {
	if req.Source != ev.SourceSystem {
		return false
	}
	if airport, ok := req.Params["airport"]; ok && airport != ev.SourceRef {
		return false
	}
	return true
}

// Reconcile resolves open requests against newly ingested evidence rows.
// Called after each investigate pass with the rows that pass ingested, per
// the explicit-resolution rule.
func (t *Tracker) Reconcile(ctx context.Context, caseID contracts.CaseID, fresh []contracts.Evidence, match Matcher) (int, error) {
	if match == nil {
		match = SourceMatcher
	}
	open, err := t.OpenForCase(ctx, caseID)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, req := range open {
		for _, ev := range fresh {
			if match(req, ev) {
				if err := t.Resolve(ctx, req.ID, ev.ID); err != nil {
					return resolved, err
				}
				resolved++
				break
			}
		}
	}
	return resolved, nil
}

func (t *Tracker) query(ctx context.Context, query string, args ...any) ([]contracts.MissingEvidenceRequest, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MissingEvidenceRequest
	for rows.Next() {
		var req contracts.MissingEvidenceRequest
		var id, caseID, criticality, params, createdAt string
		var resolvedBy sql.NullString
		var retryable int
		if err := rows.Scan(&id, &caseID, &req.Source, &req.RequestType, &params,
			&req.Reason, &criticality, &createdAt, &resolvedBy, &retryable); err != nil {
			return nil, err
		}
		req.ID = contracts.MissingRequestID(id)
		req.CaseID = contracts.CaseID(caseID)
		req.Criticality = contracts.Criticality(criticality)
		req.Retryable = retryable != 0
		if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
			return nil, fmt.Errorf("corrupt params on %s: %w", id, err)
		}
		if req.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at on %s: %w", id, err)
		}
		if resolvedBy.Valid {
			ev := contracts.EvidenceID(resolvedBy.String)
			req.ResolvedByEvidence = &ev
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
