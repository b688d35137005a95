// Package cases persists case rows and guards their lifecycle: OPEN may move
// to BLOCKED, RESOLVED, or FAILED; a RESOLVED case is append-only and admits
// no further status changes.
package cases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

var (
	ErrNotFound        = errors.New("case not found")
	ErrCaseSealed      = errors.New("case is resolved and append-only")
	ErrBadTransition   = errors.New("illegal case status transition")
	ErrUnknownCaseType = errors.New("unknown case type")
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	scope TEXT NOT NULL,
	status TEXT NOT NULL,
	posture TEXT NOT NULL,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_cases_scope ON cases (scope, created_at);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists cases.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("cases schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Create opens a new case with the initial posture ACCEPT.
func (s *Store) Create(ctx context.Context, caseType contracts.CaseType, scope string) (contracts.Case, error) {
	switch caseType {
	case contracts.CaseAirportDisruption, contracts.CaseLaneDisruption:
	default:
		return contracts.Case{}, ErrUnknownCaseType
	}

	c := contracts.Case{
		ID:        contracts.CaseID(uuid.New().String()),
		Type:      caseType,
		Scope:     scope,
		Status:    contracts.CaseOpen,
		Posture:   contracts.PostureAccept,
		CreatedAt: s.clock().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, type, scope, status, posture, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.ID), string(c.Type), c.Scope, string(c.Status), string(c.Posture),
		c.CreatedAt.Format(timeLayout))
	if err != nil {
		return contracts.Case{}, fmt.Errorf("case insert: %w", err)
	}
	return c, nil
}

// Get returns one case.
func (s *Store) Get(ctx context.Context, id contracts.CaseID) (contracts.Case, error) {
	var c contracts.Case
	var cid, typ, status, posture, createdAt string
	var resolvedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, scope, status, posture, created_at, resolved_at
		FROM cases WHERE id = $1`, string(id)).
		Scan(&cid, &typ, &c.Scope, &status, &posture, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Case{}, ErrNotFound
	}
	if err != nil {
		return contracts.Case{}, err
	}
	c.ID = contracts.CaseID(cid)
	c.Type = contracts.CaseType(typ)
	c.Status = contracts.CaseStatus(status)
	c.Posture = contracts.Posture(posture)
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return contracts.Case{}, fmt.Errorf("corrupt created_at on %s: %w", cid, err)
	}
	if resolvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return contracts.Case{}, fmt.Errorf("corrupt resolved_at on %s: %w", cid, err)
		}
		c.ResolvedAt = &ts
	}
	return c, nil
}

// SetStatus transitions the case. RESOLVED is terminal; BLOCKED may reopen
// (a later run can unblock) or resolve.
func (s *Store) SetStatus(ctx context.Context, id contracts.CaseID, status contracts.CaseStatus) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == contracts.CaseResolved {
		return ErrCaseSealed
	}
	if current.Status == contracts.CaseFailed && status != contracts.CaseOpen {
		return ErrBadTransition
	}

	var resolvedAt any
	if status == contracts.CaseResolved {
		resolvedAt = s.clock().UTC().Format(timeLayout)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE cases SET status = $1, resolved_at = COALESCE($2, resolved_at) WHERE id = $3`,
		string(status), resolvedAt, string(id))
	return err
}

// SetPosture records the emitted posture.
func (s *Store) SetPosture(ctx context.Context, id contracts.CaseID, posture contracts.Posture) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == contracts.CaseResolved {
		return ErrCaseSealed
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE cases SET posture = $1 WHERE id = $2`, string(posture), string(id))
	return err
}

// LatestForScope returns the most recent case for a scope. The orchestrator
// does not call it; a run starts from its own case row's posture.
func (s *Store) LatestForScope(ctx context.Context, scope string) (contracts.Case, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM cases WHERE scope = $1 ORDER BY created_at DESC LIMIT 1`, scope).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Case{}, ErrNotFound
	}
	if err != nil {
		return contracts.Case{}, err
	}
	return s.Get(ctx, contracts.CaseID(id))
}
