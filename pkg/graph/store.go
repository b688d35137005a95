// Package graph implements the append-only, bi-temporal context graph:
// nodes with versioned attributes, evidence-bound edges and claims, and
// contradiction rows. The binding invariants are enforced here, at the store
// layer — caller-side enforcement would be bypassed.
package graph

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

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrEdgeNotFound  = errors.New("edge not found")
	ErrClaimNotFound = errors.New("claim not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	identifier TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (type, identifier)
);

CREATE TABLE IF NOT EXISTS node_versions (
	id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}',
	valid_from TEXT NOT NULL,
	valid_to TEXT,
	supersedes TEXT
);
CREATE INDEX IF NOT EXISTS idx_node_versions_node ON node_versions (node_id, valid_from);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	src_id TEXT NOT NULL,
	dst_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	attrs TEXT NOT NULL DEFAULT '{}',
	event_start TEXT NOT NULL,
	event_end TEXT,
	ingested_at TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_to TEXT,
	source_system TEXT NOT NULL,
	confidence REAL NOT NULL,
	supersedes TEXT
);
CREATE INDEX IF NOT EXISTS idx_edges_src ON edges (src_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges (dst_id, type);
CREATE INDEX IF NOT EXISTS idx_edges_bitemporal ON edges (event_start, ingested_at);

CREATE TABLE IF NOT EXISTS claims (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	status TEXT NOT NULL,
	confidence REAL NOT NULL,
	event_start TEXT NOT NULL,
	event_end TEXT,
	ingested_at TEXT NOT NULL,
	source_system TEXT NOT NULL,
	supersedes TEXT
);
CREATE INDEX IF NOT EXISTS idx_claims_subject ON claims (subject_id, kind);
CREATE INDEX IF NOT EXISTS idx_claims_bitemporal ON claims (event_start, ingested_at);

CREATE TABLE IF NOT EXISTS evidence_bindings (
	row_kind TEXT NOT NULL,
	row_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	bound_at TEXT NOT NULL,
	PRIMARY KEY (row_kind, row_id, evidence_id)
);

CREATE TABLE IF NOT EXISTS contradictions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	left_claim TEXT NOT NULL,
	right_claim TEXT,
	detail TEXT NOT NULL,
	detected_at TEXT NOT NULL,
	status TEXT NOT NULL,
	resolution_claim TEXT,
	decision_ref TEXT NOT NULL DEFAULT ''
);
`

// Store owns all graph rows. All writes are row-level transactional;
// concurrent promotion of the same row serializes on the database.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStore creates the store and ensures the schema exists.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("graph schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) now() time.Time { return s.clock().UTC() }

// UpsertNode inserts a node or returns the existing id for (type, identifier).
// The node row itself is immutable; there is deliberately no update path.
func (s *Store) UpsertNode(ctx context.Context, nodeType, identifier string) (contracts.NodeID, error) {
	id := contracts.NodeID(uuid.New().String())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, type, identifier, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (type, identifier) DO NOTHING`,
		string(id), nodeType, identifier, fmtTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("node insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM nodes WHERE type = $1 AND identifier = $2`,
			nodeType, identifier).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("node dedup lookup: %w", err)
		}
		return contracts.NodeID(existing), nil
	}
	return id, nil
}

// GetNode looks a node up by identity.
func (s *Store) GetNode(ctx context.Context, nodeType, identifier string) (contracts.Node, error) {
	var n contracts.Node
	var id, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, identifier, created_at FROM nodes WHERE type = $1 AND identifier = $2`,
		nodeType, identifier).Scan(&id, &n.Type, &n.Identifier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return contracts.Node{}, err
	}
	n.ID = contracts.NodeID(id)
	n.CreatedAt, err = parseTime(createdAt)
	return n, err
}

// NewVersion appends a node version: the previous current version gets
// valid_to = now and the new version chains supersedes to it. This is the
// only way node attributes change.
func (s *Store) NewVersion(ctx context.Context, nodeID contracts.NodeID, attrs map[string]any) (contracts.NodeVersionID, error) {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("attrs marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(s.now())

	var prevID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM node_versions WHERE node_id = $1 AND valid_to IS NULL
		ORDER BY valid_from DESC LIMIT 1`, string(nodeID)).Scan(&prevID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if prevID.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE node_versions SET valid_to = $1 WHERE id = $2`, now, prevID.String); err != nil {
			return "", fmt.Errorf("close previous version: %w", err)
		}
	}

	id := contracts.NodeVersionID(uuid.New().String())
	var supersedes any
	if prevID.Valid {
		supersedes = prevID.String
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_versions (id, node_id, attrs, valid_from, valid_to, supersedes)
		VALUES ($1, $2, $3, $4, NULL, $5)`,
		string(id), string(nodeID), string(attrsJSON), now, supersedes)
	if err != nil {
		return "", fmt.Errorf("version insert: %w", err)
	}

	return id, tx.Commit()
}

// CurrentVersion returns the open version for a node, or nil when the node
// has never been versioned.
func (s *Store) CurrentVersion(ctx context.Context, nodeID contracts.NodeID) (*contracts.NodeVersion, error) {
	var v contracts.NodeVersion
	var id, attrsJSON, validFrom string
	var validTo, supersedes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, attrs, valid_from, valid_to, supersedes FROM node_versions
		WHERE node_id = $1 AND valid_to IS NULL ORDER BY valid_from DESC LIMIT 1`,
		string(nodeID)).Scan(&id, &attrsJSON, &validFrom, &validTo, &supersedes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.ID = contracts.NodeVersionID(id)
	v.NodeID = nodeID
	if err := json.Unmarshal([]byte(attrsJSON), &v.Attrs); err != nil {
		return nil, fmt.Errorf("corrupt attrs on version %s: %w", id, err)
	}
	if v.ValidFrom, err = parseTime(validFrom); err != nil {
		return nil, err
	}
	if supersedes.Valid {
		sid := contracts.NodeVersionID(supersedes.String)
		v.Supersedes = &sid
	}
	return &v, nil
}

// VersionChain returns all versions for a node, newest first.
func (s *Store) VersionChain(ctx context.Context, nodeID contracts.NodeID) ([]contracts.NodeVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attrs, valid_from, valid_to, supersedes FROM node_versions
		WHERE node_id = $1 ORDER BY valid_from DESC`, string(nodeID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.NodeVersion
	for rows.Next() {
		var v contracts.NodeVersion
		var id, attrsJSON, validFrom string
		var validTo, supersedes sql.NullString
		if err := rows.Scan(&id, &attrsJSON, &validFrom, &validTo, &supersedes); err != nil {
			return nil, err
		}
		v.ID = contracts.NodeVersionID(id)
		v.NodeID = nodeID
		if err := json.Unmarshal([]byte(attrsJSON), &v.Attrs); err != nil {
			return nil, err
		}
		if v.ValidFrom, err = parseTime(validFrom); err != nil {
			return nil, err
		}
		if validTo.Valid {
			end, err := parseTime(validTo.String)
			if err != nil {
				return nil, err
			}
			v.ValidTo = &end
		}
		if supersedes.Valid {
			sid := contracts.NodeVersionID(supersedes.String)
			v.Supersedes = &sid
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// timeLayout keeps a fixed-width fraction so stored strings compare
// lexicographically in SQL. RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
