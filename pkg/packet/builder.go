// Package packet assembles and seals the Decision Packet — the immutable
// audit artifact a case emits. The content hash is SHA-256 over the
// JCS-canonical packet with timestamps zeroed, so two runs over the same
// ordered evidence, policy set, and a deterministic assessor produce the
// same hash.
package packet

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

var (
	ErrNotFound = errors.New("packet not found")
	// ErrSealed is returned on any attempt to write a packet for a case that
	// already has one. Packets are never mutated.
	ErrSealed = errors.New("packet already sealed for case")
)

const schema = `
CREATE TABLE IF NOT EXISTS packets (
	case_id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	packet TEXT NOT NULL,
	sealed_at TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists sealed packets, one per case.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("packet schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Seal computes the content hash, stamps the seal time, and persists the
// packet. A second seal for the same case is rejected.
func (s *Store) Seal(ctx context.Context, p contracts.DecisionPacket) (contracts.DecisionPacket, error) {
	p.Timestamps.Sealed = s.clock().UTC()

	hash, err := ContentHash(p)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}
	p.ContentHash = hash

	body, err := json.Marshal(p)
	if err != nil {
		return contracts.DecisionPacket{}, fmt.Errorf("packet marshal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (case_id, content_hash, packet, sealed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (case_id) DO NOTHING`,
		string(p.CaseID), hash, string(body), p.Timestamps.Sealed.Format(timeLayout))
	if err != nil {
		return contracts.DecisionPacket{}, fmt.Errorf("packet insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return contracts.DecisionPacket{}, ErrSealed
	}
	return p, nil
}

// Get returns the sealed packet for a case.
func (s *Store) Get(ctx context.Context, caseID contracts.CaseID) (contracts.DecisionPacket, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT packet FROM packets WHERE case_id = $1`, string(caseID)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.DecisionPacket{}, ErrNotFound
	}
	if err != nil {
		return contracts.DecisionPacket{}, err
	}
	var p contracts.DecisionPacket
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return contracts.DecisionPacket{}, fmt.Errorf("corrupt packet for %s: %w", caseID, err)
	}
	return p, nil
}

// ContentHash canonicalizes the packet with timestamps and volatile ids
// zeroed and hashes it. Volatile fields are excluded so determinism holds
// across runs that differ only in wall clock and generated ids.
func ContentHash(p contracts.DecisionPacket) (string, error) {
	clone := p
	clone.ContentHash = ""
	clone.Timestamps = contracts.PacketTimestamps{}
	clone.Metrics.PDLMillis = 0
	clone.CaseID = ""

	// Trace timestamps, ids and hashes vary per run; the hash covers the
	// shape of the trace (types, states, order), not its clock.
	trace := make([]contracts.TraceEvent, len(p.WorkflowTrace))
	for i, ev := range p.WorkflowTrace {
		trace[i] = contracts.TraceEvent{
			Sequence: ev.Sequence,
			Type:     ev.Type,
			State:    ev.State,
		}
	}
	clone.WorkflowTrace = trace

	claims := make([]contracts.Claim, len(p.Claims))
	for i, c := range p.Claims {
		c.ID = ""
		c.SubjectID = ""
		c.IngestedAt = time.Time{}
		c.EventTime = contracts.TimeWindow{}
		c.Supersedes = nil
		claims[i] = c
	}
	clone.Claims = claims

	evidence := make([]contracts.EvidenceCitation, len(p.Evidence))
	for i, e := range p.Evidence {
		e.ID = ""
		e.RetrievedAt = time.Time{}
		evidence[i] = e
	}
	clone.Evidence = evidence

	clone.Contradictions = nil
	clone.ActionsProposed = scrubActions(p.ActionsProposed)
	clone.ActionsExecuted = scrubActions(p.ActionsExecuted)
	clone.Blocked.MissingEvidenceRequests = scrubMissing(p.Blocked.MissingEvidenceRequests)

	raw, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("canonicalize marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("jcs transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func scrubActions(actions []contracts.Action) []contracts.Action {
	out := make([]contracts.Action, len(actions))
	for i, a := range actions {
		a.ID = ""
		a.CaseID = ""
		a.CreatedAt = time.Time{}
		a.ApprovedAt = nil
		out[i] = a
	}
	return out
}

func scrubMissing(reqs []contracts.MissingEvidenceRequest) []contracts.MissingEvidenceRequest {
	out := make([]contracts.MissingEvidenceRequest, len(reqs))
	for i, r := range reqs {
		r.ID = ""
		r.CaseID = ""
		r.CreatedAt = time.Time{}
		r.ResolvedByEvidence = nil
		out[i] = r
	}
	return out
}
