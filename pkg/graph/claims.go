package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// InsertClaim appends a claim. The promotion protocol is: insert as DRAFT,
// bind evidence, then Promote — but an insert directly at FACT is accepted
// when evidence ids arrive in the same call (same logical transaction).
func (s *Store) InsertClaim(ctx context.Context, c contracts.Claim, evidenceIDs []contracts.EvidenceID) (contracts.ClaimID, error) {
	if c.Status == contracts.StatusFact && len(evidenceIDs) == 0 {
		return "", &contracts.InvariantViolation{
			Kind:   contracts.InvariantEvidenceBinding,
			RowID:  string(c.ID),
			Detail: "claim inserted with status FACT and no evidence",
		}
	}

	if c.ID == "" {
		c.ID = contracts.ClaimID(uuid.New().String())
	}
	if c.IngestedAt.IsZero() {
		c.IngestedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var supersedes any
	if c.Supersedes != nil {
		supersedes = string(*c.Supersedes)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO claims (id, subject_id, kind, text, status, confidence,
			event_start, event_end, ingested_at, source_system, supersedes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(c.ID), string(c.SubjectID), c.Kind, c.Text, string(c.Status), c.Confidence,
		fmtTime(c.EventTime.Start), nullTime(c.EventTime.End), fmtTime(c.IngestedAt),
		c.SourceSystem, supersedes)
	if err != nil {
		return "", fmt.Errorf("claim insert: %w", err)
	}

	if err := bindTx(ctx, tx, "claim", string(c.ID), evidenceIDs, fmtTime(s.now())); err != nil {
		return "", err
	}
	return c.ID, tx.Commit()
}

// BindClaimEvidence binds evidence rows to an existing claim.
func (s *Store) BindClaimEvidence(ctx context.Context, id contracts.ClaimID, evidenceIDs []contracts.EvidenceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := bindTx(ctx, tx, "claim", string(id), evidenceIDs, fmtTime(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

// PromoteClaim updates a claim to FACT; rejected unless evidence is bound at
// the moment of promotion.
func (s *Store) PromoteClaim(ctx context.Context, id contracts.ClaimID) error {
	return s.promote(ctx, "claim", string(id), "claims")
}

// SupersedeClaim appends a replacement claim chained to the old one and
// retracts the old claim. Nothing is deleted.
func (s *Store) SupersedeClaim(ctx context.Context, oldID contracts.ClaimID, replacement contracts.Claim, evidenceIDs []contracts.EvidenceID) (contracts.ClaimID, error) {
	replacement.Supersedes = &oldID
	newID, err := s.InsertClaim(ctx, replacement, evidenceIDs)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = $1 WHERE id = $2`, string(contracts.StatusRetracted), string(oldID))
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrClaimNotFound
	}
	return newID, nil
}

// GetClaim returns one claim row.
func (s *Store) GetClaim(ctx context.Context, id contracts.ClaimID) (contracts.Claim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Claim{}, ErrClaimNotFound
	}
	return c, err
}

// ClaimsBySubject returns non-retracted claims about a subject node.
func (s *Store) ClaimsBySubject(ctx context.Context, subject contracts.NodeID) ([]contracts.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE subject_id = $1 AND status != $2 ORDER BY ingested_at ASC`,
		string(subject), string(contracts.StatusRetracted))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectClaims(rows)
}

// ClaimEvidence returns the evidence ids bound to a claim.
func (s *Store) ClaimEvidence(ctx context.Context, id contracts.ClaimID) ([]contracts.EvidenceID, error) {
	return s.bindings(ctx, "claim", string(id))
}

// UnboundFactClaims returns FACT claims with no evidence binding. The store
// makes this impossible to create; the guardrail still sweeps for it so a
// defective migration or manual row surfaces as BLOCKED instead of silence.
func (s *Store) UnboundFactClaims(ctx context.Context) ([]contracts.ClaimID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM claims c
		WHERE c.status = $1 AND NOT EXISTS (
			SELECT 1 FROM evidence_bindings b WHERE b.row_kind = 'claim' AND b.row_id = c.id
		)`, string(contracts.StatusFact))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ClaimID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, contracts.ClaimID(id))
	}
	return out, rows.Err()
}

// InsertContradiction appends a contradiction row.
func (s *Store) InsertContradiction(ctx context.Context, c contracts.Contradiction) (contracts.ContradictionID, error) {
	if c.ID == "" {
		c.ID = contracts.ContradictionID(uuid.New().String())
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now()
	}
	if c.Status == "" {
		c.Status = contracts.ContradictionOpen
	}
	var right, resolution any
	if c.RightClaimID != nil {
		right = string(*c.RightClaimID)
	}
	if c.ResolutionClaim != nil {
		resolution = string(*c.ResolutionClaim)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contradictions (id, kind, left_claim, right_claim, detail, detected_at, status, resolution_claim, decision_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(c.ID), c.Kind, string(c.LeftClaimID), right, c.Detail,
		fmtTime(c.DetectedAt), string(c.Status), resolution, c.DecisionRef)
	if err != nil {
		return "", fmt.Errorf("contradiction insert: %w", err)
	}
	return c.ID, nil
}

// ResolveContradiction marks a contradiction RESOLVED or IGNORED, optionally
// citing a resolution claim that supersedes one side.
func (s *Store) ResolveContradiction(ctx context.Context, id contracts.ContradictionID, status contracts.ContradictionStatus, resolutionClaim *contracts.ClaimID, decisionRef string) error {
	var resolution any
	if resolutionClaim != nil {
		resolution = string(*resolutionClaim)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contradictions SET status = $1, resolution_claim = $2, decision_ref = $3
		WHERE id = $4 AND status = $5`,
		string(status), resolution, decisionRef, string(id), string(contracts.ContradictionOpen))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contradiction %s not open", id)
	}
	return nil
}

// OpenContradictions returns all contradictions still OPEN.
func (s *Store) OpenContradictions(ctx context.Context) ([]contracts.Contradiction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, left_claim, right_claim, detail, detected_at, status, resolution_claim, decision_ref
		FROM contradictions WHERE status = $1 ORDER BY detected_at ASC`,
		string(contracts.ContradictionOpen))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Contradiction
	for rows.Next() {
		var c contracts.Contradiction
		var id, left, detectedAt, status string
		var right, resolution sql.NullString
		if err := rows.Scan(&id, &c.Kind, &left, &right, &c.Detail, &detectedAt, &status, &resolution, &c.DecisionRef); err != nil {
			return nil, err
		}
		c.ID = contracts.ContradictionID(id)
		c.LeftClaimID = contracts.ClaimID(left)
		if right.Valid {
			r := contracts.ClaimID(right.String)
			c.RightClaimID = &r
		}
		if resolution.Valid {
			r := contracts.ClaimID(resolution.String)
			c.ResolutionClaim = &r
		}
		if c.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		c.Status = contracts.ContradictionStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

const claimColumns = `id, subject_id, kind, text, status, confidence,
	event_start, event_end, ingested_at, source_system, supersedes`

func scanClaim(r rowScanner) (contracts.Claim, error) {
	var c contracts.Claim
	var id, subject, status, eventStart, ingestedAt string
	var eventEnd, supersedes sql.NullString
	err := r.Scan(&id, &subject, &c.Kind, &c.Text, &status, &c.Confidence,
		&eventStart, &eventEnd, &ingestedAt, &c.SourceSystem, &supersedes)
	if err != nil {
		return contracts.Claim{}, err
	}
	c.ID = contracts.ClaimID(id)
	c.SubjectID = contracts.NodeID(subject)
	c.Status = contracts.RowStatus(status)
	if c.EventTime.Start, err = parseTime(eventStart); err != nil {
		return contracts.Claim{}, err
	}
	if eventEnd.Valid {
		end, err := parseTime(eventEnd.String)
		if err != nil {
			return contracts.Claim{}, err
		}
		c.EventTime.End = &end
	}
	if c.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return contracts.Claim{}, err
	}
	if supersedes.Valid {
		sid := contracts.ClaimID(supersedes.String)
		c.Supersedes = &sid
	}
	return c, nil
}

func collectClaims(rows *sql.Rows) ([]contracts.Claim, error) {
	var out []contracts.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
