package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// InsertEdge appends an edge. An insert with status FACT must carry evidence
// ids; the row and its bindings commit in one transaction or not at all.
func (s *Store) InsertEdge(ctx context.Context, e contracts.Edge, evidenceIDs []contracts.EvidenceID) (contracts.EdgeID, error) {
	if e.Status == contracts.StatusFact && len(evidenceIDs) == 0 {
		return "", &contracts.InvariantViolation{
			Kind:   contracts.InvariantEvidenceBinding,
			RowID:  string(e.ID),
			Detail: "edge inserted with status FACT and no evidence",
		}
	}

	if e.ID == "" {
		e.ID = contracts.EdgeID(uuid.New().String())
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = s.now()
	}
	if e.Validity.Start.IsZero() {
		e.Validity.Start = e.IngestedAt
	}
	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return "", fmt.Errorf("attrs marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var supersedes any
	if e.Supersedes != nil {
		supersedes = string(*e.Supersedes)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edges (id, src_id, dst_id, type, status, attrs, event_start, event_end,
			ingested_at, valid_from, valid_to, source_system, confidence, supersedes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(e.ID), string(e.SrcID), string(e.DstID), e.Type, string(e.Status), string(attrsJSON),
		fmtTime(e.EventTime.Start), nullTime(e.EventTime.End), fmtTime(e.IngestedAt),
		fmtTime(e.Validity.Start), nullTime(e.Validity.End), e.SourceSystem, e.Confidence, supersedes)
	if err != nil {
		return "", fmt.Errorf("edge insert: %w", err)
	}

	if err := bindTx(ctx, tx, "edge", string(e.ID), evidenceIDs, fmtTime(s.now())); err != nil {
		return "", err
	}
	return e.ID, tx.Commit()
}

// BindEdgeEvidence binds evidence rows to an existing edge.
func (s *Store) BindEdgeEvidence(ctx context.Context, id contracts.EdgeID, evidenceIDs []contracts.EvidenceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := bindTx(ctx, tx, "edge", string(id), evidenceIDs, fmtTime(s.now())); err != nil {
		return err
	}
	return tx.Commit()
}

// PromoteEdge updates an edge to FACT. The binding check fires here, at the
// moment of promotion.
func (s *Store) PromoteEdge(ctx context.Context, id contracts.EdgeID) error {
	return s.promote(ctx, "edge", string(id), "edges")
}

// RetractEdge marks an edge RETRACTED. The row stays; supersession is never
// destructive.
func (s *Store) RetractEdge(ctx context.Context, id contracts.EdgeID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edges SET status = $1 WHERE id = $2`, string(contracts.StatusRetracted), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEdgeNotFound
	}
	return nil
}

// EdgeEvidence returns the evidence ids bound to an edge.
func (s *Store) EdgeEvidence(ctx context.Context, id contracts.EdgeID) ([]contracts.EvidenceID, error) {
	return s.bindings(ctx, "edge", string(id))
}

func (s *Store) promote(ctx context.Context, kind, id, table string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence_bindings WHERE row_kind = $1 AND row_id = $2`,
		kind, id).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return &contracts.InvariantViolation{
			Kind:   contracts.InvariantEvidenceBinding,
			RowID:  id,
			Detail: fmt.Sprintf("%s promoted to FACT with no evidence bound", kind),
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET status = $1 WHERE id = $2`, string(contracts.StatusFact), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if kind == "edge" {
			return ErrEdgeNotFound
		}
		return ErrClaimNotFound
	}
	return tx.Commit()
}

func bindTx(ctx context.Context, tx *sql.Tx, kind, id string, evidenceIDs []contracts.EvidenceID, now string) error {
	for _, ev := range evidenceIDs {
		if ev == "" {
			return errors.New("empty evidence id in binding")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evidence_bindings (row_kind, row_id, evidence_id, bound_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (row_kind, row_id, evidence_id) DO NOTHING`,
			kind, id, string(ev), now)
		if err != nil {
			return fmt.Errorf("evidence binding: %w", err)
		}
	}
	return nil
}

func (s *Store) bindings(ctx context.Context, kind, id string) ([]contracts.EvidenceID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_id FROM evidence_bindings WHERE row_kind = $1 AND row_id = $2 ORDER BY evidence_id`,
		kind, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EvidenceID
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			return nil, err
		}
		out = append(out, contracts.EvidenceID(ev))
	}
	return out, rows.Err()
}

const edgeColumns = `id, src_id, dst_id, type, status, attrs, event_start, event_end,
	ingested_at, valid_from, valid_to, source_system, confidence, supersedes`

func scanEdge(r rowScanner) (contracts.Edge, error) {
	var e contracts.Edge
	var id, src, dst, status, attrsJSON, eventStart, ingestedAt, validFrom string
	var eventEnd, validTo, supersedes sql.NullString
	err := r.Scan(&id, &src, &dst, &e.Type, &status, &attrsJSON, &eventStart, &eventEnd,
		&ingestedAt, &validFrom, &validTo, &e.SourceSystem, &e.Confidence, &supersedes)
	if err != nil {
		return contracts.Edge{}, err
	}
	e.ID = contracts.EdgeID(id)
	e.SrcID = contracts.NodeID(src)
	e.DstID = contracts.NodeID(dst)
	e.Status = contracts.RowStatus(status)
	if err := json.Unmarshal([]byte(attrsJSON), &e.Attrs); err != nil {
		return contracts.Edge{}, fmt.Errorf("corrupt attrs on edge %s: %w", id, err)
	}
	if e.EventTime.Start, err = parseTime(eventStart); err != nil {
		return contracts.Edge{}, err
	}
	if eventEnd.Valid {
		end, err := parseTime(eventEnd.String)
		if err != nil {
			return contracts.Edge{}, err
		}
		e.EventTime.End = &end
	}
	if e.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return contracts.Edge{}, err
	}
	if e.Validity.Start, err = parseTime(validFrom); err != nil {
		return contracts.Edge{}, err
	}
	if validTo.Valid {
		end, err := parseTime(validTo.String)
		if err != nil {
			return contracts.Edge{}, err
		}
		e.Validity.End = &end
	}
	if supersedes.Valid {
		sid := contracts.EdgeID(supersedes.String)
		e.Supersedes = &sid
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
