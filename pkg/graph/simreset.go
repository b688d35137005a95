package graph

import (
	"context"
	"fmt"
)

// PurgeSeed removes simulation-seeded rows for an airport: edges tagged with
// the seed source system that touch its cascade, and the cascade nodes
// themselves. This is a simulation-only escape hatch — the graph proper is
// append-only, and nothing else in the system deletes rows.
func (s *Store) PurgeSeed(ctx context.Context, icao string) (edgesDeleted, nodesDeleted int, err error) {
	if len(icao) < 2 {
		return 0, 0, fmt.Errorf("invalid ICAO %q", icao)
	}
	marker := "%" + icao[1:] + "%"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM edges WHERE source_system = 'seed' AND (
			src_id IN (SELECT id FROM nodes WHERE identifier LIKE $1 OR identifier = $2)
			OR dst_id IN (SELECT id FROM nodes WHERE identifier LIKE $1 OR identifier = $2)
		)`, marker, icao)
	if err != nil {
		return 0, 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		edgesDeleted = int(n)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM nodes WHERE type IN ('Flight', 'Shipment', 'Booking') AND identifier LIKE $1`,
		marker)
	if err != nil {
		return 0, 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		nodesDeleted = int(n)
	}

	return edgesDeleted, nodesDeleted, tx.Commit()
}
