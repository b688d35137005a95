package graph

import (
	"context"
	"time"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// Direction selects edge orientation for neighbor reads.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Neighbors returns the non-retracted edges touching a node, honoring the
// validity window at read time.
func (s *Store) Neighbors(ctx context.Context, node contracts.NodeID, edgeType string, dir Direction) ([]contracts.Edge, error) {
	now := fmtTime(s.now())

	clause := `src_id = $1`
	switch dir {
	case DirIn:
		clause = `dst_id = $1`
	case DirBoth, "":
		clause = `(src_id = $1 OR dst_id = $1)`
	}

	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + clause + `
		AND status != $2
		AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)`
	args := []any{string(node), string(contracts.StatusRetracted), now}
	if edgeType != "" {
		query += ` AND type = $4`
		args = append(args, edgeType)
	}
	query += ` ORDER BY ingested_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Traverse walks breadth-first from root along the given edge types up to
// maxDepth hops. Cycle-safe: each node is visited once.
func (s *Store) Traverse(ctx context.Context, root contracts.NodeID, edgeTypes []string, maxDepth int) ([]contracts.Edge, error) {
	allowed := make(map[string]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	visited := map[contracts.NodeID]bool{root: true}
	frontier := []contracts.NodeID{root}
	var out []contracts.Edge

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []contracts.NodeID
		for _, n := range frontier {
			edges, err := s.Neighbors(ctx, n, "", DirOut)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if len(allowed) > 0 && !allowed[e.Type] {
					continue
				}
				out = append(out, e)
				if !visited[e.DstID] {
					visited[e.DstID] = true
					next = append(next, e.DstID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// View is a point-in-time projection of the graph.
type View struct {
	EventTime  time.Time         `json:"event_time"`
	IngestTime time.Time         `json:"ingest_time"`
	Edges      []contracts.Edge  `json:"edges"`
	Claims     []contracts.Claim `json:"claims"`
}

// AsOf returns the rows visible at (eventTime, ingestTime): rows whose event
// window contains eventTime, that were ingested by ingestTime, and that no
// row ingested by ingestTime supersedes. This is the canonical bi-temporal
// predicate; every audit read goes through it.
func (s *Store) AsOf(ctx context.Context, eventTime, ingestTime time.Time) (*View, error) {
	te := fmtTime(eventTime)
	ti := fmtTime(ingestTime)

	edgeRows, err := s.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM edges e
		WHERE e.event_start <= $1 AND (e.event_end IS NULL OR e.event_end > $1)
		AND e.ingested_at <= $2
		AND NOT EXISTS (
			SELECT 1 FROM edges later
			WHERE later.supersedes = e.id AND later.ingested_at <= $2
		)
		ORDER BY e.ingested_at ASC`, te, ti)
	if err != nil {
		return nil, err
	}
	defer func() { _ = edgeRows.Close() }()

	view := &View{EventTime: eventTime.UTC(), IngestTime: ingestTime.UTC()}
	for edgeRows.Next() {
		e, err := scanEdge(edgeRows)
		if err != nil {
			return nil, err
		}
		view.Edges = append(view.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	claimRows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM claims c
		WHERE c.event_start <= $1 AND (c.event_end IS NULL OR c.event_end > $1)
		AND c.ingested_at <= $2
		AND NOT EXISTS (
			SELECT 1 FROM claims later
			WHERE later.supersedes = c.id AND later.ingested_at <= $2
		)
		ORDER BY c.ingested_at ASC`, te, ti)
	if err != nil {
		return nil, err
	}
	defer func() { _ = claimRows.Close() }()

	view.Claims, err = collectClaims(claimRows)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Cascade walks the downstream exposure for an airport: flights it serves,
// shipments on those flights, bookings on those shipments. SLA exposure sums
// the booking sla_value_usd attributes.
func (s *Store) Cascade(ctx context.Context, icao string) (contracts.CascadeImpact, error) {
	impact := contracts.CascadeImpact{
		Flights:   []string{},
		Shipments: []string{},
		Bookings:  []string{},
	}

	airport, err := s.GetNode(ctx, contracts.NodeAirport, icao)
	if err != nil {
		return impact, err
	}

	flights, err := s.Neighbors(ctx, airport.ID, contracts.EdgeServes, DirOut)
	if err != nil {
		return impact, err
	}
	for _, f := range flights {
		fn, err := s.nodeByID(ctx, f.DstID)
		if err != nil {
			return impact, err
		}
		impact.Flights = append(impact.Flights, fn.Identifier)

		shipments, err := s.Neighbors(ctx, f.DstID, contracts.EdgeContains, DirOut)
		if err != nil {
			return impact, err
		}
		for _, sh := range shipments {
			sn, err := s.nodeByID(ctx, sh.DstID)
			if err != nil {
				return impact, err
			}
			impact.Shipments = append(impact.Shipments, sn.Identifier)

			bookings, err := s.Neighbors(ctx, sh.DstID, contracts.EdgeBookedOn, DirIn)
			if err != nil {
				return impact, err
			}
			for _, b := range bookings {
				bn, err := s.nodeByID(ctx, b.SrcID)
				if err != nil {
					return impact, err
				}
				impact.Bookings = append(impact.Bookings, bn.Identifier)
				if v, ok := b.Attrs["sla_value_usd"].(float64); ok {
					impact.SLAExposure += v
				}
			}
		}
	}
	return impact, nil
}

func (s *Store) nodeByID(ctx context.Context, id contracts.NodeID) (contracts.Node, error) {
	var n contracts.Node
	var nid, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, identifier, created_at FROM nodes WHERE id = $1`, string(id)).
		Scan(&nid, &n.Type, &n.Identifier, &createdAt)
	if err != nil {
		return contracts.Node{}, err
	}
	n.ID = contracts.NodeID(nid)
	n.CreatedAt, err = parseTime(createdAt)
	return n, err
}
