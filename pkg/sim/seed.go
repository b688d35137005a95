package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/graph"
)

// SeedResult reports what seeding touched.
type SeedResult struct {
	SeedUsed     string `json:"seed_used"`
	NodesCreated int    `json:"nodes_created"`
	Cleared      bool   `json:"cleared,omitempty"`
}

// SeedAirport creates the airport reference node, its movement baseline
// version, and a small downstream cascade (flights, shipments, bookings)
// so cascade and booking-evidence reads have something to walk. Seeding is
// idempotent: node identity dedups, and the baseline version only appends
// when the value changed.
func SeedAirport(ctx context.Context, g *graph.Store, sc Scenario) (SeedResult, error) {
	res := SeedResult{SeedUsed: sc.ID}

	airport, err := g.UpsertNode(ctx, contracts.NodeAirport, sc.Airport)
	if err != nil {
		return res, err
	}
	res.NodesCreated++

	current, err := g.CurrentVersion(ctx, airport)
	if err != nil {
		return res, err
	}
	baseline := sc.Baseline
	if baseline == 0 {
		baseline = 100
	}
	if current == nil || current.Attrs["baseline_movements"] != baseline {
		if _, err := g.NewVersion(ctx, airport, map[string]any{
			"baseline_movements": baseline,
			"icao":               sc.Airport,
		}); err != nil {
			return res, err
		}
	}

	now := time.Now().UTC()
	seedEdge := func(src, dst contracts.NodeID, edgeType string, attrs map[string]any) error {
		existing, err := g.Neighbors(ctx, src, edgeType, graph.DirOut)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.DstID == dst {
				return nil
			}
		}
		_, err = g.InsertEdge(ctx, contracts.Edge{
			SrcID: src, DstID: dst, Type: edgeType,
			Status:       contracts.StatusDraft,
			Attrs:        attrs,
			SourceSystem: "seed",
			Confidence:   1,
			EventTime:    contracts.TimeWindow{Start: now},
		}, nil)
		return err
	}

	for i := 1; i <= 2; i++ {
		flightID := fmt.Sprintf("%s-FL%02d", sc.Airport[1:], i)
		flight, err := g.UpsertNode(ctx, contracts.NodeFlight, flightID)
		if err != nil {
			return res, err
		}
		res.NodesCreated++
		if err := seedEdge(airport, flight, contracts.EdgeServes, nil); err != nil {
			return res, err
		}

		shipment, err := g.UpsertNode(ctx, contracts.NodeShipment, fmt.Sprintf("TRK-%s-%d", sc.Airport[1:], i))
		if err != nil {
			return res, err
		}
		res.NodesCreated++
		if err := seedEdge(flight, shipment, contracts.EdgeContains, nil); err != nil {
			return res, err
		}

		booking, err := g.UpsertNode(ctx, contracts.NodeBooking, fmt.Sprintf("BKG-%s-%d", sc.Airport[1:], i))
		if err != nil {
			return res, err
		}
		res.NodesCreated++
		if err := seedEdge(booking, shipment, contracts.EdgeBookedOn, map[string]any{
			"sla_value_usd": 2500.0 * float64(i),
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}
