package graph_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/graph"
)

func newTestStore(t *testing.T) *graph.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := graph.NewStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func TestUpsertNode_IdentityIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	require.NoError(t, err)
	id2, err := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := store.UpsertNode(ctx, contracts.NodeAirport, "KSEA")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

// TestNewVersion_Chains verifies node immutability: attribute changes appear
// only as new versions with closed predecessors and a supersedes chain.
func TestNewVersion_Chains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { now = now.Add(time.Second); return now })

	id, err := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	require.NoError(t, err)

	v1, err := store.NewVersion(ctx, id, map[string]any{"baseline_movements": 110.0})
	require.NoError(t, err)
	v2, err := store.NewVersion(ctx, id, map[string]any{"baseline_movements": 95.0})
	require.NoError(t, err)

	current, err := store.CurrentVersion(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, v2, current.ID)
	require.NotNil(t, current.Supersedes)
	assert.Equal(t, v1, *current.Supersedes)
	assert.Equal(t, 95.0, current.Attrs["baseline_movements"])

	chain, err := store.VersionChain(ctx, id)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	// The superseded version is closed.
	assert.NotNil(t, chain[1].ValidTo)
	assert.Nil(t, chain[0].ValidTo)
}

// TestEvidenceBinding_Invariant verifies both enforcement points: insert
// with FACT, and update to FACT.
func TestEvidenceBinding_Invariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	airport, err := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	require.NoError(t, err)
	cond, err := store.UpsertNode(ctx, contracts.NodeCondition, "GROUND_STOP")
	require.NoError(t, err)

	edge := contracts.Edge{
		SrcID: airport, DstID: cond,
		Type:         contracts.EdgeDisruptedBy,
		Status:       contracts.StatusFact,
		SourceSystem: contracts.SourceFAANAS,
		Confidence:   0.95,
		EventTime:    contracts.TimeWindow{Start: time.Now().UTC()},
	}

	_, err = store.InsertEdge(ctx, edge, nil)
	var violation *contracts.InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, contracts.InvariantEvidenceBinding, violation.Kind)

	// DRAFT without evidence is fine; promotion without evidence is not.
	edge.Status = contracts.StatusDraft
	edgeID, err := store.InsertEdge(ctx, edge, nil)
	require.NoError(t, err)

	err = store.PromoteEdge(ctx, edgeID)
	require.ErrorAs(t, err, &violation)

	// Bind, then promote.
	require.NoError(t, store.BindEdgeEvidence(ctx, edgeID, []contracts.EvidenceID{"ev-1"}))
	require.NoError(t, store.PromoteEdge(ctx, edgeID))

	bound, err := store.EdgeEvidence(ctx, edgeID)
	require.NoError(t, err)
	assert.Len(t, bound, 1)
}

func TestClaimPromotionProtocol(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	subject, err := store.UpsertNode(ctx, contracts.NodeAirport, "KSEA")
	require.NoError(t, err)

	claim := contracts.Claim{
		SubjectID:    subject,
		Kind:         "WeatherRisk",
		Text:         "KSEA below IFR minimums",
		Status:       contracts.StatusDraft,
		Confidence:   0.8,
		SourceSystem: contracts.SourceMETAR,
		EventTime:    contracts.TimeWindow{Start: time.Now().UTC()},
	}

	id, err := store.InsertClaim(ctx, claim, nil)
	require.NoError(t, err)

	var violation *contracts.InvariantViolation
	require.ErrorAs(t, store.PromoteClaim(ctx, id), &violation)

	require.NoError(t, store.BindClaimEvidence(ctx, id, []contracts.EvidenceID{"ev-metar"}))
	require.NoError(t, store.PromoteClaim(ctx, id))

	got, err := store.GetClaim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFact, got.Status)

	unbound, err := store.UnboundFactClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, unbound)
}

// TestAsOf_Bitemporal verifies the canonical predicate and supersession
// visibility at two ingest instants (scenario S6's shape).
func TestAsOf_Bitemporal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	clock := t1
	store.WithClock(func() time.Time { return clock })

	subject, err := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	require.NoError(t, err)

	original := contracts.Claim{
		SubjectID: subject, Kind: "WeatherRisk",
		Text: "KJFK LIFR", Status: contracts.StatusDraft, Confidence: 0.9,
		SourceSystem: contracts.SourceMETAR,
		EventTime:    contracts.TimeWindow{Start: t1},
		IngestedAt:   t1,
	}
	origID, err := store.InsertClaim(ctx, original, nil)
	require.NoError(t, err)

	// Corrective METAR arrives at t2 about the same event time.
	clock = t2
	corrective := contracts.Claim{
		SubjectID: subject, Kind: "WeatherRisk",
		Text: "KJFK IFR (corrected)", Status: contracts.StatusDraft, Confidence: 0.9,
		SourceSystem: contracts.SourceMETAR,
		EventTime:    contracts.TimeWindow{Start: t1},
		IngestedAt:   t2,
	}
	newID, err := store.SupersedeClaim(ctx, origID, corrective, nil)
	require.NoError(t, err)

	// As of (t1, t1): only the original is visible.
	view, err := store.AsOf(ctx, t1, t1)
	require.NoError(t, err)
	require.Len(t, view.Claims, 1)
	assert.Equal(t, origID, view.Claims[0].ID)

	// As of (t1, t2): the corrective replaces the superseded original.
	view, err = store.AsOf(ctx, t1, t2)
	require.NoError(t, err)
	require.Len(t, view.Claims, 1)
	assert.Equal(t, newID, view.Claims[0].ID)
	require.NotNil(t, view.Claims[0].Supersedes)
	assert.Equal(t, origID, *view.Claims[0].Supersedes)

	// Event time before the claim's window start yields nothing.
	view, err = store.AsOf(ctx, t1.Add(-time.Minute), t2)
	require.NoError(t, err)
	assert.Empty(t, view.Claims)
}

func TestTraverse_CycleSafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.UpsertNode(ctx, contracts.NodeAirport, "KJFK")
	b, _ := store.UpsertNode(ctx, contracts.NodeFlight, "AA100")
	c, _ := store.UpsertNode(ctx, contracts.NodeShipment, "TRK-1")

	now := time.Now().UTC()
	mk := func(src, dst contracts.NodeID, typ string) {
		_, err := store.InsertEdge(ctx, contracts.Edge{
			SrcID: src, DstID: dst, Type: typ,
			Status: contracts.StatusDraft, SourceSystem: "seed",
			Confidence: 1, EventTime: contracts.TimeWindow{Start: now},
		}, nil)
		require.NoError(t, err)
	}
	mk(a, b, contracts.EdgeServes)
	mk(b, c, contracts.EdgeContains)
	mk(c, a, "LOOPS_TO") // cycle

	edges, err := store.Traverse(ctx, a, nil, 10)
	require.NoError(t, err)
	// Each edge visited once despite the cycle.
	assert.Len(t, edges, 3)

	edges, err = store.Traverse(ctx, a, []string{contracts.EdgeServes}, 10)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestContradictionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.InsertContradiction(ctx, contracts.Contradiction{
		Kind:        "FAA_NORMAL_VS_LIFR",
		LeftClaimID: "claim-a",
		Detail:      "FAA reports normal ops while METAR is LIFR",
	})
	require.NoError(t, err)

	open, err := store.OpenContradictions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, contracts.ContradictionOpen, open[0].Status)

	resolution := contracts.ClaimID("claim-b")
	require.NoError(t, store.ResolveContradiction(ctx, id, contracts.ContradictionResolved, &resolution, "case-1"))

	open, err = store.OpenContradictions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Double-resolve is rejected: the row is no longer OPEN.
	assert.Error(t, store.ResolveContradiction(ctx, id, contracts.ContradictionIgnored, nil, ""))
}
