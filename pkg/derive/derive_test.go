package derive_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/derive"
	"github.com/skylane-systems/aerogate/pkg/graph"
)

type fixture struct {
	graph   *graph.Store
	deriver *derive.Deriver
	airport contracts.NodeID
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	g, err := graph.NewStore(context.Background(), db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.WithClock(func() time.Time { return now })

	airport, err := g.UpsertNode(context.Background(), contracts.NodeAirport, "KJFK")
	require.NoError(t, err)

	return &fixture{
		graph:   g,
		deriver: derive.NewDeriver(g).WithClock(func() time.Time { return now }),
		airport: airport,
		now:     now,
	}
}

func (f *fixture) ev(id, source string, payload string, retrievedAt time.Time) derive.SourceEvidence {
	return derive.SourceEvidence{
		Row: contracts.Evidence{
			ID:            contracts.EvidenceID(id),
			SourceSystem:  source,
			SourceRef:     "KJFK",
			ContentSHA256: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789ab" + id[:4],
			RetrievedAt:   retrievedAt,
			EventTime:     &contracts.TimeWindow{Start: retrievedAt},
		},
		Payload: []byte(payload),
	}
}

// TestGroundStop covers the S1 shape: disruption edge, weather risk, severe
// alert, and collapsed movement with zero contradictions.
func TestGroundStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.deriver.Run(ctx, derive.Input{
		Airport:     "KJFK",
		AirportNode: f.airport,
		Baseline:    110,
		Evidence: []derive.SourceEvidence{
			f.ev("ev-faa0", contracts.SourceFAANAS, `{"ground_stop": true, "avg_delay_minutes": 90}`, f.now),
			f.ev("ev-metr", contracts.SourceMETAR, `{"visibility_sm": 0.25, "ceiling_ft": 200, "category": "LIFR"}`, f.now),
			f.ev("ev-nws0", contracts.SourceNWS, `{"severity": "Severe", "certainty": "Likely", "headline": "Winter Storm Warning"}`, f.now),
			f.ev("ev-adsb", contracts.SourceADSB, `{"aircraft_count": 32}`, f.now),
		},
	})
	require.NoError(t, err)

	assert.False(t, res.Signals.FAANormal)
	assert.Equal(t, "LIFR", res.Signals.FlightCategory)
	assert.True(t, res.Signals.MovementCollapse)
	assert.Empty(t, res.Contradictions)
	// DISRUPTED_BY, HAS_WEATHER, HAS_ALERT, HAS_MOVEMENT.
	assert.Len(t, res.Edges, 4)
	// WeatherRisk + MovementCollapse.
	assert.Len(t, res.Claims, 2)

	edges, err := f.graph.Neighbors(ctx, f.airport, contracts.EdgeDisruptedBy, graph.DirOut)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, contracts.StatusFact, edges[0].Status)
	assert.Equal(t, "GROUND_STOP", edges[0].Attrs["kind"])
}

// TestContradictions covers the S2 shape: FAA normal against LIFR and a
// movement collapse.
func TestContradictions(t *testing.T) {
	f := newFixture(t)

	res, err := f.deriver.Run(context.Background(), derive.Input{
		Airport:     "KJFK",
		AirportNode: f.airport,
		Baseline:    90,
		Evidence: []derive.SourceEvidence{
			f.ev("ev-faa0", contracts.SourceFAANAS, `{}`, f.now),
			f.ev("ev-metr", contracts.SourceMETAR, `{"visibility_sm": 0.5, "category": "LIFR"}`, f.now),
			f.ev("ev-adsb", contracts.SourceADSB, `{"aircraft_count": 25}`, f.now),
		},
	})
	require.NoError(t, err)

	assert.True(t, res.Signals.FAANormal)
	assert.Len(t, res.Contradictions, 2)

	open, err := f.graph.OpenContradictions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 2)
	kinds := []string{open[0].Kind, open[1].Kind}
	assert.Contains(t, kinds, "FAA_NORMAL_VS_LOW_CATEGORY")
	assert.Contains(t, kinds, "FAA_NORMAL_VS_MOVEMENT_COLLAPSE")
}

func TestStaleFAA(t *testing.T) {
	f := newFixture(t)

	res, err := f.deriver.Run(context.Background(), derive.Input{
		Airport:     "KJFK",
		AirportNode: f.airport,
		Evidence: []derive.SourceEvidence{
			f.ev("ev-faa0", contracts.SourceFAANAS, `{}`, f.now.Add(-20*time.Minute)),
			f.ev("ev-metr", contracts.SourceMETAR, `{"visibility_sm": 10, "ceiling_ft": 5000, "category": "VFR"}`, f.now),
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Signals.FAAStale)
	assert.Len(t, res.Contradictions, 1)
}

// TestCollapseBoundary verifies strict less-than at baseline x 0.5.
func TestCollapseBoundary(t *testing.T) {
	f := newFixture(t)

	res, err := f.deriver.Run(context.Background(), derive.Input{
		Airport:     "KJFK",
		AirportNode: f.airport,
		Baseline:    100,
		Evidence: []derive.SourceEvidence{
			f.ev("ev-adsb", contracts.SourceADSB, `{"aircraft_count": 50}`, f.now),
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Signals.MovementCollapse)
	assert.Empty(t, res.Claims)
}

func TestNWSModerateStaysDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.deriver.Run(ctx, derive.Input{
		Airport:     "KJFK",
		AirportNode: f.airport,
		Evidence: []derive.SourceEvidence{
			f.ev("ev-nws0", contracts.SourceNWS, `{"severity": "Moderate", "headline": "Wind Advisory"}`, f.now),
		},
	})
	require.NoError(t, err)

	edges, err := f.graph.Neighbors(ctx, f.airport, contracts.EdgeHasAlert, graph.DirOut)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, contracts.StatusDraft, edges[0].Status)
}

func TestFlightCategoryBoundaries(t *testing.T) {
	assert.Equal(t, "LIFR", derive.FlightCategory(0.9, 2000))
	assert.Equal(t, "LIFR", derive.FlightCategory(2, 400))
	assert.Equal(t, "IFR", derive.FlightCategory(1, 800))
	assert.Equal(t, "IFR", derive.FlightCategory(2.5, 2000))
	assert.Equal(t, "MVFR", derive.FlightCategory(4, 2500))
	assert.Equal(t, "VFR", derive.FlightCategory(10, 5000))
}
