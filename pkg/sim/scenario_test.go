package sim_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/graph"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/sim"
)

func TestLoadScenarios(t *testing.T) {
	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(scenarios), 4)

	sc, ok := scenarios["jfk-ground-stop"]
	require.True(t, ok)
	assert.Equal(t, "KJFK", sc.Airport)
	assert.Equal(t, 110.0, sc.Baseline)

	listed := sim.List(scenarios)
	require.NotEmpty(t, listed)
	for i := 1; i < len(listed); i++ {
		assert.Less(t, listed[i-1].ID, listed[i].ID)
	}
}

func TestSource_ServesPayloads(t *testing.T) {
	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	source := sim.NewSource(scenarios)

	sig, err := source.Fetch(context.Background(), signals.Request{
		Source: contracts.SourceMETAR, Airport: "KJFK",
	})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(sig.Payload, &payload))
	assert.Equal(t, "LIFR", payload["category"])
}

func TestSource_TimeoutFailureHonorsDeadline(t *testing.T) {
	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	source := sim.NewSource(scenarios)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = source.Fetch(ctx, signals.Request{Source: contracts.SourceADSB, Airport: "KDFW"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSource_UnknownAirportIsPermanent(t *testing.T) {
	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	source := sim.NewSource(scenarios)

	_, err = source.Fetch(context.Background(), signals.Request{Source: contracts.SourceMETAR, Airport: "KBOS"})
	assert.ErrorIs(t, err, signals.ErrPermanent)
}

func TestSeedAirport_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	g, err := graph.NewStore(context.Background(), db)
	require.NoError(t, err)

	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	sc := scenarios["jfk-ground-stop"]

	_, err = sim.SeedAirport(context.Background(), g, sc)
	require.NoError(t, err)
	_, err = sim.SeedAirport(context.Background(), g, sc)
	require.NoError(t, err)

	airport, err := g.GetNode(context.Background(), contracts.NodeAirport, "KJFK")
	require.NoError(t, err)
	flights, err := g.Neighbors(context.Background(), airport.ID, contracts.EdgeServes, graph.DirOut)
	require.NoError(t, err)
	assert.Len(t, flights, 2)

	version, err := g.CurrentVersion(context.Background(), airport.ID)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, 110.0, version.Attrs["baseline_movements"])

	impact, err := g.Cascade(context.Background(), "KJFK")
	require.NoError(t, err)
	assert.Len(t, impact.Shipments, 2)
	assert.Equal(t, 7500.0, impact.SLAExposure)
}
