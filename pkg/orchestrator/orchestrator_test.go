package orchestrator_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/assessor"
	"github.com/skylane-systems/aerogate/pkg/blob"
	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/derive"
	"github.com/skylane-systems/aerogate/pkg/evidence"
	"github.com/skylane-systems/aerogate/pkg/executor"
	"github.com/skylane-systems/aerogate/pkg/graph"
	"github.com/skylane-systems/aerogate/pkg/missing"
	"github.com/skylane-systems/aerogate/pkg/orchestrator"
	"github.com/skylane-systems/aerogate/pkg/packet"
	"github.com/skylane-systems/aerogate/pkg/planner"
	"github.com/skylane-systems/aerogate/pkg/playbook"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/sim"
	"github.com/skylane-systems/aerogate/pkg/trace"
)

type world struct {
	orch      *orchestrator.Orchestrator
	cases     *cases.Store
	graph     *graph.Store
	missing   *missing.Tracker
	governor  *executor.Governor
	playbooks *playbook.Store
	packets   *packet.Store
	engine    *policy.Engine
	source    *sim.Source
	scenarios map[string]sim.Scenario
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	evidenceStore, err := evidence.NewStore(ctx, db, blobs)
	require.NoError(t, err)
	graphStore, err := graph.NewStore(ctx, db)
	require.NoError(t, err)
	caseStore, err := cases.NewStore(ctx, db)
	require.NoError(t, err)
	tracker, err := missing.NewTracker(ctx, db)
	require.NoError(t, err)
	recorder, err := trace.NewRecorder(ctx, db)
	require.NoError(t, err)
	governor, err := executor.NewGovernor(ctx, db, recorder)
	require.NoError(t, err)
	executor.RegisterDefaults(governor, caseStore)
	engine, err := policy.NewEngine(ctx, db)
	require.NoError(t, err)
	require.NoError(t, engine.Seed(ctx))
	packets, err := packet.NewStore(ctx, db)
	require.NoError(t, err)
	playbooks, err := playbook.NewStore(ctx, db)
	require.NoError(t, err)

	scenarios, err := sim.LoadScenarios()
	require.NoError(t, err)
	source := sim.NewSource(scenarios)

	fetcher := signals.NewFetcher(source, signals.WithTimeout(30*time.Millisecond))

	orch := orchestrator.New(orchestrator.Deps{
		Cases:     caseStore,
		Evidence:  evidenceStore,
		Graph:     graphStore,
		Deriver:   derive.NewDeriver(graphStore),
		Missing:   tracker,
		Governor:  governor,
		Policy:    engine,
		Trace:     recorder,
		Packets:   packets,
		Fetcher:   fetcher,
		Assessor:  assessor.Heuristic{},
		Playbooks: playbooks,
	})

	return &world{
		orch: orch, cases: caseStore, graph: graphStore, missing: tracker,
		governor: governor, playbooks: playbooks, packets: packets,
		engine: engine, source: source, scenarios: scenarios,
	}
}

func (w *world) seed(t *testing.T, airport string) {
	t.Helper()
	sc, ok := w.source.ScenarioFor(airport)
	require.True(t, ok)
	_, err := sim.SeedAirport(context.Background(), w.graph, sc)
	require.NoError(t, err)
}

func (w *world) runCase(t *testing.T, airport string, opts orchestrator.RunOpts) (contracts.Case, contracts.DecisionPacket) {
	t.Helper()
	ctx := context.Background()
	c, err := w.cases.Create(ctx, contracts.CaseAirportDisruption, airport)
	require.NoError(t, err)
	p, err := w.orch.Run(ctx, c.ID, opts)
	require.NoError(t, err)
	got, err := w.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	return got, p
}

// TestScenario_GroundStop is S1: JFK ground stop with LIFR, a Severe alert,
// and collapsed traffic.
func TestScenario_GroundStop(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KJFK")

	c, p := w.runCase(t, "KJFK", orchestrator.RunOpts{})

	assert.Equal(t, contracts.PostureHold, c.Posture)
	assert.Equal(t, contracts.PostureHold, p.Posture)
	assert.Empty(t, p.Contradictions)
	assert.GreaterOrEqual(t, p.Metrics.EvidenceCount, 4)
	assert.NotEmpty(t, p.Cascade.Flights)
	assert.NotEmpty(t, p.Cascade.Shipments)
	assert.Greater(t, p.Cascade.SLAExposure, 0.0)
	assert.False(t, p.Blocked.IsBlocked)
	assert.NotEmpty(t, p.WorkflowTrace)
	assert.GreaterOrEqual(t, p.Metrics.PDLMillis, int64(0))
	assert.Len(t, p.ContentHash, 64)

	// Every FACT claim cites evidence.
	for _, claim := range p.Claims {
		if claim.Status == contracts.StatusFact {
			bound, err := w.graph.ClaimEvidence(context.Background(), claim.ID)
			require.NoError(t, err)
			assert.NotEmpty(t, bound, claim.Kind)
		}
	}
}

// TestScenario_Contradiction is S2: SEA with FAA-normal against LIFR and a
// movement collapse.
func TestScenario_Contradiction(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KSEA")

	c, p := w.runCase(t, "KSEA", orchestrator.RunOpts{})

	assert.NotEqual(t, contracts.PostureAccept, c.Posture)
	require.Len(t, p.Contradictions, 2)
	for _, contradiction := range p.Contradictions {
		assert.Equal(t, contracts.ContradictionOpen, contradiction.Status)
	}
	kinds := []string{p.Contradictions[0].Kind, p.Contradictions[1].Kind}
	assert.Contains(t, kinds, "FAA_NORMAL_VS_LOW_CATEGORY")
	assert.Contains(t, kinds, "FAA_NORMAL_VS_MOVEMENT_COLLAPSE")
}

// TestScenario_ADSBTimeout is S3: DFW with the ADS-B feed timing out.
// Expected: no movement edge, one INFORMATIONAL missing request, the case
// still completes with a degraded-coverage posture and is not blocked.
func TestScenario_ADSBTimeout(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KDFW")

	c, p := w.runCase(t, "KDFW", orchestrator.RunOpts{})

	assert.NotEqual(t, contracts.CaseBlocked, c.Status)
	assert.Equal(t, contracts.PostureRestrict, c.Posture)

	airport, err := w.graph.GetNode(context.Background(), contracts.NodeAirport, "KDFW")
	require.NoError(t, err)
	movement, err := w.graph.Neighbors(context.Background(), airport.ID, contracts.EdgeHasMovement, graph.DirOut)
	require.NoError(t, err)
	assert.Empty(t, movement)

	reqs, err := w.missing.ForCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, contracts.SourceADSB, reqs[0].Source)
	assert.Equal(t, contracts.CriticalityInformational, reqs[0].Criticality)
	assert.False(t, p.Blocked.IsBlocked)
	assert.Contains(t, p.Confidence.SourcesMissing, contracts.SourceADSB)
}

// TestScenario_ClearSkies is S4: LAX benign day. ACCEPT at LOW risk, no
// contradictions, nothing blocking, and no action beyond SET_POSTURE.
func TestScenario_ClearSkies(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KLAX")

	c, p := w.runCase(t, "KLAX", orchestrator.RunOpts{})

	assert.Equal(t, contracts.PostureAccept, c.Posture)
	assert.Equal(t, contracts.CaseResolved, c.Status)
	assert.Empty(t, p.Contradictions)
	assert.False(t, p.Blocked.IsBlocked)
	assert.Empty(t, p.Blocked.MissingEvidenceRequests)

	require.Len(t, p.ActionsExecuted, 1)
	assert.Equal(t, contracts.ActionSetPosture, p.ActionsExecuted[0].Type)

	// A resolved case is mined into a playbook, retrievable under the same
	// active policy set.
	current, err := w.engine.ActiveHashes(context.Background())
	require.NoError(t, err)
	scored, err := w.playbooks.Retrieve(context.Background(), "KLAX", current, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, scored)
}

// TestScenario_ShipmentWithoutBooking is S5: a planned HOLD_CARGO with no
// booking evidence trips the booking-required guardrail and blocks the case.
func TestScenario_ShipmentWithoutBooking(t *testing.T) {
	w := newWorld(t)
	// Deliberately un-seeded: KJFK has no cascade, hence no booking evidence.

	seedAction := planner.Candidate{
		Type:  contracts.ActionHoldCargo,
		Args:  map[string]any{"shipment": "TRK-9999"},
		Risk:  contracts.RiskHigh,
		Value: 6, Cost: 1,
	}
	c, p := w.runCase(t, "KJFK", orchestrator.RunOpts{SeedActions: []planner.Candidate{seedAction}})

	assert.Equal(t, contracts.CaseBlocked, c.Status)
	assert.True(t, p.Blocked.IsBlocked)

	require.NotEmpty(t, p.Blocked.MissingEvidenceRequests)
	found := false
	for _, req := range p.Blocked.MissingEvidenceRequests {
		if req.RequestType == "booking_evidence" {
			found = true
			assert.Equal(t, contracts.CriticalityBlocking, req.Criticality)
			assert.Equal(t, "TRK-9999", req.Params["shipment"])
		}
	}
	assert.True(t, found)

	// No shipment action was proposed to governance, let alone executed.
	actions, err := w.governor.ForCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

// TestRun_TraceOrdered: within one case the trace sequence strictly
// increases and brackets every state with enter/exit.
func TestRun_TraceOrdered(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KLAX")

	_, p := w.runCase(t, "KLAX", orchestrator.RunOpts{})

	var last uint64
	enters := map[string]bool{}
	for _, ev := range p.WorkflowTrace {
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
		if ev.Type == contracts.TraceStateEnter {
			enters[ev.State] = true
		}
	}
	for _, state := range []string{
		orchestrator.StateInit, orchestrator.StateInvestigate,
		orchestrator.StateQuantifyRisk, orchestrator.StateCritique,
		orchestrator.StateEvaluatePolicy, orchestrator.StatePlanActions,
		orchestrator.StateExecute, orchestrator.StateComplete,
	} {
		assert.True(t, enters[state], state)
	}
}

// TestRun_SecondRunSameCase: a resolved case refuses another run.
func TestRun_SecondRunSameCase(t *testing.T) {
	w := newWorld(t)
	w.seed(t, "KLAX")

	c, _ := w.runCase(t, "KLAX", orchestrator.RunOpts{})
	require.Equal(t, contracts.CaseResolved, c.Status)

	_, err := w.orch.Run(context.Background(), c.ID, orchestrator.RunOpts{})
	assert.ErrorIs(t, err, cases.ErrCaseSealed)
}
