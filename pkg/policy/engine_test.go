package policy_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/policy"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := policy.NewEngine(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, engine.Seed(context.Background()))
	return engine
}

func benignBelief() contracts.BeliefState {
	return contracts.BeliefState{
		RiskLevel:       contracts.RiskLow,
		ProposedPosture: contracts.PostureAccept,
		EvidenceSources: []string{contracts.SourceFAANAS, contracts.SourceMETAR, contracts.SourceNWS},
		FlightCategory:  "VFR",
		ServiceTier:     "STANDARD",
	}
}

func TestSeed_Idempotent(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Seed(ctx))
	active, err := engine.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, policy.SeedCount)
}

func TestEvaluate_Benign(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Evaluate(context.Background(), benignBelief())
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, result.Verdict)
	assert.Empty(t, result.Citations)
}

func TestEvaluate_HighRiskRequiresApproval(t *testing.T) {
	engine := newEngine(t)

	belief := benignBelief()
	belief.RiskLevel = contracts.RiskHigh
	result, err := engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictRequireApproval, result.Verdict)
	assert.Contains(t, result.Citations, policy.TextHash("High risk actions require human approval"))
}

func TestEvaluate_CriticalAcceptBlocks(t *testing.T) {
	engine := newEngine(t)

	belief := benignBelief()
	belief.RiskLevel = contracts.RiskCritical
	result, err := engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, result.Verdict)
}

// TestEvaluate_MergeDominance verifies BLOCK > REQUIRE_APPROVAL > ALLOW, and
// the monotonicity property: adding a BLOCK-producing rule cannot soften the
// verdict.
func TestEvaluate_MergeDominance(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	belief := benignBelief()
	belief.RiskLevel = contracts.RiskHigh
	belief.HasContradictions = true
	belief.HasStaleEvidence = true

	result, err := engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, result.Verdict)

	// A new BLOCK rule firing on the same belief keeps the verdict at BLOCK.
	_, err = engine.Add(ctx, "Contradictions always block", `has_contradictions`, contracts.VerdictBlock)
	require.NoError(t, err)
	result, err = engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, result.Verdict)
}

// TestEvaluate_BookingOverride verifies the safety override: the booking
// rule must not block when no shipment-typed action is proposed.
func TestEvaluate_BookingOverride(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	belief := benignBelief()
	belief.HasBookingEvidence = false
	belief.ProposedActions = []contracts.ActionType{contracts.ActionSetPosture}

	result, err := engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, result.Verdict)

	// With a shipment action the rule fires and blocks.
	belief.ProposedActions = append(belief.ProposedActions, contracts.ActionHoldCargo)
	result, err = engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, result.Verdict)
	assert.Contains(t, result.Citations, policy.TextHash("Shipment actions without booking evidence are blocked"))
}

func TestEvaluate_LIFRAcceptBlocks(t *testing.T) {
	engine := newEngine(t)

	belief := benignBelief()
	belief.FlightCategory = "LIFR"
	result, err := engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictBlock, result.Verdict)

	// A RESTRICT posture under LIFR is no longer a block.
	belief.ProposedPosture = contracts.PostureRestrict
	result, err = engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	assert.NotEqual(t, contracts.VerdictBlock, result.Verdict)
}

func TestEvaluate_CitationsSortedAndStable(t *testing.T) {
	engine := newEngine(t)

	belief := benignBelief()
	belief.RiskLevel = contracts.RiskHigh
	belief.HasStaleEvidence = true

	r1, err := engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	r2, err := engine.Evaluate(context.Background(), belief)
	require.NoError(t, err)
	assert.Equal(t, r1.Citations, r2.Citations)
	assert.True(t, sortedAscending(r1.Citations))
	for _, c := range r1.Citations {
		assert.Len(t, c, 12)
	}
}

func sortedAscending(xs []string) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i-1] > xs[i] {
			return false
		}
	}
	return true
}

func TestRetire_RemovesFromActiveSet(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	id, err := engine.Add(ctx, "Temporary rule", `risk_level == 'LOW'`, contracts.VerdictRequireApproval)
	require.NoError(t, err)

	belief := benignBelief()
	result, err := engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictRequireApproval, result.Verdict)

	require.NoError(t, engine.Retire(ctx, id))
	result, err = engine.Evaluate(ctx, belief)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, result.Verdict)
}
