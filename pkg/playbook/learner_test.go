package playbook_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/playbook"
)

func newStore(t *testing.T) *playbook.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := playbook.NewStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

// TestDecayFactor_HalfLifeLaw: decay at exactly one half-life is 0.5.
func TestDecayFactor_HalfLifeLaw(t *testing.T) {
	for _, d := range []contracts.PlaybookDomain{
		contracts.DomainWeather, contracts.DomainOperational, contracts.DomainCustoms,
	} {
		assert.InDelta(t, 0.5, playbook.DecayFactor(d.HalfLife(), d.HalfLife()), 1e-12)
	}
	assert.Equal(t, 1.0, playbook.DecayFactor(0, 30*24*time.Hour))
}

// TestDecayFactor_Properties exercises the decay algebra with gopter:
// monotonically non-increasing in age, and composing two ages multiplies.
func TestDecayFactor_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	halfLife := 30 * 24 * time.Hour

	properties.Property("decay is within (0, 1] and non-increasing", prop.ForAll(
		func(hoursA, hoursB int) bool {
			a := time.Duration(hoursA) * time.Hour
			b := time.Duration(hoursB) * time.Hour
			da := playbook.DecayFactor(a, halfLife)
			db := playbook.DecayFactor(b, halfLife)
			if da <= 0 || da > 1 {
				return false
			}
			if a <= b {
				return da >= db
			}
			return da <= db
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 10000),
	))

	properties.Property("decay composes multiplicatively", prop.ForAll(
		func(hoursA, hoursB int) bool {
			a := time.Duration(hoursA) * time.Hour
			b := time.Duration(hoursB) * time.Hour
			combined := playbook.DecayFactor(a+b, halfLife)
			product := playbook.DecayFactor(a, halfLife) * playbook.DecayFactor(b, halfLife)
			return combined > product-1e-9 && combined < product+1e-9
		},
		gen.IntRange(0, 5000),
		gen.IntRange(0, 5000),
	))

	properties.TestingRun(t)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, playbook.Jaccard(nil, nil))
	assert.Equal(t, 1.0, playbook.Jaccard([]string{"a", "b"}, []string{"a", "b"}))
	assert.Equal(t, 1.0/3.0, playbook.Jaccard([]string{"a", "b"}, []string{"a", "c"}))
	assert.Equal(t, 0.0, playbook.Jaccard([]string{"a"}, []string{"b"}))
}

func TestMineAndRetrieve(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	minedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := minedAt
	store.WithClock(func() time.Time { return now })

	snapshot := []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb"}
	pb, err := store.Mine(ctx, playbook.MineInput{
		CaseID:          "case-1",
		Scope:           "kjfk",
		EvidenceSources: []string{contracts.SourceFAANAS, contracts.SourceMETAR},
		RiskLevel:       contracts.RiskHigh,
		Posture:         contracts.PostureHold,
		ExecutedActions: []contracts.ActionType{contracts.ActionSetPosture, contracts.ActionPublishAdvisory},
		Succeeded:       true,
		PolicySnapshot:  snapshot,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DomainWeather, pb.Domain)
	assert.Equal(t, "KJFK", pb.Pattern.ScopeSignature)

	// Fresh retrieval with identical policies scores 1.0.
	scored, err := store.Retrieve(ctx, "KJFK", snapshot, 10)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.InDelta(t, 1.0, scored[0].Score, 1e-9)

	// One weather half-life later the score halves.
	now = minedAt.Add(contracts.DomainWeather.HalfLife())
	scored, err = store.Retrieve(ctx, "KJFK", snapshot, 10)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.InDelta(t, 0.5, scored[0].Score, 1e-9)

	// Policy drift discounts by Jaccard.
	scored, err = store.Retrieve(ctx, "KJFK", []string{"aaaaaaaaaaaa", "cccccccccccc"}, 10)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.InDelta(t, 0.5*(1.0/3.0), scored[0].Score, 1e-9)

	// Different scope retrieves nothing.
	scored, err = store.Retrieve(ctx, "KSEA", snapshot, 10)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestMarkUsed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	pb, err := store.Mine(ctx, playbook.MineInput{
		CaseID: "case-2", Scope: "KSEA",
		EvidenceSources: []string{contracts.SourceADSB},
		Posture:         contracts.PostureRestrict,
		Succeeded:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.DomainOperational, pb.Domain)

	require.NoError(t, store.MarkUsed(ctx, pb.ID))

	scored, err := store.Retrieve(ctx, "KSEA", nil, 10)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, 2, scored[0].Playbook.Stats.TimesUsed)
	assert.NotNil(t, scored[0].Playbook.LastUsedAt)
}
