package missing_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/missing"
)

func newTracker(t *testing.T) *missing.Tracker {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	tracker, err := missing.NewTracker(context.Background(), db)
	require.NoError(t, err)
	return tracker
}

func TestRecordAndResolve(t *testing.T) {
	tracker := newTracker(t)
	ctx := context.Background()

	req, err := tracker.Record(ctx, contracts.MissingEvidenceRequest{
		CaseID:      "case-1",
		Source:      contracts.SourceADSB,
		RequestType: "signal_fetch",
		Params:      map[string]string{"airport": "KDFW"},
		Reason:      "timeout after 10s",
		Criticality: contracts.CriticalityInformational,
		Retryable:   true,
	})
	require.NoError(t, err)
	assert.True(t, req.Open())

	blocking, err := tracker.HasOpenBlocking(ctx, "case-1")
	require.NoError(t, err)
	assert.False(t, blocking)

	require.NoError(t, tracker.Resolve(ctx, req.ID, "ev-1"))

	open, err := tracker.OpenForCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	// Resolving twice reports not-found: the row is no longer open.
	assert.ErrorIs(t, tracker.Resolve(ctx, req.ID, "ev-2"), missing.ErrNotFound)
}

// TestRecord_DedupsOpenRequests: repeated investigate passes accumulate one
// request per (case, source, request type).
func TestRecord_DedupsOpenRequests(t *testing.T) {
	tracker := newTracker(t)
	ctx := context.Background()

	first, err := tracker.Record(ctx, contracts.MissingEvidenceRequest{
		CaseID: "case-1", Source: contracts.SourceMETAR,
		RequestType: "signal_fetch", Reason: "try 1",
		Criticality: contracts.CriticalityBlocking,
	})
	require.NoError(t, err)
	second, err := tracker.Record(ctx, contracts.MissingEvidenceRequest{
		CaseID: "case-1", Source: contracts.SourceMETAR,
		RequestType: "signal_fetch", Reason: "try 2",
		Criticality: contracts.CriticalityBlocking,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := tracker.ForCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestBlockingGatesResolution is invariant 7's store half.
func TestBlockingGatesResolution(t *testing.T) {
	tracker := newTracker(t)
	ctx := context.Background()

	req, err := tracker.Record(ctx, contracts.MissingEvidenceRequest{
		CaseID: "case-2", Source: contracts.SourceFAANAS,
		RequestType: "signal_fetch", Reason: "upstream 500",
		Criticality: contracts.CriticalityBlocking, Retryable: true,
	})
	require.NoError(t, err)

	blocking, err := tracker.HasOpenBlocking(ctx, "case-2")
	require.NoError(t, err)
	assert.True(t, blocking)

	require.NoError(t, tracker.Resolve(ctx, req.ID, "ev-9"))
	blocking, err = tracker.HasOpenBlocking(ctx, "case-2")
	require.NoError(t, err)
	assert.False(t, blocking)
}

// TestReconcile is the explicit-resolution rule: a later ingestion resolves
// open requests only when the next run reconciles.
func TestReconcile(t *testing.T) {
	tracker := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Record(ctx, contracts.MissingEvidenceRequest{
		CaseID: "case-3", Source: contracts.SourceMETAR,
		RequestType: "signal_fetch",
		Params:      map[string]string{"airport": "KJFK"},
		Reason:      "timeout", Criticality: contracts.CriticalityBlocking,
	})
	require.NoError(t, err)

	// Evidence for another airport does not match.
	n, err := tracker.Reconcile(ctx, "case-3", []contracts.Evidence{
		{ID: "ev-sea", SourceSystem: contracts.SourceMETAR, SourceRef: "KSEA"},
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tracker.Reconcile(ctx, "case-3", []contracts.Evidence{
		{ID: "ev-jfk", SourceSystem: contracts.SourceMETAR, SourceRef: "KJFK"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := tracker.ForCase(ctx, "case-3")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].ResolvedByEvidence)
	assert.Equal(t, contracts.EvidenceID("ev-jfk"), *all[0].ResolvedByEvidence)
}
