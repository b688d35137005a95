package server_test

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/skylane-systems/aerogate/pkg/playbook"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/server"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/sim"
	"github.com/skylane-systems/aerogate/pkg/trace"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

func newTestServer(t *testing.T) *httptest.Server {
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
	dispatcher, err := webhook.NewDispatcher(ctx, db)
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

	srv := server.New(server.Deps{
		Cases:     caseStore,
		Evidence:  evidenceStore,
		Graph:     graphStore,
		Packets:   packets,
		Policy:    engine,
		Playbooks: playbooks,
		Webhooks:  dispatcher,
		Fetcher:   fetcher,
		Orch:      orch,
		Scenarios: scenarios,
		SimSource: source,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestCreateAndRunCase(t *testing.T) {
	ts := newTestServer(t)

	// Seed LAX so the cascade has something to walk.
	resp, err := http.Post(ts.URL+"/simulation/seed/airport/KLAX", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	var created struct {
		CaseID string `json:"case_id"`
	}
	resp = postJSON(t, ts.URL+"/cases", map[string]string{
		"case_type": "AIRPORT_DISRUPTION",
		"scope":     "KLAX",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &created)
	require.NotEmpty(t, created.CaseID)

	var run struct {
		Posture   string `json:"posture"`
		IsBlocked bool   `json:"is_blocked"`
	}
	resp = postJSON(t, ts.URL+"/cases/"+created.CaseID+"/run", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &run)
	assert.Equal(t, "ACCEPT", run.Posture)
	assert.False(t, run.IsBlocked)

	// The packet is retrievable and immutable.
	resp, err = http.Get(ts.URL + "/packets/" + created.CaseID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var p contracts.DecisionPacket
	decode(t, resp, &p)
	assert.Equal(t, contracts.PostureAccept, p.Posture)
	assert.NotEmpty(t, p.ContentHash)

	// Re-running a resolved case conflicts.
	resp = postJSON(t, ts.URL+"/cases/"+created.CaseID+"/run", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestErrorShape(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/packets/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Detail string `json:"detail"`
	}
	decode(t, resp, &body)
	assert.NotEmpty(t, body.Detail)
}

func TestBitemporalEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/graph/bitemporal/beliefs", map[string]string{
		"event_time":  time.Now().UTC().Format(time.RFC3339),
		"ingest_time": time.Now().UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Edges  []any `json:"edges"`
		Claims []any `json:"claims"`
	}
	decode(t, resp, &view)

	resp = postJSON(t, ts.URL+"/graph/bitemporal/beliefs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestScenarioEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/simulation/scenarios")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var scenarios []sim.Scenario
	decode(t, resp, &scenarios)
	assert.GreaterOrEqual(t, len(scenarios), 4)

	var run struct {
		Posture   string `json:"posture"`
		IsBlocked bool   `json:"is_blocked"`
	}
	resp = postJSON(t, ts.URL+"/simulation/run/lax-clear", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &run)
	assert.Equal(t, "ACCEPT", run.Posture)

	// Clearing seeded data reports what went away.
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/simulation/seed/airport/KLAX", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared struct {
		EdgesDeleted int `json:"edges_deleted"`
		NodesDeleted int `json:"nodes_deleted"`
	}
	decode(t, resp, &cleared)
	assert.Greater(t, cleared.NodesDeleted, 0)
}

func TestWebhookRegisterRejectsPrivate(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/webhooks/register", map[string]string{
		"url": "http://10.0.0.8/hook",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Detail string `json:"detail"`
	}
	decode(t, resp, &body)
	assert.Contains(t, body.Detail, "private")
}

func TestRunStream(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/simulation/seed/airport/KLAX", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var created struct {
		CaseID string `json:"case_id"`
	}
	resp = postJSON(t, ts.URL+"/cases", map[string]string{"scope": "KLAX"})
	decode(t, resp, &created)

	resp, err = http.Get(ts.URL + "/cases/" + created.CaseID + "/run/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sawStarted, sawCompleted := false, false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		switch msg["event"] {
		case "started":
			sawStarted = true
		case "completed":
			sawCompleted = true
			assert.Equal(t, "RESOLVED", msg["status"])
		}
	}
	assert.True(t, sawStarted)
	assert.True(t, sawCompleted)
}
