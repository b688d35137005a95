// Package server exposes the REST surface of the control plane on the
// standard library mux. Errors follow the {"detail": ...} shape; long runs
// stream progress over server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/skylane-systems/aerogate/pkg/api"
	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/evidence"
	"github.com/skylane-systems/aerogate/pkg/graph"
	"github.com/skylane-systems/aerogate/pkg/observability"
	"github.com/skylane-systems/aerogate/pkg/orchestrator"
	"github.com/skylane-systems/aerogate/pkg/packet"
	"github.com/skylane-systems/aerogate/pkg/playbook"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/sim"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

// Deps collects everything the handlers reach.
type Deps struct {
	Cases     *cases.Store
	Evidence  *evidence.Store
	Graph     *graph.Store
	Packets   *packet.Store
	Policy    *policy.Engine
	Playbooks *playbook.Store
	Webhooks  *webhook.Dispatcher
	Fetcher   *signals.Fetcher
	Orch      *orchestrator.Orchestrator
	Scenarios map[string]sim.Scenario
	SimSource *sim.Source
	Obs       *observability.Provider
	Logger    *slog.Logger
}

// Server is the HTTP front.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /cases", s.handleCreateCase)
	s.mux.HandleFunc("POST /cases/{id}/run", s.handleRunCase)
	s.mux.HandleFunc("GET /cases/{id}/run/stream", s.handleRunStream)
	s.mux.HandleFunc("GET /cases/{id}", s.handleGetCase)
	s.mux.HandleFunc("POST /ingest/airport/{icao}", s.handleIngest)
	s.mux.HandleFunc("GET /packets/{case_id}", s.handleGetPacket)
	s.mux.HandleFunc("POST /graph/bitemporal/beliefs", s.handleBitemporal)
	s.mux.HandleFunc("GET /graph/cascade/{icao}", s.handleCascade)
	s.mux.HandleFunc("POST /simulation/seed/airport/{icao}", s.handleSimSeed)
	s.mux.HandleFunc("DELETE /simulation/seed/airport/{icao}", s.handleSimClear)
	s.mux.HandleFunc("GET /simulation/scenarios", s.handleScenarios)
	s.mux.HandleFunc("POST /simulation/run/{id}", s.handleSimRun)
	s.mux.HandleFunc("POST /webhooks/register", s.handleWebhookRegister)
}

// Handler wraps the mux with the given middleware, outermost first.
func (s *Server) Handler(middleware ...func(http.Handler) http.Handler) http.Handler {
	var h http.Handler = s.mux
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createCaseRequest struct {
	CaseType contracts.CaseType `json:"case_type"`
	Scope    string             `json:"scope"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Scope == "" {
		api.WriteBadRequest(w, "scope is required")
		return
	}
	if req.CaseType == "" {
		req.CaseType = contracts.CaseAirportDisruption
	}

	c, err := s.deps.Cases.Create(r.Context(), req.CaseType, req.Scope)
	if errors.Is(err, cases.ErrUnknownCaseType) {
		api.WriteBadRequest(w, "unknown case_type")
		return
	}
	if err != nil {
		s.deps.Logger.Error("case create failed", "error", err)
		api.WriteInternal(w)
		return
	}

	resp := map[string]any{"case_id": c.ID}
	if s.deps.Playbooks != nil && s.deps.Policy != nil {
		if hashes, err := s.deps.Policy.ActiveHashes(r.Context()); err == nil {
			if scored, err := s.deps.Playbooks.Retrieve(r.Context(), req.Scope, hashes, 1); err == nil && len(scored) > 0 {
				resp["playbook_suggested"] = scored[0].Playbook.ID
			}
		}
	}
	api.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Cases.Get(r.Context(), contracts.CaseID(r.PathValue("id")))
	if errors.Is(err, cases.ErrNotFound) {
		api.WriteNotFound(w, "case not found")
		return
	}
	if err != nil {
		api.WriteInternal(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleRunCase(w http.ResponseWriter, r *http.Request) {
	caseID := contracts.CaseID(r.PathValue("id"))
	p, err := s.runCase(r.Context(), caseID, orchestrator.RunOpts{})
	switch {
	case errors.Is(err, cases.ErrNotFound):
		api.WriteNotFound(w, "case not found")
		return
	case errors.Is(err, cases.ErrCaseSealed):
		api.WriteConflict(w, "case already resolved")
		return
	case err != nil:
		s.deps.Logger.Error("case run failed", "case", caseID, "error", err)
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"case_id":      p.CaseID,
		"posture":      p.Posture,
		"is_blocked":   p.Blocked.IsBlocked,
		"content_hash": p.ContentHash,
	})
}

func (s *Server) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Packets.Get(r.Context(), contracts.CaseID(r.PathValue("case_id")))
	if errors.Is(err, packet.ErrNotFound) {
		api.WriteNotFound(w, "packet not found")
		return
	}
	if err != nil {
		api.WriteInternal(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

type bitemporalRequest struct {
	EventTime  time.Time `json:"event_time"`
	IngestTime time.Time `json:"ingest_time"`
}

func (s *Server) handleBitemporal(w http.ResponseWriter, r *http.Request) {
	var req bitemporalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.EventTime.IsZero() || req.IngestTime.IsZero() {
		api.WriteBadRequest(w, "event_time and ingest_time are required")
		return
	}
	view, err := s.deps.Graph.AsOf(r.Context(), req.EventTime, req.IngestTime)
	if err != nil {
		api.WriteInternal(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request) {
	impact, err := s.deps.Graph.Cascade(r.Context(), r.PathValue("icao"))
	if errors.Is(err, graph.ErrNodeNotFound) {
		api.WriteNotFound(w, "airport not found")
		return
	}
	if err != nil {
		api.WriteInternal(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, impact)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	icao := r.PathValue("icao")
	results := s.deps.Fetcher.FetchAll(r.Context(), signals.RequiredSources(icao))

	succeeded := []string{}
	failed := []string{}
	errs := []string{}
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Request.Source)
			errs = append(errs, res.Request.Source+": "+res.Err.Error())
			continue
		}
		_, err := s.deps.Evidence.Put(r.Context(), evidence.PutInput{
			SourceSystem: res.Request.Source,
			SourceRef:    icao,
			ContentType:  res.Signal.ContentType,
			Payload:      res.Signal.Payload,
			EventTime:    res.Signal.EventTime,
			Meta:         map[string]string{"airport": icao},
		})
		if err != nil {
			failed = append(failed, res.Request.Source)
			errs = append(errs, res.Request.Source+": "+err.Error())
			continue
		}
		succeeded = append(succeeded, res.Request.Source)
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"sources_succeeded": succeeded,
		"sources_failed":    failed,
		"errors":            errs,
	})
}

type webhookRegisterRequest struct {
	URL    string              `json:"url"`
	Events []webhook.EventType `json:"events"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var req webhookRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return
	}
	ep, err := s.deps.Webhooks.Register(r.Context(), req.URL, req.Events)
	if errors.Is(err, webhook.ErrPrivateAddress) {
		api.WriteBadRequest(w, "webhook URL resolves to a private address")
		return
	}
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusCreated, ep)
}

// runCase wraps orchestration with the RED metrics instrumentation.
func (s *Server) runCase(ctx context.Context, caseID contracts.CaseID, opts orchestrator.RunOpts) (contracts.DecisionPacket, error) {
	if s.deps.Obs == nil {
		return s.deps.Orch.Run(ctx, caseID, opts)
	}
	s.deps.Obs.CaseStarted(ctx)
	started := time.Now()
	p, err := s.deps.Orch.Run(ctx, caseID, opts)
	s.deps.Obs.CaseFinished(ctx)
	var scope string
	if err == nil {
		scope = p.Scope
	}
	s.deps.Obs.RecordRun(ctx, scope, time.Since(started), p.Metrics.PDLMillis, err != nil)
	return p, err
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
