package server

import (
	"errors"
	"net/http"

	"github.com/skylane-systems/aerogate/pkg/api"
	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/orchestrator"
	"github.com/skylane-systems/aerogate/pkg/sim"
)

func (s *Server) handleSimSeed(w http.ResponseWriter, r *http.Request) {
	icao := r.PathValue("icao")
	sc, ok := s.deps.SimSource.ScenarioFor(icao)
	if !ok {
		api.WriteNotFound(w, "no scenario for airport")
		return
	}

	res := sim.SeedResult{SeedUsed: sc.ID}
	if r.URL.Query().Get("refresh") == "true" {
		edges, nodes, err := s.deps.Graph.PurgeSeed(r.Context(), icao)
		if err != nil {
			api.WriteInternal(w)
			return
		}
		res.Cleared = edges+nodes > 0
	}

	seeded, err := sim.SeedAirport(r.Context(), s.deps.Graph, sc)
	if err != nil {
		s.deps.Logger.Error("seed failed", "airport", icao, "error", err)
		api.WriteInternal(w)
		return
	}
	seeded.Cleared = res.Cleared
	api.WriteJSON(w, http.StatusOK, seeded)
}

func (s *Server) handleSimClear(w http.ResponseWriter, r *http.Request) {
	edges, nodes, err := s.deps.Graph.PurgeSeed(r.Context(), r.PathValue("icao"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]int{
		"edges_deleted": edges,
		"nodes_deleted": nodes,
	})
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, sim.List(s.deps.Scenarios))
}

// handleSimRun seeds the scenario's airport, opens a case, and runs it to
// completion in one call.
func (s *Server) handleSimRun(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.deps.Scenarios[r.PathValue("id")]
	if !ok {
		api.WriteNotFound(w, "unknown scenario")
		return
	}
	if _, err := sim.SeedAirport(r.Context(), s.deps.Graph, sc); err != nil {
		api.WriteInternal(w)
		return
	}
	c, err := s.deps.Cases.Create(r.Context(), contracts.CaseAirportDisruption, sc.Airport)
	if err != nil {
		api.WriteInternal(w)
		return
	}
	p, err := s.deps.Orch.Run(r.Context(), c.ID, orchestrator.RunOpts{})
	if err != nil && !errors.Is(err, cases.ErrCaseSealed) {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"case_id":    c.ID,
		"scenario":   sc.ID,
		"posture":    p.Posture,
		"is_blocked": p.Blocked.IsBlocked,
	})
}
