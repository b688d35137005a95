package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/skylane-systems/aerogate/pkg/api"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/orchestrator"
)

// handleRunStream runs the case and streams progress as server-sent events:
// started, state_transition, progress, completed (or error).
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	caseID := contracts.CaseID(r.PathValue("id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan map[string]any, 64)
	progress := func(event string, payload map[string]any) {
		msg := map[string]any{"event": event}
		for k, v := range payload {
			msg[k] = v
		}
		select {
		case events <- msg:
		default: // a slow client must not stall the run
		}
	}

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer close(done)
		if _, err := s.runCase(ctx, caseID, orchestrator.RunOpts{Progress: progress}); err != nil {
			progress("error", map[string]any{"error": err.Error()})
		}
	}()

	for {
		select {
		case msg := <-events:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-done:
			// Drain whatever the run emitted before finishing.
			for {
				select {
				case msg := <-events:
					if data, err := json.Marshal(msg); err == nil {
						fmt.Fprintf(w, "data: %s\n\n", data)
					}
				default:
					flusher.Flush()
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
