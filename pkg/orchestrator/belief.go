package orchestrator

import (
	"context"
	"strings"
)

// assembleBelief summarizes the graph and missing-evidence state for the
// policy engine and the planner. Everything here is a read of persisted
// rows; nothing comes from model output.
func (o *Orchestrator) assembleBelief(ctx context.Context, r *run) error {
	r.belief.EvidenceSources = append([]string{}, r.signals.SourcesSeen...)
	r.belief.FlightCategory = r.signals.FlightCategory
	r.belief.HasStaleEvidence = r.signals.FAAStale

	open, err := o.deps.Graph.OpenContradictions(ctx)
	if err != nil {
		return err
	}
	for _, c := range open {
		if strings.Contains(c.Detail, r.c.Scope) {
			r.belief.HasContradictions = true
			break
		}
	}

	cascade, err := o.deps.Graph.Cascade(ctx, r.c.Scope)
	if err == nil {
		r.belief.HasBookingEvidence = len(cascade.Bookings) > 0
		r.belief.EstimatedCost = cascade.SLAExposure
	}
	return nil
}
