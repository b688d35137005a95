package orchestrator

import (
	"context"
	"fmt"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// runGuardrails applies the three hard checks between planning and
// execution. A failed guardrail blocks the case; it never degrades to a
// warning.
func (o *Orchestrator) runGuardrails(ctx context.Context, r *run) error {
	// (i) Evidence binding: no promoted claim may lack evidence. The store
	// already rejects such writes; this sweep catches anything that slipped
	// in through another path.
	unbound, err := o.deps.Graph.UnboundFactClaims(ctx)
	if err != nil {
		return err
	}
	if len(unbound) > 0 {
		o.guardrailFail(ctx, r, fmt.Sprintf("evidence-binding guardrail: %d FACT claims without evidence", len(unbound)))
		return nil
	}

	// (ii) Booking required: a shipment action with no booking evidence
	// becomes a BLOCKING missing-evidence request, and the case blocks.
	if !r.belief.HasBookingEvidence {
		for _, c := range r.planned {
			if !c.Type.ShipmentScoped() {
				continue
			}
			shipment, _ := c.Args["shipment"].(string)
			if _, err := o.deps.Missing.Record(ctx, contracts.MissingEvidenceRequest{
				CaseID:      r.c.ID,
				Source:      "booking",
				RequestType: "booking_evidence",
				Params:      map[string]string{"shipment": shipment, "airport": r.c.Scope},
				Reason:      fmt.Sprintf("%s planned without booking evidence", c.Type),
				Criticality: contracts.CriticalityBlocking,
				Retryable:   true,
			}); err != nil {
				return err
			}
			o.guardrailFail(ctx, r, fmt.Sprintf("booking-required guardrail: %s without booking evidence", c.Type))
			return nil
		}
	}

	// (iii) Non-workflow: the trace must belong to this case, chain
	// cleanly, and be strictly ordered — a replayed trace from another case
	// fails here.
	if err := o.deps.Trace.VerifyChain(ctx, r.c.ID); err != nil {
		o.guardrailFail(ctx, r, "non-workflow guardrail: "+err.Error())
		return nil
	}
	events, err := o.deps.Trace.ForCase(ctx, r.c.ID)
	if err != nil {
		return err
	}
	var last uint64
	for _, ev := range events {
		if ev.CaseID != r.c.ID || ev.Sequence <= last {
			o.guardrailFail(ctx, r, "non-workflow guardrail: trace ordering violated")
			return nil
		}
		last = ev.Sequence
	}
	return nil
}
