package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/packet"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

// complete seals the Decision Packet, settles the case status, fires
// webhooks, and hands a resolved case to the playbook learner.
func (o *Orchestrator) complete(ctx context.Context, r *run) (contracts.DecisionPacket, error) {
	o.enter(ctx, r, StateComplete)
	defer o.exit(ctx, r, StateComplete)

	openRequests, err := o.deps.Missing.OpenForCase(ctx, r.c.ID)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}
	hasBlocking := false
	for _, req := range openRequests {
		if req.Criticality == contracts.CriticalityBlocking {
			hasBlocking = true
			break
		}
	}

	// Settle the case. BLOCKED if a guardrail or policy blocked it or a
	// BLOCKING gap is open; RESOLVED only when every action is terminal.
	status := contracts.CaseOpen
	switch {
	case r.blockedReason != "" || hasBlocking:
		status = contracts.CaseBlocked
	default:
		terminal, err := o.deps.Governor.AllTerminal(ctx, r.c.ID)
		if err != nil {
			return contracts.DecisionPacket{}, err
		}
		if terminal {
			status = contracts.CaseResolved
		}
	}
	if status != contracts.CaseOpen {
		if err := o.deps.Cases.SetStatus(ctx, r.c.ID, status); err != nil {
			return contracts.DecisionPacket{}, err
		}
	}
	r.c.Status = status

	p, err := o.buildPacket(ctx, r, openRequests)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	sealed, err := o.deps.Packets.Seal(ctx, p)
	if errors.Is(err, packet.ErrSealed) {
		sealed, err = o.deps.Packets.Get(ctx, r.c.ID)
	}
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	o.fireWebhooks(ctx, r, sealed)

	if status == contracts.CaseResolved {
		o.minePlaybook(ctx, r)
	}

	r.emit("completed", map[string]any{
		"final_state":      StateComplete,
		"status":           string(status),
		"actions_executed": len(r.executed),
		"actions_proposed": len(r.proposed),
	})
	return sealed, nil
}

func (o *Orchestrator) buildPacket(ctx context.Context, r *run, openRequests []contracts.MissingEvidenceRequest) (contracts.DecisionPacket, error) {
	claims, err := o.deps.Graph.ClaimsBySubject(ctx, r.airportNode)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	citations := make([]contracts.EvidenceCitation, 0, len(r.evidenceIDs))
	for _, id := range r.evidenceIDs {
		row, err := o.deps.Evidence.GetRow(ctx, id)
		if err != nil {
			return contracts.DecisionPacket{}, err
		}
		citations = append(citations, contracts.EvidenceCitation{
			ID:           row.ID,
			SourceSystem: row.SourceSystem,
			SourceRef:    row.SourceRef,
			Excerpt:      row.Excerpt,
			RetrievedAt:  row.RetrievedAt,
		})
	}

	contradictions, err := o.scopeContradictions(ctx, r)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	applied, err := o.policiesApplied(ctx, r)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	events, err := o.deps.Trace.ForCase(ctx, r.c.ID)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	cascade, err := o.deps.Graph.Cascade(ctx, r.c.Scope)
	if err != nil {
		cascade = contracts.CascadeImpact{Flights: []string{}, Shipments: []string{}, Bookings: []string{}}
	}

	proposed, err := o.deps.Governor.ForCase(ctx, r.c.ID)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}

	pdl := int64(0)
	if !r.firstIngest.IsZero() && !r.postureEmitted.IsZero() {
		pdl = r.postureEmitted.Sub(r.firstIngest).Milliseconds()
	}

	return contracts.DecisionPacket{
		CaseID:          r.c.ID,
		Scope:           r.c.Scope,
		Posture:         r.c.Posture,
		Rationale:       o.rationale(r),
		Claims:          claims,
		Evidence:        citations,
		Contradictions:  contradictions,
		PoliciesApplied: applied,
		ActionsProposed: proposed,
		ActionsExecuted: r.executed,
		Blocked: contracts.BlockedSection{
			IsBlocked:               r.c.Status == contracts.CaseBlocked,
			MissingEvidenceRequests: openRequests,
		},
		WorkflowTrace: events,
		Confidence:    o.confidence(r, openRequests),
		Cascade:       cascade,
		Timestamps: contracts.PacketTimestamps{
			CaseCreated:    r.c.CreatedAt,
			FirstIngest:    r.firstIngest,
			PostureEmitted: r.postureEmitted,
		},
		Metrics: contracts.PacketMetrics{
			PDLMillis:          pdl,
			EvidenceCount:      len(r.evidenceIDs),
			ClaimCount:         len(claims),
			ContradictionCount: len(contradictions),
			InvestigatePasses:  r.investigatePasses,
		},
	}, nil
}

func (o *Orchestrator) scopeContradictions(ctx context.Context, r *run) ([]contracts.Contradiction, error) {
	open, err := o.deps.Graph.OpenContradictions(ctx)
	if err != nil {
		return nil, err
	}
	var out []contracts.Contradiction
	for _, c := range open {
		if containsScope(c.Detail, r.c.Scope) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (o *Orchestrator) policiesApplied(ctx context.Context, r *run) ([]contracts.PolicyApplication, error) {
	if len(r.policyResult.Citations) == 0 {
		return nil, nil
	}
	active, err := o.deps.Policy.Active(ctx)
	if err != nil {
		return nil, err
	}
	byHash := make(map[string]contracts.Policy, len(active))
	for _, p := range active {
		byHash[policy.TextHash(p.Text)] = p
	}
	out := make([]contracts.PolicyApplication, 0, len(r.policyResult.Citations))
	for _, hash := range r.policyResult.Citations {
		p, ok := byHash[hash]
		if !ok {
			continue
		}
		out = append(out, contracts.PolicyApplication{TextHash: hash, Text: p.Text, Effect: p.Effect})
	}
	return out, nil
}

func (o *Orchestrator) confidence(r *run, openRequests []contracts.MissingEvidenceRequest) contracts.ConfidenceBreakdown {
	missing := make([]string, 0, len(openRequests))
	penalties := map[string]float64{}
	for _, req := range openRequests {
		missing = append(missing, req.Source)
		penalties["missing_"+req.Source] = 0.1
	}
	if r.degraded {
		penalties["assessor_degraded"] = 0.2
	}

	overall := confidenceOverall(r.assessment.ConfidenceBreakdown)
	if overall == 0 {
		overall = 0.5
	}
	for _, p := range penalties {
		overall -= p
	}
	if overall < 0.05 {
		overall = 0.05
	}

	explanation := fmt.Sprintf("%d sources ingested, %d open gaps", len(r.belief.EvidenceSources), len(openRequests))
	if r.degraded {
		explanation += "; risk assessor degraded"
	}
	return contracts.ConfidenceBreakdown{
		SourcesOK:      append([]string{}, r.belief.EvidenceSources...),
		SourcesMissing: missing,
		Penalties:      penalties,
		Overall:        overall,
		Explanation:    explanation,
	}
}

func (o *Orchestrator) rationale(r *run) string {
	if r.blockedReason != "" {
		return r.blockedReason
	}
	return fmt.Sprintf("posture %s at risk %s from %d sources (flight category %s)",
		r.c.Posture, r.belief.RiskLevel, len(r.belief.EvidenceSources), orUnknown(r.belief.FlightCategory))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (o *Orchestrator) fireWebhooks(ctx context.Context, r *run, p contracts.DecisionPacket) {
	if o.deps.Webhooks == nil {
		return
	}
	_ = o.deps.Webhooks.Dispatch(ctx, webhook.Event{
		Type:   webhook.EventPostureChange,
		CaseID: r.c.ID,
		Scope:  r.c.Scope,
		Payload: map[string]any{
			"posture":    string(p.Posture),
			"risk_level": string(r.belief.RiskLevel),
		},
	})
	if r.c.Status == contracts.CaseResolved {
		_ = o.deps.Webhooks.Dispatch(ctx, webhook.Event{
			Type:    webhook.EventCaseResolved,
			CaseID:  r.c.ID,
			Scope:   r.c.Scope,
			Payload: map[string]any{"content_hash": p.ContentHash},
		})
	}
	if p.Cascade.SLAExposure > 0 && (p.Posture == contracts.PostureHold || p.Posture == contracts.PostureEscalate) {
		_ = o.deps.Webhooks.Dispatch(ctx, webhook.Event{
			Type:    webhook.EventSLABreachImminent,
			CaseID:  r.c.ID,
			Scope:   r.c.Scope,
			Payload: map[string]any{"sla_exposure_usd": p.Cascade.SLAExposure},
		})
	}
}

func containsScope(detail, scope string) bool {
	return scope != "" && strings.Contains(detail, scope)
}
