package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/skylane-systems/aerogate/pkg/assessor"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/derive"
	"github.com/skylane-systems/aerogate/pkg/evidence"
	"github.com/skylane-systems/aerogate/pkg/executor"
	"github.com/skylane-systems/aerogate/pkg/missing"
	"github.com/skylane-systems/aerogate/pkg/planner"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

// stateInit loads the scope context and seeds the initial posture from the
// case row (ACCEPT for a newly created case). Earlier cases for the same
// scope are not consulted.
func (o *Orchestrator) stateInit(ctx context.Context, r *run) (string, error) {
	nodeID, err := o.deps.Graph.UpsertNode(ctx, contracts.NodeAirport, r.c.Scope)
	if err != nil {
		return "", err
	}
	r.airportNode = nodeID

	r.baseline = 100
	if v, err := o.deps.Graph.CurrentVersion(ctx, nodeID); err == nil && v != nil {
		if b, ok := v.Attrs["baseline_movements"].(float64); ok && b > 0 {
			r.baseline = b
		}
	}

	r.belief = contracts.BeliefState{
		CaseID:             r.c.ID,
		Scope:              r.c.Scope,
		ProposedPosture:    r.c.Posture,
		ServiceTier:        "STANDARD",
		HoursUntilDeadline: 24,
		MinEvidenceCount:   2,
	}
	r.pendingSources = signals.RequiredSources(r.c.Scope)
	return StateInvestigate, nil
}

// stateInvestigate fetches every pending source, persists bytes, derives
// graph rows, and converts failures into missing-evidence requests.
// Post-condition: either sufficient evidence or a recorded set of gaps.
func (o *Orchestrator) stateInvestigate(ctx context.Context, r *run) (string, error) {
	r.investigatePasses++
	results := o.deps.Fetcher.FetchAll(ctx, r.pendingSources)

	var pass []derive.SourceEvidence
	var stillMissing []signals.Request

	for _, res := range results {
		_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceToolCall, StateInvestigate, res.Request.Source,
			map[string]any{"airport": res.Request.Airport, "attempts": res.Attempts})

		if res.Err != nil {
			criticality := derive.CriticalityFor(res.Request.Source)
			_, err := o.deps.Missing.Record(ctx, contracts.MissingEvidenceRequest{
				CaseID:      r.c.ID,
				Source:      res.Request.Source,
				RequestType: "signal_fetch",
				Params:      map[string]string{"airport": res.Request.Airport},
				Reason:      res.Err.Error(),
				Criticality: criticality,
				Retryable:   !res.Permanent,
			})
			if err != nil {
				return "", err
			}
			if !res.Permanent {
				stillMissing = append(stillMissing, res.Request)
			}
			continue
		}

		id, err := o.deps.Evidence.Put(ctx, evidence.PutInput{
			SourceSystem: res.Request.Source,
			SourceRef:    res.Request.Airport,
			ContentType:  res.Signal.ContentType,
			Payload:      res.Signal.Payload,
			EventTime:    res.Signal.EventTime,
			Meta:         map[string]string{"airport": res.Request.Airport},
		})
		if err != nil {
			// A storage fault on ingest is itself missing evidence.
			if _, recErr := o.deps.Missing.Record(ctx, contracts.MissingEvidenceRequest{
				CaseID:      r.c.ID,
				Source:      res.Request.Source,
				RequestType: "evidence_write",
				Params:      map[string]string{"airport": res.Request.Airport},
				Reason:      err.Error(),
				Criticality: derive.CriticalityFor(res.Request.Source),
				Retryable:   true,
			}); recErr != nil {
				return "", recErr
			}
			continue
		}
		row, err := o.deps.Evidence.GetRow(ctx, id)
		if err != nil {
			return "", err
		}
		if r.firstIngest.IsZero() {
			r.firstIngest = o.clock().UTC()
		}
		r.evidenceIDs = append(r.evidenceIDs, id)
		pass = append(pass, derive.SourceEvidence{Row: row, Payload: res.Signal.Payload})
		_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceToolResult, StateInvestigate, string(id),
			map[string]any{"source": res.Request.Source, "sha256": row.ContentSHA256})
	}

	// Newly ingested rows may satisfy requests from earlier passes or runs.
	freshRows := make([]contracts.Evidence, 0, len(pass))
	for _, p := range pass {
		freshRows = append(freshRows, p.Row)
	}
	if _, err := o.deps.Missing.Reconcile(ctx, r.c.ID, freshRows, missing.SourceMatcher); err != nil {
		return "", err
	}

	if len(pass) > 0 {
		result, err := o.deps.Deriver.Run(ctx, derive.Input{
			Airport:     r.c.Scope,
			AirportNode: r.airportNode,
			Baseline:    r.baseline,
			Evidence:    pass,
		})
		if err != nil {
			return "", err
		}
		r.claimIDs = append(r.claimIDs, result.Claims...)
		mergeSignals(&r.signals, result.Signals)
	}
	r.fresh = append(r.fresh, pass...)
	r.pendingSources = stillMissing

	r.emit("progress", map[string]any{
		"state":             StateInvestigate,
		"description":       "signals ingested",
		"evidence_count":    len(r.evidenceIDs),
		"claim_count":       len(r.claimIDs),
		"uncertainty_count": len(r.pendingSources),
	})
	return StateQuantifyRisk, nil
}

func mergeSignals(dst *derive.Signals, src derive.Signals) {
	seen := map[string]bool{}
	for _, s := range dst.SourcesSeen {
		seen[s] = true
	}
	for _, s := range src.SourcesSeen {
		if !seen[s] {
			dst.SourcesSeen = append(dst.SourcesSeen, s)
		}
	}
	dst.FAAPresent = dst.FAAPresent || src.FAAPresent
	dst.FAANormal = dst.FAANormal || src.FAANormal
	dst.FAAStale = dst.FAAStale || src.FAAStale
	dst.MovementCollapse = dst.MovementCollapse || src.MovementCollapse
	if src.FlightCategory != "" {
		dst.FlightCategory = src.FlightCategory
	}
	if src.AlertSeverity != "" {
		dst.AlertSeverity = src.AlertSeverity
	}
}

// stateQuantifyRisk assembles the belief and calls the RiskAssessor. On
// assessor failure risk pins to HIGH with a degraded-confidence penalty and
// the loop continues — the system does not guess downward.
func (o *Orchestrator) stateQuantifyRisk(ctx context.Context, r *run) (string, error) {
	if err := o.assembleBelief(ctx, r); err != nil {
		return "", err
	}

	callCtx, cancelFn := context.WithTimeout(ctx, assessor.DefaultTimeout)
	a, err := o.deps.Assessor.Assess(callCtx, r.belief)
	cancelFn()

	if err != nil {
		o.deps.Logger.Warn("risk assessor failed, degrading", "case", r.c.ID, "error", err)
		a = contracts.RiskAssessment{
			RiskLevel:          contracts.RiskHigh,
			RecommendedPosture: contracts.PostureRestrict,
			ConfidenceBreakdown: map[string]float64{
				"assessor_degraded": 0.3,
			},
			Degraded:    true,
			Explanation: "risk assessor unavailable; pinned to HIGH",
		}
		_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceToolResult, StateQuantifyRisk, "",
			map[string]any{"degraded": true, "error": err.Error()})
	}
	r.assessment = a
	r.degraded = r.degraded || a.Degraded
	r.belief.RiskLevel = a.RiskLevel
	r.belief.ProposedPosture = a.RecommendedPosture

	r.emit("progress", map[string]any{
		"state":               StateQuantifyRisk,
		"description":         "risk quantified",
		"evidence_count":      len(r.evidenceIDs),
		"claim_count":         len(r.claimIDs),
		"uncertainty_count":   len(r.pendingSources),
		"risk_level":          string(a.RiskLevel),
		"recommended_posture": string(a.RecommendedPosture),
		"confidence":          confidenceOverall(a.ConfidenceBreakdown),
	})
	return StateCritique, nil
}

// stateCritique challenges evidence quality. Retryable gaps send the case
// back to INVESTIGATE for the missing sources only, at most
// MaxInvestigateRetries extra passes; beyond that the run proceeds with the
// belief it has.
func (o *Orchestrator) stateCritique(ctx context.Context, r *run) (string, error) {
	if len(r.pendingSources) > 0 && r.investigatePasses <= MaxInvestigateRetries {
		_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceHandoff, StateCritique, "",
			map[string]any{"missing_sources": len(r.pendingSources), "pass": r.investigatePasses})
		return StateInvestigate, nil
	}
	return StateEvaluatePolicy, nil
}

// stateEvaluatePolicy runs the policy engine over the belief.
func (o *Orchestrator) stateEvaluatePolicy(ctx context.Context, r *run) (string, error) {
	result, err := o.deps.Policy.Evaluate(ctx, r.belief)
	if err != nil {
		return "", err
	}
	r.policyResult = result
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceToolResult, StateEvaluatePolicy, "",
		map[string]any{"verdict": string(result.Verdict), "citations": len(result.Citations)})
	return StatePlanActions, nil
}

// statePlanActions runs the beam search and emits the posture. The posture
// instant closes the PDL clock.
func (o *Orchestrator) statePlanActions(seed []planner.Candidate) func(context.Context, *run) (string, error) {
	return func(ctx context.Context, r *run) (string, error) {
		r.planned = planner.Plan(r.belief)
		r.planned = append(r.planned, seed...)

		// Capture the posture being replaced so SET_POSTURE can roll back.
		for i, c := range r.planned {
			if c.Type == contracts.ActionSetPosture && c.Args != nil {
				r.planned[i].Args["prior_posture"] = string(r.c.Posture)
			}
		}

		proposedTypes := make([]contracts.ActionType, 0, len(r.planned))
		for _, c := range r.planned {
			proposedTypes = append(proposedTypes, c.Type)
		}
		r.belief.ProposedActions = proposedTypes

		// Re-merge policy now that proposed actions exist; the booking rule
		// and the action-count rule only see the belief at this point.
		result, err := o.deps.Policy.Evaluate(ctx, r.belief)
		if err != nil {
			return "", err
		}
		r.policyResult = result

		if err := o.deps.Cases.SetPosture(ctx, r.c.ID, r.belief.ProposedPosture); err != nil {
			return "", err
		}
		r.c.Posture = r.belief.ProposedPosture
		r.postureEmitted = o.clock().UTC()

		if hasComms(r.planned) {
			return StateDraftComms, nil
		}
		return StateExecute, nil
	}
}

func hasComms(planned []planner.Candidate) bool {
	for _, c := range planned {
		if c.Type == contracts.ActionNotifyCustomer || c.Type == contracts.ActionEscalateOps {
			return true
		}
	}
	return false
}

// stateDraftComms fills customer and ops payloads deterministically from the
// belief; no model call happens here in scenario mode.
func (o *Orchestrator) stateDraftComms(_ context.Context, r *run) (string, error) {
	for i, c := range r.planned {
		switch c.Type {
		case contracts.ActionNotifyCustomer:
			r.planned[i].Args["message"] = fmt.Sprintf(
				"Gateway %s is under posture %s (risk %s). Shipments may be delayed.",
				r.c.Scope, r.belief.ProposedPosture, r.belief.RiskLevel)
		case contracts.ActionEscalateOps:
			r.planned[i].Args["reason"] = fmt.Sprintf(
				"risk %s at %s; sources: %s",
				r.belief.RiskLevel, r.c.Scope, strings.Join(r.belief.EvidenceSources, ","))
		}
	}
	return StateExecute, nil
}

// stateExecute runs the guardrails, then drives each planned action through
// governance. A BLOCK verdict skips execution and blocks the case.
func (o *Orchestrator) stateExecute(ctx context.Context, r *run) (string, error) {
	if err := o.runGuardrails(ctx, r); err != nil {
		return "", err
	}
	if r.blockedReason != "" {
		return StateComplete, nil
	}

	if r.policyResult.Verdict == contracts.VerdictBlock {
		r.blockedReason = "policy verdict BLOCK: " + strings.Join(r.policyResult.Effects, "; ")
		_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceBlocked, StateExecute, "",
			map[string]any{"citations": r.policyResult.Citations})
		_ = o.deps.Cases.SetStatus(ctx, r.c.ID, contracts.CaseBlocked)
		return StateComplete, nil
	}

	needsApproval := r.policyResult.Verdict == contracts.VerdictRequireApproval
	for _, c := range r.planned {
		requires := c.Risk == contracts.RiskHigh || (needsApproval && c.Risk != contracts.RiskLow)
		action, err := o.deps.Governor.Propose(ctx, r.c.ID, executor.Proposal{
			Type:             c.Type,
			Args:             c.Args,
			Risk:             c.Risk,
			RequiresApproval: requires,
		})
		if err != nil {
			return "", err
		}
		r.proposed = append(r.proposed, action)

		if action.State != contracts.ActionApproved {
			continue // waits for a human; resolution is gated on it
		}
		outcome, err := o.deps.Governor.Execute(ctx, action.ID)
		if err != nil {
			o.deps.Logger.Warn("action failed", "case", r.c.ID, "type", c.Type, "error", err)
			continue
		}
		executedAction, err := o.deps.Governor.Get(ctx, action.ID)
		if err != nil {
			return "", err
		}
		r.executed = append(r.executed, executedAction)
		if o.deps.Webhooks != nil {
			_ = o.deps.Webhooks.Dispatch(ctx, webhook.Event{
				Type:   webhook.EventActionExecuted,
				CaseID: r.c.ID,
				Scope:  r.c.Scope,
				Payload: map[string]any{
					"action_type": string(c.Type),
					"success":     outcome.Success,
				},
			})
		}
	}
	return StateComplete, nil
}

func confidenceOverall(breakdown map[string]float64) float64 {
	if len(breakdown) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range breakdown {
		total += v
	}
	return total / float64(len(breakdown))
}
