// Package orchestrator drives a case through the deterministic state
// machine: INIT, INVESTIGATE, QUANTIFY_RISK, CRITIQUE, EVALUATE_POLICY,
// PLAN_ACTIONS, DRAFT_COMMS, EXECUTE, COMPLETE. Handler order, the critique
// retry bound, and planning are deterministic functions of the inputs; the
// only non-deterministic worker is the RiskAssessor, whose output is
// captured as a structured value.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skylane-systems/aerogate/pkg/assessor"
	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/derive"
	"github.com/skylane-systems/aerogate/pkg/evidence"
	"github.com/skylane-systems/aerogate/pkg/executor"
	"github.com/skylane-systems/aerogate/pkg/graph"
	"github.com/skylane-systems/aerogate/pkg/missing"
	"github.com/skylane-systems/aerogate/pkg/packet"
	"github.com/skylane-systems/aerogate/pkg/planner"
	"github.com/skylane-systems/aerogate/pkg/playbook"
	"github.com/skylane-systems/aerogate/pkg/policy"
	"github.com/skylane-systems/aerogate/pkg/signals"
	"github.com/skylane-systems/aerogate/pkg/trace"
	"github.com/skylane-systems/aerogate/pkg/webhook"
)

// MaxInvestigateRetries bounds the CRITIQUE -> INVESTIGATE loop.
const MaxInvestigateRetries = 2

// States, in handler order.
const (
	StateInit           = "INIT"
	StateInvestigate    = "INVESTIGATE"
	StateQuantifyRisk   = "QUANTIFY_RISK"
	StateCritique       = "CRITIQUE"
	StateEvaluatePolicy = "EVALUATE_POLICY"
	StatePlanActions    = "PLAN_ACTIONS"
	StateDraftComms     = "DRAFT_COMMS"
	StateExecute        = "EXECUTE"
	StateComplete       = "COMPLETE"
)

// ProgressFunc receives run progress events (the SSE stream feed); nil
// observers are fine.
type ProgressFunc func(event string, payload map[string]any)

// Deps wires the orchestrator to the stores and capabilities it drives.
type Deps struct {
	Cases     *cases.Store
	Evidence  *evidence.Store
	Graph     *graph.Store
	Deriver   *derive.Deriver
	Missing   *missing.Tracker
	Governor  *executor.Governor
	Policy    *policy.Engine
	Trace     *trace.Recorder
	Packets   *packet.Store
	Webhooks  *webhook.Dispatcher
	Fetcher   *signals.Fetcher
	Assessor  assessor.RiskAssessor
	Playbooks *playbook.Store
	Logger    *slog.Logger
}

// Orchestrator runs cases. One orchestrator serves many cases; each case
// runs sequentially, cases run concurrently.
type Orchestrator struct {
	deps  Deps
	clock func() time.Time
}

func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// RunOpts tunes a single run.
type RunOpts struct {
	// SeedActions are pre-planned candidates (e.g. from a retrieved
	// playbook) appended to the planner's output before guardrails run.
	SeedActions []planner.Candidate
	// Progress receives streaming updates; may be nil.
	Progress ProgressFunc
}

// run is the mutable state threaded through the handlers.
type run struct {
	c                 contracts.Case
	airportNode       contracts.NodeID
	baseline          float64
	belief            contracts.BeliefState
	signals           derive.Signals
	fresh             []derive.SourceEvidence
	evidenceIDs       []contracts.EvidenceID
	claimIDs          []contracts.ClaimID
	firstIngest       time.Time
	postureEmitted    time.Time
	investigatePasses int
	pendingSources    []signals.Request
	assessment        contracts.RiskAssessment
	degraded          bool
	policyResult      contracts.PolicyResult
	planned           []planner.Candidate
	proposed          []contracts.Action
	executed          []contracts.Action
	blockedReason     string
	progress          ProgressFunc
}

func (r *run) emit(event string, payload map[string]any) {
	if r.progress != nil {
		r.progress(event, payload)
	}
}

// Run drives one case to COMPLETE or BLOCKED and returns the sealed packet.
// Errors below the case boundary are recorded in the trace; only internal
// faults escape as errors.
func (o *Orchestrator) Run(ctx context.Context, caseID contracts.CaseID, opts RunOpts) (contracts.DecisionPacket, error) {
	c, err := o.deps.Cases.Get(ctx, caseID)
	if err != nil {
		return contracts.DecisionPacket{}, err
	}
	if c.Status == contracts.CaseResolved {
		return contracts.DecisionPacket{}, cases.ErrCaseSealed
	}

	r := &run{c: c, progress: opts.Progress}
	r.emit("started", map[string]any{"event": "started"})

	type handler struct {
		name string
		fn   func(context.Context, *run) (string, error)
	}
	handlers := map[string]handler{
		StateInit:           {StateInit, o.stateInit},
		StateInvestigate:    {StateInvestigate, o.stateInvestigate},
		StateQuantifyRisk:   {StateQuantifyRisk, o.stateQuantifyRisk},
		StateCritique:       {StateCritique, o.stateCritique},
		StateEvaluatePolicy: {StateEvaluatePolicy, o.stateEvaluatePolicy},
		StatePlanActions:    {StatePlanActions, o.statePlanActions(opts.SeedActions)},
		StateDraftComms:     {StateDraftComms, o.stateDraftComms},
		StateExecute:        {StateExecute, o.stateExecute},
	}

	state := StateInit
	for state != StateComplete {
		if err := ctx.Err(); err != nil {
			return contracts.DecisionPacket{}, o.cancel(context.WithoutCancel(ctx), r, err)
		}
		h, ok := handlers[state]
		if !ok {
			return contracts.DecisionPacket{}, fmt.Errorf("unknown state %s", state)
		}

		o.enter(ctx, r, h.name)
		next, err := h.fn(ctx, r)
		if err != nil {
			var violation *contracts.InvariantViolation
			if errors.As(err, &violation) {
				o.guardrailFail(ctx, r, violation.Error())
				next = StateComplete
			} else {
				o.exit(ctx, r, h.name)
				_ = o.deps.Cases.SetStatus(ctx, r.c.ID, contracts.CaseFailed)
				_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceToolResult, h.name, "", map[string]any{"error": err.Error()})
				r.emit("error", map[string]any{"error": err.Error()})
				return contracts.DecisionPacket{}, err
			}
		}
		o.exit(ctx, r, h.name)
		r.emit("state_transition", map[string]any{
			"to_state": next, "handler": h.name, "description": describeTransition(h.name, next),
		})
		state = next
	}

	return o.complete(ctx, r)
}

func (o *Orchestrator) enter(ctx context.Context, r *run, state string) {
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceStateEnter, state, "", nil)
}

func (o *Orchestrator) exit(ctx context.Context, r *run, state string) {
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceStateExit, state, "", nil)
}

func (o *Orchestrator) guardrailFail(ctx context.Context, r *run, reason string) {
	r.blockedReason = reason
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceGuardrailFail, StateExecute, "", map[string]any{"reason": reason})
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceBlocked, StateExecute, "", nil)
	_ = o.deps.Cases.SetStatus(ctx, r.c.ID, contracts.CaseBlocked)
}

// cancel handles mid-run cancellation: in-flight actions fail with reason
// CANCELLED, persisted evidence stays, and the case is BLOCKED, not
// abandoned.
func (o *Orchestrator) cancel(ctx context.Context, r *run, cause error) error {
	actions, err := o.deps.Governor.ForCase(ctx, r.c.ID)
	if err == nil {
		for _, a := range actions {
			if !a.State.Terminal() {
				_ = o.deps.Governor.Fail(ctx, a.ID, "CANCELLED")
			}
		}
	}
	_, _ = o.deps.Trace.Append(ctx, r.c.ID, contracts.TraceBlocked, "", "", map[string]any{"reason": "cancelled"})
	_ = o.deps.Cases.SetStatus(ctx, r.c.ID, contracts.CaseBlocked)
	return fmt.Errorf("case %s cancelled: %w", r.c.ID, cause)
}

func describeTransition(from, to string) string {
	if from == StateCritique && to == StateInvestigate {
		return "insufficient evidence, re-investigating"
	}
	return "advancing to " + to
}
