// Package executor implements action governance: the per-action state
// machine with approvals, handler dispatch, and rollback. Only the legal
// transitions exist; every transition emits a trace event. The governance
// invariants — HIGH risk requires approval, EXECUTING requires an approval
// timestamp when one is owed — are enforced here, not in callers.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/trace"
)

var (
	ErrNotFound            = errors.New("action not found")
	ErrBadTransition       = errors.New("illegal action state transition")
	ErrNoHandler           = errors.New("no handler for action type")
	ErrRollbackUnsupported = errors.New("rollback not supported for action type")
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	type TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '{}',
	risk TEXT NOT NULL,
	requires_approval INTEGER NOT NULL,
	state TEXT NOT NULL,
	approved_at TEXT,
	approved_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_case ON actions (case_id);

CREATE TABLE IF NOT EXISTS outcomes (
	action_id TEXT PRIMARY KEY,
	success INTEGER NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	finished_at TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// legalTransitions is the complete transition relation. FAILED is terminal
// except via operator rollback of the case.
var legalTransitions = map[contracts.ActionState][]contracts.ActionState{
	contracts.ActionProposed:        {contracts.ActionPendingApproval, contracts.ActionApproved},
	contracts.ActionPendingApproval: {contracts.ActionApproved, contracts.ActionFailed},
	contracts.ActionApproved:        {contracts.ActionExecuting, contracts.ActionFailed},
	contracts.ActionExecuting:       {contracts.ActionCompleted, contracts.ActionFailed},
	contracts.ActionCompleted:       {contracts.ActionRolledBack},
}

func transitionLegal(from, to contracts.ActionState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Handler executes one action type. Rollback is the inverse operation;
// handlers for which no inverse exists return ErrRollbackUnsupported.
type Handler interface {
	Execute(ctx context.Context, action contracts.Action) (map[string]any, error)
	Rollback(ctx context.Context, action contracts.Action) error
}

// Governor drives actions through their lifecycle.
type Governor struct {
	db       *sql.DB
	trace    *trace.Recorder
	handlers map[contracts.ActionType]Handler
	clock    func() time.Time
}

func NewGovernor(ctx context.Context, db *sql.DB, recorder *trace.Recorder) (*Governor, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("actions schema: %w", err)
	}
	return &Governor{
		db:       db,
		trace:    recorder,
		handlers: make(map[contracts.ActionType]Handler),
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// Register installs the handler for an action type.
func (g *Governor) Register(t contracts.ActionType, h Handler) {
	g.handlers[t] = h
}

// Proposal is the caller-supplied part of a new action.
type Proposal struct {
	Type             contracts.ActionType
	Args             map[string]any
	Risk             contracts.RiskLevel
	RequiresApproval bool
}

// Propose creates an action in PROPOSED and immediately advances it to
// PENDING_APPROVAL or APPROVED. A HIGH-risk proposal that does not require
// approval violates governance and is rejected.
func (g *Governor) Propose(ctx context.Context, caseID contracts.CaseID, p Proposal) (contracts.Action, error) {
	if p.Risk == contracts.RiskHigh && !p.RequiresApproval {
		return contracts.Action{}, &contracts.InvariantViolation{
			Kind:   contracts.InvariantActionGovernance,
			RowID:  string(p.Type),
			Detail: "HIGH-risk action proposed without requires_approval",
		}
	}

	a := contracts.Action{
		ID:               contracts.ActionID(uuid.New().String()),
		CaseID:           caseID,
		Type:             p.Type,
		Args:             p.Args,
		Risk:             p.Risk,
		RequiresApproval: p.RequiresApproval,
		State:            contracts.ActionProposed,
		CreatedAt:        g.clock().UTC(),
	}
	args, err := json.Marshal(a.Args)
	if err != nil {
		return contracts.Action{}, fmt.Errorf("args marshal: %w", err)
	}
	approval := 0
	if a.RequiresApproval {
		approval = 1
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO actions (id, case_id, type, args, risk, requires_approval, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(a.ID), string(caseID), string(a.Type), string(args), string(a.Risk),
		approval, string(a.State), a.CreatedAt.Format(timeLayout))
	if err != nil {
		return contracts.Action{}, fmt.Errorf("action insert: %w", err)
	}
	g.emit(ctx, caseID, a.ID, "action proposed", map[string]any{"type": string(a.Type), "risk": string(a.Risk)})

	next := contracts.ActionApproved
	if a.RequiresApproval {
		next = contracts.ActionPendingApproval
	}
	if err := g.setState(ctx, &a, next, ""); err != nil {
		return contracts.Action{}, err
	}
	return a, nil
}

// Approve sets the approval timestamp and moves the action to APPROVED.
// Re-approving an approved action is a no-op: transitions are idempotent on
// re-delivery.
func (g *Governor) Approve(ctx context.Context, id contracts.ActionID, actor string) (contracts.Action, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return contracts.Action{}, err
	}
	if a.State == contracts.ActionApproved && a.ApprovedAt != nil {
		return a, nil
	}
	if a.State != contracts.ActionPendingApproval && a.State != contracts.ActionProposed {
		return contracts.Action{}, fmt.Errorf("%w: approve from %s", ErrBadTransition, a.State)
	}

	now := g.clock().UTC()
	_, err = g.db.ExecContext(ctx, `
		UPDATE actions SET state = $1, approved_at = $2, approved_by = $3 WHERE id = $4`,
		string(contracts.ActionApproved), now.Format(timeLayout), actor, string(id))
	if err != nil {
		return contracts.Action{}, err
	}
	a.State = contracts.ActionApproved
	a.ApprovedAt = &now
	a.ApprovedBy = actor
	g.emit(ctx, a.CaseID, id, "action approved", map[string]any{"actor": actor})
	return a, nil
}

// Execute runs the action's handler. EXECUTING is rejected when approval is
// owed and absent — that check is the governance invariant, enforced here.
func (g *Governor) Execute(ctx context.Context, id contracts.ActionID) (contracts.Outcome, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return contracts.Outcome{}, err
	}
	if a.RequiresApproval && a.ApprovedAt == nil {
		return contracts.Outcome{}, &contracts.InvariantViolation{
			Kind:   contracts.InvariantActionGovernance,
			RowID:  string(id),
			Detail: "EXECUTING requested before approval",
		}
	}
	if err := g.setState(ctx, &a, contracts.ActionExecuting, ""); err != nil {
		return contracts.Outcome{}, err
	}

	handler, ok := g.handlers[a.Type]
	if !ok {
		_ = g.setState(ctx, &a, contracts.ActionFailed, "no handler registered")
		return contracts.Outcome{}, fmt.Errorf("%w: %s", ErrNoHandler, a.Type)
	}

	g.emit(ctx, a.CaseID, id, "handler dispatch", map[string]any{"type": string(a.Type)})
	payload, execErr := handler.Execute(ctx, a)

	outcome := contracts.Outcome{
		ActionID:   id,
		Success:    execErr == nil,
		Payload:    payload,
		FinishedAt: g.clock().UTC(),
	}
	if execErr != nil {
		if outcome.Payload == nil {
			outcome.Payload = map[string]any{}
		}
		outcome.Payload["error"] = execErr.Error()
		if err := g.setState(ctx, &a, contracts.ActionFailed, execErr.Error()); err != nil {
			return outcome, err
		}
	} else if err := g.setState(ctx, &a, contracts.ActionCompleted, ""); err != nil {
		return outcome, err
	}

	if err := g.recordOutcome(ctx, outcome); err != nil {
		return outcome, err
	}
	return outcome, execErr
}

// rollbackable lists the action types with a defined inverse. Everything
// else needs operator action.
var rollbackable = map[contracts.ActionType]bool{
	contracts.ActionSetPosture:          true,
	contracts.ActionPublishAdvisory:     true,
	contracts.ActionUpdateBookingRules:  true,
	contracts.ActionTriggerReevaluation: true,
	contracts.ActionHoldCargo:           true,
}

// Rollback invokes the inverse handler for a COMPLETED action.
func (g *Governor) Rollback(ctx context.Context, id contracts.ActionID) error {
	a, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rollbackable[a.Type] {
		return fmt.Errorf("%w: %s", ErrRollbackUnsupported, a.Type)
	}
	if a.State != contracts.ActionCompleted {
		return fmt.Errorf("%w: rollback from %s", ErrBadTransition, a.State)
	}
	handler, ok := g.handlers[a.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, a.Type)
	}
	if err := handler.Rollback(ctx, a); err != nil {
		return fmt.Errorf("rollback handler: %w", err)
	}
	return g.setState(ctx, &a, contracts.ActionRolledBack, "")
}

// Fail force-fails a non-terminal action, e.g. on case cancellation.
func (g *Governor) Fail(ctx context.Context, id contracts.ActionID, reason string) error {
	a, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.State.Terminal() {
		return nil
	}
	return g.setState(ctx, &a, contracts.ActionFailed, reason)
}

// Get returns one action.
func (g *Governor) Get(ctx context.Context, id contracts.ActionID) (contracts.Action, error) {
	a, err := scanAction(g.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Action{}, ErrNotFound
	}
	return a, err
}

// ForCase returns a case's actions in creation order.
func (g *Governor) ForCase(ctx context.Context, caseID contracts.CaseID) ([]contracts.Action, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE case_id = $1 ORDER BY created_at ASC, id ASC`,
		string(caseID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllTerminal reports whether every action for the case has reached
// COMPLETED, FAILED, or ROLLED_BACK — one half of the auto-resolution rule.
func (g *Governor) AllTerminal(ctx context.Context, caseID contracts.CaseID) (bool, error) {
	actions, err := g.ForCase(ctx, caseID)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if !a.State.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// OutcomeFor returns the recorded outcome for an action.
func (g *Governor) OutcomeFor(ctx context.Context, id contracts.ActionID) (contracts.Outcome, error) {
	var o contracts.Outcome
	var success int
	var payload, finishedAt string
	err := g.db.QueryRowContext(ctx,
		`SELECT action_id, success, payload, finished_at FROM outcomes WHERE action_id = $1`,
		string(id)).Scan(&o.ActionID, &success, &payload, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Outcome{}, ErrNotFound
	}
	if err != nil {
		return contracts.Outcome{}, err
	}
	o.Success = success != 0
	if err := json.Unmarshal([]byte(payload), &o.Payload); err != nil {
		return contracts.Outcome{}, fmt.Errorf("corrupt payload on %s: %w", id, err)
	}
	if o.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return contracts.Outcome{}, err
	}
	return o, nil
}

func (g *Governor) setState(ctx context.Context, a *contracts.Action, to contracts.ActionState, failureReason string) error {
	if !transitionLegal(a.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, a.State, to)
	}
	_, err := g.db.ExecContext(ctx,
		`UPDATE actions SET state = $1, failure_reason = $2 WHERE id = $3`,
		string(to), failureReason, string(a.ID))
	if err != nil {
		return err
	}
	from := a.State
	a.State = to
	a.FailureReason = failureReason
	g.emit(ctx, a.CaseID, a.ID, "action transition", map[string]any{
		"from": string(from), "to": string(to),
	})
	return nil
}

func (g *Governor) recordOutcome(ctx context.Context, o contracts.Outcome) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return err
	}
	success := 0
	if o.Success {
		success = 1
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO outcomes (action_id, success, payload, finished_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (action_id) DO NOTHING`,
		string(o.ActionID), success, string(payload), o.FinishedAt.Format(timeLayout))
	return err
}

func (g *Governor) emit(ctx context.Context, caseID contracts.CaseID, ref contracts.ActionID, desc string, meta map[string]any) {
	if g.trace == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["description"] = desc
	_, _ = g.trace.Append(ctx, caseID, contracts.TraceToolCall, "EXECUTE", string(ref), meta)
}

const actionColumns = `id, case_id, type, args, risk, requires_approval, state,
	approved_at, approved_by, created_at, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (contracts.Action, error) {
	var a contracts.Action
	var id, caseID, typ, args, risk, state, createdAt string
	var approvedAt sql.NullString
	var requiresApproval int
	err := r.Scan(&id, &caseID, &typ, &args, &risk, &requiresApproval, &state,
		&approvedAt, &a.ApprovedBy, &createdAt, &a.FailureReason)
	if err != nil {
		return contracts.Action{}, err
	}
	a.ID = contracts.ActionID(id)
	a.CaseID = contracts.CaseID(caseID)
	a.Type = contracts.ActionType(typ)
	a.Risk = contracts.RiskLevel(risk)
	a.State = contracts.ActionState(state)
	a.RequiresApproval = requiresApproval != 0
	if err := json.Unmarshal([]byte(args), &a.Args); err != nil {
		return contracts.Action{}, fmt.Errorf("corrupt args on %s: %w", id, err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return contracts.Action{}, err
	}
	if approvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, approvedAt.String)
		if err != nil {
			return contracts.Action{}, err
		}
		a.ApprovedAt = &ts
	}
	return a, nil
}
