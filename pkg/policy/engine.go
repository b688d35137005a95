// Package policy implements the stateless policy engine. Policies are rows
// with a unique human-readable text and a CEL condition over the belief
// state; evaluation loads the validity-active set, tests each condition, and
// merges effects with BLOCK dominating REQUIRE_APPROVAL dominating ALLOW.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL UNIQUE,
	condition TEXT NOT NULL,
	effect TEXT NOT NULL,
	valid_from TEXT NOT NULL,
	valid_to TEXT,
	created_at TEXT NOT NULL
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Engine compiles and evaluates policy conditions.
type Engine struct {
	db    *sql.DB
	env   *cel.Env
	clock func() time.Time

	mu       sync.RWMutex
	programs map[contracts.PolicyID]cel.Program
}

// NewEngine initializes the CEL environment with the belief-state attributes
// every policy condition may reference.
func NewEngine(ctx context.Context, db *sql.DB) (*Engine, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}

	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("risk_level", types.StringType),
			decls.NewVariable("proposed_posture", types.StringType),
			decls.NewVariable("evidence_sources", types.NewListType(types.StringType)),
			decls.NewVariable("has_contradictions", types.BoolType),
			decls.NewVariable("has_stale_evidence", types.BoolType),
			decls.NewVariable("has_booking_evidence", types.BoolType),
			decls.NewVariable("proposed_actions", types.NewListType(types.StringType)),
			decls.NewVariable("has_shipment_action", types.BoolType),
			decls.NewVariable("estimated_cost", types.DoubleType),
			decls.NewVariable("service_tier", types.StringType),
			decls.NewVariable("hours_until_deadline", types.DoubleType),
			decls.NewVariable("flight_category", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Engine{
		db:       db,
		env:      env,
		clock:    time.Now,
		programs: make(map[contracts.PolicyID]cel.Program),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Add compiles and persists a policy. Text is unique; re-adding the same
// text is a no-op returning the existing id.
func (e *Engine) Add(ctx context.Context, text, condition string, effect contracts.Verdict) (contracts.PolicyID, error) {
	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return "", fmt.Errorf("policy compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return "", fmt.Errorf("program construction failed: %w", err)
	}

	id := contracts.PolicyID(uuid.New().String())
	now := e.clock().UTC().Format(timeLayout)
	res, err := e.db.ExecContext(ctx, `
		INSERT INTO policies (id, text, condition, effect, valid_from, valid_to, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
		ON CONFLICT (text) DO NOTHING`,
		string(id), text, condition, string(effect), now, now)
	if err != nil {
		return "", fmt.Errorf("policy insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := e.db.QueryRowContext(ctx, `SELECT id FROM policies WHERE text = $1`, text).Scan(&existing); err != nil {
			return "", err
		}
		id = contracts.PolicyID(existing)
	}

	e.mu.Lock()
	e.programs[id] = prg
	e.mu.Unlock()
	return id, nil
}

// Active returns the policies whose validity window contains now.
func (e *Engine) Active(ctx context.Context) ([]contracts.Policy, error) {
	now := e.clock().UTC().Format(timeLayout)
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, text, condition, effect, valid_from, valid_to, created_at FROM policies
		WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)
		ORDER BY created_at ASC, text ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Policy
	for rows.Next() {
		var p contracts.Policy
		var id, effect, validFrom, createdAt string
		var validTo sql.NullString
		if err := rows.Scan(&id, &p.Text, &p.Condition, &effect, &validFrom, &validTo, &createdAt); err != nil {
			return nil, err
		}
		p.ID = contracts.PolicyID(id)
		p.Effect = contracts.Verdict(effect)
		if p.Validity.Start, err = time.Parse(time.RFC3339Nano, validFrom); err != nil {
			return nil, fmt.Errorf("corrupt valid_from on %s: %w", id, err)
		}
		if validTo.Valid {
			end, err := time.Parse(time.RFC3339Nano, validTo.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt valid_to on %s: %w", id, err)
			}
			p.Validity.End = &end
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Retire closes a policy's validity window.
func (e *Engine) Retire(ctx context.Context, id contracts.PolicyID) error {
	now := e.clock().UTC().Format(timeLayout)
	res, err := e.db.ExecContext(ctx,
		`UPDATE policies SET valid_to = $1 WHERE id = $2 AND valid_to IS NULL`, now, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("policy not active")
	}
	return nil
}

// ActiveHashes returns the sorted 12-hex text hashes of active policies,
// the shape stored in playbook snapshots.
func (e *Engine) ActiveHashes(ctx context.Context) ([]string, error) {
	active, err := e.Active(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(active))
	for _, p := range active {
		hashes = append(hashes, TextHash(p.Text))
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Evaluate tests every active policy against the belief and merges effects.
// A condition that errors at runtime counts as fired with its effect: the
// engine fails closed, as a policy that cannot be evaluated must not be
// silently skipped.
func (e *Engine) Evaluate(ctx context.Context, belief contracts.BeliefState) (contracts.PolicyResult, error) {
	active, err := e.Active(ctx)
	if err != nil {
		return contracts.PolicyResult{}, err
	}

	input := celInput(belief)
	result := contracts.PolicyResult{Verdict: contracts.VerdictAllow}
	var fired []contracts.Policy

	for _, p := range active {
		prg, err := e.program(p)
		if err != nil {
			return contracts.PolicyResult{}, err
		}

		matched := true // fail closed
		out, _, evalErr := prg.Eval(input)
		if evalErr == nil {
			b, ok := out.Value().(bool)
			matched = ok && b
		}
		if !matched {
			continue
		}
		fired = append(fired, p)
		if p.Effect.Dominates(result.Verdict) {
			result.Verdict = p.Effect
		}
	}

	// Safety override: the booking rule must not block a case that proposes
	// no shipment-typed action. Applied after merging.
	if result.Verdict == contracts.VerdictBlock && !hasShipmentAction(belief) {
		result.Verdict = contracts.VerdictAllow
		remaining := fired[:0]
		for _, p := range fired {
			if isBookingRule(p) && !hasShipmentAction(belief) {
				continue
			}
			remaining = append(remaining, p)
			if p.Effect.Dominates(result.Verdict) {
				result.Verdict = p.Effect
			}
		}
		fired = remaining
	}

	for _, p := range fired {
		result.Effects = append(result.Effects, fmt.Sprintf("%s: %s", p.Effect, p.Text))
		result.Citations = append(result.Citations, TextHash(p.Text))
	}
	sort.Strings(result.Citations)
	return result, nil
}

func (e *Engine) program(p contracts.Policy) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[p.ID]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	// Policy rows inserted by another process are compiled on first use.
	ast, issues := e.env.Compile(p.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy %s compilation failed: %w", p.ID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[p.ID] = prg
	e.mu.Unlock()
	return prg, nil
}

func celInput(b contracts.BeliefState) map[string]any {
	actions := make([]string, 0, len(b.ProposedActions))
	for _, a := range b.ProposedActions {
		actions = append(actions, string(a))
	}
	sources := b.EvidenceSources
	if sources == nil {
		sources = []string{}
	}
	return map[string]any{
		"risk_level":           string(b.RiskLevel),
		"proposed_posture":     string(b.ProposedPosture),
		"evidence_sources":     sources,
		"has_contradictions":   b.HasContradictions,
		"has_stale_evidence":   b.HasStaleEvidence,
		"has_booking_evidence": b.HasBookingEvidence,
		"proposed_actions":     actions,
		"has_shipment_action":  hasShipmentAction(b),
		"estimated_cost":       b.EstimatedCost,
		"service_tier":         b.ServiceTier,
		"hours_until_deadline": b.HoursUntilDeadline,
		"flight_category":      b.FlightCategory,
	}
}

func hasShipmentAction(b contracts.BeliefState) bool {
	for _, a := range b.ProposedActions {
		if a.ShipmentScoped() {
			return true
		}
	}
	return false
}
