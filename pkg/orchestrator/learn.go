package orchestrator

import (
	"context"

	"github.com/skylane-systems/aerogate/pkg/playbook"
)

// minePlaybook hands a resolved case to the learner. Mining failures are
// logged, never fatal: the decision already shipped.
func (o *Orchestrator) minePlaybook(ctx context.Context, r *run) {
	if o.deps.Playbooks == nil {
		return
	}
	snapshot, err := o.deps.Policy.ActiveHashes(ctx)
	if err != nil {
		o.deps.Logger.Warn("playbook snapshot failed", "case", r.c.ID, "error", err)
		return
	}

	contradictions, err := o.scopeContradictions(ctx, r)
	if err != nil {
		o.deps.Logger.Warn("playbook contradiction read failed", "case", r.c.ID, "error", err)
		return
	}

	in := playbook.MineInput{
		CaseID:          r.c.ID,
		Scope:           r.c.Scope,
		EvidenceSources: r.belief.EvidenceSources,
		Contradictions:  len(contradictions),
		RiskLevel:       r.belief.RiskLevel,
		Posture:         r.c.Posture,
		Succeeded:       true,
		PolicySnapshot:  snapshot,
	}
	for _, a := range r.executed {
		in.ExecutedActions = append(in.ExecutedActions, a.Type)
	}
	if _, err := o.deps.Playbooks.Mine(ctx, in); err != nil {
		o.deps.Logger.Warn("playbook mining failed", "case", r.c.ID, "error", err)
	}
}
