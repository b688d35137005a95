package executor

import (
	"context"
	"fmt"

	"github.com/skylane-systems/aerogate/pkg/cases"
	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// FuncHandler adapts two functions into a Handler. A nil RollbackFn means
// the type has no inverse.
type FuncHandler struct {
	ExecuteFn  func(ctx context.Context, a contracts.Action) (map[string]any, error)
	RollbackFn func(ctx context.Context, a contracts.Action) error
}

func (h FuncHandler) Execute(ctx context.Context, a contracts.Action) (map[string]any, error) {
	return h.ExecuteFn(ctx, a)
}

func (h FuncHandler) Rollback(ctx context.Context, a contracts.Action) error {
	if h.RollbackFn == nil {
		return ErrRollbackUnsupported
	}
	return h.RollbackFn(ctx, a)
}

// postureHandler applies SET_POSTURE to the case row. Rollback restores the
// prior posture captured in the action args at planning time.
type postureHandler struct {
	cases *cases.Store
}

func (h *postureHandler) Execute(ctx context.Context, a contracts.Action) (map[string]any, error) {
	posture, _ := a.Args["posture"].(string)
	if posture == "" {
		return nil, fmt.Errorf("SET_POSTURE missing posture arg")
	}
	if err := h.cases.SetPosture(ctx, a.CaseID, contracts.Posture(posture)); err != nil {
		return nil, err
	}
	return map[string]any{"posture": posture}, nil
}

func (h *postureHandler) Rollback(ctx context.Context, a contracts.Action) error {
	prior, _ := a.Args["prior_posture"].(string)
	if prior == "" {
		prior = string(contracts.PostureAccept)
	}
	return h.cases.SetPosture(ctx, a.CaseID, contracts.Posture(prior))
}

// RegisterDefaults installs handlers for the full action library. Gateway
// and customer effects terminate in the outcome payload here; downstream
// systems consume them through webhooks and the decision packet.
func RegisterDefaults(g *Governor, caseStore *cases.Store) {
	g.Register(contracts.ActionSetPosture, &postureHandler{cases: caseStore})

	ack := func(fields ...string) FuncHandler {
		return FuncHandler{
			ExecuteFn: func(_ context.Context, a contracts.Action) (map[string]any, error) {
				out := map[string]any{"acknowledged": true}
				for _, f := range fields {
					if v, ok := a.Args[f]; ok {
						out[f] = v
					}
				}
				return out, nil
			},
			RollbackFn: func(context.Context, contracts.Action) error { return nil },
		}
	}

	g.Register(contracts.ActionHoldCargo, ack("shipment"))
	g.Register(contracts.ActionReleaseCargo, ack("shipment"))
	g.Register(contracts.ActionSwitchGateway, ack("shipment", "gateway"))
	g.Register(contracts.ActionRebookFlight, ack("shipment", "flight"))
	g.Register(contracts.ActionUpgradeService, ack("shipment", "tier"))
	g.Register(contracts.ActionNotifyCustomer, ack("recipient", "message"))
	g.Register(contracts.ActionFileClaim, ack("shipment", "amount"))
	g.Register(contracts.ActionPublishAdvisory, ack("airport", "advisory"))
	g.Register(contracts.ActionUpdateBookingRules, ack("airport", "rules"))
	g.Register(contracts.ActionTriggerReevaluation, ack("airport"))
	g.Register(contracts.ActionEscalateOps, ack("airport", "reason"))
}
