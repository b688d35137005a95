// Package planner chooses the case's actions with a deterministic beam
// search over a fixed action library. Scores come from precomputed tables;
// no external call happens during planning, so two identical beliefs always
// produce the same plan.
package planner

import (
	"sort"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

const (
	// BeamWidth and BeamDepth bound the search.
	BeamWidth = 4
	BeamDepth = 4
)

// Candidate is one action the planner may select, with its table-driven
// score terms. Investigation candidates score information_gain - cost;
// interventions score action_value - cost - risk_penalty.
type Candidate struct {
	Type          contracts.ActionType
	Args          map[string]any
	Risk          contracts.RiskLevel
	Investigation bool
	InfoGain      float64
	Value         float64
	Cost          float64
	RiskPenalty   float64
}

// Score is the candidate's net contribution.
func (c Candidate) Score() float64 {
	if c.Investigation {
		return c.InfoGain - c.Cost
	}
	return c.Value - c.Cost - c.RiskPenalty
}

// Plan runs the beam search and returns the chosen candidates, best first.
func Plan(belief contracts.BeliefState) []Candidate {
	library := buildLibrary(belief)
	sort.Slice(library, func(i, j int) bool {
		if library[i].Score() != library[j].Score() {
			return library[i].Score() > library[j].Score()
		}
		return library[i].Type < library[j].Type // deterministic tie-break
	})

	type state struct {
		chosen []int
		used   map[int]bool
		score  float64
	}
	beam := []state{{used: map[int]bool{}}}

	for depth := 0; depth < BeamDepth; depth++ {
		var next []state
		for _, st := range beam {
			next = append(next, st) // stopping here is always an option
			for i, c := range library {
				if st.used[i] || c.Score() <= 0 {
					continue
				}
				used := make(map[int]bool, len(st.used)+1)
				for k := range st.used {
					used[k] = true
				}
				used[i] = true
				chosen := append(append([]int{}, st.chosen...), i)
				next = append(next, state{chosen: chosen, used: used, score: st.score + c.Score()})
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			if next[i].score != next[j].score {
				return next[i].score > next[j].score
			}
			return len(next[i].chosen) < len(next[j].chosen)
		})
		if len(next) > BeamWidth {
			next = next[:BeamWidth]
		}
		beam = next
	}

	best := beam[0]
	out := make([]Candidate, 0, len(best.chosen))
	for _, i := range best.chosen {
		out = append(out, library[i])
	}
	return out
}

// buildLibrary evaluates the fixed tables against the belief. Values are
// hand-tuned constants; a candidate whose preconditions fail gets value 0
// and drops out of the search.
func buildLibrary(b contracts.BeliefState) []Candidate {
	disrupted := b.ProposedPosture != contracts.PostureAccept
	severe := b.ProposedPosture == contracts.PostureHold || b.ProposedPosture == contracts.PostureEscalate
	risky := b.RiskLevel == contracts.RiskHigh || b.RiskLevel == contracts.RiskCritical

	postureRisk := contracts.RiskLow
	if severe {
		postureRisk = contracts.RiskMedium
	}

	lib := []Candidate{
		{
			Type:  contracts.ActionSetPosture,
			Args:  map[string]any{"posture": string(b.ProposedPosture)},
			Risk:  postureRisk,
			Value: 10, Cost: 0.5,
		},
		{
			Type:  contracts.ActionPublishAdvisory,
			Args:  map[string]any{"airport": b.Scope, "advisory": "gateway posture " + string(b.ProposedPosture)},
			Risk:  contracts.RiskLow,
			Value: boolVal(disrupted, 6), Cost: 1,
		},
		{
			Type:  contracts.ActionUpdateBookingRules,
			Args:  map[string]any{"airport": b.Scope, "rules": "posture:" + string(b.ProposedPosture)},
			Risk:  contracts.RiskMedium,
			Value: boolVal(disrupted, 4), Cost: 1, RiskPenalty: 0.5,
		},
		{
			Type:  contracts.ActionNotifyCustomer,
			Args:  map[string]any{"recipient": "affected-shippers", "message": "disruption at " + b.Scope},
			Risk:  contracts.RiskLow,
			Value: boolVal(severe, 5), Cost: 1,
		},
		{
			Type:  contracts.ActionEscalateOps,
			Args:  map[string]any{"airport": b.Scope, "reason": "risk " + string(b.RiskLevel)},
			Risk:  contracts.RiskHigh,
			Value: boolVal(risky || b.ProposedPosture == contracts.PostureEscalate, 7),
			Cost:  1, RiskPenalty: 2,
		},
		{
			Type:          contracts.ActionTriggerReevaluation,
			Args:          map[string]any{"airport": b.Scope},
			Risk:          contracts.RiskLow,
			Investigation: true,
			InfoGain:      boolVal(b.HasContradictions || b.HasStaleEvidence, 3),
			Cost:          1,
		},
	}

	if severe && b.HasBookingEvidence {
		lib = append(lib, Candidate{
			Type:  contracts.ActionHoldCargo,
			Args:  map[string]any{"shipment": "affected"},
			Risk:  contracts.RiskHigh,
			Value: 6, Cost: 1, RiskPenalty: 2,
		})
	}
	return lib
}

func boolVal(cond bool, v float64) float64 {
	if cond {
		return v
	}
	return 0
}
