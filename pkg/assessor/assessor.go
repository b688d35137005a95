// Package assessor defines the RiskAssessor capability: given a belief
// state, return a structured risk record. The LLM-backed implementation is
// the production path; the heuristic one serves scenario mode and the
// orchestrator's fallback when the LLM is unreachable. Assessor output is
// data, never control flow.
package assessor

import (
	"context"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// RiskAssessor quantifies risk for a belief state.
type RiskAssessor interface {
	Assess(ctx context.Context, belief contracts.BeliefState) (contracts.RiskAssessment, error)
}

// Heuristic is a deterministic assessor derived from the same signal
// summary the belief carries. It is the fallback of record: on LLM failure
// the orchestrator pins risk to HIGH with a degraded-confidence penalty, and
// in scenario mode this assessor runs alone.
type Heuristic struct{}

func (Heuristic) Assess(_ context.Context, belief contracts.BeliefState) (contracts.RiskAssessment, error) {
	score := 0
	breakdown := map[string]float64{}

	switch belief.FlightCategory {
	case "LIFR":
		score += 4
		breakdown["weather"] = 0.9
	case "IFR":
		score += 2
		breakdown["weather"] = 0.7
	case "MVFR":
		score++
		breakdown["weather"] = 0.5
	default:
		breakdown["weather"] = 0.2
	}
	if belief.HasContradictions {
		score += 2
		breakdown["contradictions"] = 0.8
	}
	if belief.HasStaleEvidence {
		score++
		breakdown["staleness"] = 0.6
	}
	// A full pass ingests five sources; every gap lowers what the system
	// can safely assume.
	switch missing := 5 - len(belief.EvidenceSources); {
	case missing >= 4:
		score += 3
		breakdown["coverage"] = 0.3
	case missing >= 1:
		score += 2
		breakdown["coverage"] = 0.5
	default:
		breakdown["coverage"] = 0.9
	}

	a := contracts.RiskAssessment{ConfidenceBreakdown: breakdown}
	switch {
	case score >= 7:
		a.RiskLevel = contracts.RiskCritical
		a.RecommendedPosture = contracts.PostureHold
	case score >= 4:
		a.RiskLevel = contracts.RiskHigh
		a.RecommendedPosture = contracts.PostureHold
	case score >= 2:
		a.RiskLevel = contracts.RiskMedium
		a.RecommendedPosture = contracts.PostureRestrict
	default:
		a.RiskLevel = contracts.RiskLow
		a.RecommendedPosture = contracts.PostureAccept
	}
	a.Explanation = "heuristic assessment from signal summary"
	return a, nil
}
