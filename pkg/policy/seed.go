package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// TextHash returns the first 12 hex characters of SHA-256 over the
// normalized policy text (lowercased, whitespace collapsed). These hashes
// appear in packet citations and playbook snapshots.
func TextHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:12]
}

func isBookingRule(p contracts.Policy) bool {
	return strings.Contains(strings.ToLower(p.Text), "booking evidence")
}

// seedPolicy pairs a rule's text with its condition and effect.
type seedPolicy struct {
	Text      string
	Condition string
	Effect    contracts.Verdict
}

// seedPolicies is the required bootstrap rule set. The first four carry the
// engine's hard invariants; the rest encode operating doctrine. Additions
// are fine; removals of the invariant rules are not.
var seedPolicies = []seedPolicy{
	{
		Text:      "High risk actions require human approval",
		Condition: `risk_level == 'HIGH'`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "Critical risk forbids an ACCEPT posture",
		Condition: `risk_level == 'CRITICAL' && proposed_posture == 'ACCEPT'`,
		Effect:    contracts.VerdictBlock,
	},
	{
		Text:      "Open contradictions with stale evidence forbid an ACCEPT posture",
		Condition: `has_contradictions && has_stale_evidence && proposed_posture == 'ACCEPT'`,
		Effect:    contracts.VerdictBlock,
	},
	{
		Text:      "Shipment actions without booking evidence are blocked",
		Condition: `has_shipment_action && !has_booking_evidence`,
		Effect:    contracts.VerdictBlock,
	},
	{
		Text:      "Decisions on fewer than two evidence sources require approval",
		Condition: `size(evidence_sources) < 2`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "LIFR conditions forbid an ACCEPT posture",
		Condition: `flight_category == 'LIFR' && proposed_posture == 'ACCEPT'`,
		Effect:    contracts.VerdictBlock,
	},
	{
		Text:      "Estimated cost above ten thousand dollars requires approval",
		Condition: `estimated_cost > 10000.0`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "Express shipments near deadline under high risk require approval",
		Condition: `service_tier == 'EXPRESS' && hours_until_deadline < 6.0 && risk_level == 'HIGH'`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "An ESCALATE posture always requires approval",
		Condition: `proposed_posture == 'ESCALATE'`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "Stale evidence requires approval",
		Condition: `has_stale_evidence`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "Open contradictions require evidence resolution before ACCEPT",
		Condition: `has_contradictions && proposed_posture == 'ACCEPT'`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "More than three proposed actions in one case require approval",
		Condition: `size(proposed_actions) > 3`,
		Effect:    contracts.VerdictRequireApproval,
	},
	{
		Text:      "Medium risk on a single evidence source requires approval",
		Condition: `risk_level == 'MEDIUM' && size(evidence_sources) < 2`,
		Effect:    contracts.VerdictRequireApproval,
	},
}

// Seed installs the bootstrap rule set idempotently, keyed by the unique
// constraint on policy text.
func (e *Engine) Seed(ctx context.Context) error {
	for _, p := range seedPolicies {
		if _, err := e.Add(ctx, p.Text, p.Condition, p.Effect); err != nil {
			return err
		}
	}
	return nil
}

// SeedCount is the number of bootstrap policies.
const SeedCount = 13
