package contracts

import "fmt"

// InvariantKind names one of the store-enforced invariants.
type InvariantKind string

const (
	InvariantEvidenceBinding  InvariantKind = "EVIDENCE_BINDING"
	InvariantNodeImmutability InvariantKind = "NODE_IMMUTABILITY"
	InvariantActionGovernance InvariantKind = "ACTION_GOVERNANCE"
)

// InvariantViolation is returned when a write would break one of the binding
// invariants. Callers must not catch and ignore it; the orchestrator turns it
// into a guardrail failure and blocks the case.
type InvariantViolation struct {
	Kind   InvariantKind
	RowID  string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated on row %s: %s", e.Kind, e.RowID, e.Detail)
}
