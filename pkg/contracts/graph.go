package contracts

import "time"

// NodeID identifies a graph node.
type NodeID string

// Node is an immutable graph entity keyed by (Type, Identifier),
// e.g. Airport/KJFK or Shipment/TRK-1234. Attribute changes never touch the
// node row; they append NodeVersions.
type Node struct {
	ID         NodeID    `json:"id"`
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeVersionID identifies one version of a node's attributes.
type NodeVersionID string

// NodeVersion carries a node's attributes over a validity window
// [ValidFrom, ValidTo); a nil ValidTo means current. Versions chain through
// Supersedes.
type NodeVersion struct {
	ID         NodeVersionID  `json:"id"`
	NodeID     NodeID         `json:"node_id"`
	Attrs      map[string]any `json:"attrs"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
	Supersedes *NodeVersionID `json:"supersedes,omitempty"`
}

// RowStatus is the lifecycle status of an edge or claim.
type RowStatus string

const (
	StatusDraft      RowStatus = "DRAFT"
	StatusFact       RowStatus = "FACT"
	StatusHypothesis RowStatus = "HYPOTHESIS"
	StatusRetracted  RowStatus = "RETRACTED"
)

// EdgeID identifies a graph edge.
type EdgeID string

// Edge is a directed typed link between two nodes. FACT status requires at
// least one bound evidence row; the store rejects promotion without one.
// EventTime says when the fact holds in the world; IngestedAt says when the
// system learned it.
type Edge struct {
	ID           EdgeID         `json:"id"`
	SrcID        NodeID         `json:"src_id"`
	DstID        NodeID         `json:"dst_id"`
	Type         string         `json:"type"`
	Status       RowStatus      `json:"status"`
	Attrs        map[string]any `json:"attrs,omitempty"`
	EventTime    TimeWindow     `json:"event_time"`
	IngestedAt   time.Time      `json:"ingested_at"`
	Validity     TimeWindow     `json:"validity"`
	SourceSystem string         `json:"source_system"`
	Confidence   float64        `json:"confidence"`
	Supersedes   *EdgeID        `json:"supersedes,omitempty"`
}

// ClaimID identifies a claim.
type ClaimID string

// Claim is a textual assertion about a subject node.
type Claim struct {
	ID           ClaimID    `json:"id"`
	SubjectID    NodeID     `json:"subject_id"`
	Kind         string     `json:"kind"`
	Text         string     `json:"text"`
	Status       RowStatus  `json:"status"`
	Confidence   float64    `json:"confidence"`
	EventTime    TimeWindow `json:"event_time"`
	IngestedAt   time.Time  `json:"ingested_at"`
	SourceSystem string     `json:"source_system"`
	Supersedes   *ClaimID   `json:"supersedes,omitempty"`
}

// ContradictionStatus is the resolution state of a contradiction.
type ContradictionStatus string

const (
	ContradictionOpen     ContradictionStatus = "OPEN"
	ContradictionResolved ContradictionStatus = "RESOLVED"
	ContradictionIgnored  ContradictionStatus = "IGNORED"
)

// ContradictionID identifies a contradiction row.
type ContradictionID string

// Contradiction pairs two claims (or a claim and a measured signal) that
// cannot both hold. RESOLVED may cite a decision and a resolution claim that
// supersedes one side.
type Contradiction struct {
	ID              ContradictionID     `json:"id"`
	Kind            string              `json:"kind"`
	LeftClaimID     ClaimID             `json:"left_claim_id"`
	RightClaimID    *ClaimID            `json:"right_claim_id,omitempty"`
	Detail          string              `json:"detail"`
	DetectedAt      time.Time           `json:"detected_at"`
	Status          ContradictionStatus `json:"status"`
	ResolutionClaim *ClaimID            `json:"resolution_claim,omitempty"`
	DecisionRef     string              `json:"decision_ref,omitempty"`
}

// Edge types produced by signal derivation and the cascade model.
const (
	EdgeDisruptedBy = "DISRUPTED_BY"
	EdgeHasWeather  = "HAS_WEATHER"
	EdgeHasForecast = "HAS_FORECAST"
	EdgeHasAlert    = "HAS_ALERT"
	EdgeHasMovement = "HAS_MOVEMENT"
	EdgeServes      = "SERVES"
	EdgeScheduledAt = "SCHEDULED_AT"
	EdgeContains    = "CONTAINS"
	EdgeBookedOn    = "BOOKED_ON"
)

// Node types.
const (
	NodeAirport    = "Airport"
	NodeCondition  = "Condition"
	NodeWeatherObs = "WeatherObservation"
	NodeForecast   = "WeatherForecast"
	NodeAlert      = "Alert"
	NodeMovement   = "MovementSnapshot"
	NodeFlight     = "Flight"
	NodeShipment   = "Shipment"
	NodeBooking    = "Booking"
)
