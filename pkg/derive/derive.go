// Package derive projects newly ingested evidence into typed graph edges and
// claims, bound to the exact rows that supplied their attributes, and runs
// contradiction detection across sources. The derivation table is fixed; an
// unknown source system is stored as evidence but produces no graph rows.
package derive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/graph"
)

// FAAStaleAfter is the age beyond which FAA data contradicts fresher sources.
const FAAStaleAfter = 15 * time.Minute

// CriticalityFor maps a source system to the criticality of losing it.
func CriticalityFor(source string) contracts.Criticality {
	switch source {
	case contracts.SourceFAANAS, contracts.SourceMETAR:
		return contracts.CriticalityBlocking
	case contracts.SourceNWS, contracts.SourceTAF:
		return contracts.CriticalityDegraded
	default:
		return contracts.CriticalityInformational
	}
}

// SourceEvidence pairs an evidence row with its raw payload.
type SourceEvidence struct {
	Row     contracts.Evidence
	Payload []byte
}

// Input is one derivation pass over a case scope.
type Input struct {
	Airport     string
	AirportNode contracts.NodeID
	// Baseline is the airport's expected aircraft-in-area count; zero
	// disables movement-collapse detection.
	Baseline float64
	Evidence []SourceEvidence
}

// Signals summarizes what derivation concluded, for belief assembly.
type Signals struct {
	FAANormal        bool
	FAAPresent       bool
	FAAStale         bool
	FlightCategory   string
	MovementCollapse bool
	AlertSeverity    string
	SourcesSeen      []string
}

// Result is everything one derivation pass wrote.
type Result struct {
	Edges          []contracts.EdgeID
	Claims         []contracts.ClaimID
	Contradictions []contracts.ContradictionID
	Signals        Signals
}

// Deriver writes derived rows through the graph store.
type Deriver struct {
	graph *graph.Store
	clock func() time.Time
}

func NewDeriver(g *graph.Store) *Deriver {
	return &Deriver{graph: g, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (d *Deriver) WithClock(clock func() time.Time) *Deriver {
	d.clock = clock
	return d
}

// Run derives edges and claims for every evidence row, then detects
// contradictions across the pass. Rows from unknown sources are skipped.
func (d *Deriver) Run(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}
	seen := map[string]bool{}

	// Claims that participate in contradiction pairing.
	var opsNormalClaim, weatherRiskClaim, collapseClaim, vfrClaim contracts.ClaimID
	var faaRetrievedAt time.Time
	var newestOther time.Time

	for _, ev := range in.Evidence {
		if seen[ev.Row.SourceSystem] {
			continue
		}

		var err error
		switch ev.Row.SourceSystem {
		case contracts.SourceFAANAS:
			faaRetrievedAt = ev.Row.RetrievedAt
			err = d.deriveFAA(ctx, in, ev, res, &opsNormalClaim)
		case contracts.SourceMETAR:
			err = d.deriveMETAR(ctx, in, ev, res, &weatherRiskClaim, &vfrClaim)
		case contracts.SourceTAF:
			err = d.deriveTAF(ctx, in, ev, res)
		case contracts.SourceNWS:
			err = d.deriveNWS(ctx, in, ev, res)
		case contracts.SourceADSB:
			err = d.deriveADSB(ctx, in, ev, res, &collapseClaim)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", ev.Row.SourceSystem, err)
		}
		seen[ev.Row.SourceSystem] = true
		res.Signals.SourcesSeen = append(res.Signals.SourcesSeen, ev.Row.SourceSystem)
		if ev.Row.SourceSystem != contracts.SourceFAANAS && ev.Row.RetrievedAt.After(newestOther) {
			newestOther = ev.Row.RetrievedAt
		}
	}
	res.Signals.FAAPresent = seen[contracts.SourceFAANAS]

	// Contradiction pass. Four fixed patterns.
	record := func(kind string, left contracts.ClaimID, right *contracts.ClaimID, detail string) error {
		id, err := d.graph.InsertContradiction(ctx, contracts.Contradiction{
			Kind:         kind,
			LeftClaimID:  left,
			RightClaimID: right,
			Detail:       detail,
			DetectedAt:   d.clock().UTC(),
		})
		if err != nil {
			return err
		}
		res.Contradictions = append(res.Contradictions, id)
		return nil
	}

	lowCategory := res.Signals.FlightCategory == "IFR" || res.Signals.FlightCategory == "LIFR"
	if opsNormalClaim != "" && weatherRiskClaim != "" && lowCategory {
		if err := record("FAA_NORMAL_VS_LOW_CATEGORY", opsNormalClaim, &weatherRiskClaim,
			fmt.Sprintf("FAA reports normal ops while METAR is %s at %s", res.Signals.FlightCategory, in.Airport)); err != nil {
			return nil, err
		}
	}
	if opsNormalClaim != "" && collapseClaim != "" {
		if err := record("FAA_NORMAL_VS_MOVEMENT_COLLAPSE", opsNormalClaim, &collapseClaim,
			fmt.Sprintf("FAA reports normal ops while traffic collapsed at %s", in.Airport)); err != nil {
			return nil, err
		}
	}
	if vfrClaim != "" && collapseClaim != "" {
		if err := record("METAR_VFR_VS_MOVEMENT_COLLAPSE", vfrClaim, &collapseClaim,
			fmt.Sprintf("METAR reports VFR while traffic collapsed at %s", in.Airport)); err != nil {
			return nil, err
		}
	}
	if res.Signals.FAAPresent && !newestOther.IsZero() && newestOther.Sub(faaRetrievedAt) > FAAStaleAfter {
		res.Signals.FAAStale = true
		if opsNormalClaim != "" {
			if err := record("STALE_FAA", opsNormalClaim, nil,
				fmt.Sprintf("FAA data is %s older than the freshest source", newestOther.Sub(faaRetrievedAt).Round(time.Minute))); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func (d *Deriver) insertFactEdge(ctx context.Context, e contracts.Edge, ev contracts.Evidence, res *Result) (contracts.EdgeID, error) {
	e.Status = contracts.StatusFact
	e.SourceSystem = ev.SourceSystem
	if ev.EventTime != nil {
		e.EventTime = *ev.EventTime
	} else {
		e.EventTime = contracts.TimeWindow{Start: ev.RetrievedAt}
	}
	e.IngestedAt = d.clock().UTC()
	id, err := d.graph.InsertEdge(ctx, e, []contracts.EvidenceID{ev.ID})
	if err != nil {
		return "", err
	}
	res.Edges = append(res.Edges, id)
	return id, nil
}

func (d *Deriver) insertFactClaim(ctx context.Context, c contracts.Claim, ev contracts.Evidence, res *Result) (contracts.ClaimID, error) {
	c.Status = contracts.StatusFact
	c.SourceSystem = ev.SourceSystem
	if ev.EventTime != nil {
		c.EventTime = *ev.EventTime
	} else {
		c.EventTime = contracts.TimeWindow{Start: ev.RetrievedAt}
	}
	c.IngestedAt = d.clock().UTC()
	id, err := d.graph.InsertClaim(ctx, c, []contracts.EvidenceID{ev.ID})
	if err != nil {
		return "", err
	}
	res.Claims = append(res.Claims, id)
	return id, nil
}

type faaPayload struct {
	GroundStop      bool    `json:"ground_stop"`
	GroundDelay     bool    `json:"ground_delay"`
	Closure         bool    `json:"closure"`
	AvgDelayMinutes float64 `json:"avg_delay_minutes"`
	EndTime         string  `json:"end_time"`
}

func (d *Deriver) deriveFAA(ctx context.Context, in Input, ev SourceEvidence, res *Result, opsNormal *contracts.ClaimID) error {
	var p faaPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed FAA payload: %w", err)
	}

	kind := ""
	switch {
	case p.Closure:
		kind = "CLOSURE"
	case p.GroundStop:
		kind = "GROUND_STOP"
	case p.GroundDelay:
		kind = "GROUND_DELAY"
	}

	if kind == "" {
		res.Signals.FAANormal = true
		id, err := d.insertFactClaim(ctx, contracts.Claim{
			SubjectID:  in.AirportNode,
			Kind:       "OpsNormal",
			Text:       fmt.Sprintf("FAA NAS reports normal operations at %s", in.Airport),
			Confidence: 0.9,
		}, ev.Row, res)
		if err != nil {
			return err
		}
		*opsNormal = id
		return nil
	}

	condNode, err := d.graph.UpsertNode(ctx, contracts.NodeCondition, in.Airport+"/"+kind)
	if err != nil {
		return err
	}
	_, err = d.insertFactEdge(ctx, contracts.Edge{
		SrcID: in.AirportNode,
		DstID: condNode,
		Type:  contracts.EdgeDisruptedBy,
		Attrs: map[string]any{
			"kind":      kind,
			"magnitude": p.AvgDelayMinutes,
			"end_time":  p.EndTime,
		},
		Confidence: 0.95,
	}, ev.Row, res)
	return err
}

type metarPayload struct {
	VisibilitySM float64 `json:"visibility_sm"`
	WindKt       float64 `json:"wind_kt"`
	CeilingFt    float64 `json:"ceiling_ft"`
	Category     string  `json:"category"`
	Raw          string  `json:"raw"`
}

func (d *Deriver) deriveMETAR(ctx context.Context, in Input, ev SourceEvidence, res *Result, weatherRisk, vfr *contracts.ClaimID) error {
	var p metarPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed METAR payload: %w", err)
	}
	category := strings.ToUpper(p.Category)
	if category == "" {
		category = FlightCategory(p.VisibilitySM, p.CeilingFt)
	}
	res.Signals.FlightCategory = category

	obsNode, err := d.graph.UpsertNode(ctx, contracts.NodeWeatherObs, in.Airport+"/"+ev.Row.ContentSHA256[:12])
	if err != nil {
		return err
	}
	if _, err := d.insertFactEdge(ctx, contracts.Edge{
		SrcID: in.AirportNode,
		DstID: obsNode,
		Type:  contracts.EdgeHasWeather,
		Attrs: map[string]any{
			"visibility_sm": p.VisibilitySM,
			"wind_kt":       p.WindKt,
			"ceiling_ft":    p.CeilingFt,
			"category":      category,
		},
		Confidence: 0.95,
	}, ev.Row, res); err != nil {
		return err
	}

	switch category {
	case "LIFR", "IFR":
		id, err := d.insertFactClaim(ctx, contracts.Claim{
			SubjectID:  in.AirportNode,
			Kind:       "WeatherRisk",
			Text:       fmt.Sprintf("%s is below IFR minimums (%s)", in.Airport, category),
			Confidence: 0.9,
		}, ev.Row, res)
		if err != nil {
			return err
		}
		*weatherRisk = id
	case "VFR":
		id, err := d.insertFactClaim(ctx, contracts.Claim{
			SubjectID:  in.AirportNode,
			Kind:       "WeatherClear",
			Text:       fmt.Sprintf("%s reports VFR conditions", in.Airport),
			Confidence: 0.9,
		}, ev.Row, res)
		if err != nil {
			return err
		}
		*vfr = id
	}
	return nil
}

// FlightCategory applies the published FAA boundaries: LIFR below 1 sm or
// 500 ft, IFR below 3 sm or 1000 ft, MVFR to 5 sm or 3000 ft, else VFR.
func FlightCategory(visibilitySM, ceilingFt float64) string {
	switch {
	case visibilitySM < 1 || ceilingFt < 500:
		return "LIFR"
	case visibilitySM < 3 || ceilingFt < 1000:
		return "IFR"
	case visibilitySM <= 5 || ceilingFt <= 3000:
		return "MVFR"
	default:
		return "VFR"
	}
}

type tafPayload struct {
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
	Forecast  string    `json:"forecast"`
}

func (d *Deriver) deriveTAF(ctx context.Context, in Input, ev SourceEvidence, res *Result) error {
	var p tafPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed TAF payload: %w", err)
	}
	fcNode, err := d.graph.UpsertNode(ctx, contracts.NodeForecast, in.Airport+"/"+ev.Row.ContentSHA256[:12])
	if err != nil {
		return err
	}
	e := contracts.Edge{
		SrcID:      in.AirportNode,
		DstID:      fcNode,
		Type:       contracts.EdgeHasForecast,
		Attrs:      map[string]any{"forecast": p.Forecast},
		Confidence: 0.8,
	}
	// Edge validity is the forecast window, half-open.
	e.Validity = contracts.TimeWindow{Start: p.ValidFrom, End: &p.ValidTo}
	_, err = d.insertFactEdge(ctx, e, ev.Row, res)
	return err
}

type nwsPayload struct {
	Severity  string `json:"severity"`
	Certainty string `json:"certainty"`
	Headline  string `json:"headline"`
}

func (d *Deriver) deriveNWS(ctx context.Context, in Input, ev SourceEvidence, res *Result) error {
	var p nwsPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed NWS payload: %w", err)
	}
	res.Signals.AlertSeverity = p.Severity

	alertNode, err := d.graph.UpsertNode(ctx, contracts.NodeAlert, in.Airport+"/"+ev.Row.ContentSHA256[:12])
	if err != nil {
		return err
	}
	e := contracts.Edge{
		SrcID: in.AirportNode,
		DstID: alertNode,
		Type:  contracts.EdgeHasAlert,
		Attrs: map[string]any{
			"severity":  p.Severity,
			"certainty": p.Certainty,
			"headline":  p.Headline,
		},
		SourceSystem: ev.Row.SourceSystem,
		Confidence:   0.85,
		IngestedAt:   d.clock().UTC(),
	}
	if ev.Row.EventTime != nil {
		e.EventTime = *ev.Row.EventTime
	} else {
		e.EventTime = contracts.TimeWindow{Start: ev.Row.RetrievedAt}
	}

	// Severe and Extreme alerts land as FACT; anything milder stays DRAFT.
	if p.Severity == "Severe" || p.Severity == "Extreme" {
		e.Status = contracts.StatusFact
	} else {
		e.Status = contracts.StatusDraft
	}
	id, err := d.graph.InsertEdge(ctx, e, []contracts.EvidenceID{ev.Row.ID})
	if err != nil {
		return err
	}
	res.Edges = append(res.Edges, id)
	return nil
}

type adsbPayload struct {
	AircraftCount float64 `json:"aircraft_count"`
}

func (d *Deriver) deriveADSB(ctx context.Context, in Input, ev SourceEvidence, res *Result, collapse *contracts.ClaimID) error {
	var p adsbPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("malformed ADS-B payload: %w", err)
	}

	snapNode, err := d.graph.UpsertNode(ctx, contracts.NodeMovement, in.Airport+"/"+ev.Row.ContentSHA256[:12])
	if err != nil {
		return err
	}
	if _, err := d.insertFactEdge(ctx, contracts.Edge{
		SrcID: in.AirportNode,
		DstID: snapNode,
		Type:  contracts.EdgeHasMovement,
		Attrs: map[string]any{
			"aircraft_count": p.AircraftCount,
			"baseline":       in.Baseline,
		},
		Confidence: 0.9,
	}, ev.Row, res); err != nil {
		return err
	}

	// Strict less-than: a count at exactly half baseline is not a collapse.
	if in.Baseline > 0 && p.AircraftCount < in.Baseline*0.5 {
		res.Signals.MovementCollapse = true
		id, err := d.insertFactClaim(ctx, contracts.Claim{
			SubjectID:  in.AirportNode,
			Kind:       "MovementCollapse",
			Text:       fmt.Sprintf("%s traffic at %.0f vs baseline %.0f", in.Airport, p.AircraftCount, in.Baseline),
			Confidence: 0.85,
		}, ev.Row, res)
		if err != nil {
			return err
		}
		*collapse = id
	}
	return nil
}
