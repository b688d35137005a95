// Package contracts holds the shared domain types for the aerogate control
// plane. Every component speaks these types; none of them carry behavior
// beyond small accessors, so the package stays import-cycle free.
package contracts

import (
	"time"
)

// EvidenceID identifies one immutable evidence row.
type EvidenceID string

// Evidence is an immutable record of raw bytes ingested from a signal source.
// Identity is the triple (SourceSystem, SourceRef, ContentSHA256); repeated
// ingestion of identical bytes dedups to the same row.
type Evidence struct {
	ID            EvidenceID        `json:"id"`
	SourceSystem  string            `json:"source_system"`
	SourceRef     string            `json:"source_ref"`
	ContentSHA256 string            `json:"content_sha256"`
	ContentType   string            `json:"content_type"`
	RetrievedAt   time.Time         `json:"retrieved_at"`
	EventTime     *TimeWindow       `json:"event_time,omitempty"`
	PayloadPath   string            `json:"payload_path"`
	Excerpt       string            `json:"excerpt"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// TimeWindow is a half-open interval [Start, End). A nil End means open.
type TimeWindow struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End == nil || t.Before(*w.End)
}

// Signal source system names. These are the only systems the derivation
// table understands; anything else is stored but produces no graph rows.
const (
	SourceFAANAS = "faa_nas"
	SourceMETAR  = "metar"
	SourceTAF    = "taf"
	SourceNWS    = "nws_alerts"
	SourceADSB   = "adsb"
)
