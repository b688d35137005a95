// Package signals defines the SignalSource capability and the bounded
// fan-out fetcher that drives it. Every fetched signal carries its fetch
// time (RawSignal.FetchedAt); the fetcher does not attach a Provenance or a
// TTL. Stale data is still ingested; the derive pass flags stale FAA data so
// the contradiction pass can see it.
package signals

import (
	"context"
	"errors"
	"time"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// Request names one fetch: a source system and the airport it covers.
type Request struct {
	Source  string
	Airport string
}

// RawSignal is what a source returns: bytes plus a best-effort event window.
type RawSignal struct {
	Payload     []byte
	ContentType string
	EventTime   *contracts.TimeWindow
	FetchedAt   time.Time
}

// Provenance tags a fetched signal with its freshness budget.
type Provenance struct {
	Source    string
	Airport   string
	FetchedAt time.Time
	TTL       time.Duration
}

// IsFresh reports whether the data is still within its TTL.
func (p Provenance) IsFresh(now time.Time) bool {
	return now.Before(p.FetchedAt.Add(p.TTL))
}

// SignalSource fetches raw bytes for a request. Implementations live outside
// the core: HTTP clients for FAA/NWS/METAR/TAF/ADS-B, or the simulation
// harness. A permanent failure (bad request, malformed upstream payload)
// should wrap ErrPermanent so the fetcher skips retries.
type SignalSource interface {
	Fetch(ctx context.Context, req Request) (RawSignal, error)
}

// ErrPermanent marks a non-retryable source failure (4xx, malformed body).
var ErrPermanent = errors.New("permanent source failure")

// RequiredSources lists the fetches one airport-disruption pass performs.
func RequiredSources(airport string) []Request {
	return []Request{
		{Source: contracts.SourceFAANAS, Airport: airport},
		{Source: contracts.SourceMETAR, Airport: airport},
		{Source: contracts.SourceTAF, Airport: airport},
		{Source: contracts.SourceNWS, Airport: airport},
		{Source: contracts.SourceADSB, Airport: airport},
	}
}
