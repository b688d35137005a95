// Package sim is the simulation harness: canned disruption scenarios that
// stand in for the live signal sources, and a seeder for airport reference
// nodes and their downstream cascade. Scenario files are YAML, validated
// against a JSON Schema, with a semver-gated schema_version so older
// runners refuse files they cannot interpret.
package sim

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/skylane-systems/aerogate/pkg/contracts"
	"github.com/skylane-systems/aerogate/pkg/signals"
)

//go:embed scenarios/*.yaml schema.json
var files embed.FS

// schemaVersions is the range of scenario schema versions this build reads.
var schemaVersions = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// FailureMode simulates a source outage.
type FailureMode string

const (
	FailTimeout   FailureMode = "timeout"
	FailUpstream  FailureMode = "upstream_error"
	FailMalformed FailureMode = "malformed"
)

// Scenario is one canned disruption.
type Scenario struct {
	SchemaVersion string                    `yaml:"schema_version" json:"schema_version"`
	ID            string                    `yaml:"id" json:"id"`
	Description   string                    `yaml:"description" json:"description"`
	Airport       string                    `yaml:"airport" json:"airport"`
	Baseline      float64                   `yaml:"baseline_movements" json:"baseline_movements"`
	Sources       map[string]map[string]any `yaml:"sources" json:"sources"`
	Failures      map[string]FailureMode    `yaml:"failures" json:"failures,omitempty"`
}

// LoadScenarios parses, validates, and version-gates every embedded
// scenario file.
func LoadScenarios() (map[string]Scenario, error) {
	schemaBytes, err := files.ReadFile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("scenario schema read: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(schemaBytes))); err != nil {
		return nil, fmt.Errorf("scenario schema load: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("scenario schema compile: %w", err)
	}

	out := map[string]Scenario{}
	err = fs.WalkDir(files, "scenarios", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := files.ReadFile(path)
		if err != nil {
			return err
		}
		var sc Scenario
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("scenario %s: %w", path, err)
		}

		// Validate the JSON projection of the YAML document.
		asJSON, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(asJSON, &doc); err != nil {
			return err
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("scenario %s invalid: %w", path, err)
		}

		v, err := semver.NewVersion(sc.SchemaVersion)
		if err != nil {
			return fmt.Errorf("scenario %s schema_version: %w", path, err)
		}
		if !schemaVersions.Check(v) {
			return fmt.Errorf("scenario %s schema_version %s outside supported range", path, v)
		}

		out[sc.ID] = sc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns scenario ids sorted, for the scenarios endpoint.
func List(scenarios map[string]Scenario) []Scenario {
	ids := make([]string, 0, len(scenarios))
	for id := range scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Scenario, 0, len(ids))
	for _, id := range ids {
		out = append(out, scenarios[id])
	}
	return out
}

// Source serves scenario payloads as a signals.SignalSource, keyed by
// airport. Failure modes reproduce the error taxonomy: timeouts and
// upstream errors are transient, malformed payloads are permanent.
type Source struct {
	byAirport map[string]Scenario
	clock     func() time.Time
}

// NewSource indexes scenarios by airport.
func NewSource(scenarios map[string]Scenario) *Source {
	byAirport := map[string]Scenario{}
	for _, sc := range scenarios {
		byAirport[sc.Airport] = sc
	}
	return &Source{byAirport: byAirport, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Source) WithClock(clock func() time.Time) *Source {
	s.clock = clock
	return s
}

// ScenarioFor exposes the scenario backing an airport, if any.
func (s *Source) ScenarioFor(airport string) (Scenario, bool) {
	sc, ok := s.byAirport[airport]
	return sc, ok
}

func (s *Source) Fetch(ctx context.Context, req signals.Request) (signals.RawSignal, error) {
	sc, ok := s.byAirport[req.Airport]
	if !ok {
		return signals.RawSignal{}, fmt.Errorf("no scenario for airport %s: %w", req.Airport, signals.ErrPermanent)
	}

	if mode, failed := sc.Failures[req.Source]; failed {
		switch mode {
		case FailTimeout:
			// Honor the caller's deadline the way a hung upstream would.
			<-ctx.Done()
			return signals.RawSignal{}, ctx.Err()
		case FailMalformed:
			return signals.RawSignal{}, fmt.Errorf("malformed %s payload: %w", req.Source, signals.ErrPermanent)
		default:
			return signals.RawSignal{}, fmt.Errorf("simulated %s upstream error", req.Source)
		}
	}

	payload, ok := sc.Sources[req.Source]
	if !ok {
		return signals.RawSignal{}, fmt.Errorf("scenario %s has no %s feed: %w", sc.ID, req.Source, signals.ErrPermanent)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return signals.RawSignal{}, err
	}
	now := s.clock().UTC()
	return signals.RawSignal{
		Payload:     raw,
		ContentType: "application/json",
		EventTime:   &contracts.TimeWindow{Start: now},
		FetchedAt:   now,
	}, nil
}
