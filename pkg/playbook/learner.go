// Package playbook mines resolved cases into retrievable action templates
// and scores retrieval with recency decay and policy-drift alignment. A
// playbook is advice, not authority: retrieval suggests, the orchestrator
// still runs the full loop.
package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

var ErrNotFound = errors.New("playbook not found")

const schema = `
CREATE TABLE IF NOT EXISTS playbooks (
	id TEXT PRIMARY KEY,
	pattern TEXT NOT NULL,
	actions TEXT NOT NULL,
	posture TEXT NOT NULL,
	stats TEXT NOT NULL,
	policy_snapshot TEXT NOT NULL,
	domain TEXT NOT NULL,
	mined_from_case TEXT NOT NULL,
	mined_at TEXT NOT NULL,
	last_used_at TEXT
);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists playbooks.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("playbook schema: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// MineInput is what the learner extracts from a resolved case.
type MineInput struct {
	CaseID          contracts.CaseID
	Scope           string
	EvidenceSources []string
	Contradictions  int
	RiskLevel       contracts.RiskLevel
	Posture         contracts.Posture
	ExecutedActions []contracts.ActionType
	Succeeded       bool
	PolicySnapshot  []string // sorted 12-hex hashes of active policy texts
}

// Mine records a playbook from a resolved case.
func (s *Store) Mine(ctx context.Context, in MineInput) (contracts.Playbook, error) {
	successRate := 0.0
	if in.Succeeded {
		successRate = 1.0
	}
	pb := contracts.Playbook{
		ID: uuid.New().String(),
		Pattern: contracts.PlaybookPattern{
			ScopeSignature:  scopeSignature(in.Scope),
			EvidenceSources: append([]string{}, in.EvidenceSources...),
			Contradictions:  in.Contradictions,
			RiskLevel:       in.RiskLevel,
		},
		Actions:        append([]contracts.ActionType{}, in.ExecutedActions...),
		Posture:        in.Posture,
		Stats:          contracts.PlaybookStats{TimesUsed: 1, SuccessRate: successRate},
		PolicySnapshot: append([]string{}, in.PolicySnapshot...),
		Domain:         domainFor(in),
		MinedFromCase:  in.CaseID,
		MinedAt:        s.clock().UTC(),
	}
	sort.Strings(pb.PolicySnapshot)

	if err := s.insert(ctx, pb); err != nil {
		return contracts.Playbook{}, err
	}
	return pb, nil
}

// domainFor tags the playbook: weather signals dominate unless the pattern
// is operationally driven.
func domainFor(in MineInput) contracts.PlaybookDomain {
	for _, src := range in.EvidenceSources {
		if src == contracts.SourceMETAR || src == contracts.SourceTAF || src == contracts.SourceNWS {
			return contracts.DomainWeather
		}
	}
	return contracts.DomainOperational
}

func scopeSignature(scope string) string {
	return strings.ToUpper(strings.TrimSpace(scope))
}

// DecayFactor is 0.5^(age / halfLife): exactly 0.5 at one half-life.
func DecayFactor(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// Jaccard is |a∩b| / |a∪b| over two hash sets; 1.0 for two empty sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]bool, len(a))
	for _, x := range a {
		setA[x] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	inter := 0
	for x := range setA {
		union[x] = true
	}
	for _, x := range b {
		if setA[x] {
			inter++
		}
		union[x] = true
	}
	return float64(inter) / float64(len(union))
}

// Scored pairs a playbook with its retrieval score.
type Scored struct {
	Playbook contracts.Playbook
	Score    float64
}

// Retrieve scores every playbook matching the scope signature:
// success_rate x decay x policy_alignment x confidence_penalty, where the
// penalty discounts playbooks mined from contradiction-heavy cases.
func (s *Store) Retrieve(ctx context.Context, scope string, currentPolicies []string, limit int) ([]Scored, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	sig := scopeSignature(scope)

	var out []Scored
	for _, pb := range all {
		if pb.Pattern.ScopeSignature != sig {
			continue
		}
		decay := DecayFactor(now.Sub(pb.MinedAt), pb.Domain.HalfLife())
		alignment := Jaccard(pb.PolicySnapshot, currentPolicies)
		penalty := 1.0 / (1.0 + float64(pb.Pattern.Contradictions))
		score := pb.Stats.SuccessRate * decay * alignment * penalty
		if score <= 0 {
			continue
		}
		out = append(out, Scored{Playbook: pb, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkUsed stamps last_used_at and bumps usage stats.
func (s *Store) MarkUsed(ctx context.Context, id string) error {
	pb, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	pb.Stats.TimesUsed++
	now := s.clock().UTC()
	pb.LastUsedAt = &now

	stats, err := json.Marshal(pb.Stats)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE playbooks SET stats = $1, last_used_at = $2 WHERE id = $3`,
		string(stats), now.Format(timeLayout), id)
	return err
}

func (s *Store) insert(ctx context.Context, pb contracts.Playbook) error {
	pattern, err := json.Marshal(pb.Pattern)
	if err != nil {
		return err
	}
	actions, err := json.Marshal(pb.Actions)
	if err != nil {
		return err
	}
	stats, err := json.Marshal(pb.Stats)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(pb.PolicySnapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbooks (id, pattern, actions, posture, stats, policy_snapshot, domain, mined_from_case, mined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pb.ID, string(pattern), string(actions), string(pb.Posture), string(stats),
		string(snapshot), string(pb.Domain), string(pb.MinedFromCase), pb.MinedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("playbook insert: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (contracts.Playbook, error) {
	pb, err := scanPlaybook(s.db.QueryRowContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Playbook{}, ErrNotFound
	}
	return pb, err
}

func (s *Store) list(ctx context.Context) ([]contracts.Playbook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks ORDER BY mined_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

const playbookColumns = `id, pattern, actions, posture, stats, policy_snapshot, domain, mined_from_case, mined_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlaybook(r rowScanner) (contracts.Playbook, error) {
	var pb contracts.Playbook
	var pattern, actions, posture, stats, snapshot, domain, minedFrom, minedAt string
	var lastUsed sql.NullString
	err := r.Scan(&pb.ID, &pattern, &actions, &posture, &stats, &snapshot, &domain, &minedFrom, &minedAt, &lastUsed)
	if err != nil {
		return contracts.Playbook{}, err
	}
	if err := json.Unmarshal([]byte(pattern), &pb.Pattern); err != nil {
		return contracts.Playbook{}, fmt.Errorf("corrupt pattern on %s: %w", pb.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &pb.Actions); err != nil {
		return contracts.Playbook{}, err
	}
	if err := json.Unmarshal([]byte(stats), &pb.Stats); err != nil {
		return contracts.Playbook{}, err
	}
	if err := json.Unmarshal([]byte(snapshot), &pb.PolicySnapshot); err != nil {
		return contracts.Playbook{}, err
	}
	pb.Posture = contracts.Posture(posture)
	pb.Domain = contracts.PlaybookDomain(domain)
	pb.MinedFromCase = contracts.CaseID(minedFrom)
	if pb.MinedAt, err = time.Parse(time.RFC3339Nano, minedAt); err != nil {
		return contracts.Playbook{}, err
	}
	if lastUsed.Valid {
		ts, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return contracts.Playbook{}, err
		}
		pb.LastUsedAt = &ts
	}
	return pb, nil
}
