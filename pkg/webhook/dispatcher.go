// Package webhook delivers case events to registered endpoints with a
// bounded number of retries. Registration and every delivery pass the SSRF
// guard; each delivery attempt is logged with its response.
package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// EventType enumerates the notifications the dispatcher emits.
type EventType string

const (
	EventPostureChange     EventType = "POSTURE_CHANGE"
	EventActionExecuted    EventType = "ACTION_EXECUTED"
	EventCaseResolved      EventType = "CASE_RESOLVED"
	EventSLABreachImminent EventType = "SLA_BREACH_IMMINENT"
)

// Event is the delivered payload.
type Event struct {
	ID        string           `json:"id"`
	Type      EventType        `json:"type"`
	CaseID    contracts.CaseID `json:"case_id"`
	Scope     string           `json:"scope"`
	Payload   map[string]any   `json:"payload,omitempty"`
	EmittedAt time.Time        `json:"emitted_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS webhook_endpoints (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	events TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	endpoint_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	delivered INTEGER NOT NULL,
	last_status INTEGER NOT NULL DEFAULT 0,
	last_response TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON webhook_deliveries (endpoint_id);
`

const (
	timeLayout     = "2006-01-02T15:04:05.000000000Z07:00"
	maxAttempts    = 3
	defaultTimeout = 5 * time.Second
)

// Endpoint is a registered webhook target.
type Endpoint struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	CreatedAt time.Time   `json:"created_at"`
}

// Delivery is the logged outcome of delivering one event to one endpoint.
type Delivery struct {
	ID           string    `json:"id"`
	EndpointID   string    `json:"endpoint_id"`
	EventID      string    `json:"event_id"`
	EventType    EventType `json:"event_type"`
	Attempts     int       `json:"attempts"`
	Delivered    bool      `json:"delivered"`
	LastStatus   int       `json:"last_status"`
	LastResponse string    `json:"last_response"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Dispatcher registers endpoints and pushes events.
type Dispatcher struct {
	db       *sql.DB
	client   *http.Client
	resolver Resolver
	guard    func(ctx context.Context, r Resolver, url string) error
	logger   *slog.Logger
	clock    func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(w *Dispatcher) { w.client.Timeout = d }
}
func WithResolver(r Resolver) Option   { return func(w *Dispatcher) { w.resolver = r } }
func WithLogger(l *slog.Logger) Option { return func(w *Dispatcher) { w.logger = l } }
func WithClock(clock func() time.Time) Option {
	return func(w *Dispatcher) { w.clock = clock }
}
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(w *Dispatcher) { w.sleep = fn }
}
func withGuard(fn func(ctx context.Context, r Resolver, url string) error) Option {
	return func(w *Dispatcher) { w.guard = fn }
}

func NewDispatcher(ctx context.Context, db *sql.DB, opts ...Option) (*Dispatcher, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("webhook schema: %w", err)
	}
	w := &Dispatcher{
		db:       db,
		client:   &http.Client{Timeout: defaultTimeout},
		resolver: net.DefaultResolver,
		guard:    GuardURL,
		logger:   slog.Default(),
		clock:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register validates the URL against the SSRF guard and stores the
// endpoint. Registering the same URL twice returns the existing endpoint.
func (w *Dispatcher) Register(ctx context.Context, rawURL string, events []EventType) (Endpoint, error) {
	if err := w.guard(ctx, w.resolver, rawURL); err != nil {
		return Endpoint{}, err
	}
	if len(events) == 0 {
		events = []EventType{EventPostureChange, EventActionExecuted, EventCaseResolved, EventSLABreachImminent}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Events:    events,
		CreatedAt: w.clock().UTC(),
	}
	res, err := w.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, url, events, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO NOTHING`,
		ep.ID, ep.URL, string(eventsJSON), ep.CreatedAt.Format(timeLayout))
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := w.db.QueryRowContext(ctx, `SELECT id FROM webhook_endpoints WHERE url = $1`, rawURL).Scan(&existing); err != nil {
			return Endpoint{}, err
		}
		ep.ID = existing
	}
	return ep, nil
}

// Dispatch pushes an event to every endpoint subscribed to its type. Each
// endpoint gets up to maxAttempts tries with jittered backoff; a delivery
// that still fails is recorded in the delivery log and is not redelivered.
func (w *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = w.clock().UTC()
	}

	endpoints, err := w.endpoints(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event marshal: %w", err)
	}

	for _, ep := range endpoints {
		if !subscribed(ep, event.Type) {
			continue
		}
		delivery := w.deliver(ctx, ep, event, body)
		if err := w.logDelivery(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}

func (w *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event, body []byte) Delivery {
	d := Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventID:    event.ID,
		EventType:  event.Type,
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.Attempts = attempt

		// TOCTOU guard: the registration-time check does not cover a DNS
		// record that has since flipped to a private address.
		if err := w.guard(ctx, w.resolver, ep.URL); err != nil {
			d.LastResponse = err.Error()
			w.logger.Warn("webhook blocked by SSRF guard", "endpoint", ep.URL, "error", err)
			return d
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			d.LastResponse = err.Error()
			return d
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Aerogate-Event", string(event.Type))
		req.Header.Set("X-Aerogate-Delivery", d.ID)

		resp, err := w.client.Do(req)
		if err == nil {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			d.LastStatus = resp.StatusCode
			d.LastResponse = string(snippet)
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				d.Delivered = true
				return d
			}
		} else {
			d.LastResponse = err.Error()
		}

		if attempt < maxAttempts {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			if err := w.sleep(ctx, backoff); err != nil {
				return d
			}
		}
	}
	return d
}

// Deliveries returns the delivery log for an endpoint.
func (w *Dispatcher) Deliveries(ctx context.Context, endpointID string) ([]Delivery, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, endpoint_id, event_id, event_type, attempts, delivered, last_status, last_response, updated_at
		FROM webhook_deliveries WHERE endpoint_id = $1 ORDER BY updated_at ASC`, endpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var typ, updatedAt string
		var delivered int
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventID, &typ, &d.Attempts, &delivered, &d.LastStatus, &d.LastResponse, &updatedAt); err != nil {
			return nil, err
		}
		d.EventType = EventType(typ)
		d.Delivered = delivered != 0
		if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (w *Dispatcher) endpoints(ctx context.Context) ([]Endpoint, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, url, events, created_at FROM webhook_endpoints ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		var events, createdAt string
		if err := rows.Scan(&ep.ID, &ep.URL, &events, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &ep.Events); err != nil {
			return nil, fmt.Errorf("corrupt events on %s: %w", ep.ID, err)
		}
		if ep.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (w *Dispatcher) logDelivery(ctx context.Context, d Delivery) error {
	delivered := 0
	if d.Delivered {
		delivered = 1
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, event_id, event_type, attempts, delivered, last_status, last_response, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.EndpointID, d.EventID, string(d.EventType), d.Attempts, delivered,
		d.LastStatus, d.LastResponse, w.clock().UTC().Format(timeLayout))
	return err
}

func subscribed(ep Endpoint, t EventType) bool {
	for _, e := range ep.Events {
		if e == t {
			return true
		}
	}
	return false
}
