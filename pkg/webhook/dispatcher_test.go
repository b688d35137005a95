package webhook

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type fixedResolver map[string][]net.IPAddr

func (r fixedResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	return r[host], nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	opts = append(opts, withSleep(noSleep))
	d, err := NewDispatcher(context.Background(), db, opts...)
	require.NoError(t, err)
	return d
}

func TestGuardURL_RejectsPrivateRanges(t *testing.T) {
	resolver := fixedResolver{}
	ctx := context.Background()

	for _, raw := range []string{
		"http://10.1.2.3/hook",
		"http://172.16.0.9/hook",
		"http://192.168.1.1/hook",
		"http://127.0.0.1:8080/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://[fd00::1]/hook",
		"http://[::1]/hook",
	} {
		err := GuardURL(ctx, resolver, raw)
		assert.ErrorIs(t, err, ErrPrivateAddress, raw)
	}

	assert.NoError(t, GuardURL(ctx, resolver, "https://93.184.216.34/hook"))
	assert.Error(t, GuardURL(ctx, resolver, "ftp://example.com/hook"))
}

func TestGuardURL_ResolvesHostnames(t *testing.T) {
	resolver := fixedResolver{
		"internal.example": {{IP: net.ParseIP("10.0.0.5")}},
		"public.example":   {{IP: net.ParseIP("93.184.216.34")}},
		"mixed.example":    {{IP: net.ParseIP("93.184.216.34")}, {IP: net.ParseIP("192.168.0.7")}},
	}
	ctx := context.Background()

	assert.ErrorIs(t, GuardURL(ctx, resolver, "https://internal.example/hook"), ErrPrivateAddress)
	assert.NoError(t, GuardURL(ctx, resolver, "https://public.example/hook"))
	// One private A record poisons the whole registration.
	assert.ErrorIs(t, GuardURL(ctx, resolver, "https://mixed.example/hook"), ErrPrivateAddress)
}

func TestRegister_RejectsPrivate(t *testing.T) {
	d := newDispatcher(t, WithResolver(fixedResolver{}))
	_, err := d.Register(context.Background(), "http://192.168.1.10/hook", nil)
	assert.ErrorIs(t, err, ErrPrivateAddress)
}

// allowAll replaces the guard so httptest's loopback listener is reachable;
// the guard itself is covered separately above.
func allowAll(context.Context, Resolver, string) error { return nil }

func TestDispatch_DeliversAndLogs(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, string(EventPostureChange), r.Header.Get("X-Aerogate-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newDispatcher(t, withGuard(allowAll))
	ep, err := d.Register(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), Event{
		Type:   EventPostureChange,
		CaseID: "case-1",
		Scope:  "KJFK",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, received.Load())

	deliveries, err := d.Deliveries(context.Background(), ep.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Delivered)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.Equal(t, http.StatusNoContent, deliveries[0].LastStatus)
}

// TestDispatch_GuardBeforeEachPost covers the TOCTOU re-check: an endpoint
// that passed registration but later resolves private is not contacted.
func TestDispatch_GuardBeforeEachPost(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	blocked := false
	guard := func(ctx context.Context, r Resolver, url string) error {
		if blocked {
			return ErrPrivateAddress
		}
		return nil
	}
	d := newDispatcher(t, withGuard(guard))
	ep, err := d.Register(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	blocked = true
	require.NoError(t, d.Dispatch(context.Background(), Event{Type: EventPostureChange, CaseID: "c", Scope: "KJFK"}))
	assert.EqualValues(t, 0, received.Load())

	deliveries, err := d.Deliveries(context.Background(), ep.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Delivered)
}

func TestDispatch_RetriesAndRecordsFailure(t *testing.T) {
	d := newDispatcher(t, WithResolver(fixedResolver{
		"unreachable.example": {{IP: net.ParseIP("203.0.113.9")}},
	}), WithTimeout(50*time.Millisecond))

	ep, err := d.Register(context.Background(), "http://unreachable.example:9/hook", []EventType{EventCaseResolved})
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), Event{Type: EventCaseResolved, CaseID: "case-2", Scope: "KSEA"})
	require.NoError(t, err)

	deliveries, err := d.Deliveries(context.Background(), ep.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Delivered)
	assert.Equal(t, 3, deliveries[0].Attempts)
	assert.NotEmpty(t, deliveries[0].LastResponse)
}

func TestDispatch_FiltersByEventType(t *testing.T) {
	d := newDispatcher(t, WithResolver(fixedResolver{
		"hooks.example": {{IP: net.ParseIP("203.0.113.9")}},
	}), WithTimeout(50*time.Millisecond))

	ep, err := d.Register(context.Background(), "http://hooks.example/hook", []EventType{EventSLABreachImminent})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), Event{Type: EventPostureChange, CaseID: "c", Scope: "KJFK"}))
	deliveries, err := d.Deliveries(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestRegister_Idempotent(t *testing.T) {
	d := newDispatcher(t, WithResolver(fixedResolver{
		"hooks.example": {{IP: net.ParseIP("203.0.113.9")}},
	}))
	ctx := context.Background()

	ep1, err := d.Register(ctx, "https://hooks.example/a", nil)
	require.NoError(t, err)
	ep2, err := d.Register(ctx, "https://hooks.example/a", nil)
	require.NoError(t, err)
	assert.Equal(t, ep1.ID, ep2.ID)
}
