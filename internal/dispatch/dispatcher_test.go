package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/cmdruid/pubsub-sub004/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	id    string
	event string
}

func newTargetServer(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqs = append(reqs, capturedRequest{
			id:    r.URL.Query().Get("id"),
			event: r.URL.Query().Get("event"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func newDispatcher(t *testing.T, target string) (*Dispatcher, *workers.WorkerPool) {
	t.Helper()
	subs := subscription.NewManager()
	cfg := &subscription.Configuration{
		ID:     "sub-1",
		Target: target,
		Relays: []string{"wss://relay.example.com"},
		Filter: &filter.Filter{Kinds: []int{1}},
	}
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	pool := workers.NewWorkerPool(2, 16)
	t.Cleanup(pool.Stop)
	return NewDispatcher(pool, subs), pool
}

func TestDeliverInlinesSmallEvents(t *testing.T) {
	srv, captured := newTargetServer(t)
	d, pool := newDispatcher(t, srv.URL)

	ev := &nostr.Event{ID: "ev-1", Kind: 1, Content: "hello"}
	d.Deliver(context.Background(), "sub-1", ev)
	pool.Wait()

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ev-1", reqs[0].id)
	require.NotEmpty(t, reqs[0].event)

	raw, err := base64.RawURLEncoding.DecodeString(reqs[0].event)
	require.NoError(t, err)
	var decoded nostr.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "ev-1", decoded.ID)
	assert.Equal(t, "hello", decoded.Content)
}

func TestDeliverOmitsOversizedPayload(t *testing.T) {
	srv, captured := newTargetServer(t)
	d, pool := newDispatcher(t, srv.URL)

	big := &nostr.Event{
		ID:      "ev-big",
		Kind:    1,
		Content: strings.Repeat("x", 600*1024),
	}
	d.Deliver(context.Background(), "sub-1", big)
	pool.Wait()

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ev-big", reqs[0].id)
	assert.Empty(t, reqs[0].event, "oversized events carry only the id")
}

func TestDeliverCeilingAppliesToEncodedForm(t *testing.T) {
	srv, captured := newTargetServer(t)
	d, pool := newDispatcher(t, srv.URL)

	// Sized so the raw JSON fits under the ceiling but its base64 form
	// does not.
	ev := &nostr.Event{
		ID:      "ev-straddle",
		Kind:    1,
		Content: strings.Repeat("x", 400*1024),
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.LessOrEqual(t, len(payload), constants.MaxInlinePayloadBytes)
	require.Greater(t, base64.RawURLEncoding.EncodedLen(len(payload)),
		constants.MaxInlinePayloadBytes)

	d.Deliver(context.Background(), "sub-1", ev)
	pool.Wait()

	reqs := captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "ev-straddle", reqs[0].id)
	assert.Empty(t, reqs[0].event, "events over the encoded ceiling carry only the id")
}

func TestDeliverUnknownSubscription(t *testing.T) {
	srv, captured := newTargetServer(t)
	d, pool := newDispatcher(t, srv.URL)

	d.Deliver(context.Background(), "ghost", &nostr.Event{ID: "ev-1"})
	pool.Wait()

	assert.Empty(t, captured())
}

func TestDeliverCanceledContext(t *testing.T) {
	srv, captured := newTargetServer(t)
	d, pool := newDispatcher(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Deliver(ctx, "sub-1", &nostr.Event{ID: "ev-1"})
	pool.Wait()

	assert.Empty(t, captured())
}

func TestDeliverTargetFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d, pool := newDispatcher(t, srv.URL)

	// Must not panic or block; the failure is logged and counted.
	d.Deliver(context.Background(), "sub-1", &nostr.Event{ID: "ev-1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery did not finish")
	}
}
