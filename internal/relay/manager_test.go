package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/health"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopWake struct{}

func (noopWake) Acquire() {}
func (noopWake) Release() {}

// fakeRelay is a minimal in-process relay: it acks every REQ with an EOSE
// frame and records CLOSE frames.
type fakeRelay struct {
	srv *httptest.Server

	mu      sync.Mutex
	wireIDs []string
	closes  []string
	conns   []*websocket.Conn

	// events queued before the REQ arrives, sent right after the EOSE
	pending []*nostr.Event
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()

		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 {
				continue
			}
			var label, wireID string
			_ = json.Unmarshal(arr[0], &label)
			_ = json.Unmarshal(arr[1], &wireID)

			switch label {
			case "REQ":
				f.mu.Lock()
				f.wireIDs = append(f.wireIDs, wireID)
				pending := f.pending
				f.mu.Unlock()

				eose, _ := json.Marshal([]interface{}{"EOSE", wireID})
				_ = c.WriteMessage(websocket.TextMessage, eose)

				for _, ev := range pending {
					frame, _ := json.Marshal([]interface{}{"EVENT", wireID, ev})
					_ = c.WriteMessage(websocket.TextMessage, frame)
				}
			case "CLOSE":
				f.mu.Lock()
				f.closes = append(f.closes, wireID)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

func (f *fakeRelay) queueEvent(ev *nostr.Event) {
	f.mu.Lock()
	f.pending = append(f.pending, ev)
	f.mu.Unlock()
}

func subConfig(id, relayURL string) *subscription.Configuration {
	return &subscription.Configuration{
		ID:     id,
		Target: "https://downstream.example.com/hook",
		Relays: []string{relayURL},
		Filter: &filter.Filter{Kinds: []int{1}},
		Local:  subscription.DefaultLocalFilters(),
	}
}

func TestConnectConfirmsSubscription(t *testing.T) {
	fake := newFakeRelay(t)
	subs := subscription.NewManager()
	cfg := subConfig("sub-1", fake.url())
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))

	assert.Eventually(t, func() bool {
		return subs.IsConfirmed("sub-1", fake.url())
	}, 3*time.Second, 20*time.Millisecond, "EOSE should confirm the subscription")

	snapshot := m.ConnectionHealth()
	require.Contains(t, snapshot, fake.url())
	h := snapshot[fake.url()]
	assert.Equal(t, health.StateConnected, h.State)
	assert.True(t, h.SubscriptionConfirmed)
	assert.Zero(t, h.ReconnectAttempts)
}

func TestConnectDeliversEvents(t *testing.T) {
	fake := newFakeRelay(t)
	fake.queueEvent(&nostr.Event{ID: "ev-1", Kind: 1, Content: "hello"})

	subs := subscription.NewManager()
	cfg := subConfig("sub-1", fake.url())
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	received := make(chan *nostr.Event, 1)
	m := NewManager(subs, noopWake{}, func(subID, relayURL string, ev *nostr.Event, _ int) {
		assert.Equal(t, "sub-1", subID)
		assert.Equal(t, fake.url(), relayURL)
		received <- ev
	})
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))

	select {
	case ev := <-received:
		assert.Equal(t, "ev-1", ev.ID)
		assert.Equal(t, "hello", ev.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestConnectDialFailureIsDeferred(t *testing.T) {
	// Nothing listens on this port; Connect must not fail, only record the
	// dead connection for the health pass.
	subs := subscription.NewManager()
	cfg := subConfig("sub-1", "ws://127.0.0.1:1")
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))

	snapshot := m.ConnectionHealth()
	require.Contains(t, snapshot, "ws://127.0.0.1:1")
	h := snapshot["ws://127.0.0.1:1"]
	assert.Equal(t, health.StateFailed, h.State)
	assert.Equal(t, 1, h.ReconnectAttempts)
	assert.False(t, h.SubscriptionConfirmed)
}

func TestCancelSubscription(t *testing.T) {
	fake := newFakeRelay(t)
	subs := subscription.NewManager()
	cfg := subConfig("sub-1", fake.url())
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))
	require.Eventually(t, func() bool {
		return subs.IsConfirmed("sub-1", fake.url())
	}, 3*time.Second, 20*time.Millisecond)

	assert.True(t, m.CancelSubscription("sub-1", fake.url()))
	assert.Eventually(t, func() bool {
		return fake.closeCount() == 1
	}, 3*time.Second, 20*time.Millisecond, "CLOSE frame should reach the relay")

	// The connection is gone now; a second cancel reports false.
	assert.False(t, m.CancelSubscription("sub-1", fake.url()))
	assert.NotContains(t, m.ConnectionHealth(), fake.url())
}

func TestCancelSubscriptionUnknownConnection(t *testing.T) {
	m := NewManager(subscription.NewManager(), noopWake{}, nil)
	assert.False(t, m.CancelSubscription("ghost", "wss://relay.example.com"))
}

func TestConnectionHealthCollisionSuffix(t *testing.T) {
	fake := newFakeRelay(t)
	subs := subscription.NewManager()

	cfgA := subConfig("sub-a", fake.url())
	cfgB := subConfig("sub-b", fake.url())
	_, err := subs.Register(cfgA)
	require.NoError(t, err)
	_, err = subs.Register(cfgB)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfgA))
	require.NoError(t, m.Connect(context.Background(), cfgB))

	snapshot := m.ConnectionHealth()
	assert.Len(t, snapshot, 2, "both connections must be visible despite sharing a relay")
	assert.Contains(t, snapshot, fake.url())
}

func TestRefreshConnectionsRedialsUnhealthy(t *testing.T) {
	fake := newFakeRelay(t)
	subs := subscription.NewManager()
	cfg := subConfig("sub-1", fake.url())
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))
	require.Eventually(t, func() bool {
		return subs.IsConfirmed("sub-1", fake.url())
	}, 3*time.Second, 20*time.Millisecond)

	// Zero tolerance for silence forces a refresh of the healthy-looking
	// connection.
	tight := health.Thresholds{
		MaxSilence:           -1,
		MaxReconnectAttempts: 10,
	}
	require.NoError(t, m.RefreshConnections(context.Background(), tight))

	// The replacement connection re-subscribes and confirms again.
	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.wireIDs) >= 2
	}, 3*time.Second, 20*time.Millisecond, "refresh must send a second REQ")

	assert.Eventually(t, func() bool {
		return subs.IsConfirmed("sub-1", fake.url())
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRefreshConnectionsLeavesHealthyAlone(t *testing.T) {
	fake := newFakeRelay(t)
	subs := subscription.NewManager()
	cfg := subConfig("sub-1", fake.url())
	_, err := subs.Register(cfg)
	require.NoError(t, err)

	m := NewManager(subs, noopWake{}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Connect(context.Background(), cfg))
	require.Eventually(t, func() bool {
		return subs.IsConfirmed("sub-1", fake.url())
	}, 3*time.Second, 20*time.Millisecond)

	generous := health.Thresholds{
		MaxSilence:           time.Hour,
		MaxReconnectAttempts: 10,
	}
	require.NoError(t, m.RefreshConnections(context.Background(), generous))

	fake.mu.Lock()
	reqs := len(fake.wireIDs)
	fake.mu.Unlock()
	assert.Equal(t, 1, reqs, "healthy connections are not redialed")
}
