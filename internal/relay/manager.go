package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/health"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventHandler receives every event frame that arrives on a live
// connection, before any filtering or deduplication.
type EventHandler func(subscriptionID, relayURL string, ev *nostr.Event, rawSize int)

type connKey struct {
	subID    string
	relayURL string
}

// Manager owns one RelayConnection per (subscription, relay) pair. Dials
// are rate limited globally and performed under a wake hold so the host
// cannot suspend mid-handshake.
type Manager struct {
	mu    sync.RWMutex
	conns map[connKey]*RelayConnection

	subs    *subscription.Manager
	wake    domain.WakeHold
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	onEvent EventHandler
	log     *zap.Logger
}

// NewManager creates a connection manager delivering inbound events to
// onEvent.
func NewManager(subs *subscription.Manager, wake domain.WakeHold, onEvent EventHandler) *Manager {
	return &Manager{
		conns: make(map[connKey]*RelayConnection),
		subs:  subs,
		wake:  wake,
		limiter: rate.NewLimiter(
			rate.Limit(constants.ReconnectRatePerSec), constants.ReconnectBurst),
		dialer: &websocket.Dialer{
			HandshakeTimeout:  constants.DialTimeout,
			EnableCompression: true,
		},
		onEvent: onEvent,
		log:     logger.New("relay-manager"),
	}
}

// Connect opens one connection per relay in the subscription. A relay
// that cannot be reached right now is recorded as FAILED and left for
// the health-check pass to retry; it does not abort the others.
func (m *Manager) Connect(ctx context.Context, cfg *subscription.Configuration) error {
	for _, relayURL := range cfg.Relays {
		if err := m.establish(ctx, cfg, relayURL, 0); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("Initial connect failed, deferring to health check",
				zap.String("relay", relayURL),
				zap.String("subscription_id", cfg.ID),
				zap.Error(err))
		}
	}
	return nil
}

// establish dials one relay and submits the subscribe request. The new
// connection replaces any previous one under the same key and inherits
// priorAttempts so the consecutive failure count survives redials.
func (m *Manager) establish(ctx context.Context, cfg *subscription.Configuration, relayURL string, priorAttempts int) error {
	m.wake.Acquire()
	defer m.wake.Release()

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	wireID, err := m.subs.WireID(cfg.ID)
	if err != nil {
		return err
	}

	conn := newRelayConnection(cfg.ID, wireID, relayURL, priorAttempts)
	conn.onEvent = m.handleEvent
	conn.onConfirm = m.subs.Confirm

	key := connKey{subID: cfg.ID, relayURL: relayURL}
	m.mu.Lock()
	if prev, ok := m.conns[key]; ok {
		prev.close("replaced")
	}
	m.conns[key] = conn
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, constants.DialTimeout)
	defer cancel()

	ws, resp, err := m.dialer.DialContext(dialCtx, relayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		conn.markFailed()
		return fmt.Errorf("dialing %s: %w", relayURL, err)
	}

	conn.attach(ws)
	if err := conn.sendReq(m.subs.RelayFilter(cfg, relayURL)); err != nil {
		conn.markFailed()
		_ = ws.Close()
		return fmt.Errorf("subscribing to %s: %w", relayURL, err)
	}

	metrics.IncrementActiveConnections()
	go conn.readLoop()

	m.log.Info("Connected to relay",
		zap.String("relay", relayURL),
		zap.String("subscription_id", cfg.ID))
	return nil
}

func (m *Manager) handleEvent(subID, relayURL string, ev *nostr.Event, rawSize int) {
	if m.onEvent != nil {
		m.onEvent(subID, relayURL, ev, rawSize)
	}
}

// ConnectionHealth snapshots every connection, keyed by relay URL. When
// two subscriptions share a relay the extra entries get a
// "url|subscription-id" key so none are hidden from the checker.
func (m *Manager) ConnectionHealth() map[string]health.RelayHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool, len(m.conns))
	out := make(map[string]health.RelayHealth, len(m.conns))
	for key, conn := range m.conns {
		label := key.relayURL
		if seen[label] {
			label = key.relayURL + "|" + key.subID
		}
		seen[key.relayURL] = true
		out[label] = conn.Health()
	}
	return out
}

// HealthFor snapshots the connections of a single subscription, keyed by
// relay URL.
func (m *Manager) HealthFor(subID string) map[string]health.RelayHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]health.RelayHealth)
	for key, conn := range m.conns {
		if key.subID == subID {
			out[key.relayURL] = conn.Health()
		}
	}
	return out
}

// RefreshConnections tears down and redials every connection that fails
// the given thresholds. Individual redial failures are logged and left
// for the next pass; only context cancellation aborts the sweep.
func (m *Manager) RefreshConnections(ctx context.Context, t health.Thresholds) error {
	m.mu.RLock()
	stale := make([]connKey, 0)
	for key, conn := range m.conns {
		if ok, reason := health.IsHealthy(conn.Health(), t); !ok {
			m.log.Debug("Refreshing unhealthy connection",
				zap.String("relay", key.relayURL),
				zap.String("subscription_id", key.subID),
				zap.String("reason", reason))
			stale = append(stale, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.mu.Lock()
		conn, ok := m.conns[key]
		m.mu.Unlock()
		if !ok {
			continue
		}

		cfg, ok := m.subs.Get(key.subID)
		if !ok {
			// Subscription was removed; drop the orphaned connection.
			conn.close("subscription removed")
			m.remove(key)
			continue
		}

		attempts := conn.Health().ReconnectAttempts
		conn.close("refresh")
		m.subs.ResetConfirmation(key.subID, key.relayURL)
		metrics.IncrementReconnects(key.relayURL)

		if err := m.establish(ctx, cfg, key.relayURL, attempts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("Redial failed",
				zap.String("relay", key.relayURL),
				zap.String("subscription_id", key.subID),
				zap.Error(err))
		}
	}
	return nil
}

// CancelSubscription sends an unsubscribe frame for the pair and tears
// the connection down. It reports whether the frame was actually sent:
// false when no live connection exists, never an error.
func (m *Manager) CancelSubscription(subID, relayURL string) bool {
	key := connKey{subID: subID, relayURL: relayURL}

	m.mu.RLock()
	conn, ok := m.conns[key]
	m.mu.RUnlock()
	if !ok || !conn.isLive() {
		return false
	}

	sent := conn.sendClose() == nil
	conn.close("canceled")
	m.remove(key)
	return sent
}

// Disconnect closes every connection belonging to the subscription,
// sending unsubscribe frames where the transport is still up.
func (m *Manager) Disconnect(subID string) {
	m.mu.Lock()
	keys := make([]connKey, 0)
	for key := range m.conns {
		if key.subID == subID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		if !m.CancelSubscription(key.subID, key.relayURL) {
			m.mu.Lock()
			conn, ok := m.conns[key]
			m.mu.Unlock()
			if ok {
				conn.close("disconnect")
				m.remove(key)
			}
		}
	}
}

// Shutdown closes all connections.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make(map[connKey]*RelayConnection, len(m.conns))
	for key, conn := range m.conns {
		conns[key] = conn
	}
	m.conns = make(map[connKey]*RelayConnection)
	m.mu.Unlock()

	for _, conn := range conns {
		if conn.isLive() {
			_ = conn.sendClose()
		}
		conn.close("shutdown")
	}
	m.log.Info("All relay connections closed")
}

func (m *Manager) remove(key connKey) {
	m.mu.Lock()
	delete(m.conns, key)
	m.mu.Unlock()
}
