package subscription

import (
	"fmt"
	"sync"

	"github.com/cmdruid/pubsub-sub004/internal/filter"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager tracks registered subscriptions, their wire IDs and per-relay
// confirmation state.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*entry // subscription id -> entry

	// Relays known to support free-text search. The search field is
	// dropped from filters sent to relays outside this set.
	searchSupport map[string]bool

	log *zap.Logger
}

type entry struct {
	cfg       *Configuration
	wireID    string
	confirmed map[string]bool // relay url -> acked
}

func NewManager() *Manager {
	return &Manager{
		subs:          make(map[string]*entry),
		searchSupport: make(map[string]bool),
		log:           logger.New("subscription"),
	}
}

// Register validates the configuration, associates it with its relay set
// and assigns a fresh wire subscription ID used in REQ frames. Registering
// an existing id replaces the previous registration wholesale.
func (m *Manager) Register(cfg *Configuration) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	wireID := uuid.NewString()
	m.mu.Lock()
	m.subs[cfg.ID] = &entry{
		cfg:       cfg,
		wireID:    wireID,
		confirmed: make(map[string]bool),
	}
	m.mu.Unlock()

	m.log.Info("Subscription registered",
		zap.String("subscription_id", cfg.ID),
		zap.String("wire_id", wireID),
		zap.Int("relays", len(cfg.Relays)))
	return wireID, nil
}

// Unregister drops a subscription and its confirmation state.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Get returns the registered configuration for an id.
func (m *Manager) Get(id string) (*Configuration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return e.cfg, true
}

// WireID returns the REQ subscription id for a registered subscription.
func (m *Manager) WireID(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.subs[id]
	if !ok {
		return "", fmt.Errorf("subscription %q not registered", id)
	}
	return e.wireID, nil
}

// SetSearchSupport marks whether a relay advertises free-text search.
func (m *Manager) SetSearchSupport(relayURL string, supported bool) {
	m.mu.Lock()
	m.searchSupport[relayURL] = supported
	m.mu.Unlock()
}

// RelayFilter builds the relay-specific filter for a subscription. The
// stored filter is cloned, never mutated: relays without search support
// get the filter with the search field omitted.
func (m *Manager) RelayFilter(cfg *Configuration, relayURL string) *filter.Filter {
	specialized := cfg.Filter.Clone()

	m.mu.RLock()
	supported, known := m.searchSupport[relayURL]
	m.mu.RUnlock()

	if specialized.Search != "" && known && !supported {
		m.log.Debug("Omitting search field for relay without search support",
			zap.String("relay", relayURL),
			zap.String("subscription_id", cfg.ID))
		specialized.Search = ""
	}
	return specialized
}

// Confirm records that a relay acknowledged the subscription's request.
func (m *Manager) Confirm(id, relayURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[id]
	if !ok {
		return
	}
	if !e.confirmed[relayURL] {
		e.confirmed[relayURL] = true
	}
}

// ResetConfirmation clears the ack state for one relay, used when its
// connection is torn down for a redial.
func (m *Manager) ResetConfirmation(id, relayURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subs[id]; ok {
		delete(e.confirmed, relayURL)
	}
}

// IsConfirmed reports whether the given relay acked the subscription.
func (m *Manager) IsConfirmed(id, relayURL string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.subs[id]
	return ok && e.confirmed[relayURL]
}

// All returns the registered configurations.
func (m *Manager) All() []*Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Configuration, 0, len(m.subs))
	for _, e := range m.subs {
		out = append(out, e.cfg)
	}
	return out
}
