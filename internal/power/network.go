package power

import (
	"context"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"go.uber.org/zap"
)

// Latency boundaries for quality classification.
const (
	goodLatency = 150 * time.Millisecond
	fairLatency = 500 * time.Millisecond
	probeDial   = 3 * time.Second
)

// NetworkMonitor classifies current network quality. Quality is either
// pinned by the host platform through SetQuality or measured by probing the
// dial latency of the configured relay endpoints.
type NetworkMonitor struct {
	mu      sync.RWMutex
	quality domain.NetworkQuality
	pinned  bool

	probeURLs []string
	log       *zap.Logger
}

// NewNetworkMonitor starts optimistic: unknown networks are treated as good
// so a fresh process does not widen its thresholds for no reason.
func NewNetworkMonitor(probeURLs []string) *NetworkMonitor {
	return &NetworkMonitor{
		quality:   domain.QualityGood,
		probeURLs: probeURLs,
		log:       logger.New("network"),
	}
}

// CurrentQuality returns the last known network quality tier.
func (n *NetworkMonitor) CurrentQuality() domain.NetworkQuality {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quality
}

// SetQuality pins the quality tier from a platform callback. A pinned tier
// disables probing until Unpin is called.
func (n *NetworkMonitor) SetQuality(q domain.NetworkQuality) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quality = q
	n.pinned = true
}

// Unpin re-enables probe-based classification.
func (n *NetworkMonitor) Unpin() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pinned = false
}

// Probe measures TCP dial latency against the configured relay endpoints and
// reclassifies quality from the median. Unreachable endpoints count as the
// worst latency. Does nothing while a pinned tier is in effect.
func (n *NetworkMonitor) Probe(ctx context.Context) domain.NetworkQuality {
	n.mu.RLock()
	pinned := n.pinned
	urls := n.probeURLs
	n.mu.RUnlock()

	if pinned || len(urls) == 0 {
		return n.CurrentQuality()
	}

	latencies := make([]time.Duration, 0, len(urls))
	for _, raw := range urls {
		latencies = append(latencies, dialLatency(ctx, raw))
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	median := latencies[len(latencies)/2]

	quality := domain.QualityPoor
	switch {
	case median <= goodLatency:
		quality = domain.QualityGood
	case median <= fairLatency:
		quality = domain.QualityFair
	}

	n.mu.Lock()
	old := n.quality
	n.quality = quality
	n.mu.Unlock()

	if old != quality {
		n.log.Info("Network quality changed",
			zap.String("from", old.String()),
			zap.String("to", quality.String()),
			zap.Duration("median_latency", median))
	}
	return quality
}

// dialLatency measures one TCP connect to the host behind a ws/wss URL.
func dialLatency(ctx context.Context, raw string) time.Duration {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fairLatency + time.Second
	}
	host := parsed.Host
	if parsed.Port() == "" {
		port := "443"
		if parsed.Scheme == "ws" {
			port = "80"
		}
		host = net.JoinHostPort(parsed.Hostname(), port)
	}

	dialer := net.Dialer{Timeout: probeDial}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fairLatency + time.Second
	}
	_ = conn.Close()
	return time.Since(start)
}
