package domain

import (
	"context"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// PowerTier is a coarse classification of device power state. Threshold
// derivation widens every interval as the tier drops.
type PowerTier int

const (
	TierPerformance PowerTier = iota
	TierBalanced
	TierSaver
)

func (t PowerTier) String() string {
	switch t {
	case TierPerformance:
		return "performance"
	case TierBalanced:
		return "balanced"
	case TierSaver:
		return "saver"
	default:
		return "unknown"
	}
}

// NetworkQuality is a coarse classification of current network conditions.
type NetworkQuality int

const (
	QualityGood NetworkQuality = iota
	QualityFair
	QualityPoor
)

func (q NetworkQuality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// ParseQuality maps a quality name to its constant. The second return is
// false for anything but "good", "fair", and "poor".
func ParseQuality(s string) (NetworkQuality, bool) {
	switch s {
	case "good":
		return QualityGood, true
	case "fair":
		return QualityFair, true
	case "poor":
		return QualityPoor, true
	default:
		return QualityGood, false
	}
}

// PowerSource reports the current power state. Implementations must be safe
// for concurrent use; the health scheduler polls it every pass.
type PowerSource interface {
	BatteryLevel() int
	IsCharging() bool
	PingInterval() time.Duration
}

// NetworkSource reports current network quality.
type NetworkSource interface {
	CurrentQuality() NetworkQuality
}

// WakeHold is a counted hold on a power resource needed during active
// network I/O. Release must be safe to call on every exit path.
type WakeHold interface {
	Acquire()
	Release()
}

// EventSink receives events that passed the filter pipeline and the
// dedup cache.
type EventSink interface {
	Deliver(ctx context.Context, subscriptionID string, ev *nostr.Event)
}
