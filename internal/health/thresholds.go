package health

import (
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/domain"
)

// Battery level boundaries for tier selection.
const (
	performanceLevel = 50
	balancedLevel    = 20
)

// TierForLevel maps a battery percentage onto a power tier.
func TierForLevel(level int) domain.PowerTier {
	switch {
	case level >= performanceLevel:
		return domain.TierPerformance
	case level >= balancedLevel:
		return domain.TierBalanced
	default:
		return domain.TierSaver
	}
}

// ForBattery derives the threshold profile for the current power and
// network state, using the configured ping interval as the baseline.
//
// The derivation is monotonic: a lower power tier or worse network quality
// never shrinks MaxSilence, CheckInterval or SubscriptionTimeout relative
// to a better tier at the same ping interval. MaxReconnectAttempts does
// shrink on low battery so a dying device retries less.
func ForBattery(level int, ping time.Duration, quality domain.NetworkQuality) Thresholds {
	tier := TierForLevel(level)

	var powerFactor float64
	var maxReconnects int
	switch tier {
	case domain.TierPerformance:
		powerFactor = 1.0
		maxReconnects = constants.DefaultMaxReconnects
	case domain.TierBalanced:
		powerFactor = 1.5
		maxReconnects = 7
	default: // TierSaver
		powerFactor = 2.0
		maxReconnects = 5
	}

	var netFactor float64
	switch quality {
	case domain.QualityGood:
		netFactor = 1.0
	case domain.QualityFair:
		netFactor = 1.5
	default: // QualityPoor
		netFactor = 2.0
	}

	widen := powerFactor * netFactor
	return Thresholds{
		MaxSilence:           scale(time.Duration(constants.SilenceFactor*float64(ping)), widen),
		MaxReconnectAttempts: maxReconnects,
		CheckInterval:        scale(ping, widen),
		SubscriptionTimeout:  scale(constants.DefaultSubscriptionTimeout, widen),
	}
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
