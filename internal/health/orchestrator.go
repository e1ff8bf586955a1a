package health

import (
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"go.uber.org/zap"
)

// Orchestrator combines threshold derivation and evaluation into one pass
// over a connection snapshot and decides which corrective actions follow.
type Orchestrator struct {
	log *zap.Logger
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{log: logger.New("health")}
}

// PerformHealthCheck derives thresholds from the given power/network state,
// evaluates every connection, and appends a refresh action when any
// connection failed. The evaluation contract is unchanged when new action
// kinds are added.
func (o *Orchestrator) PerformHealthCheck(
	conns map[string]RelayHealth,
	batteryLevel int,
	pingInterval time.Duration,
	quality domain.NetworkQuality,
) HealthCheckResult {
	thresholds := ForBattery(batteryLevel, pingInterval, quality)
	result := EvaluateConnections(conns, thresholds)
	if result.HasUnhealthyConnections() {
		result.Actions = append(result.Actions, ActionRefreshConnections)
	}

	if result.HasUnhealthyConnections() {
		for relay, reason := range result.UnhealthyConnections {
			o.log.Debug("Unhealthy connection",
				zap.String("relay", relay),
				zap.String("reason", reason))
		}
	}
	o.log.Debug("Health check pass evaluated",
		zap.Int("total", result.TotalConnections),
		zap.Int("healthy", result.HealthyConnections),
		zap.Int("unhealthy", result.UnhealthyCount()),
		zap.Float64("health_percentage", result.HealthPercentage()),
		zap.String("power_tier", TierForLevel(batteryLevel).String()),
		zap.String("network_quality", quality.String()))

	return result
}
