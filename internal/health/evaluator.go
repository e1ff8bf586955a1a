package health

import (
	"fmt"
	"time"
)

// IsHealthy evaluates one connection snapshot against the given thresholds.
// Checks run in a fixed order and the first failing check determines the
// reported reason; reasons are never aggregated.
func IsHealthy(h RelayHealth, t Thresholds) (bool, string) {
	if h.State != StateConnected {
		return false, fmt.Sprintf("disconnected (%s)", h.State)
	}
	if !h.SubscriptionConfirmed {
		return false, "subscription not confirmed"
	}
	if h.LastMessageAge > t.MaxSilence {
		return false, fmt.Sprintf("silent too long (%ds > %ds)",
			int64(h.LastMessageAge/time.Second), int64(t.MaxSilence/time.Second))
	}
	if h.ReconnectAttempts > t.MaxReconnectAttempts {
		return false, fmt.Sprintf("too many reconnect attempts (%d)", h.ReconnectAttempts)
	}
	return true, ""
}

// EvaluateConnections applies IsHealthy to every entry and aggregates the
// outcome. The result carries a reason string for every failing relay.
func EvaluateConnections(conns map[string]RelayHealth, t Thresholds) HealthCheckResult {
	result := HealthCheckResult{
		TotalConnections:     len(conns),
		UnhealthyConnections: make(map[string]string),
	}
	for relay, h := range conns {
		if ok, reason := IsHealthy(h, t); !ok {
			result.UnhealthyConnections[relay] = reason
		}
	}
	result.HealthyConnections = result.TotalConnections - len(result.UnhealthyConnections)
	return result
}
