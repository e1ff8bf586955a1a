package health

import "time"

// ConnState is the lifecycle state of one relay connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// RelayHealth is a point-in-time snapshot of one (subscription, relay)
// connection. Produced by the connection manager, consumed read-only by
// the evaluator.
type RelayHealth struct {
	State                 ConnState
	LastMessageAge        time.Duration
	ReconnectAttempts     int
	SubscriptionConfirmed bool
}

// Thresholds are the limits one health check pass evaluates against.
// Recomputed from live power/network state every pass, never persisted.
type Thresholds struct {
	MaxSilence           time.Duration
	MaxReconnectAttempts int
	CheckInterval        time.Duration
	SubscriptionTimeout  time.Duration
}

// ActionKind enumerates corrective actions. The executor switches over it
// exhaustively so new kinds are compiler-checked.
type ActionKind int

const (
	ActionRefreshConnections ActionKind = iota
)

func (a ActionKind) String() string {
	switch a {
	case ActionRefreshConnections:
		return "refresh-connections"
	default:
		return "unknown"
	}
}

// HealthCheckResult summarizes one evaluation pass over every connection.
type HealthCheckResult struct {
	TotalConnections     int
	HealthyConnections   int
	UnhealthyConnections map[string]string // relay -> reason
	Actions              []ActionKind
}

// UnhealthyCount returns the number of connections that failed evaluation.
func (r HealthCheckResult) UnhealthyCount() int {
	return len(r.UnhealthyConnections)
}

// HasUnhealthyConnections reports whether any connection failed evaluation.
func (r HealthCheckResult) HasUnhealthyConnections() bool {
	return len(r.UnhealthyConnections) > 0
}

// HealthPercentage is 100.0 for the empty connection map, otherwise the
// healthy share as a floating percentage.
func (r HealthCheckResult) HealthPercentage() float64 {
	if r.TotalConnections == 0 {
		return 100.0
	}
	return 100.0 * float64(r.HealthyConnections) / float64(r.TotalConnections)
}
