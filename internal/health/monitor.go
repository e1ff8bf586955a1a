package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"go.uber.org/zap"
)

// ConnectionPool is the slice of the connection manager the monitor needs.
type ConnectionPool interface {
	ConnectionHealth() map[string]RelayHealth
	RefreshConnections(ctx context.Context, t Thresholds) error
}

// Monitor states.
const (
	monitorStopped int32 = iota
	monitorRunning
)

var (
	ErrAlreadyRunning  = errors.New("health monitor already running")
	ErrNotRunning      = errors.New("health monitor not running")
	ErrCheckInProgress = errors.New("health check pass already in progress")
)

// Monitor schedules health check passes. The next interval is recomputed
// from live power and network state before every wait, so the cadence
// adapts as conditions change. Monitor state is instance-owned; multiple
// monitors coexist.
type Monitor struct {
	pool    ConnectionPool
	orch    *Orchestrator
	power   domain.PowerSource
	network domain.NetworkSource
	log     *zap.Logger

	// lifecycle guards the state transition together with cancel/done, so
	// a Stop racing a concurrent Start never observes a half-started
	// monitor.
	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}

	// Serializes passes: a pass must not start while a prior pass's
	// corrective actions are still executing. Overlapping passes are
	// skipped, not queued.
	passMu sync.Mutex
}

func NewMonitor(pool ConnectionPool, power domain.PowerSource, network domain.NetworkSource) *Monitor {
	return &Monitor{
		pool:    pool,
		orch:    NewOrchestrator(),
		power:   power,
		network: network,
		log:     logger.New("monitor"),
	}
}

// IsRunning reports whether the scheduling loop is active.
func (m *Monitor) IsRunning() bool {
	return m.state.Load() == monitorRunning
}

// Start transitions STOPPED -> RUNNING and launches the scheduling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.state.Load() == monitorRunning {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state.Store(monitorRunning)

	go m.loop(loopCtx, m.done)
	m.log.Info("Health monitor started")
	return nil
}

// Stop transitions RUNNING -> STOPPED, aborting the pending wait
// immediately. An in-flight pass is canceled at its next safe point, not
// run to completion.
func (m *Monitor) Stop() error {
	m.lifecycle.Lock()
	if m.state.Load() != monitorRunning {
		m.lifecycle.Unlock()
		return ErrNotRunning
	}
	cancel, done := m.cancel, m.done
	m.state.Store(monitorStopped)
	m.lifecycle.Unlock()

	cancel()
	<-done
	m.log.Info("Health monitor stopped")
	return nil
}

// loop waits the derived check interval, runs one pass, and repeats until
// the context is canceled. Pass failures are logged and swallowed; only
// cancellation ends the loop.
func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := m.RunHealthCheckSync(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.log.Warn("Health check pass failed", zap.Error(err))
		}

		timer.Reset(m.nextInterval())
	}
}

// nextInterval derives the inter-check wait from the live power and
// network snapshot.
func (m *Monitor) nextInterval() time.Duration {
	t := ForBattery(m.effectiveLevel(), m.power.PingInterval(), m.network.CurrentQuality())
	return t.CheckInterval
}

// effectiveLevel treats a charging device as full.
func (m *Monitor) effectiveLevel() int {
	if m.power.IsCharging() {
		return 100
	}
	return m.power.BatteryLevel()
}

// RunHealthCheckSync performs exactly one pass synchronously: snapshot
// connections, evaluate, execute corrective actions, record metrics. It is
// the deterministic path used by tests and returns ErrCheckInProgress when
// a concurrent pass is still executing its actions.
func (m *Monitor) RunHealthCheckSync(ctx context.Context) (HealthCheckResult, error) {
	if !m.passMu.TryLock() {
		return HealthCheckResult{}, ErrCheckInProgress
	}
	defer m.passMu.Unlock()

	start := time.Now()
	level := m.effectiveLevel()
	ping := m.power.PingInterval()
	quality := m.network.CurrentQuality()

	conns := m.pool.ConnectionHealth()
	result := m.orch.PerformHealthCheck(conns, level, ping, quality)

	if err := m.executeActions(ctx, result, level, ping, quality); err != nil {
		return result, err
	}

	metrics.RecordHealthCheck(result.UnhealthyCount(), time.Since(start))
	return result, nil
}

// executeActions runs every corrective action the pass produced. The
// switch is exhaustive over ActionKind.
func (m *Monitor) executeActions(
	ctx context.Context,
	result HealthCheckResult,
	level int,
	ping time.Duration,
	quality domain.NetworkQuality,
) error {
	for _, action := range result.Actions {
		switch action {
		case ActionRefreshConnections:
			thresholds := ForBattery(level, ping, quality)
			if err := m.pool.RefreshConnections(ctx, thresholds); err != nil {
				return err
			}
		default:
			m.log.Warn("Unknown corrective action", zap.String("action", action.String()))
		}
	}
	return nil
}
