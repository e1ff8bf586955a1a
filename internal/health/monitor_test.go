package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu       sync.Mutex
	conns    map[string]RelayHealth
	refreshT []Thresholds
}

func (p *fakePool) ConnectionHealth() map[string]RelayHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]RelayHealth, len(p.conns))
	for k, v := range p.conns {
		out[k] = v
	}
	return out
}

func (p *fakePool) RefreshConnections(_ context.Context, t Thresholds) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshT = append(p.refreshT, t)
	return nil
}

func (p *fakePool) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refreshT)
}

type fakePower struct {
	level    int
	charging bool
	ping     time.Duration
}

func (f *fakePower) BatteryLevel() int           { return f.level }
func (f *fakePower) IsCharging() bool            { return f.charging }
func (f *fakePower) PingInterval() time.Duration { return f.ping }

type fakeNetwork struct{ quality domain.NetworkQuality }

func (f *fakeNetwork) CurrentQuality() domain.NetworkQuality { return f.quality }

func newTestMonitor(pool *fakePool) *Monitor {
	return NewMonitor(pool,
		&fakePower{level: 100, ping: 30 * time.Second},
		&fakeNetwork{quality: domain.QualityGood})
}

func TestRunHealthCheckSyncAllHealthy(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{
		"wss://relay-a.example.com": {
			State:                 StateConnected,
			LastMessageAge:        5 * time.Second,
			SubscriptionConfirmed: true,
		},
	}}
	m := newTestMonitor(pool)

	result, err := m.RunHealthCheckSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalConnections)
	assert.Equal(t, 1, result.HealthyConnections)
	assert.Empty(t, result.Actions)
	assert.Zero(t, pool.refreshCount())
}

func TestRunHealthCheckSyncRefreshesUnhealthy(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{
		"wss://relay-a.example.com": {State: StateFailed},
	}}
	m := newTestMonitor(pool)

	result, err := m.RunHealthCheckSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.UnhealthyCount())
	require.Len(t, result.Actions, 1)
	assert.Equal(t, ActionRefreshConnections, result.Actions[0])
	require.Equal(t, 1, pool.refreshCount())

	// Actions run with the thresholds derived for the same pass.
	assert.Equal(t, 75*time.Second, pool.refreshT[0].MaxSilence)
	assert.Equal(t, 10, pool.refreshT[0].MaxReconnectAttempts)
}

func TestRunHealthCheckSyncChargingTreatedAsFull(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{
		"wss://relay-a.example.com": {State: StateFailed},
	}}
	m := NewMonitor(pool,
		&fakePower{level: 5, charging: true, ping: 30 * time.Second},
		&fakeNetwork{quality: domain.QualityGood})

	_, err := m.RunHealthCheckSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.refreshCount())
	assert.Equal(t, 10, pool.refreshT[0].MaxReconnectAttempts,
		"charging device uses performance thresholds regardless of level")
}

func TestRunHealthCheckSyncSkipsOverlappingPass(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{}}
	m := newTestMonitor(pool)

	m.passMu.Lock()
	defer m.passMu.Unlock()

	_, err := m.RunHealthCheckSync(context.Background())
	assert.ErrorIs(t, err, ErrCheckInProgress)
}

func TestMonitorStartStop(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{}}
	m := newTestMonitor(pool)

	assert.False(t, m.IsRunning())
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestMonitorStopAbortsPendingWait(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{}}
	// 30s ping means the first pass is half a minute away; Stop must not
	// wait for it.
	m := newTestMonitor(pool)
	require.NoError(t, m.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Stop()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}

func TestMonitorConcurrentStartStop(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{}}
	m := newTestMonitor(pool)

	// Start and Stop racing from many goroutines must never observe a
	// half-started monitor. Every call either succeeds or reports the
	// lifecycle error for its direction.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := m.Start(context.Background()); err != nil {
				assert.ErrorIs(t, err, ErrAlreadyRunning)
			}
		}()
		go func() {
			defer wg.Done()
			if err := m.Stop(); err != nil {
				assert.ErrorIs(t, err, ErrNotRunning)
			}
		}()
	}
	wg.Wait()

	if m.IsRunning() {
		require.NoError(t, m.Stop())
	}
	assert.False(t, m.IsRunning())
}

func TestMonitorRestartAfterStop(t *testing.T) {
	pool := &fakePool{conns: map[string]RelayHealth{}}
	m := newTestMonitor(pool)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
}
