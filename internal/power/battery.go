package power

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"go.uber.org/zap"
)

// BatteryPowerManager tracks the current power state and owns the wake-hold
// used around active network I/O. It implements domain.PowerSource and
// domain.WakeHold.
type BatteryPowerManager struct {
	mu       sync.RWMutex
	level    int
	charging bool
	ping     time.Duration

	holdMu sync.Mutex
	holds  int

	sysfsPath string
	log       *zap.Logger
}

// NewBatteryPowerManager builds a manager with a static initial state. When
// sysfsPath points at a power-supply directory (Linux), Refresh reads live
// values from capacity/status.
func NewBatteryPowerManager(level int, charging bool, ping time.Duration, sysfsPath string) *BatteryPowerManager {
	if ping <= 0 {
		ping = constants.DefaultPingInterval
	}
	return &BatteryPowerManager{
		level:     level,
		charging:  charging,
		ping:      ping,
		sysfsPath: sysfsPath,
		log:       logger.New("power"),
	}
}

// BatteryLevel returns the current battery percentage (0-100).
func (b *BatteryPowerManager) BatteryLevel() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.level
}

// IsCharging reports whether the device is on external power.
func (b *BatteryPowerManager) IsCharging() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.charging
}

// EffectiveLevel is the battery level used for threshold derivation.
// A charging device is treated as full.
func (b *BatteryPowerManager) EffectiveLevel() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.charging {
		return 100
	}
	return b.level
}

// PingInterval returns the configured ping interval used as the baseline
// for every derived threshold.
func (b *BatteryPowerManager) PingInterval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ping
}

// SetPingInterval replaces the configured ping interval.
func (b *BatteryPowerManager) SetPingInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ping = d
}

// SetBatteryState is the platform callback boundary: the host feeds battery
// updates here.
func (b *BatteryPowerManager) SetBatteryState(level int, charging bool) {
	b.mu.Lock()
	changed := b.level != level || b.charging != charging
	b.level = level
	b.charging = charging
	b.mu.Unlock()

	if changed {
		b.log.Debug("Battery state updated",
			zap.Int("level", level),
			zap.Bool("charging", charging))
	}
}

// Refresh reads battery level and charging state from sysfs when a path is
// configured. Missing or unreadable files leave the current state untouched.
func (b *BatteryPowerManager) Refresh() {
	if b.sysfsPath == "" {
		return
	}

	capRaw, err := os.ReadFile(b.sysfsPath + "/capacity")
	if err != nil {
		b.log.Debug("Battery capacity read failed", zap.Error(err))
		return
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
	if err != nil || level < 0 || level > 100 {
		return
	}

	charging := false
	if statusRaw, err := os.ReadFile(b.sysfsPath + "/status"); err == nil {
		status := strings.TrimSpace(string(statusRaw))
		charging = status == "Charging" || status == "Full"
	}

	b.SetBatteryState(level, charging)
}

// Acquire takes the wake-hold before transport I/O begins.
func (b *BatteryPowerManager) Acquire() {
	b.holdMu.Lock()
	b.holds++
	holds := b.holds
	b.holdMu.Unlock()

	metrics.SetWakeHolds(holds)
}

// Release drops the wake-hold. Callers release on every exit path,
// including failure.
func (b *BatteryPowerManager) Release() {
	b.holdMu.Lock()
	if b.holds > 0 {
		b.holds--
	}
	holds := b.holds
	b.holdMu.Unlock()

	metrics.SetWakeHolds(holds)
}

// Holds returns the current wake-hold count.
func (b *BatteryPowerManager) Holds() int {
	b.holdMu.Lock()
	defer b.holdMu.Unlock()
	return b.holds
}
