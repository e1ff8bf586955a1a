package application

import (
	"context"
	"fmt"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/config"
	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/health"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"github.com/cmdruid/pubsub-sub004/internal/pipeline"
	"github.com/cmdruid/pubsub-sub004/internal/power"
	"github.com/cmdruid/pubsub-sub004/internal/relay"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/cmdruid/pubsub-sub004/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Node ties together the components needed to run the subscriber.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	Battery    *power.BatteryPowerManager
	Network    *power.NetworkMonitor
	Subs       *subscription.Manager
	ConnMgr    *relay.Manager
	Monitor    *health.Monitor
	WorkerPool *workers.WorkerPool

	pipelines map[string]*pipeline.Pipeline
	dedup     *pipeline.Deduplicator
	sink      domain.EventSink
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	builder.BuildPower()

	if err := builder.BuildSubscriptions(); err != nil {
		return nil, fmt.Errorf("failed building subscriptions: %w", err)
	}

	builder.BuildWorkers()
	builder.BuildDispatcher()

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start connects every subscription, begins the health-check loop, and
// exposes the metrics endpoint.
func (n *Node) Start(ctx context.Context) error {
	metrics.RegisterMetrics()

	if n.config.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(n.ctx, n.config.Metrics.Port); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	n.Network.Probe(n.ctx)

	for _, cfg := range n.Subs.All() {
		if err := n.ConnMgr.Connect(n.ctx, cfg); err != nil {
			return fmt.Errorf("connecting subscription %q: %w", cfg.ID, err)
		}
	}

	if err := n.Monitor.Start(n.ctx); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}

	go n.samplingLoop()

	logger.Info("Node started",
		zap.Int("subscriptions", len(n.pipelines)),
		zap.Duration("ping_interval", n.config.Subscriber.PingInterval))
	return nil
}

// handleEvent runs one inbound event through the pipeline, the dedup
// cache, and finally the event sink. Called from relay read loops.
func (n *Node) handleEvent(subID, relayURL string, ev *nostr.Event, _ int) {
	p, ok := n.pipelines[subID]
	if !ok {
		return
	}

	accepted, stage := p.Accept(ev)
	if !accepted {
		metrics.IncrementEventsFiltered(stage)
		return
	}

	if !n.dedup.Remember(ev.ID) {
		metrics.IncrementDuplicateEvents()
		logger.Debug("Duplicate event suppressed",
			zap.String("event_id", ev.ID),
			zap.String("relay", relayURL))
		return
	}

	n.sink.Deliver(n.ctx, subID, ev)
}

// samplingLoop periodically refreshes the battery reading and re-probes
// network quality so the health scheduler sees fresh inputs.
func (n *Node) samplingLoop() {
	batteryTicker := time.NewTicker(n.config.Power.RefreshInterval)
	networkTicker := time.NewTicker(n.config.Network.ProbeInterval)
	defer batteryTicker.Stop()
	defer networkTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-batteryTicker.C:
			n.Battery.Refresh()
		case <-networkTicker.C:
			n.Network.Probe(n.ctx)
		}
	}
}

// Shutdown gracefully stops the node.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := 30 * time.Second

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.Monitor.Stop(); err != nil && err != health.ErrNotRunning {
		logger.Warn("Health monitor stop failed", zap.Error(err))
	}

	n.ConnMgr.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.WorkerPool.Wait()
	}()

	select {
	case <-done:
		logger.Debug("Worker pool finished")
	case <-shutdownCtx.Done():
		logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	n.WorkerPool.Stop()

	if n.cancel != nil {
		n.cancel()
	}

	logger.Info("Node shutdown completed")
}
