package application

import (
	"context"
	"fmt"

	"github.com/cmdruid/pubsub-sub004/internal/config"
	"github.com/cmdruid/pubsub-sub004/internal/dispatch"
	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/health"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/pipeline"
	"github.com/cmdruid/pubsub-sub004/internal/power"
	"github.com/cmdruid/pubsub-sub004/internal/relay"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/cmdruid/pubsub-sub004/internal/workers"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	battery    *power.BatteryPowerManager
	network    *power.NetworkMonitor
	subs       *subscription.Manager
	pipelines  map[string]*pipeline.Pipeline
	dedup      *pipeline.Deduplicator
	workerPool *workers.WorkerPool
	dispatcher *dispatch.Dispatcher
	connMgr    *relay.Manager
	monitor    *health.Monitor
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildPower initializes the battery manager and the network monitor.
func (b *NodeBuilder) BuildPower() {
	b.battery = power.NewBatteryPowerManager(
		100, true,
		b.config.Subscriber.PingInterval,
		b.config.Power.SysfsPath,
	)
	b.battery.Refresh()

	b.network = power.NewNetworkMonitor(allRelayURLs(b.config))
	if b.config.Network.PinnedQuality != "" {
		if q, ok := domain.ParseQuality(b.config.Network.PinnedQuality); ok {
			b.network.SetQuality(q)
		}
	}
}

// BuildSubscriptions registers every enabled subscription and builds its
// filter pipeline.
func (b *NodeBuilder) BuildSubscriptions() error {
	b.subs = subscription.NewManager()
	b.pipelines = make(map[string]*pipeline.Pipeline)

	for i := range b.config.Subscriber.Subscriptions {
		cfg := b.config.Subscriber.Subscriptions[i].ToConfiguration()
		if !cfg.Enabled {
			logger.Info("Skipping disabled subscription", zap.String("subscription_id", cfg.ID))
			continue
		}

		if _, err := b.subs.Register(cfg); err != nil {
			return fmt.Errorf("registering subscription %q: %w", cfg.ID, err)
		}

		p, err := pipeline.New(cfg)
		if err != nil {
			return fmt.Errorf("building pipeline for %q: %w", cfg.ID, err)
		}
		b.pipelines[cfg.ID] = p
	}

	b.dedup = pipeline.NewDeduplicator(b.config.Subscriber.DedupCapacity)
	return nil
}

// BuildWorkers initializes the dispatch worker pool.
func (b *NodeBuilder) BuildWorkers() {
	b.workerPool = workers.NewWorkerPool(
		b.config.Subscriber.DispatchWorkers,
		b.config.Subscriber.DispatchQueueSize,
	)
}

// BuildDispatcher sets up the downstream delivery path.
func (b *NodeBuilder) BuildDispatcher() {
	b.dispatcher = dispatch.NewDispatcher(b.workerPool, b.subs)
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.battery == nil || b.network == nil {
		return nil, fmt.Errorf("power sources must be built before calling Build()")
	}
	if b.subs == nil {
		return nil, fmt.Errorf("subscriptions must be built before calling Build()")
	}
	if b.workerPool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("dispatcher must be built before calling Build()")
	}

	node := &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		Battery:    b.battery,
		Network:    b.network,
		Subs:       b.subs,
		pipelines:  b.pipelines,
		dedup:      b.dedup,
		WorkerPool: b.workerPool,
		sink:       b.dispatcher,
	}

	node.ConnMgr = relay.NewManager(b.subs, b.battery, node.handleEvent)
	node.Monitor = health.NewMonitor(node.ConnMgr, b.battery, b.network)

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}

func allRelayURLs(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, sub := range cfg.Subscriber.Subscriptions {
		for _, u := range sub.Relays {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	return urls
}
