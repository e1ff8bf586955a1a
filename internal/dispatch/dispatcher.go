package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/domain"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"github.com/cmdruid/pubsub-sub004/internal/subscription"
	"github.com/cmdruid/pubsub-sub004/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Dispatcher forwards accepted events to each subscription's target
// endpoint over HTTP. Requests run on a shared worker pool so a slow
// target never backs up the relay read loops. It is the node's
// domain.EventSink.
type Dispatcher struct {
	pool *workers.WorkerPool
	subs *subscription.Manager
	log  *zap.Logger
}

var _ domain.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher backed by the given worker pool.
func NewDispatcher(pool *workers.WorkerPool, subs *subscription.Manager) *Dispatcher {
	return &Dispatcher{
		pool: pool,
		subs: subs,
		log:  logger.New("dispatch"),
	}
}

// Deliver queues one event for forwarding. The event id always rides as
// a query parameter; the full event payload is inlined base64-encoded
// only when it fits under the size ceiling, so the target can fetch the
// rest itself for oversized events.
func (d *Dispatcher) Deliver(ctx context.Context, subscriptionID string, ev *nostr.Event) {
	if ctx.Err() != nil {
		return
	}

	cfg, ok := d.subs.Get(subscriptionID)
	if !ok {
		d.log.Debug("Dropping event for unknown subscription",
			zap.String("subscription_id", subscriptionID))
		return
	}

	target := cfg.Target
	eventID := ev.ID

	payload, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("Failed to encode event for delivery",
			zap.String("event_id", eventID), zap.Error(err))
		metrics.IncrementDispatchFailures()
		return
	}

	queued := d.pool.AddJob(func() {
		d.forward(target, eventID, payload)
	})
	if !queued {
		d.log.Warn("Dispatch queue full, dropping event",
			zap.String("event_id", eventID),
			zap.String("subscription_id", subscriptionID))
		metrics.IncrementDispatchFailures()
	}
}

func (d *Dispatcher) forward(target, eventID string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DispatchTimeout)
	defer cancel()

	start := time.Now()

	// The ceiling applies to the encoded form, which is what actually
	// rides on the query string.
	builder := requests.URL(target).Param("id", eventID)
	if base64.RawURLEncoding.EncodedLen(len(payload)) <= constants.MaxInlinePayloadBytes {
		builder = builder.Param("event", base64.RawURLEncoding.EncodeToString(payload))
	}

	err := builder.Fetch(ctx)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		d.log.Warn("Delivery failed",
			zap.String("target", target),
			zap.String("event_id", eventID),
			zap.Error(err))
		metrics.IncrementDispatchFailures()
		return
	}

	metrics.IncrementEventsForwarded()
	d.log.Debug("Event delivered",
		zap.String("target", target),
		zap.String("event_id", eventID))
}
