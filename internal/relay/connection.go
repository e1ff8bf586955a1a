package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/cmdruid/pubsub-sub004/internal/health"
	"github.com/cmdruid/pubsub-sub004/internal/logger"
	"github.com/cmdruid/pubsub-sub004/internal/metrics"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// RelayConnection is one outbound websocket session carrying one
// subscription on one relay. Health fields are guarded by mu and snapshot
// atomically for the health-check pass.
type RelayConnection struct {
	subID  string // configuration id
	wireID string // REQ subscription id
	url    string

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	state       health.ConnState
	lastMessage time.Time
	attempts    int
	confirmed   bool

	closeOnce sync.Once
	done      chan struct{}

	onEvent   func(subID, relayURL string, ev *nostr.Event, rawSize int)
	onConfirm func(subID, relayURL string)

	log *zap.Logger
}

func newRelayConnection(subID, wireID, url string, attempts int) *RelayConnection {
	return &RelayConnection{
		subID:    subID,
		wireID:   wireID,
		url:      url,
		state:    health.StateConnecting,
		attempts: attempts,
		done:     make(chan struct{}),
		log: logger.New("relay").With(
			zap.String("relay", url),
			zap.String("subscription_id", subID)),
	}
}

// Health returns a point-in-time snapshot of the connection.
func (c *RelayConnection) Health() health.RelayHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	var age time.Duration
	if !c.lastMessage.IsZero() {
		age = time.Since(c.lastMessage)
	}
	return health.RelayHealth{
		State:                 c.state,
		LastMessageAge:        age,
		ReconnectAttempts:     c.attempts,
		SubscriptionConfirmed: c.confirmed,
	}
}

// attach binds an established websocket and moves the connection to
// CONNECTED. The ack that confirms the subscription arrives later.
func (c *RelayConnection) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.state = health.StateConnected
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

// markFailed records a transport failure: one more reconnect attempt,
// state FAILED. Deliberate closes go through close() instead.
func (c *RelayConnection) markFailed() {
	c.mu.Lock()
	c.state = health.StateFailed
	c.attempts++
	c.confirmed = false
	c.mu.Unlock()
}

// touch records an inbound frame against the health snapshot.
func (c *RelayConnection) touch() {
	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()
}

// confirm records the relay's first acknowledgment of the request and
// resets the consecutive reconnect attempt count.
func (c *RelayConnection) confirm() {
	c.mu.Lock()
	first := !c.confirmed
	c.confirmed = true
	c.attempts = 0
	c.mu.Unlock()

	if first {
		c.log.Debug("Subscription confirmed")
		if c.onConfirm != nil {
			c.onConfirm(c.subID, c.url)
		}
	}
}

// isLive reports whether the websocket is up and usable.
func (c *RelayConnection) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	return c.state == health.StateConnected || c.state == health.StateConnecting
}

// writeFrame marshals a top-level array like ["REQ", id, filter] and sends
// it under the write deadline.
func (c *RelayConnection) writeFrame(args ...interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	defer func() { _ = ws.SetWriteDeadline(time.Time{}) }()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// sendReq submits the subscribe request for this connection's filter.
func (c *RelayConnection) sendReq(filterObj interface{}) error {
	return c.writeFrame(constants.MsgReq, c.wireID, filterObj)
}

// sendClose submits the unsubscribe frame.
func (c *RelayConnection) sendClose() error {
	return c.writeFrame(constants.MsgClose, c.wireID)
}

// readLoop receives inbound frames until the transport fails or the
// connection is deliberately closed. Malformed frames are logged and
// discarded; they never stop the loop.
func (c *RelayConnection) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Deliberate close, not a transport failure.
			default:
				c.log.Debug("Read error, marking connection failed", zap.Error(err))
				c.markFailed()
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame dispatches one inbound frame. Every parseable frame counts
// as relay activity.
func (c *RelayConnection) handleFrame(raw []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		c.log.Debug("Discarding malformed frame", zap.Error(err))
		return
	}

	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		c.log.Debug("Discarding frame with non-string label")
		return
	}

	c.touch()

	switch label {
	case constants.MsgEvent:
		if len(arr) < 3 {
			c.log.Debug("Discarding short EVENT frame")
			return
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil || subID != c.wireID {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			c.log.Debug("Discarding unparseable event", zap.Error(err))
			return
		}
		metrics.IncrementEventsReceived(c.url, len(arr[2]))
		if c.onEvent != nil {
			c.onEvent(c.subID, c.url, &ev, len(arr[2]))
		}

	case constants.MsgEOSE:
		// End of stored events doubles as the request acknowledgment.
		c.confirm()

	case constants.MsgOK:
		// ["OK", <id>, <success>, <message>]. Only a positive ack counts.
		if len(arr) < 3 {
			c.log.Debug("Discarding short OK frame")
			return
		}
		var accepted bool
		if err := json.Unmarshal(arr[2], &accepted); err != nil {
			c.log.Debug("Discarding OK frame with non-boolean status", zap.Error(err))
			return
		}
		if !accepted {
			var msg string
			if len(arr) >= 4 {
				_ = json.Unmarshal(arr[3], &msg)
			}
			c.log.Debug("Relay rejected request", zap.String("message", msg))
			return
		}
		c.confirm()

	case constants.MsgNotice:
		var msg string
		if len(arr) >= 2 {
			_ = json.Unmarshal(arr[1], &msg)
		}
		c.log.Debug("NOTICE from relay", zap.String("message", msg))

	default:
		c.log.Debug("Ignoring unknown frame label", zap.String("label", label))
	}
}

// close shuts the websocket down exactly once with a polite close
// handshake attempt.
func (c *RelayConnection) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		wasLive := c.ws != nil && c.state == health.StateConnected
		c.state = health.StateDisconnected
		ws := c.ws
		c.mu.Unlock()

		if ws != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage, msg,
				time.Now().Add(constants.CloseGraceTimeout))
			c.writeMu.Unlock()
			_ = ws.Close()
		}
		if wasLive {
			metrics.DecrementActiveConnections()
		}

		c.log.Debug("Connection closed", zap.String("reason", reason))
	})
}
