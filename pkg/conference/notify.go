package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// AdvisoryEvent is one message on the notification room. The surrounding UI
// uses these for live status (verdict submission counts and the like); the
// orchestration core never depends on their delivery.
type AdvisoryEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NotificationRoomOptions configures a NotificationRoom.
type NotificationRoomOptions struct {
	// URL is the websocket endpoint of the notification service.
	URL string

	// SessionID keys the room.
	SessionID string

	// PublishRate caps outbound advisory events per second. Events over
	// the cap are dropped, not queued; the channel is advisory. Default:
	// 10/s with a burst of 20.
	PublishRate  rate.Limit
	PublishBurst int

	Logger Logger
}

// NotificationRoom is a best-effort publish/subscribe room keyed by session
// identifier, carried over a single websocket connection. Writes are
// serialized by a write mutex; reads fan out to registered subscribers on a
// dedicated read pump. A read failure closes the room silently: no
// reconnect, no buffering, no delivery guarantee.
type NotificationRoom struct {
	url       string
	sessionID string
	limiter   *rate.Limiter
	logger    Logger

	mu          sync.Mutex
	writeMu     sync.Mutex // serializes websocket writes
	conn        *websocket.Conn
	subscribers []func(AdvisoryEvent)
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewNotificationRoom creates a room client. Call Connect before Publish.
func NewNotificationRoom(opts NotificationRoomOptions) *NotificationRoom {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	if opts.PublishRate <= 0 {
		opts.PublishRate = 10
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 20
	}
	return &NotificationRoom{
		url:       opts.URL,
		sessionID: opts.SessionID,
		limiter:   rate.NewLimiter(opts.PublishRate, opts.PublishBurst),
		logger:    opts.Logger,
		done:      make(chan struct{}),
	}
}

// Connect dials the notification service and starts the read pump. The
// session ID rides as a query parameter so the service can key the room.
func (n *NotificationRoom) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrSessionEnded
	}
	if n.conn != nil {
		return nil
	}

	url := fmt.Sprintf("%s?session=%s", n.url, n.sessionID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial notification room: %w", err)
	}
	n.conn = conn

	n.wg.Add(1)
	go n.readPump(conn)

	n.logger.Info("notification room joined", "sessionID", n.sessionID)
	return nil
}

// Subscribe registers a callback for inbound advisory events. Callbacks run
// on the read pump goroutine and must not block.
func (n *NotificationRoom) Subscribe(fn func(AdvisoryEvent)) {
	n.mu.Lock()
	n.subscribers = append(n.subscribers, fn)
	n.mu.Unlock()
}

// Publish emits one advisory event. Events beyond the rate cap are dropped:
// live status updates lose nothing by missing a beat, and a burst must not
// back-pressure the event loop.
func (n *NotificationRoom) Publish(eventType string, payload interface{}) error {
	n.mu.Lock()
	conn := n.conn
	closed := n.closed
	n.mu.Unlock()

	if closed || conn == nil {
		return ErrSessionEnded
	}
	if !n.limiter.Allow() {
		n.logger.Debug("advisory event dropped by rate limit", "type", eventType)
		return nil
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal advisory payload: %w", err)
		}
		raw = data
	}

	event := AdvisoryEvent{
		ID:        uuid.NewString(),
		SessionID: n.sessionID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: now(),
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if err := conn.WriteJSON(event); err != nil {
		return fmt.Errorf("publish advisory event: %w", err)
	}
	return nil
}

// readPump delivers inbound events to subscribers until the connection
// breaks or the room closes.
func (n *NotificationRoom) readPump(conn *websocket.Conn) {
	defer n.wg.Done()

	for {
		var event AdvisoryEvent
		if err := conn.ReadJSON(&event); err != nil {
			select {
			case <-n.done:
			default:
				n.logger.Debug("notification room read ended", "error", err)
			}
			return
		}

		n.mu.Lock()
		subs := make([]func(AdvisoryEvent), len(n.subscribers))
		copy(subs, n.subscribers)
		n.mu.Unlock()

		for _, fn := range subs {
			fn(event)
		}
	}
}

// Close leaves the room. Safe to call multiple times.
func (n *NotificationRoom) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	conn := n.conn
	n.conn = nil
	close(n.done)
	n.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	n.wg.Wait()
}
