package console

import "sync"

// SSE event names. These are stable identifiers the client keys on.
const (
	EventSyncConnected    = "sync_connected"
	EventSyncUpdate       = "sync_update"
	EventRelayMessage     = "relay_message"
	EventRelayReceipt     = "relay_receipt"
	EventMessageDelivered = "message_delivered"
)

// Event is one server-sent event: a stable name plus a JSON-encodable body.
type Event struct {
	Name string
	Data any
}

// Hub fans relay-originated events out to the per-session SSE streams. A
// session can have any number of attached streams; events are dropped for
// streams that cannot keep up rather than blocking the publish path.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[chan Event]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[chan Event]struct{})}
}

// Attach opens one event stream for a session. The returned cancel detaches
// the stream and closes the channel.
func (h *Hub) Attach(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[chan Event]struct{})
	}
	h.sessions[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sessions[sessionID], ch)
			if len(h.sessions[sessionID]) == 0 {
				delete(h.sessions, sessionID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers an event to every stream attached to the session.
// Full streams miss the event; they are never blocked on.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.sessions[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StreamCount reports the number of attached streams for a session.
func (h *Hub) StreamCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}
