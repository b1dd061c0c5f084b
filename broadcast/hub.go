// Package broadcast fans session events out to live subscribers (websocket
// and SSE clients). Delivery is best effort: a subscriber whose buffer is
// full misses the event, and nothing is replayed to late subscribers.
package broadcast

import (
	"sync"
	"time"

	"github.com/onnwee/intent-radar/telemetry"
)

// Type is the kind of event.
type Type string

const (
	StreamSelected Type = "stream_selected"
	NewMessage     Type = "new_message"
	BuyerDetected  Type = "buyer_detected"
	DebugStats     Type = "debug_stats"
	Error          Type = "error"
	SessionStopped Type = "session_stopped"
)

// Event is one message on the channel. Data is any JSON-encodable payload.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher is what sessions publish through.
type Publisher interface {
	Publish(Event) int
}

// Forwarder receives every locally published event, e.g. to relay it to
// other instances.
type Forwarder interface {
	Forward(Event)
}

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Hub is an in-process fan-out.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	relay  Forwarder
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// SetRelay attaches a forwarder for locally published events.
func (h *Hub) SetRelay(f Forwarder) {
	h.mu.Lock()
	h.relay = f
	h.mu.Unlock()
}

// Subscription is one subscriber. Events arrive on C until Close is called
// or the hub shuts down, after which C is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	hub     *Hub
	session string // guarded by hub.mu; empty receives every session
}

// Subscribe registers a subscriber interested in sessionID (empty for all).
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, session: sessionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	telemetry.AddSubscribers(1)
	return s
}

// SetSession changes the subscription's session filter.
func (s *Subscription) SetSession(id string) {
	s.hub.mu.Lock()
	s.session = id
	s.hub.mu.Unlock()
}

// Session returns the current filter.
func (s *Subscription) Session() string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.session
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
	telemetry.AddSubscribers(-1)
}

// Publish delivers e locally, then hands it to the relay if one is set. It
// returns the number of local subscribers that received it.
func (h *Hub) Publish(e Event) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	n := h.Deliver(e)
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.Forward(e)
	}
	return n
}

// Deliver sends e to matching local subscribers only. It never blocks.
func (h *Hub) Deliver(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.subs {
		if s.session != "" && s.session != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
			delivered++
			telemetry.Inc(telemetry.EventsPublished)
		default:
			telemetry.Inc(telemetry.EventsDropped)
		}
	}
	return delivered
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
		telemetry.AddSubscribers(-1)
	}
}
