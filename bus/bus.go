// Package bus implements the in-process fan-out of chat events to connected
// event streams. Publishing is fire-and-forget: durability lives in the
// message store, and a subscriber that falls behind recovers through the
// pull-based catch-up query, so a full subscriber channel drops the event
// rather than blocking the write path.
package bus

import (
	"sync"

	"github.com/nightcast/livechat/backend/telemetry"
)

// Kind tags the event union. Values double as the SSE event names.
type Kind string

const (
	KindHistory        Kind = "history"
	KindMessage        Kind = "message"
	KindMessageDeleted Kind = "message_deleted"
	KindClear          Kind = "clear"
	KindRoster         Kind = "users"
	KindPrivate        Kind = "private"
	KindConfig         Kind = "config"
	KindReconnect      Kind = "reconnect"
)

// Recipient identifies one (username, session) pair a scoped event may reach.
type Recipient struct {
	Username  string
	SessionID string
}

// Event is the tagged union carried by the bus. Payload must be
// JSON-encodable; it is written verbatim to each matching stream.
// An empty Only slice means broadcast.
type Event struct {
	Kind    Kind
	Payload any
	Only    []Recipient
}

// VisibleTo reports whether the event may be forwarded to the given pair.
func (e Event) VisibleTo(username, sessionID string) bool {
	if len(e.Only) == 0 {
		return true
	}
	for _, r := range e.Only {
		if r.Username == username && r.SessionID == sessionID {
			return true
		}
	}
	return false
}

const subscriberBuffer = 64

// Bus fans events out to all current subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			// Closed under the write lock so Publish can never send on a
			// closed channel.
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if telemetry.EventsDropped != nil {
				telemetry.EventsDropped.Inc()
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
