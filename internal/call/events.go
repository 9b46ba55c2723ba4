package call

import "sync"

// EventType names the session events dispatched through the per-session bus.
// A finite set of named events keeps transitions traceable and testable
// without a live network stack.
type EventType string

const (
	EventTypeStateChanged EventType = "state_changed"
	EventTypeConnState    EventType = "conn_state"
	EventTypeTrackAdded   EventType = "track_added"
	EventTypeTrackRemoved EventType = "track_removed"
	EventTypeFocusChanged EventType = "focus_changed"
	EventTypeError        EventType = "error"
)

// TrackRef references a published track. Local tracks are owned by the
// orchestrator; remote refs carry no lifecycle control.
type TrackRef struct {
	ParticipantID string
	Kind          string // "audio" or "video"
	IsLocal       bool
	TrackID       string
}

// Event is one session event.
type Event struct {
	Type      EventType
	State     LiveState
	Conn      ConnState
	Track     TrackRef
	FocusID   string
	FocusMode FocusMode
	ErrKind   ErrorKind
	Err       error
}

// Bus is a per-session event bus with synchronous dispatch. Subscribers must
// not block.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns an idempotent cancel.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish dispatches e to all subscribers; handlers run on the caller's
// goroutine and ordering between subscribers is not guaranteed.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
