package realtime

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for websocket heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Bridge fans relay signals out across server instances. Media stays local to
// the instance owning the peer connection; only metadata signals cross.
type Bridge interface {
	PublishSignal(room string, sig Signal) error
	SubscribeRoom(room string, handler func(sig Signal)) (cancel func(), err error)
}

// Hub maintains room -> set of websocket clients and routes signals.
type Hub struct {
	rooms  map[string]map[string]*Client // room -> identity -> client
	subs   map[string]func()             // cancel bridge subscription per room
	mu     sync.RWMutex
	logger *zap.Logger
	bridge Bridge
}

// NewHub creates a websocket hub. bridge may be nil for single-instance runs.
func NewHub(logger *zap.Logger, bridge Bridge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		bridge: bridge,
	}
}

// Register adds a client to a room, replacing any previous connection for the
// same identity. Starts the bridge subscription when the room first opens.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[string]*Client)
		if h.bridge != nil {
			cancel, err := h.bridge.SubscribeRoom(c.Room, func(sig Signal) {
				h.broadcastLocal(sig.Room, sig.ParticipantID, sig)
			})
			if err == nil {
				h.subs[c.Room] = cancel
			}
		}
	}
	prev := h.rooms[c.Room][c.Identity]
	h.rooms[c.Room][c.Identity] = c
	h.mu.Unlock()
	if prev != nil {
		prev.closeConn()
	}
	h.logger.Debug("client joined room",
		zap.String("identity", c.Identity), zap.String("room", c.Room))
}

// Unregister removes a client. Returns false when the identity has already
// been replaced by a newer connection, in which case the room state must not
// be torn down. Cancels the bridge subscription when the room empties.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	m, ok := h.rooms[c.Room]
	if !ok || m[c.Identity] != c {
		h.mu.Unlock()
		return false
	}
	delete(m, c.Identity)
	if len(m) == 0 {
		delete(h.rooms, c.Room)
		if cancel, ok := h.subs[c.Room]; ok {
			cancel()
			delete(h.subs, c.Room)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left room",
		zap.String("identity", c.Identity), zap.String("room", c.Room))
	return true
}

// SendToClient delivers a signal to a single identity in a room.
func (h *Hub) SendToClient(room, identity string, sig Signal) {
	h.mu.RLock()
	c := h.rooms[room][identity]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	select {
	case c.send <- sig:
	default:
		// buffer full, drop
	}
}

// Broadcast sends a signal to every client in the room except the named
// identity, locally and across instances via the bridge.
func (h *Hub) Broadcast(room, exclude string, sig Signal) {
	sig.Room = room
	sig.ParticipantID = firstNonEmpty(sig.ParticipantID, exclude)
	h.broadcastLocal(room, exclude, sig)
	if h.bridge != nil {
		if err := h.bridge.PublishSignal(room, sig); err != nil {
			h.logger.Warn("bridge publish failed", zap.Error(err), zap.String("room", room))
		}
	}
}

func (h *Hub) broadcastLocal(room, exclude string, sig Signal) {
	h.mu.RLock()
	clients := h.rooms[room]
	targets := make([]*Client, 0, len(clients))
	for identity, c := range clients {
		if identity == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- sig:
		default:
		}
	}
}

// RoomCount returns the number of connected clients in a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
