package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(hub *Hub, room, identity string) *Client {
	return &Client{
		Room:     room,
		Identity: identity,
		hub:      hub,
		send:     make(chan Signal, 16),
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	a := newTestClient(hub, "call-1", "creator")
	b := newTestClient(hub, "call-1", "fan")
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast("call-1", "creator", Signal{Type: SignalTrackPublished, TrackID: "t1"})

	select {
	case sig := <-b.send:
		assert.Equal(t, SignalTrackPublished, sig.Type)
		assert.Equal(t, "t1", sig.TrackID)
	default:
		t.Fatal("expected broadcast to reach the other client")
	}
	assert.Empty(t, a.send, "sender must not receive its own broadcast")
}

func TestSendToClientTargetsOneIdentity(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	a := newTestClient(hub, "call-1", "creator")
	b := newTestClient(hub, "call-1", "fan")
	hub.Register(a)
	hub.Register(b)

	hub.SendToClient("call-1", "fan", Signal{Type: SignalJoined})

	assert.Len(t, b.send, 1)
	assert.Empty(t, a.send)
}

func TestUnregisterReplacedConnectionKeepsRoom(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	old := newTestClient(hub, "call-1", "creator")
	hub.Register(old)

	replacement := newTestClient(hub, "call-1", "creator")
	hub.Register(replacement)

	// The stale connection must not tear down the replacement's room state.
	assert.False(t, hub.Unregister(old))
	assert.Equal(t, 1, hub.RoomCount("call-1"))

	assert.True(t, hub.Unregister(replacement))
	assert.Equal(t, 0, hub.RoomCount("call-1"))
}

func TestRoomCount(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	assert.Equal(t, 0, hub.RoomCount("call-1"))

	a := newTestClient(hub, "call-1", "creator")
	b := newTestClient(hub, "call-1", "fan")
	hub.Register(a)
	hub.Register(b)
	assert.Equal(t, 2, hub.RoomCount("call-1"))

	hub.Unregister(a)
	assert.Equal(t, 1, hub.RoomCount("call-1"))
}

type fakeBridge struct {
	mu        sync.Mutex
	published []Signal
	handlers  map[string]func(Signal)
	cancelled int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{handlers: make(map[string]func(Signal))}
}

func (f *fakeBridge) PublishSignal(room string, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sig)
	return nil
}

func (f *fakeBridge) SubscribeRoom(room string, handler func(Signal)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[room] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}, nil
}

func TestBridgeSubscriptionLifecycle(t *testing.T) {
	bridge := newFakeBridge()
	hub := NewHub(zap.NewNop(), bridge)

	a := newTestClient(hub, "call-1", "creator")
	hub.Register(a)

	bridge.mu.Lock()
	_, subscribed := bridge.handlers["call-1"]
	bridge.mu.Unlock()
	require.True(t, subscribed, "first client opens the room subscription")

	hub.Broadcast("call-1", "creator", Signal{Type: SignalParticipantJoined})
	bridge.mu.Lock()
	assert.Len(t, bridge.published, 1)
	bridge.mu.Unlock()

	hub.Unregister(a)
	bridge.mu.Lock()
	assert.Equal(t, 1, bridge.cancelled, "last client closes the room subscription")
	bridge.mu.Unlock()
}

func TestBridgedSignalReachesLocalClients(t *testing.T) {
	bridge := newFakeBridge()
	hub := NewHub(zap.NewNop(), bridge)

	a := newTestClient(hub, "call-1", "fan")
	hub.Register(a)

	bridge.mu.Lock()
	handler := bridge.handlers["call-1"]
	bridge.mu.Unlock()
	require.NotNil(t, handler)

	handler(Signal{Type: SignalTrackPublished, Room: "call-1", ParticipantID: "creator", TrackID: "t1"})

	select {
	case sig := <-a.send:
		assert.Equal(t, SignalTrackPublished, sig.Type)
		assert.Equal(t, "creator", sig.ParticipantID)
	default:
		t.Fatal("expected bridged signal to reach local client")
	}
}
