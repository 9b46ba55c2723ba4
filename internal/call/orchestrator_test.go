package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fancall/backend/internal/media"
)

type stubTrack struct {
	id       string
	kind     media.Kind
	deviceID string
	closed   bool
}

func (t *stubTrack) ID() string       { return t.id }
func (t *stubTrack) Kind() media.Kind { return t.kind }
func (t *stubTrack) DeviceID() string { return t.deviceID }
func (t *stubTrack) Close() error     { t.closed = true; return nil }

type stubAcquirer struct {
	mu    sync.Mutex
	calls int
	opts  []media.Options
	err   error
}

func (a *stubAcquirer) Acquire(ctx context.Context, opts media.Options) (*media.Acquisition, error) {
	a.mu.Lock()
	a.calls++
	a.opts = append(a.opts, opts)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	acq := &media.Acquisition{DeviceIDs: media.DeviceIDs{Camera: "cam-0", Microphone: "mic-0"}}
	if opts.Audio {
		acq.Tracks = append(acq.Tracks, &stubTrack{id: "a", kind: media.KindAudio, deviceID: "mic-0"})
	}
	if opts.Video {
		acq.Tracks = append(acq.Tracks, &stubTrack{id: "v", kind: media.KindVideo, deviceID: "cam-0"})
	}
	return acq, nil
}

func (a *stubAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAcquirer) lastOptions() media.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.opts) == 0 {
		return media.Options{}
	}
	return a.opts[len(a.opts)-1]
}

type stubTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubTokens) Fetch(ctx context.Context, req TokenRequest) (*TokenGrant, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &TokenGrant{Token: "tok", URL: "wss://relay.test", Room: "room-" + req.SessionID}, nil
}

func (c *stubTokens) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubRoom struct {
	mu           sync.Mutex
	handler      RoomHandler
	state        RoomState
	connectErr   error
	connectGate  chan struct{} // when set, Connect blocks until closed
	connects     int
	publishes    int
	disconnects  int
	resubscribes int
	enabled      map[media.Kind]bool
	replaced     media.Track
	remoteVideo  []string
}

func newStubRoom() *stubRoom {
	return &stubRoom{state: RoomDisconnected, enabled: make(map[media.Kind]bool)}
}

func (r *stubRoom) SetHandler(h RoomHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *stubRoom) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.connects++
	gate := r.connectGate
	err := r.connectErr
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state = RoomConnected
	r.mu.Unlock()
	return nil
}

func (r *stubRoom) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *stubRoom) Publish(ctx context.Context, tracks []media.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes++
	return nil
}

func (r *stubRoom) SetEnabled(kind media.Kind, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[kind] = enabled
	return nil
}

func (r *stubRoom) ReplaceVideoTrack(ctx context.Context, t media.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced = t
	return nil
}

func (r *stubRoom) ResubscribeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resubscribes++
	return nil
}

func (r *stubRoom) RemoteVideoParticipants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.remoteVideo...)
}

func (r *stubRoom) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	r.state = RoomDisconnected
	return nil
}

func (r *stubRoom) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func newTestOrchestrator(room *stubRoom) (*Orchestrator, *stubTokens, *stubAcquirer) {
	tokens := &stubTokens{}
	acq := &stubAcquirer{}
	factory := func(grant TokenGrant) (Room, error) { return room, nil }
	o := NewOrchestrator(tokens, acq, factory, NewBus(), nil)
	o.SetTimeouts(Timeouts{Connect: 2 * time.Second, StatePoll: 10 * time.Millisecond})
	return o, tokens, acq
}

func TestJoinPublishesAndGoesLive(t *testing.T) {
	room := newStubRoom()
	o, tokens, acq := newTestOrchestrator(room)

	err := o.Join(context.Background(), "sess-1", "creator-1", RolePublisher)
	require.NoError(t, err)

	assert.Equal(t, StateLive, o.State())
	assert.Equal(t, ConnConnected, o.Conn())
	assert.Equal(t, 1, tokens.callCount())
	assert.Equal(t, 1, acq.callCount())
	assert.Equal(t, 1, room.publishes)
	assert.True(t, room.enabled[media.KindAudio])
	assert.True(t, room.enabled[media.KindVideo])
}

func TestJoinSingleFlight(t *testing.T) {
	room := newStubRoom()
	room.connectGate = make(chan struct{})
	o, _, _ := newTestOrchestrator(room)

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.Join(context.Background(), "sess-1", "creator-1", RolePublisher) }()

	// Wait for the first join to reach Connect, then race a second join.
	require.Eventually(t, func() bool { return room.connectCount() == 1 }, time.Second, 5*time.Millisecond)
	err := o.Join(context.Background(), "sess-1", "creator-1", RolePublisher)
	assert.ErrorIs(t, err, ErrJoinInFlight)

	close(room.connectGate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, 1, room.connectCount())
}

func TestJoinSameSessionIdempotent(t *testing.T) {
	room := newStubRoom()
	o, tokens, _ := newTestOrchestrator(room)

	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	assert.Equal(t, 1, tokens.callCount())
	assert.Equal(t, 1, room.connectCount())
}

func TestJoinDifferentSessionReplacesRoom(t *testing.T) {
	room := newStubRoom()
	o, tokens, _ := newTestOrchestrator(room)

	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	require.NoError(t, o.Join(context.Background(), "sess-2", "creator-1", RolePublisher))

	assert.Equal(t, 2, tokens.callCount())
	assert.GreaterOrEqual(t, room.disconnects, 1)
}

func TestFailedRejoinReturnsToOffline(t *testing.T) {
	room := newStubRoom()
	o, tokens, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	require.Equal(t, StateLive, o.State())

	tokens.err = NewError(KindConnectionFailed, errors.New("token service down"))
	err := o.Join(context.Background(), "sess-2", "creator-1", RolePublisher)
	require.Error(t, err)

	// The prior session was force-disconnected, so the failed attempt must
	// not leave the lifecycle reporting a live session with no room.
	assert.Equal(t, StateOffline, o.State())
	assert.Equal(t, ConnFailed, o.Conn())
	assert.True(t, CanGoLive(o.State()))
	assert.False(t, CanEndLive(o.State()))
	assert.GreaterOrEqual(t, room.disconnects, 1)

	// A retry from here goes live again.
	tokens.err = nil
	require.NoError(t, o.Join(context.Background(), "sess-2", "creator-1", RolePublisher))
	assert.Equal(t, StateLive, o.State())
}

func TestJoinTokenFailureSurfacesAuthExpired(t *testing.T) {
	room := newStubRoom()
	o, tokens, _ := newTestOrchestrator(room)
	tokens.err = NewError(KindAuthExpired, errors.New("401"))

	var got []Event
	var mu sync.Mutex
	cancel := o.Events().Subscribe(func(e Event) {
		if e.Type == EventTypeError {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	})
	defer cancel()

	err := o.Join(context.Background(), "sess-1", "creator-1", RolePublisher)
	require.Error(t, err)
	assert.Equal(t, KindAuthExpired, KindOf(err))
	assert.Equal(t, StateOffline, o.State())
	assert.False(t, Retryable(KindOf(err)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, KindAuthExpired, got[0].ErrKind)
}

func TestJoinConnectTimeout(t *testing.T) {
	room := newStubRoom()
	room.connectGate = make(chan struct{}) // never released
	o, _, _ := newTestOrchestrator(room)
	o.SetTimeouts(Timeouts{Connect: 50 * time.Millisecond, StatePoll: 10 * time.Millisecond})

	err := o.Join(context.Background(), "sess-1", "creator-1", RolePublisher)
	require.Error(t, err)
	assert.Equal(t, KindConnectionTimeout, KindOf(err))
	assert.Equal(t, StateOffline, o.State())
	assert.Equal(t, ConnFailed, o.Conn())
	assert.True(t, Retryable(KindOf(err)))
}

func TestJoinDeviceFailureClassified(t *testing.T) {
	room := newStubRoom()
	o, _, acq := newTestOrchestrator(room)
	acq.err = &media.DeviceError{Kind: media.FailureDenied, Err: errors.New("permission denied")}

	err := o.Join(context.Background(), "sess-1", "creator-1", RolePublisher)
	require.Error(t, err)
	assert.Equal(t, KindPermissionDenied, KindOf(err))
	assert.Equal(t, 0, room.connectCount())
}

func TestLeaveTearsDownAndCachesDevices(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	o.Leave()

	assert.Equal(t, StateOffline, o.State())
	assert.Equal(t, ConnOffline, o.Conn())
	assert.GreaterOrEqual(t, room.disconnects, 1)
	assert.Equal(t, "cam-0", o.CachedDeviceIDs().Camera)
	assert.Equal(t, "mic-0", o.CachedDeviceIDs().Microphone)

	// A fresh join publishes again.
	require.NoError(t, o.Join(context.Background(), "sess-2", "creator-1", RolePublisher))
	assert.Equal(t, 2, room.publishes)
}

func TestToggleMicAndCam(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	on, err := o.ToggleMic()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, room.enabled[media.KindAudio])

	on, err = o.ToggleMic()
	require.NoError(t, err)
	assert.True(t, on)

	on, err = o.ToggleCam()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, room.enabled[media.KindVideo])
}

func TestToggleWithoutRoomFails(t *testing.T) {
	o, _, _ := newTestOrchestrator(newStubRoom())
	_, err := o.ToggleMic()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFlipCameraReplacesTrackAndDebounces(t *testing.T) {
	room := newStubRoom()
	o, _, acq := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	acquisitions := acq.callCount()

	require.NoError(t, o.FlipCamera(context.Background()))
	assert.NotNil(t, room.replaced)
	assert.Equal(t, acquisitions+1, acq.callCount())
	assert.True(t, room.enabled[media.KindVideo])

	// Immediate second flip is debounced to a no-op.
	require.NoError(t, o.FlipCamera(context.Background()))
	assert.Equal(t, acquisitions+1, acq.callCount())
}

func TestFlipCameraTogglesFacingMode(t *testing.T) {
	room := newStubRoom()
	o, _, acq := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	assert.Equal(t, media.FacingUser, acq.lastOptions().FacingMode)

	require.NoError(t, o.FlipCamera(context.Background()))
	assert.Equal(t, media.FacingEnvironment, acq.lastOptions().FacingMode)

	// The facing survives a leave; the next session reopens the same side.
	o.Leave()
	require.NoError(t, o.Join(context.Background(), "sess-2", "creator-1", RolePublisher))
	assert.Equal(t, media.FacingEnvironment, acq.lastOptions().FacingMode)
}

func TestRemoteVideoAutoPromotesOnce(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	o.OnTrackAdded(TrackRef{ParticipantID: "fan-1", Kind: "video", TrackID: "t1"})
	assert.Equal(t, "fan-1", o.PrimaryParticipant())

	o.OnTrackAdded(TrackRef{ParticipantID: "fan-2", Kind: "video", TrackID: "t2"})
	assert.Equal(t, "fan-1", o.PrimaryParticipant())

	// Departure of the primary re-arms promotion.
	o.OnTrackRemoved(TrackRef{ParticipantID: "fan-1", Kind: "video", TrackID: "t1"})
	assert.Empty(t, o.PrimaryParticipant())
	o.OnTrackAdded(TrackRef{ParticipantID: "fan-3", Kind: "video", TrackID: "t3"})
	assert.Equal(t, "fan-3", o.PrimaryParticipant())
}

func TestPinSurvivesDeparture(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	o.Pin("fan-1")
	o.OnTrackRemoved(TrackRef{ParticipantID: "fan-1", Kind: "video", TrackID: "t1"})
	assert.Equal(t, "fan-1", o.PrimaryParticipant())

	o.OnTrackAdded(TrackRef{ParticipantID: "fan-2", Kind: "video", TrackID: "t2"})
	assert.Equal(t, "fan-1", o.PrimaryParticipant())
}

func TestReconnectResubscribesAndRefocuses(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	o.OnReconnecting()
	assert.Equal(t, ConnRetry, o.Conn())

	room.mu.Lock()
	room.remoteVideo = []string{"fan-9"}
	room.mu.Unlock()

	o.OnReconnected()
	assert.Equal(t, ConnConnected, o.Conn())
	assert.Equal(t, 1, room.resubscribes)
	assert.Equal(t, "fan-9", o.PrimaryParticipant())
}

func TestTerminalDisconnectResetsState(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))

	o.OnDisconnected(errors.New("relay gone"))
	assert.Equal(t, StateOffline, o.State())
	assert.Equal(t, ConnOffline, o.Conn())
}

func TestHealthSnapshotCountsParticipants(t *testing.T) {
	room := newStubRoom()
	o, _, _ := newTestOrchestrator(room)
	require.NoError(t, o.Join(context.Background(), "sess-1", "creator-1", RolePublisher))
	o.OnTrackAdded(TrackRef{ParticipantID: "fan-1", Kind: "audio", TrackID: "a1"})
	o.OnTrackAdded(TrackRef{ParticipantID: "fan-1", Kind: "video", TrackID: "v1"})

	snap := o.HealthSnapshot()
	assert.Equal(t, StateLive, snap.State)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, 1, snap.RemoteCount)
	assert.True(t, snap.MicOn)
	assert.True(t, snap.CamOn)
}

func TestHealthMonitorStartStopIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(newStubRoom())
	m := NewHealthMonitor(o, 5*time.Millisecond, nil)
	m.Start()
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
}
