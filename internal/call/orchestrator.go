package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fancall/backend/internal/media"
)

// Guard errors for concurrent operations.
var (
	ErrJoinInFlight = errors.New("call: join already in progress")
	ErrNotConnected = errors.New("call: not connected to a room")
)

// Timeouts bound the orchestrator's blocking operations. Zero values take
// the defaults below.
type Timeouts struct {
	Connect      time.Duration // hard connect timeout
	StatePoll    time.Duration // poll interval racing the connected event
	FlipDebounce time.Duration // minimum gap between camera flips
}

func (t *Timeouts) fill() {
	if t.Connect <= 0 {
		t.Connect = 30 * time.Second
	}
	if t.StatePoll <= 0 {
		t.StatePoll = 250 * time.Millisecond
	}
	if t.FlipDebounce <= 0 {
		t.FlipDebounce = 500 * time.Millisecond
	}
}

// Orchestrator owns the room connection for one session at a time: token
// fetch, connect, publish local tracks, remote track focus, reconnect
// handling, and teardown. All session bookkeeping lives on this object;
// nothing is ambient.
type Orchestrator struct {
	log      *zap.Logger
	bus      *Bus
	tokens   TokenClient
	acquirer Acquirer
	newRoom  RoomFactory
	timeouts Timeouts

	mu        sync.Mutex
	state     LiveState
	conn      ConnState
	sessionID string
	identity  string
	role      string
	joining   bool
	room      Room
	acq       *media.Acquisition
	cachedIDs media.DeviceIDs
	published bool
	micOn     bool
	camOn     bool
	facing    string
	focus     *Focus
	remote    map[string]TrackRef // by track ID
	flipping  bool
	lastFlip  time.Time
	connected chan struct{} // closed when the connected event fires
}

// NewOrchestrator creates an orchestrator in StateOffline.
func NewOrchestrator(tokens TokenClient, acquirer Acquirer, newRoom RoomFactory, bus *Bus, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = NewBus()
	}
	o := &Orchestrator{
		log:      log,
		bus:      bus,
		tokens:   tokens,
		acquirer: acquirer,
		newRoom:  newRoom,
		state:    StateOffline,
		conn:     ConnOffline,
		facing:   media.FacingUser,
		focus:    NewFocus(),
		remote:   make(map[string]TrackRef),
	}
	o.timeouts.fill()
	return o
}

// SetTimeouts overrides the default timeouts. Call before Join.
func (o *Orchestrator) SetTimeouts(t Timeouts) {
	t.fill()
	o.mu.Lock()
	o.timeouts = t
	o.mu.Unlock()
}

// Events returns the session event bus.
func (o *Orchestrator) Events() *Bus { return o.bus }

// State returns the lifecycle state.
func (o *Orchestrator) State() LiveState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Conn returns the viewer-observable connection state.
func (o *Orchestrator) Conn() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn
}

// PrimaryParticipant returns the participant promoted to primary display.
func (o *Orchestrator) PrimaryParticipant() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.focus.PrimaryID()
}

// CachedDeviceIDs returns device IDs granted on the last acquisition, for
// fast re-acquisition without a fresh prompt.
func (o *Orchestrator) CachedDeviceIDs() media.DeviceIDs {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cachedIDs
}

// Join connects to the logical session. Idempotent for the same session;
// a different prior session is disconnected first. A second Join while one
// is in flight fails fast with ErrJoinInFlight (single-flight).
func (o *Orchestrator) Join(ctx context.Context, sessionID, identity, role string) error {
	o.mu.Lock()
	if o.joining {
		o.mu.Unlock()
		return ErrJoinInFlight
	}
	if o.room != nil && o.sessionID == sessionID && o.conn == ConnConnected {
		o.mu.Unlock()
		return nil
	}
	prior := o.room
	if prior != nil {
		// Different logical session: force a disconnect and walk the
		// lifecycle back to offline before going live again, so a failed
		// attempt does not leave a dead session reporting live.
		o.detachRoomLocked()
		o.setStateLocked(Transition(o.state, EventReset))
	}
	o.joining = true
	o.sessionID = sessionID
	o.identity = identity
	o.role = role
	o.setStateLocked(Transition(o.state, EventGoLive))
	o.setConnLocked(ConnConnecting)
	o.connected = make(chan struct{})
	connectedCh := o.connected
	timeouts := o.timeouts
	o.mu.Unlock()

	if prior != nil {
		prior.SetHandler(nil)
		_ = prior.Disconnect()
	}

	err := o.joinSlow(ctx, sessionID, identity, role, connectedCh, timeouts)

	o.mu.Lock()
	o.joining = false
	if err != nil {
		room := o.roomForTeardownLocked()
		o.remote = make(map[string]TrackRef)
		o.focus.Reset()
		o.setStateLocked(Transition(o.state, EventStartFailed))
		kind := KindOf(err)
		if kind == KindAuthExpired {
			o.setConnLocked(ConnOffline)
		} else {
			o.setConnLocked(ConnFailed)
		}
		o.mu.Unlock()
		if room != nil {
			room.SetHandler(nil)
			_ = room.Disconnect()
		}
		o.bus.Publish(Event{Type: EventTypeError, ErrKind: kind, Err: err})
		o.log.Warn("join failed", zap.String("session_id", sessionID), zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	o.setStateLocked(Transition(o.state, EventLiveStarted))
	o.setConnLocked(ConnConnected)
	o.mu.Unlock()
	o.log.Info("session joined", zap.String("session_id", sessionID), zap.String("role", role))
	return nil
}

// joinSlow performs the network-bound part of Join without holding the mutex.
func (o *Orchestrator) joinSlow(ctx context.Context, sessionID, identity, role string, connectedCh chan struct{}, timeouts Timeouts) error {
	o.mu.Lock()
	acq := o.acq
	cached := o.cachedIDs
	facing := o.facing
	o.mu.Unlock()

	// Reuse an existing capture (camera preview) when one is live.
	if acq == nil {
		opts := media.Options{Audio: true, Video: true, FacingMode: facing}
		if cached.Camera != "" || cached.Microphone != "" {
			opts.CachedIDs = &cached
		}
		var err error
		acq, err = o.acquirer.Acquire(ctx, opts)
		if err != nil {
			return NewError(KindOf(err), err)
		}
		o.mu.Lock()
		o.acq = acq
		o.cachedIDs = acq.DeviceIDs
		o.mu.Unlock()
	}

	grant, err := o.tokens.Fetch(ctx, TokenRequest{
		Role:      role,
		CreatorID: identity,
		Identity:  identity,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}

	room, err := o.newRoom(*grant)
	if err != nil {
		return NewError(KindConnectionFailed, err)
	}
	// Listeners attach before connect so early events are not missed.
	room.SetHandler(o)
	o.mu.Lock()
	o.room = room
	o.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, timeouts.Connect)
	defer cancel()
	if err := room.Connect(connectCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError(KindConnectionTimeout, err)
		}
		return NewError(KindConnectionFailed, err)
	}

	// Race the connected event against a state poll: the event may have
	// fired before our listener attached on some transports.
	if err := o.awaitConnected(connectCtx, room, connectedCh, timeouts.StatePoll); err != nil {
		return err
	}

	o.mu.Lock()
	alreadyPublished := o.published
	o.published = true
	o.mu.Unlock()
	if !alreadyPublished {
		if err := room.Publish(ctx, acq.Tracks); err != nil {
			o.mu.Lock()
			o.published = false
			o.mu.Unlock()
			return NewError(KindConnectionFailed, err)
		}
	}
	// Unmute explicitly so the remote side receives live media immediately
	// rather than a muted placeholder.
	if err := room.SetEnabled(media.KindAudio, true); err != nil {
		return NewError(KindConnectionFailed, err)
	}
	if err := room.SetEnabled(media.KindVideo, true); err != nil {
		return NewError(KindConnectionFailed, err)
	}
	o.mu.Lock()
	o.micOn = true
	o.camOn = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) awaitConnected(ctx context.Context, room Room, connectedCh chan struct{}, poll time.Duration) error {
	if room.State() == RoomConnected {
		return nil
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-connectedCh:
			return nil
		case <-ticker.C:
			if room.State() == RoomConnected {
				return nil
			}
		case <-ctx.Done():
			return NewError(KindConnectionTimeout, ctx.Err())
		}
	}
}

// Leave stops local capture, disconnects, detaches listeners and clears all
// transient session refs so a future Join can republish.
func (o *Orchestrator) Leave() {
	o.mu.Lock()
	o.setStateLocked(Transition(o.state, EventEndLive))
	room := o.room
	acq := o.acq
	o.room = nil
	o.acq = nil
	o.published = false
	o.micOn = false
	o.camOn = false
	o.sessionID = ""
	o.remote = make(map[string]TrackRef)
	o.focus.Reset()
	o.mu.Unlock()

	if room != nil {
		room.SetHandler(nil)
		_ = room.Disconnect()
	}
	if acq != nil {
		acq.Close()
	}

	o.mu.Lock()
	o.setStateLocked(Transition(o.state, EventLiveEnded))
	o.setConnLocked(ConnOffline)
	o.mu.Unlock()
	o.log.Info("session left")
}

// ToggleMic flips the microphone without renegotiation and returns the new
// enabled state.
func (o *Orchestrator) ToggleMic() (bool, error) {
	return o.toggle(media.KindAudio)
}

// ToggleCam flips the camera without renegotiation and returns the new
// enabled state.
func (o *Orchestrator) ToggleCam() (bool, error) {
	return o.toggle(media.KindVideo)
}

func (o *Orchestrator) toggle(kind media.Kind) (bool, error) {
	o.mu.Lock()
	room := o.room
	var desired bool
	if kind == media.KindAudio {
		desired = !o.micOn
	} else {
		desired = !o.camOn
	}
	o.mu.Unlock()
	if room == nil {
		return false, ErrNotConnected
	}
	if err := room.SetEnabled(kind, desired); err != nil {
		return !desired, err
	}
	o.mu.Lock()
	if kind == media.KindAudio {
		o.micOn = desired
	} else {
		o.camOn = desired
	}
	o.mu.Unlock()
	return desired, nil
}

// FlipCamera swaps front/back camera. Debounced and guarded against
// concurrent flips; the disable/replace/enable sequence avoids a visible
// ghost frame during the swap. A suppressed flip returns nil.
func (o *Orchestrator) FlipCamera(ctx context.Context) error {
	o.mu.Lock()
	if o.flipping || time.Since(o.lastFlip) < o.timeouts.FlipDebounce {
		o.mu.Unlock()
		return nil
	}
	room := o.room
	acq := o.acq
	if room == nil || acq == nil {
		o.mu.Unlock()
		return ErrNotConnected
	}
	o.flipping = true
	o.lastFlip = time.Now()
	newFacing := media.FacingEnvironment
	if o.facing == media.FacingEnvironment {
		newFacing = media.FacingUser
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flipping = false
		o.mu.Unlock()
	}()

	if err := room.SetEnabled(media.KindVideo, false); err != nil {
		return err
	}
	newAcq, err := o.acquirer.Acquire(ctx, media.Options{Video: true, FacingMode: newFacing})
	if err != nil {
		// Old camera stays published; just unhide it again.
		_ = room.SetEnabled(media.KindVideo, true)
		return NewError(KindOf(err), err)
	}
	newVideo := newAcq.VideoTrack()
	if err := room.ReplaceVideoTrack(ctx, newVideo); err != nil {
		newAcq.Close()
		_ = room.SetEnabled(media.KindVideo, true)
		return NewError(KindConnectionFailed, err)
	}
	if err := room.SetEnabled(media.KindVideo, true); err != nil {
		return err
	}

	o.mu.Lock()
	oldVideo := o.acq.VideoTrack()
	tracks := make([]media.Track, 0, len(o.acq.Tracks))
	for _, t := range o.acq.Tracks {
		if t.Kind() != media.KindVideo {
			tracks = append(tracks, t)
		}
	}
	tracks = append(tracks, newVideo)
	o.acq.Tracks = tracks
	o.acq.DeviceIDs.Camera = newAcq.DeviceIDs.Camera
	o.cachedIDs.Camera = newAcq.DeviceIDs.Camera
	o.facing = newFacing
	o.camOn = true
	o.mu.Unlock()

	if oldVideo != nil {
		_ = oldVideo.Close()
	}
	return nil
}

// Pin records the user's explicit primary selection; auto-promotion is
// permanently disabled for the session.
func (o *Orchestrator) Pin(participantID string) {
	o.mu.Lock()
	o.focus.Pin(participantID)
	mode := o.focus.Mode()
	o.mu.Unlock()
	o.bus.Publish(Event{Type: EventTypeFocusChanged, FocusID: participantID, FocusMode: mode})
}

// OnConnected implements RoomHandler.
func (o *Orchestrator) OnConnected() {
	o.mu.Lock()
	ch := o.connected
	if ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	o.mu.Unlock()
}

// OnDisconnected implements RoomHandler. Called only for terminal
// disconnects; transient drops go through OnReconnecting.
func (o *Orchestrator) OnDisconnected(err error) {
	o.mu.Lock()
	o.setStateLocked(Transition(o.state, EventReset))
	o.setConnLocked(ConnOffline)
	o.mu.Unlock()
	if err != nil {
		o.bus.Publish(Event{Type: EventTypeError, ErrKind: KindConnectionFailed, Err: err})
	}
}

// OnReconnecting implements RoomHandler.
func (o *Orchestrator) OnReconnecting() {
	o.mu.Lock()
	o.setConnLocked(ConnRetry)
	o.mu.Unlock()
}

// OnReconnected implements RoomHandler. A reconnect can silently drop
// subscription state, so re-ensure all subscriptions and re-sweep for a
// first remote video to re-apply the focus policy.
func (o *Orchestrator) OnReconnected() {
	o.mu.Lock()
	room := o.room
	o.setConnLocked(ConnConnected)
	o.mu.Unlock()
	if room == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := room.ResubscribeAll(ctx); err != nil {
		o.log.Warn("resubscribe after reconnect failed", zap.Error(err))
	}
	for _, pid := range room.RemoteVideoParticipants() {
		o.observeVideo(pid)
		break
	}
}

// OnTrackAdded implements RoomHandler.
func (o *Orchestrator) OnTrackAdded(ref TrackRef) {
	o.mu.Lock()
	o.remote[ref.TrackID] = ref
	o.mu.Unlock()
	o.bus.Publish(Event{Type: EventTypeTrackAdded, Track: ref})
	if !ref.IsLocal && ref.Kind == string(media.KindVideo) {
		o.observeVideo(ref.ParticipantID)
	}
}

// OnTrackRemoved implements RoomHandler.
func (o *Orchestrator) OnTrackRemoved(ref TrackRef) {
	o.mu.Lock()
	delete(o.remote, ref.TrackID)
	stillPublishing := false
	for _, r := range o.remote {
		if r.ParticipantID == ref.ParticipantID && r.Kind == string(media.KindVideo) {
			stillPublishing = true
			break
		}
	}
	var cleared bool
	if !stillPublishing {
		cleared = o.focus.ParticipantLeft(ref.ParticipantID)
	}
	mode := o.focus.Mode()
	o.mu.Unlock()
	o.bus.Publish(Event{Type: EventTypeTrackRemoved, Track: ref})
	if cleared {
		o.bus.Publish(Event{Type: EventTypeFocusChanged, FocusID: "", FocusMode: mode})
	}
}

func (o *Orchestrator) observeVideo(participantID string) {
	o.mu.Lock()
	changed := o.focus.ObserveVideo(participantID)
	primary := o.focus.PrimaryID()
	mode := o.focus.Mode()
	o.mu.Unlock()
	if changed {
		o.bus.Publish(Event{Type: EventTypeFocusChanged, FocusID: primary, FocusMode: mode})
	}
}

// detachRoomLocked clears room bookkeeping for a fresh attempt. Caller holds
// the mutex and is responsible for the actual Disconnect outside the lock.
func (o *Orchestrator) detachRoomLocked() {
	o.room = nil
	o.published = false
	o.remote = make(map[string]TrackRef)
	o.focus.Reset()
}

func (o *Orchestrator) roomForTeardownLocked() Room {
	room := o.room
	o.room = nil
	o.published = false
	return room
}

func (o *Orchestrator) setStateLocked(next LiveState) {
	if next == o.state {
		return
	}
	o.state = next
	state := o.state
	go o.bus.Publish(Event{Type: EventTypeStateChanged, State: state})
}

func (o *Orchestrator) setConnLocked(next ConnState) {
	if next == o.conn {
		return
	}
	o.conn = next
	conn := o.conn
	go o.bus.Publish(Event{Type: EventTypeConnState, Conn: conn})
}
