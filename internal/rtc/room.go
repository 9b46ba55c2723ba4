package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/call"
	"github.com/fancall/backend/internal/media"
	"github.com/fancall/backend/internal/realtime"
)

// RoomConfig configures relay room connections.
type RoomConfig struct {
	ICEUrls []string
	// Populate registers the device manager's codecs on the peer media
	// engine so published tracks negotiate correctly.
	Populate func(*webrtc.MediaEngine) error
	Log      *zap.Logger
}

// NewRoomFactory returns a call.RoomFactory producing relay-backed rooms.
func NewRoomFactory(cfg RoomConfig) call.RoomFactory {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return func(grant call.TokenGrant) (call.Room, error) {
		return newRoom(grant, cfg), nil
	}
}

// room is the relay client: one websocket for control signaling and one
// peer connection carrying media, negotiated against the server SFU.
type room struct {
	grant call.TokenGrant
	cfg   RoomConfig
	log   *zap.Logger

	mu      sync.Mutex
	handler call.RoomHandler
	state   call.RoomState
	ws      *websocket.Conn
	pc      *webrtc.PeerConnection
	senders map[media.Kind]*webrtc.RTPSender
	current map[media.Kind]media.PublishableTrack
	remote  map[string]map[string]string // participant -> track id -> kind
	joined  chan struct{}
	closed  bool
	writeMu sync.Mutex
}

func newRoom(grant call.TokenGrant, cfg RoomConfig) *room {
	return &room{
		grant:   grant,
		cfg:     cfg,
		log:     cfg.Log.With(zap.String("room", grant.Room)),
		state:   call.RoomDisconnected,
		senders: make(map[media.Kind]*webrtc.RTPSender),
		current: make(map[media.Kind]media.PublishableTrack),
		remote:  make(map[string]map[string]string),
		joined:  make(chan struct{}),
	}
}

func (r *room) SetHandler(h call.RoomHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *room) currentHandler() call.RoomHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

func (r *room) State() call.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *room) setState(s call.RoomState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Connect dials the relay, joins the room, and waits for the join
// acknowledgment. The peer connection is built here so listeners exist
// before any server message can arrive.
func (r *room) Connect(ctx context.Context) error {
	r.setState(call.RoomConnecting)

	pc, err := r.newPeerConnection()
	if err != nil {
		r.setState(call.RoomDisconnected)
		return err
	}

	wsURL, err := relayURL(r.grant.URL, r.grant.Room, r.grant.Token)
	if err != nil {
		_ = pc.Close()
		r.setState(call.RoomDisconnected)
		return err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		_ = pc.Close()
		r.setState(call.RoomDisconnected)
		return fmt.Errorf("dial relay: %w", err)
	}

	r.mu.Lock()
	r.pc = pc
	r.ws = ws
	r.mu.Unlock()

	if err := r.send(realtime.Signal{Type: realtime.SignalJoin, Room: r.grant.Room}); err != nil {
		r.teardownTransport()
		return fmt.Errorf("join room: %w", err)
	}

	go r.readLoop(ws)

	select {
	case <-r.joined:
		return nil
	case <-ctx.Done():
		r.teardownTransport()
		return ctx.Err()
	}
}

func (r *room) newPeerConnection() (*webrtc.PeerConnection, error) {
	engine := &webrtc.MediaEngine{}
	if r.cfg.Populate != nil {
		if err := r.cfg.Populate(engine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: r.cfg.ICEUrls}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = r.send(realtime.Signal{Type: realtime.SignalCandidate, Candidate: &init})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// The agent renders nothing; drain so RTCP keeps flowing.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
	return pc, nil
}

func relayURL(base, room, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/rtc/" + room
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *room) readLoop(ws *websocket.Conn) {
	for {
		var sig realtime.Signal
		if err := ws.ReadJSON(&sig); err != nil {
			r.readFailed(ws, err)
			return
		}
		r.handleSignal(sig)
	}
}

func (r *room) handleSignal(sig realtime.Signal) {
	switch sig.Type {
	case realtime.SignalJoined:
		r.mu.Lock()
		r.state = call.RoomConnected
		select {
		case <-r.joined:
		default:
			close(r.joined)
		}
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h.OnConnected()
		}
	case realtime.SignalAnswer:
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil {
			return
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
		if err := pc.SetRemoteDescription(desc); err != nil {
			r.log.Warn("apply answer failed", zap.Error(err))
		}
	case realtime.SignalOffer:
		// Server-initiated renegotiation, e.g. a new subscription.
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil {
			return
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
		if err := pc.SetRemoteDescription(desc); err != nil {
			r.log.Warn("apply server offer failed", zap.Error(err))
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			r.log.Warn("create answer failed", zap.Error(err))
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			r.log.Warn("set local answer failed", zap.Error(err))
			return
		}
		_ = r.send(realtime.Signal{Type: realtime.SignalAnswer, SDP: answer.SDP})
	case realtime.SignalCandidate:
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil || sig.Candidate == nil {
			return
		}
		if err := pc.AddICECandidate(*sig.Candidate); err != nil {
			r.log.Warn("apply candidate failed", zap.Error(err))
		}
	case realtime.SignalTrackPublished:
		r.mu.Lock()
		tracks, ok := r.remote[sig.ParticipantID]
		if !ok {
			tracks = make(map[string]string)
			r.remote[sig.ParticipantID] = tracks
		}
		tracks[sig.TrackID] = sig.Kind
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h.OnTrackAdded(call.TrackRef{
				ParticipantID: sig.ParticipantID,
				Kind:          sig.Kind,
				TrackID:       sig.TrackID,
			})
		}
	case realtime.SignalTrackUnpublished:
		r.mu.Lock()
		if tracks, ok := r.remote[sig.ParticipantID]; ok {
			delete(tracks, sig.TrackID)
			if len(tracks) == 0 {
				delete(r.remote, sig.ParticipantID)
			}
		}
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h.OnTrackRemoved(call.TrackRef{
				ParticipantID: sig.ParticipantID,
				Kind:          sig.Kind,
				TrackID:       sig.TrackID,
			})
		}
	case realtime.SignalParticipantLeft:
		r.mu.Lock()
		tracks := r.remote[sig.ParticipantID]
		delete(r.remote, sig.ParticipantID)
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			for id, kind := range tracks {
				h.OnTrackRemoved(call.TrackRef{
					ParticipantID: sig.ParticipantID,
					Kind:          kind,
					TrackID:       id,
				})
			}
		}
	case realtime.SignalError:
		r.log.Warn("relay error", zap.String("error", sig.Error))
	}
}

// readFailed handles a websocket failure: one bounded redial sequence, then
// a terminal disconnect.
func (r *room) readFailed(old *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.closed || r.ws != old {
		r.mu.Unlock()
		return
	}
	r.ws = nil
	r.state = call.RoomReconnecting
	h := r.handler
	r.mu.Unlock()

	r.log.Warn("relay connection lost", zap.Error(cause))
	if h != nil {
		h.OnReconnecting()
	}

	for attempt := 1; attempt <= 5; attempt++ {
		time.Sleep(2 * time.Second)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		if err := r.redial(); err != nil {
			r.log.Warn("relay redial failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		r.setState(call.RoomConnected)
		if h := r.currentHandler(); h != nil {
			h.OnReconnected()
		}
		return
	}

	r.setState(call.RoomDisconnected)
	if h := r.currentHandler(); h != nil {
		h.OnDisconnected(fmt.Errorf("relay unreachable: %w", cause))
	}
}

func (r *room) redial() error {
	wsURL, err := relayURL(r.grant.URL, r.grant.Room, r.grant.Token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ws = ws
	r.mu.Unlock()
	if err := r.send(realtime.Signal{Type: realtime.SignalJoin, Room: r.grant.Room}); err != nil {
		return err
	}
	go r.readLoop(ws)
	// The media session renegotiates over the fresh control channel.
	return r.negotiate()
}

// Publish adds local tracks to the peer connection and negotiates.
func (r *room) Publish(ctx context.Context, tracks []media.Track) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return errors.New("rtc: room not connected")
	}
	for _, t := range tracks {
		pt, ok := t.(media.PublishableTrack)
		if !ok {
			return fmt.Errorf("rtc: track %s is not publishable", t.ID())
		}
		sender, err := pc.AddTrack(pt.Local())
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		r.mu.Lock()
		r.senders[t.Kind()] = sender
		r.current[t.Kind()] = pt
		r.mu.Unlock()
	}
	return r.negotiate()
}

func (r *room) negotiate() error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return errors.New("rtc: room not connected")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return r.send(realtime.Signal{Type: realtime.SignalOffer, SDP: offer.SDP})
}

// SetEnabled pauses or resumes a published kind without renegotiation: the
// sender swaps its track for nil locally and the relay pauses forwarding.
func (r *room) SetEnabled(kind media.Kind, enabled bool) error {
	r.mu.Lock()
	sender := r.senders[kind]
	track := r.current[kind]
	r.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rtc: no published %s track", kind)
	}
	if enabled {
		if err := sender.ReplaceTrack(track.Local()); err != nil {
			return fmt.Errorf("resume %s: %w", kind, err)
		}
	} else {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("pause %s: %w", kind, err)
		}
	}
	e := enabled
	return r.send(realtime.Signal{Type: realtime.SignalMute, Kind: string(kind), Enabled: &e})
}

// ReplaceVideoTrack swaps the published video track in place (camera flip).
func (r *room) ReplaceVideoTrack(ctx context.Context, t media.Track) error {
	pt, ok := t.(media.PublishableTrack)
	if !ok {
		return fmt.Errorf("rtc: track %s is not publishable", t.ID())
	}
	r.mu.Lock()
	sender := r.senders[media.KindVideo]
	r.mu.Unlock()
	if sender == nil {
		return errors.New("rtc: no published video track")
	}
	if err := sender.ReplaceTrack(pt.Local()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	r.mu.Lock()
	r.current[media.KindVideo] = pt
	r.mu.Unlock()
	return nil
}

// ResubscribeAll asks the relay to re-send every active subscription.
func (r *room) ResubscribeAll(ctx context.Context) error {
	return r.send(realtime.Signal{Type: realtime.SignalResubscribe})
}

func (r *room) RemoteVideoParticipants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for pid, tracks := range r.remote {
		for _, kind := range tracks {
			if kind == string(media.KindVideo) {
				out = append(out, pid)
				break
			}
		}
	}
	return out
}

// Disconnect closes the control channel and peer connection. Idempotent.
func (r *room) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = call.RoomDisconnected
	r.mu.Unlock()
	r.teardownTransport()
	return nil
}

func (r *room) teardownTransport() {
	r.mu.Lock()
	ws := r.ws
	pc := r.pc
	r.ws = nil
	r.pc = nil
	if r.state != call.RoomDisconnected && !r.closed {
		r.state = call.RoomDisconnected
	}
	r.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (r *room) send(sig realtime.Signal) error {
	r.mu.Lock()
	ws := r.ws
	r.mu.Unlock()
	if ws == nil {
		return errors.New("rtc: control channel not connected")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return ws.WriteJSON(sig)
}
