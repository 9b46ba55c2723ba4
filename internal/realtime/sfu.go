package realtime

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// SFU manages one peer connection per participant and forwards published RTP
// between the two sides of a call room.
type SFU struct {
	rooms map[string]*sfuRoom
	mu    sync.RWMutex
	hub   *Hub
	log   *zap.Logger
	cfg   webrtc.Configuration
}

type sfuRoom struct {
	name   string
	peers  map[string]*peerState
	relays []*relayTrack
	mu     sync.RWMutex
	log    *zap.Logger
}

type peerState struct {
	identity  string
	pc        *webrtc.PeerConnection
	send      func(Signal)
	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	// needsNegotiate marks a subscription added while an exchange was in
	// flight; the offer goes out once signaling returns to stable.
	needsNegotiate bool
}

type relayTrack struct {
	owner  string
	id     string
	kind   string
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// NewSFU creates an SFU with the given STUN/TURN URLs.
func NewSFU(hub *Hub, iceURLs []string, log *zap.Logger) *SFU {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := webrtc.Configuration{ICEServers: parseICEServers(iceURLs)}
	return &SFU{
		rooms: make(map[string]*sfuRoom),
		hub:   hub,
		log:   log,
		cfg:   cfg,
	}
}

func parseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

func (s *SFU) getOrCreateRoom(name string) *sfuRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		return r
	}
	r := &sfuRoom{
		name:  name,
		peers: make(map[string]*peerState),
		log:   s.log.With(zap.String("room", name)),
	}
	s.rooms[name] = r
	return r
}

func (s *SFU) getRoom(name string) *sfuRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[name]
}

// Join registers a participant's peer connection. Rejoining with the same
// identity keeps the existing media session and refreshes the signal sink.
func (s *SFU) Join(roomName, identity string, send func(Signal)) {
	r := s.getOrCreateRoom(roomName)

	r.mu.Lock()
	if p, ok := r.peers[identity]; ok {
		p.mu.Lock()
		p.send = send
		p.mu.Unlock()
		relays := existingRelays(r, identity)
		r.mu.Unlock()
		announceRelays(relays, send)
		return
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		r.mu.Unlock()
		r.log.Error("create peer connection failed", zap.Error(err), zap.String("identity", identity))
		send(Signal{Type: SignalError, Error: "peer setup failed"})
		return
	}
	p := &peerState{identity: identity, pc: pc, send: send}
	r.peers[identity] = p

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		out := p.send
		p.mu.Unlock()
		out(Signal{Type: SignalCandidate, Candidate: &init})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.onTrack(r, identity, track)
	})

	// Feed the newcomer whatever the other side already publishes.
	attached := false
	for _, relay := range r.relays {
		if relay.owner == identity {
			continue
		}
		if err := attachRelay(relay, p); err != nil {
			r.log.Warn("attach relay failed", zap.Error(err), zap.String("identity", identity))
			continue
		}
		attached = true
	}
	relays := existingRelays(r, identity)
	r.mu.Unlock()

	announceRelays(relays, send)
	if attached {
		s.negotiatePeer(r, p)
	}
}

func existingRelays(r *sfuRoom, exclude string) []*relayTrack {
	var out []*relayTrack
	for _, relay := range r.relays {
		if relay.owner != exclude {
			out = append(out, relay)
		}
	}
	return out
}

func announceRelays(relays []*relayTrack, send func(Signal)) {
	for _, relay := range relays {
		send(Signal{
			Type:          SignalTrackPublished,
			ParticipantID: relay.owner,
			TrackID:       relay.id,
			Kind:          relay.kind,
		})
	}
}

func (s *SFU) newPeerConnection() (*webrtc.PeerConnection, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// onTrack wires a newly published track to every other peer in the room and
// announces it.
func (s *SFU) onTrack(r *sfuRoom, owner string, track *webrtc.TrackRemote) {
	relay := &relayTrack{
		owner:  owner,
		id:     track.ID(),
		kind:   track.Kind().String(),
		remote: track,
	}

	r.mu.Lock()
	r.relays = append(r.relays, relay)
	var renegotiate []*peerState
	for identity, p := range r.peers {
		if identity == owner {
			continue
		}
		if err := attachRelay(relay, p); err != nil {
			r.log.Warn("attach relay failed", zap.Error(err), zap.String("identity", identity))
			continue
		}
		renegotiate = append(renegotiate, p)
	}
	r.mu.Unlock()

	go relay.readAndForward()
	s.hub.Broadcast(r.name, owner, Signal{
		Type:          SignalTrackPublished,
		ParticipantID: owner,
		TrackID:       relay.id,
		Kind:          relay.kind,
	})
	for _, p := range renegotiate {
		s.negotiatePeer(r, p)
	}
}

func attachRelay(relay *relayTrack, p *peerState) error {
	local, err := webrtc.NewTrackLocalStaticRTP(
		relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
	if err != nil {
		return err
	}
	if _, err := p.pc.AddTrack(local); err != nil {
		return err
	}
	relay.mu.Lock()
	relay.locals = append(relay.locals, local)
	relay.mu.Unlock()
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		// Reuse buffers from the pool to avoid per-packet allocs.
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Copy the subscriber list under lock, write without holding it so
		// one slow subscriber does not block the rest.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

// negotiatePeer sends a server offer carrying the peer's current
// subscriptions. Deferred when an exchange is already in flight.
func (s *SFU) negotiatePeer(r *sfuRoom, p *peerState) {
	p.mu.Lock()
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		p.needsNegotiate = true
		p.mu.Unlock()
		return
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.mu.Unlock()
		r.log.Warn("create offer failed", zap.Error(err), zap.String("identity", p.identity))
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.mu.Unlock()
		r.log.Warn("set local offer failed", zap.Error(err), zap.String("identity", p.identity))
		return
	}
	out := p.send
	p.mu.Unlock()
	out(Signal{Type: SignalOffer, SDP: offer.SDP})
}

// HandleOffer answers a client offer (publish or renegotiation).
func (s *SFU) HandleOffer(roomName, identity, sdp string, send func(Signal)) error {
	r := s.getRoom(roomName)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomName)
	}
	r.mu.RLock()
	p := r.peers[identity]
	r.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("unknown participant %s", identity)
	}

	p.mu.Lock()
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.remoteSet = true
	for _, cand := range p.pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			r.log.Warn("apply buffered candidate failed", zap.Error(err))
		}
	}
	p.pending = nil
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set local answer: %w", err)
	}
	deferred := p.needsNegotiate
	p.needsNegotiate = false
	p.mu.Unlock()

	send(Signal{Type: SignalAnswer, SDP: answer.SDP})
	if deferred {
		s.negotiatePeer(r, p)
	}
	return nil
}

// HandleAnswer applies a client answer to a server-initiated offer.
func (s *SFU) HandleAnswer(roomName, identity, sdp string) error {
	r := s.getRoom(roomName)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomName)
	}
	r.mu.RLock()
	p := r.peers[identity]
	r.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("unknown participant %s", identity)
	}

	p.mu.Lock()
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	err := p.pc.SetRemoteDescription(desc)
	deferred := p.needsNegotiate
	p.needsNegotiate = false
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	if deferred {
		s.negotiatePeer(r, p)
	}
	return nil
}

// HandleCandidate adds a client ICE candidate, buffering until the remote
// description exists.
func (s *SFU) HandleCandidate(roomName, identity string, cand webrtc.ICECandidateInit) error {
	r := s.getRoom(roomName)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	p := r.peers[identity]
	r.mu.RUnlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		return nil
	}
	return p.pc.AddICECandidate(cand)
}

// HandleMute relays a publish pause/resume as track metadata to the other
// side. RTP already stopped at the sender; this is the UI signal.
func (s *SFU) HandleMute(roomName, identity, kind string, enabled bool, broadcast func(Signal)) {
	r := s.getRoom(roomName)
	if r == nil {
		return
	}
	r.mu.RLock()
	var relay *relayTrack
	for _, rt := range r.relays {
		if rt.owner == identity && rt.kind == kind {
			relay = rt
			break
		}
	}
	r.mu.RUnlock()
	if relay == nil {
		return
	}
	t := SignalTrackUnpublished
	if enabled {
		t = SignalTrackPublished
	}
	broadcast(Signal{
		Type:          t,
		ParticipantID: identity,
		TrackID:       relay.id,
		Kind:          kind,
	})
}

// HandleResubscribe re-announces every active track to the requester and
// refreshes its subscription offer.
func (s *SFU) HandleResubscribe(roomName, identity string, send func(Signal)) {
	r := s.getRoom(roomName)
	if r == nil {
		return
	}
	r.mu.RLock()
	p := r.peers[identity]
	relays := existingRelays(r, identity)
	r.mu.RUnlock()
	if p == nil {
		return
	}
	announceRelays(relays, send)
	if len(relays) > 0 {
		s.negotiatePeer(r, p)
	}
}

// Leave closes the participant's peer connection and drops their published
// tracks. Closes the room when the last participant is gone.
func (s *SFU) Leave(roomName, identity string) {
	r := s.getRoom(roomName)
	if r == nil {
		return
	}
	r.mu.Lock()
	p := r.peers[identity]
	delete(r.peers, identity)
	kept := r.relays[:0]
	for _, relay := range r.relays {
		if relay.owner != identity {
			kept = append(kept, relay)
		}
	}
	r.relays = kept
	empty := len(r.peers) == 0
	r.mu.Unlock()

	if p != nil {
		_ = p.pc.Close()
	}
	if empty {
		s.mu.Lock()
		if cur, ok := s.rooms[roomName]; ok && cur == r {
			delete(s.rooms, roomName)
		}
		s.mu.Unlock()
	}
}
