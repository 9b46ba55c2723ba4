// Package rtc provides the pion-backed implementations of the call ports:
// the relay room client, the token service client, and the peer connection
// used by the manual signaling fallback.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/fancall/backend/internal/media"
	"github.com/fancall/backend/internal/signaling"
)

// Peer wraps a pion PeerConnection for the fallback path. It implements both
// signaling.OfferPeer (creator side) and signaling.ViewerPeer (viewer side);
// which role it plays is decided by which methods the channel calls.
type Peer struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	mu        sync.Mutex
	onCand    func(signaling.Candidate)
	onConn    func()
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	connected bool
}

// NewPeer creates a peer connection with VP8 and Opus registered and a NACK
// responder so the remote side can recover lost video packets.
func NewPeer(iceURLs []string, log *zap.Logger) (*Peer, error) {
	if log == nil {
		log = zap.NewNop()
	}

	m := &webrtc.MediaEngine{}
	vp8 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}
	opus := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	reg.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	reg.Add(generator)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   []webrtc.ICEServer{{URLs: iceURLs}},
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc, log: log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCand
		p.mu.Unlock()
		if fn != nil {
			fn(signaling.Candidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateConnected {
			p.mu.Lock()
			first := !p.connected
			p.connected = true
			fn := p.onConn
			p.mu.Unlock()
			if first && fn != nil {
				fn()
			}
		}
	})

	return p, nil
}

// PublishTracks attaches locally captured tracks (creator side). Tracks must
// originate from the device manager so they carry a pion local track.
func (p *Peer) PublishTracks(tracks []media.Track) error {
	for _, t := range tracks {
		pt, ok := t.(media.PublishableTrack)
		if !ok {
			return fmt.Errorf("rtc: track %s is not publishable", t.ID())
		}
		if _, err := p.pc.AddTrack(pt.Local()); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// AddRecvTransceivers adds recvonly audio and video transceivers (viewer
// side), so the offer/answer carries inbound media sections.
func (p *Peer) AddRecvTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// OnTrack registers the remote track handler.
func (p *Peer) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

// CreateOffer implements signaling.OfferPeer.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// AcceptOffer implements signaling.ViewerPeer: applies the remote offer and
// returns the local answer.
func (p *Peer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	p.flushPending()
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// AcceptAnswer implements signaling.OfferPeer.
func (p *Peer) AcceptAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushPending()
	return nil
}

// AddCandidate buffers candidates that arrive before the remote description
// and applies everything else immediately. Safe for duplicate delivery: pion
// tolerates re-adding an already known candidate.
func (p *Peer) AddCandidate(c signaling.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushPending() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			p.log.Warn("applying buffered candidate failed", zap.Error(err))
		}
	}
}

// OnLocalCandidate implements both signaling peer interfaces.
func (p *Peer) OnLocalCandidate(fn func(signaling.Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

// OnConnected implements signaling.ViewerPeer.
func (p *Peer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// Connected implements signaling.ViewerPeer.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close shuts the peer connection down.
func (p *Peer) Close() error {
	return p.pc.Close()
}
