package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OfferPeer is a creator-side peer connection for one viewer.
type OfferPeer interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	AcceptAnswer(sdp string) error
	// AddCandidate applies one remote ICE candidate; idempotent for
	// duplicate delivery.
	AddCandidate(c Candidate) error
	// OnLocalCandidate registers the outbound candidate sink.
	OnLocalCandidate(fn func(Candidate))
	Close() error
}

// PeerFactory creates a peer for a newly seen viewer.
type PeerFactory func(viewerID string) (OfferPeer, error)

type responderViewer struct {
	peer      OfferPeer
	lastOffer string
	seenCands map[string]struct{}
}

// Responder is the creator side of the fallback protocol: it answers
// request-offer messages with offers, consumes answers and candidates, and
// announces liveness. One Responder serves all viewers on the creator's
// channel, one peer per viewer.
type Responder struct {
	creatorID string
	pubsub    PubSub
	newPeer   PeerFactory
	log       *zap.Logger

	mu      sync.Mutex
	owner   ChannelOwner
	viewers map[string]*responderViewer
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// NewResponder creates a stopped responder.
func NewResponder(creatorID string, pubsub PubSub, newPeer PeerFactory, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{
		creatorID: creatorID,
		pubsub:    pubsub,
		newPeer:   newPeer,
		log:       log,
		viewers:   make(map[string]*responderViewer),
	}
}

// Start subscribes to the creator channel and announces liveness so waiting
// viewers restart their offer request bursts immediately.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	subCtx, subCancel := context.WithTimeout(runCtx, 8*time.Second)
	owner, err := r.pubsub.Subscribe(subCtx, PrimaryChannel(r.creatorID))
	subCancel()
	if err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		cancel()
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = owner.Close()
		return nil
	}
	r.owner = owner
	r.mu.Unlock()

	go r.consume(runCtx, owner)
	return r.AnnounceLive(ctx)
}

// AnnounceLive broadcasts that the creator is reachable.
func (r *Responder) AnnounceLive(ctx context.Context) error {
	r.mu.Lock()
	h := ChannelHandle(r.owner)
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	m, err := NewMessage(TypeAnnounceLive, "", nil)
	if err != nil {
		return err
	}
	return h.Publish(ctx, m)
}

// DropViewer closes and forgets one viewer's peer.
func (r *Responder) DropViewer(viewerID string) {
	r.mu.Lock()
	v := r.viewers[viewerID]
	delete(r.viewers, viewerID)
	r.mu.Unlock()
	if v != nil {
		_ = v.peer.Close()
	}
}

// Close broadcasts creator-offline (the explicit signal that permits viewer
// channel teardown), closes all peers, and unsubscribes. Idempotent.
func (r *Responder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	owner := r.owner
	r.owner = nil
	viewers := r.viewers
	r.viewers = make(map[string]*responderViewer)
	cancel := r.cancel
	r.mu.Unlock()

	if owner != nil {
		ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if m, err := NewMessage(TypeCreatorOffline, "", nil); err == nil {
			_ = owner.Publish(ctx, m)
		}
		ctxCancel()
		_ = owner.Close()
	}
	for _, v := range viewers {
		_ = v.peer.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (r *Responder) consume(ctx context.Context, h ChannelHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-h.Status():
			if !ok {
				return
			}
			if s == StatusClosed {
				r.log.Warn("creator channel closed")
				return
			}
		case m, ok := <-h.Messages():
			if !ok {
				return
			}
			r.handle(ctx, h, m)
		}
	}
}

func (r *Responder) handle(ctx context.Context, h ChannelHandle, m Message) {
	switch m.Type {
	case TypeRequestOffer:
		r.handleRequestOffer(ctx, h, m.ViewerID)
	case TypeAnswer:
		r.handleAnswer(m)
	case TypeICECandidate:
		r.handleCandidate(m)
	case TypePing:
		pong, err := NewMessage(TypePong, m.ViewerID, nil)
		if err == nil {
			_ = h.Publish(ctx, pong)
		}
	}
}

// handleRequestOffer answers a viewer's request. Duplicate requests from the
// retry burst re-send the cached offer rather than renegotiating.
func (r *Responder) handleRequestOffer(ctx context.Context, h ChannelHandle, viewerID string) {
	if viewerID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if v, ok := r.viewers[viewerID]; ok && v.lastOffer != "" {
		offer := v.lastOffer
		r.mu.Unlock()
		r.publishOffer(ctx, h, viewerID, offer)
		return
	}
	r.mu.Unlock()

	peer, err := r.newPeer(viewerID)
	if err != nil {
		r.log.Warn("creating viewer peer failed",
			zap.String("viewer_id", viewerID), zap.Error(err))
		return
	}
	peer.OnLocalCandidate(func(cand Candidate) {
		m, err := NewMessage(TypeICECandidate, viewerID, cand)
		if err != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Publish(sendCtx, m)
	})
	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		r.log.Warn("creating offer failed",
			zap.String("viewer_id", viewerID), zap.Error(err))
		_ = peer.Close()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = peer.Close()
		return
	}
	if existing, ok := r.viewers[viewerID]; ok {
		// A concurrent request won the race; keep the first peer.
		offer := existing.lastOffer
		r.mu.Unlock()
		_ = peer.Close()
		if offer != "" {
			r.publishOffer(ctx, h, viewerID, offer)
		}
		return
	}
	r.viewers[viewerID] = &responderViewer{
		peer:      peer,
		lastOffer: sdp,
		seenCands: make(map[string]struct{}),
	}
	r.mu.Unlock()

	r.publishOffer(ctx, h, viewerID, sdp)
	r.log.Info("offer sent", zap.String("viewer_id", viewerID))
}

func (r *Responder) publishOffer(ctx context.Context, h ChannelHandle, viewerID, sdp string) {
	m, err := NewMessage(TypeOffer, viewerID, SDPPayload{SDP: sdp})
	if err != nil {
		return
	}
	if err := h.Publish(ctx, m); err != nil {
		r.log.Warn("publishing offer failed",
			zap.String("viewer_id", viewerID), zap.Error(err))
	}
}

func (r *Responder) handleAnswer(m Message) {
	r.mu.Lock()
	v := r.viewers[m.ViewerID]
	r.mu.Unlock()
	if v == nil {
		return
	}
	p, err := DecodeSDP(m)
	if err != nil {
		r.log.Warn("bad answer", zap.String("viewer_id", m.ViewerID), zap.Error(err))
		return
	}
	if err := v.peer.AcceptAnswer(p.SDP); err != nil {
		r.log.Warn("accepting answer failed",
			zap.String("viewer_id", m.ViewerID), zap.Error(err))
	}
}

func (r *Responder) handleCandidate(m Message) {
	cand, err := DecodeCandidate(m)
	if err != nil {
		r.log.Warn("bad candidate", zap.String("viewer_id", m.ViewerID), zap.Error(err))
		return
	}
	r.mu.Lock()
	v := r.viewers[m.ViewerID]
	if v == nil {
		r.mu.Unlock()
		return
	}
	if _, seen := v.seenCands[cand.Candidate]; seen {
		r.mu.Unlock()
		return
	}
	v.seenCands[cand.Candidate] = struct{}{}
	r.mu.Unlock()
	if err := v.peer.AddCandidate(cand); err != nil {
		r.log.Warn("applying candidate failed",
			zap.String("viewer_id", m.ViewerID), zap.Error(err))
	}
}
