package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fancall/backend/internal/call"
)

// ViewerPeer is the peer connection as seen by the viewer-side channel: it
// answers offers and applies candidates. The channel never owns the peer's
// lifecycle beyond Close on teardown.
type ViewerPeer interface {
	// AcceptOffer applies a remote offer and returns the local answer SDP.
	AcceptOffer(ctx context.Context, sdp string) (answer string, err error)
	// AddCandidate applies one remote ICE candidate. Implementations must be
	// idempotent for duplicate delivery.
	AddCandidate(c Candidate) error
	// OnLocalCandidate registers the outbound candidate sink.
	OnLocalCandidate(fn func(Candidate))
	// OnConnected registers the connection-established callback.
	OnConnected(fn func())
	Connected() bool
	Close() error
}

// ChannelConfig tunes the viewer channel. Zero durations take the defaults.
type ChannelConfig struct {
	CreatorID string
	ViewerID  string
	// QueueID addresses the legacy fallback channel; required only when
	// EnableLegacyFallback is set.
	QueueID              string
	EnableLegacyFallback bool

	BurstInterval    time.Duration // request-offer spacing during burst (default 1s)
	BurstAttempts    int           // burst length before degrading (default 8)
	SlowInterval     time.Duration // request-offer spacing after burst (default 5s)
	ResubscribeDelay time.Duration // delay before resubscribing a closed channel (default 5s)
	SubscribeTimeout time.Duration // per-attempt subscribe acknowledgment wait (default 8s)
}

func (c *ChannelConfig) fill() {
	if c.BurstInterval <= 0 {
		c.BurstInterval = time.Second
	}
	if c.BurstAttempts <= 0 {
		c.BurstAttempts = 8
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 5 * time.Second
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = 5 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 8 * time.Second
	}
}

const closedStreakForFallback = 3

// Channel is the viewer side of the fallback protocol. It requests an offer
// from the creator with burst-then-slow retry, answers it, exchanges
// candidates, and guards the underlying pub/sub channel against premature
// teardown: only Close or an explicit creator-offline message unsubscribes.
type Channel struct {
	cfg    ChannelConfig
	pubsub PubSub
	peer   ViewerPeer
	log    *zap.Logger

	mu            sync.Mutex
	state         call.ConnState
	onState       func(call.ConnState)
	attempt       int // monotonic subscribe attempt id
	primary       ChannelOwner
	legacy        ChannelOwner
	closedStreak  int
	offerReceived bool
	connected     bool
	retryRunning  bool
	retryAttempts int
	retrySeq      int // invalidates fired timers from a superseded schedule
	retryTimer    *time.Timer
	resubTimer    *time.Timer
	seenCands     map[string]struct{}
	started       bool
	closed        bool
	cancel        context.CancelFunc
}

// NewChannel creates a stopped viewer channel.
func NewChannel(cfg ChannelConfig, pubsub PubSub, peer ViewerPeer, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.fill()
	c := &Channel{
		cfg:       cfg,
		pubsub:    pubsub,
		peer:      peer,
		log:       log,
		state:     call.ConnChecking,
		seenCands: make(map[string]struct{}),
	}
	peer.OnLocalCandidate(c.sendLocalCandidate)
	peer.OnConnected(c.peerConnected)
	return c
}

// OnState registers the connection-state observer. Call before Start.
func (c *Channel) OnState(fn func(call.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the viewer-observable connection state.
func (c *Channel) State() call.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes to the primary channel and begins the offer request
// schedule. Idempotent while running.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStateLocked(call.ConnConnecting)
	c.mu.Unlock()

	go c.subscribePrimary(runCtx)
	return nil
}

// Kick restarts the offer request burst. Called on external reachability
// triggers (network back online, app foregrounded).
func (c *Channel) Kick() {
	c.startBurst("kick")
}

// Close is the component-unmount teardown path, one of only two code paths
// allowed to unsubscribe the channels. Idempotent.
func (c *Channel) Close() {
	c.teardown(call.ConnOffline)
}

func (c *Channel) teardown(final call.ConnState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRetryLocked()
	if c.resubTimer != nil {
		c.resubTimer.Stop()
		c.resubTimer = nil
	}
	cancel := c.cancel
	primary, legacy := c.primary, c.legacy
	c.primary, c.legacy = nil, nil
	c.setStateLocked(final)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if primary != nil {
		_ = primary.Close()
	}
	if legacy != nil {
		_ = legacy.Close()
	}
	_ = c.peer.Close()
}

// subscribePrimary runs one subscribe attempt under a fresh attempt id. A
// newer attempt started before this one resolves wins; the stale result is
// discarded instead of overwriting current state.
func (c *Channel) subscribePrimary(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempt++
	id := c.attempt
	c.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	owner, err := c.pubsub.Subscribe(subCtx, PrimaryChannel(c.cfg.CreatorID))
	cancel()

	c.mu.Lock()
	if c.closed || id != c.attempt {
		c.mu.Unlock()
		if owner != nil {
			_ = owner.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("primary channel subscribe failed",
			zap.Int("attempt", id), zap.Error(err))
		c.scheduleResubscribeLocked(ctx)
		c.mu.Unlock()
		return
	}
	c.primary = owner
	c.mu.Unlock()

	go c.consume(ctx, owner, true)
	c.startBurst("subscribed")
}

func (c *Channel) subscribeLegacy(ctx context.Context) {
	owner, err := c.pubsub.Subscribe(ctx, LegacyChannel(c.cfg.QueueID))
	if err != nil {
		c.log.Warn("legacy channel subscribe failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.closed || c.legacy != nil {
		c.mu.Unlock()
		_ = owner.Close()
		return
	}
	c.legacy = owner
	c.mu.Unlock()
	c.log.Info("legacy fallback channel subscribed", zap.String("queue_id", c.cfg.QueueID))
	go c.consume(ctx, owner, false)
}

func (c *Channel) scheduleResubscribeLocked(ctx context.Context) {
	if c.resubTimer != nil {
		return
	}
	c.resubTimer = time.AfterFunc(c.cfg.ResubscribeDelay, func() {
		c.mu.Lock()
		c.resubTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.subscribePrimary(ctx)
		}
	})
}

func (c *Channel) consume(ctx context.Context, h ChannelHandle, isPrimary bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-h.Status():
			if !ok {
				return
			}
			if s == StatusClosed {
				c.channelClosed(ctx, h, isPrimary)
				return
			}
		case m, ok := <-h.Messages():
			if !ok {
				c.channelClosed(ctx, h, isPrimary)
				return
			}
			c.handleMessage(ctx, h, m)
		}
	}
}

// channelClosed reacts to a transport-level closure. This is not a teardown
// path: the channel is resubscribed by the retry scheduler, and after three
// consecutive closures the legacy fallback is added without abandoning the
// primary.
func (c *Channel) channelClosed(ctx context.Context, h ChannelHandle, isPrimary bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !isPrimary {
		c.legacy = nil
		c.mu.Unlock()
		return
	}
	c.primary = nil
	c.closedStreak++
	streak := c.closedStreak
	wantFallback := streak >= closedStreakForFallback &&
		c.cfg.EnableLegacyFallback && c.cfg.QueueID != "" && c.legacy == nil
	c.scheduleResubscribeLocked(ctx)
	c.mu.Unlock()

	c.log.Warn("primary channel closed", zap.Int("streak", streak))
	if wantFallback {
		go c.subscribeLegacy(ctx)
	}
}

func (c *Channel) handleMessage(ctx context.Context, h ChannelHandle, m Message) {
	switch m.Type {
	case TypeOffer:
		if m.ViewerID != "" && m.ViewerID != c.cfg.ViewerID {
			return
		}
		c.handleOffer(ctx, h, m)
	case TypeICECandidate:
		if m.ViewerID != "" && m.ViewerID != c.cfg.ViewerID {
			return
		}
		c.handleCandidate(m)
	case TypeAnnounceLive:
		c.mu.Lock()
		c.closedStreak = 0
		c.mu.Unlock()
		c.startBurst("announce-live")
	case TypeOfferRetry:
		c.startBurst("offer-retry")
	case TypeCreatorOffline:
		// The second of the two permitted teardown paths.
		c.log.Info("creator offline, tearing down signaling channel")
		c.teardown(call.ConnOffline)
	case TypePing:
		pong, err := NewMessage(TypePong, c.cfg.ViewerID, nil)
		if err == nil {
			_ = h.Publish(ctx, pong)
		}
	}
}

func (c *Channel) handleOffer(ctx context.Context, h ChannelHandle, m Message) {
	c.mu.Lock()
	// A healthy delivery resets the closure streak.
	c.closedStreak = 0
	if c.offerReceived || c.connected {
		c.mu.Unlock()
		return
	}
	c.offerReceived = true
	c.stopRetryLocked()
	c.mu.Unlock()

	p, err := DecodeSDP(m)
	if err != nil {
		c.log.Warn("bad offer", zap.Error(err))
		c.mu.Lock()
		c.offerReceived = false
		c.mu.Unlock()
		return
	}
	answer, err := c.peer.AcceptOffer(ctx, p.SDP)
	if err != nil {
		c.log.Warn("accepting offer failed", zap.Error(err))
		c.mu.Lock()
		c.offerReceived = false
		c.mu.Unlock()
		c.startBurst("offer-failed")
		return
	}
	reply, err := NewMessage(TypeAnswer, c.cfg.ViewerID, SDPPayload{SDP: answer})
	if err != nil {
		return
	}
	if err := h.Publish(ctx, reply); err != nil {
		c.log.Warn("publishing answer failed", zap.Error(err))
	}
}

// handleCandidate applies a remote candidate exactly once; the transport
// does not deduplicate, so the receiver must.
func (c *Channel) handleCandidate(m Message) {
	cand, err := DecodeCandidate(m)
	if err != nil {
		c.log.Warn("bad candidate", zap.Error(err))
		return
	}
	c.mu.Lock()
	if _, seen := c.seenCands[cand.Candidate]; seen {
		c.mu.Unlock()
		return
	}
	c.seenCands[cand.Candidate] = struct{}{}
	c.mu.Unlock()
	if err := c.peer.AddCandidate(cand); err != nil {
		c.log.Warn("applying candidate failed", zap.Error(err))
	}
}

func (c *Channel) sendLocalCandidate(cand Candidate) {
	c.mu.Lock()
	h := ChannelHandle(c.primary)
	closed := c.closed
	c.mu.Unlock()
	if closed || h == nil {
		return
	}
	m, err := NewMessage(TypeICECandidate, c.cfg.ViewerID, cand)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.Publish(ctx, m)
}

func (c *Channel) peerConnected() {
	c.mu.Lock()
	c.connected = true
	c.stopRetryLocked()
	c.setStateLocked(call.ConnConnected)
	c.mu.Unlock()
}

// startBurst (re)starts the request-offer schedule: one request per
// BurstInterval for BurstAttempts, then one per SlowInterval indefinitely.
// An already-running schedule is rewound to the burst phase rather than
// double-scheduled.
func (c *Channel) startBurst(trigger string) {
	c.mu.Lock()
	if c.closed || c.connected || c.offerReceived {
		c.mu.Unlock()
		return
	}
	// Rewind to the burst phase. A pending timer (possibly a slow-interval
	// one) is discarded so the first request goes out immediately; the
	// sequence id keeps an already-fired timer from double-scheduling.
	c.retryAttempts = 0
	c.retrySeq++
	seq := c.retrySeq
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryRunning = true
	c.setStateLocked(call.ConnConnecting)
	c.mu.Unlock()
	c.log.Debug("offer request schedule started", zap.String("trigger", trigger))
	c.retryTick(seq)
}

func (c *Channel) retryTick(seq int) {
	c.mu.Lock()
	if seq != c.retrySeq {
		// Superseded by a newer schedule.
		c.mu.Unlock()
		return
	}
	if c.closed || c.connected || c.offerReceived || !c.retryRunning {
		c.retryRunning = false
		c.mu.Unlock()
		return
	}
	c.retryAttempts++
	primary := ChannelHandle(c.primary)
	legacy := ChannelHandle(c.legacy)
	interval := c.cfg.BurstInterval
	if c.retryAttempts >= c.cfg.BurstAttempts {
		interval = c.cfg.SlowInterval
		c.setStateLocked(call.ConnRetry)
	}
	c.retryTimer = time.AfterFunc(interval, func() { c.retryTick(seq) })
	c.mu.Unlock()

	m, err := NewMessage(TypeRequestOffer, c.cfg.ViewerID, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if primary != nil {
		_ = primary.Publish(ctx, m)
	}
	if legacy != nil {
		_ = legacy.Publish(ctx, m)
	}
}

func (c *Channel) stopRetryLocked() {
	c.retryRunning = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Channel) setStateLocked(s call.ConnState) {
	if s == c.state {
		return
	}
	c.state = s
	if fn := c.onState; fn != nil {
		go fn(s)
	}
}
