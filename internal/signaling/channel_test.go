package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fancall/backend/internal/call"
)

type fakeChannel struct {
	name   string
	mu     sync.Mutex
	sent   []Message
	msgs   chan Message
	status chan Status
	closed bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:   name,
		msgs:   make(chan Message, 64),
		status: make(chan Status, 8),
	}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Publish(ctx context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) Messages() <-chan Message { return f.msgs }

func (f *fakeChannel) Status() <-chan Status { return f.status }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) deliver(m Message) { f.msgs <- m }

func (f *fakeChannel) reportClosed() { f.status <- StatusClosed }

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) sentOfType(t MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}

type fakePubSub struct {
	mu       sync.Mutex
	channels []*fakeChannel
	errs     []error // per-call; nil entries succeed
	calls    int
}

func (p *fakePubSub) Subscribe(ctx context.Context, name string) (ChannelOwner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls
	p.calls++
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	ch := newFakeChannel(name)
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakePubSub) channel(i int) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.channels) {
		return nil
	}
	return p.channels[i]
}

func (p *fakePubSub) channelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

func (p *fakePubSub) named(name string) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		if ch.name == name {
			return ch
		}
	}
	return nil
}

type fakeViewerPeer struct {
	mu        sync.Mutex
	offers    []string
	cands     []Candidate
	onCand    func(Candidate)
	onConn    func()
	connected bool
	acceptErr error
}

func (p *fakeViewerPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acceptErr != nil {
		return "", p.acceptErr
	}
	p.offers = append(p.offers, sdp)
	return "answer-sdp", nil
}

func (p *fakeViewerPeer) AddCandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cands = append(p.cands, c)
	return nil
}

func (p *fakeViewerPeer) OnLocalCandidate(fn func(Candidate)) { p.onCand = fn }
func (p *fakeViewerPeer) OnConnected(fn func())               { p.onConn = fn }

func (p *fakeViewerPeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeViewerPeer) Close() error { return nil }

func (p *fakeViewerPeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cands)
}

func fastChannelConfig() ChannelConfig {
	return ChannelConfig{
		CreatorID:            "creator-1",
		ViewerID:             "viewer-1",
		QueueID:              "queue-1",
		EnableLegacyFallback: true,
		BurstInterval:        10 * time.Millisecond,
		BurstAttempts:        3,
		SlowInterval:         80 * time.Millisecond,
		ResubscribeDelay:     10 * time.Millisecond,
		SubscribeTimeout:     time.Second,
	}
}

func TestChannelRequestsOfferAfterSubscribe(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool {
		ch := pubsub.channel(0)
		return ch != nil && ch.sentOfType(TypeRequestOffer) >= 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, PrimaryChannel("creator-1"), pubsub.channel(0).Name())
}

func TestChannelAnswersOfferAndStopsRetry(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)

	offer, err := NewMessage(TypeOffer, "viewer-1", SDPPayload{SDP: "offer-sdp"})
	require.NoError(t, err)
	ch.deliver(offer)

	require.Eventually(t, func() bool { return ch.sentOfType(TypeAnswer) == 1 }, time.Second, 2*time.Millisecond)

	// Retry stops within one scheduler tick of the offer.
	time.Sleep(30 * time.Millisecond)
	before := ch.sentOfType(TypeRequestOffer)
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, ch.sentOfType(TypeRequestOffer)-before, 1)

	peer.mu.Lock()
	assert.Equal(t, []string{"offer-sdp"}, peer.offers)
	peer.mu.Unlock()
}

func TestChannelIgnoresOfferForOtherViewer(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	offer, err := NewMessage(TypeOffer, "viewer-other", SDPPayload{SDP: "x"})
	require.NoError(t, err)
	pubsub.channel(0).deliver(offer)

	time.Sleep(30 * time.Millisecond)
	peer.mu.Lock()
	assert.Empty(t, peer.offers)
	peer.mu.Unlock()
}

func TestChannelDeduplicatesCandidates(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)

	cand := Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}
	for i := 0; i < 3; i++ {
		m, err := NewMessage(TypeICECandidate, "viewer-1", cand)
		require.NoError(t, err)
		ch.deliver(m)
	}
	other, err := NewMessage(TypeICECandidate, "viewer-1", Candidate{Candidate: "candidate:2 1 udp 1694498815 1.2.3.4 40000 typ srflx"})
	require.NoError(t, err)
	ch.deliver(other)

	require.Eventually(t, func() bool { return peer.candidateCount() == 2 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, peer.candidateCount())
}

func TestChannelBurstThenSlow(t *testing.T) {
	cfg := fastChannelConfig()
	cfg.BurstInterval = 10 * time.Millisecond
	cfg.BurstAttempts = 4
	cfg.SlowInterval = 200 * time.Millisecond
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(cfg, pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)

	// The burst phase fires BurstAttempts requests, then the schedule
	// degrades to the slow interval.
	require.Eventually(t, func() bool { return ch.sentOfType(TypeRequestOffer) >= 4 }, time.Second, 2*time.Millisecond)
	afterBurst := ch.sentOfType(TypeRequestOffer)
	time.Sleep(80 * time.Millisecond)
	assert.LessOrEqual(t, ch.sentOfType(TypeRequestOffer)-afterBurst, 1)
	assert.Equal(t, call.ConnRetry, c.State())
}

func TestChannelKickRewindsSlowSchedule(t *testing.T) {
	cfg := fastChannelConfig()
	cfg.BurstAttempts = 1
	cfg.SlowInterval = time.Hour
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(cfg, pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeRequestOffer) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, call.ConnRetry, c.State())

	// The schedule has degraded to the slow interval. A reachability
	// trigger must restart the burst immediately, not after the pending
	// slow timer expires.
	c.Kick()
	require.Eventually(t, func() bool {
		return ch.sentOfType(TypeRequestOffer) >= 2
	}, 500*time.Millisecond, 2*time.Millisecond)
}

func TestChannelFallbackPromotionAfterThreeClosures(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return pubsub.channel(i) != nil }, time.Second, 2*time.Millisecond)
		pubsub.channel(i).reportClosed()
	}

	// Three consecutive closures promote the legacy channel while the
	// primary keeps getting resubscribed.
	require.Eventually(t, func() bool {
		return pubsub.named(LegacyChannel("queue-1")) != nil
	}, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return pubsub.channelCount() >= 5 // 4 primary attempts + legacy
	}, time.Second, 2*time.Millisecond)
}

func TestChannelCreatorOfflineTearsDown(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)

	off, err := NewMessage(TypeCreatorOffline, "", nil)
	require.NoError(t, err)
	ch.deliver(off)

	require.Eventually(t, func() bool { return ch.isClosed() }, time.Second, 2*time.Millisecond)
	assert.Equal(t, call.ConnOffline, c.State())

	// Already torn down; Close stays idempotent.
	c.Close()
}

func TestChannelPeerConnectedStopsRetry(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeRequestOffer) >= 1 }, time.Second, 2*time.Millisecond)

	peer.onConn()
	require.Eventually(t, func() bool { return c.State() == call.ConnConnected }, time.Second, 2*time.Millisecond)

	before := ch.sentOfType(TypeRequestOffer)
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, ch.sentOfType(TypeRequestOffer)-before, 1)
}

func TestChannelRespondsToPing(t *testing.T) {
	pubsub := &fakePubSub{}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	ch := pubsub.channel(0)
	ping, err := NewMessage(TypePing, "", nil)
	require.NoError(t, err)
	ch.deliver(ping)

	require.Eventually(t, func() bool { return ch.sentOfType(TypePong) == 1 }, time.Second, 2*time.Millisecond)
}

func TestChannelSubscribeFailureRetries(t *testing.T) {
	pubsub := &fakePubSub{errs: []error{errors.New("transport down")}}
	peer := &fakeViewerPeer{}
	c := NewChannel(fastChannelConfig(), pubsub, peer, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	// First attempt fails; the scheduler resubscribes and the second
	// attempt goes live.
	require.Eventually(t, func() bool { return pubsub.channel(0) != nil }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return pubsub.channel(0).sentOfType(TypeRequestOffer) >= 1
	}, time.Second, 2*time.Millisecond)
}
