package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOfferPeer struct {
	mu      sync.Mutex
	offers  int
	answers []string
	cands   []Candidate
	onCand  func(Candidate)
	closed  bool
}

func (p *fakeOfferPeer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return "offer-sdp", nil
}

func (p *fakeOfferPeer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakeOfferPeer) AddCandidate(c Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cands = append(p.cands, c)
	return nil
}

func (p *fakeOfferPeer) OnLocalCandidate(fn func(Candidate)) { p.onCand = fn }

func (p *fakeOfferPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func startResponder(t *testing.T) (*Responder, *fakePubSub, map[string]*fakeOfferPeer) {
	t.Helper()
	pubsub := &fakePubSub{}
	peers := make(map[string]*fakeOfferPeer)
	var mu sync.Mutex
	factory := func(viewerID string) (OfferPeer, error) {
		mu.Lock()
		defer mu.Unlock()
		p := &fakeOfferPeer{}
		peers[viewerID] = p
		return p, nil
	}
	r := NewResponder("creator-1", pubsub, factory, nil)
	require.NoError(t, r.Start(context.Background()))
	return r, pubsub, peers
}

func TestResponderAnnouncesLiveOnStart(t *testing.T) {
	r, pubsub, _ := startResponder(t)
	defer r.Close()

	ch := pubsub.channel(0)
	require.NotNil(t, ch)
	assert.Equal(t, PrimaryChannel("creator-1"), ch.Name())
	assert.Equal(t, 1, ch.sentOfType(TypeAnnounceLive))
}

func TestResponderSendsOfferOnRequest(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	defer r.Close()
	ch := pubsub.channel(0)

	req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req)

	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 1 }, time.Second, 2*time.Millisecond)
	p := peers["viewer-1"]
	p.mu.Lock()
	assert.Equal(t, 1, p.offers)
	p.mu.Unlock()
}

func TestResponderDuplicateRequestReusesOffer(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	defer r.Close()
	ch := pubsub.channel(0)

	for i := 0; i < 3; i++ {
		req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
		require.NoError(t, err)
		ch.deliver(req)
	}

	// The retry burst re-receives the cached offer; only one peer and one
	// negotiation exist.
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 3 }, time.Second, 2*time.Millisecond)
	assert.Len(t, peers, 1)
	p := peers["viewer-1"]
	p.mu.Lock()
	assert.Equal(t, 1, p.offers)
	p.mu.Unlock()
}

func TestResponderAppliesAnswer(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	defer r.Close()
	ch := pubsub.channel(0)

	req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 1 }, time.Second, 2*time.Millisecond)

	ans, err := NewMessage(TypeAnswer, "viewer-1", SDPPayload{SDP: "answer-sdp"})
	require.NoError(t, err)
	ch.deliver(ans)

	require.Eventually(t, func() bool {
		p := peers["viewer-1"]
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.answers) == 1 && p.answers[0] == "answer-sdp"
	}, time.Second, 2*time.Millisecond)
}

func TestResponderDeduplicatesCandidates(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	defer r.Close()
	ch := pubsub.channel(0)

	req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 1 }, time.Second, 2*time.Millisecond)

	cand := Candidate{Candidate: "candidate:7 1 udp 2130706431 10.0.0.9 50000 typ host"}
	for i := 0; i < 4; i++ {
		m, err := NewMessage(TypeICECandidate, "viewer-1", cand)
		require.NoError(t, err)
		ch.deliver(m)
	}

	require.Eventually(t, func() bool {
		p := peers["viewer-1"]
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.cands) == 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	p := peers["viewer-1"]
	p.mu.Lock()
	assert.Len(t, p.cands, 1)
	p.mu.Unlock()
}

func TestResponderCloseBroadcastsOffline(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	ch := pubsub.channel(0)

	req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 1 }, time.Second, 2*time.Millisecond)

	r.Close()
	r.Close()

	assert.Equal(t, 1, ch.sentOfType(TypeCreatorOffline))
	assert.True(t, ch.isClosed())
	p := peers["viewer-1"]
	p.mu.Lock()
	assert.True(t, p.closed)
	p.mu.Unlock()
}

func TestResponderDropViewer(t *testing.T) {
	r, pubsub, peers := startResponder(t)
	defer r.Close()
	ch := pubsub.channel(0)

	req, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 1 }, time.Second, 2*time.Millisecond)

	r.DropViewer("viewer-1")
	p := peers["viewer-1"]
	p.mu.Lock()
	assert.True(t, p.closed)
	p.mu.Unlock()

	// A fresh request negotiates a new peer.
	req2, err := NewMessage(TypeRequestOffer, "viewer-1", nil)
	require.NoError(t, err)
	ch.deliver(req2)
	require.Eventually(t, func() bool { return ch.sentOfType(TypeOffer) == 2 }, time.Second, 2*time.Millisecond)
}
