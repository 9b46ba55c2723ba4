package queuewatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu     sync.Mutex
	count  int
	fails  int // fail this many calls before succeeding
	calls  int
	failAl bool // fail every call
}

func (f *fakeFetcher) Count(ctx context.Context, creatorID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAl || f.calls <= f.fails {
		return 0, errors.New("store unreachable")
	}
	return f.count, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSub struct {
	changes chan Change
	errs    chan error
	once    sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{changes: make(chan Change, 32), errs: make(chan error, 1)}
}

func (s *fakeSub) Changes() <-chan Change { return s.changes }
func (s *fakeSub) Err() <-chan error      { return s.errs }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.changes) })
	return nil
}

func (s *fakeSub) fail(err error) { s.errs <- err }

type fakeFeed struct {
	mu         sync.Mutex
	subs       []*fakeSub
	subscribes int
	errs       []error // error per subscribe call; nil entries succeed
}

func (f *fakeFeed) Subscribe(ctx context.Context, creatorID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.subscribes
	f.subscribes++
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) current() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func fastConfig() Config {
	return Config{
		FetchRetries:     3,
		FetchRetryDelay:  5 * time.Millisecond,
		Debounce:         5 * time.Millisecond,
		SignalCooldown:   50 * time.Millisecond,
		ReconnectDelay:   10 * time.Millisecond,
		SubscribeTimeout: 100 * time.Millisecond,
	}
}

func waitForCount(t *testing.T, m *Manager, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _ := m.Count()
		return got == want
	}, time.Second, 2*time.Millisecond)
}

func TestInitialCountFetched(t *testing.T) {
	fetcher := &fakeFetcher{count: 4}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	waitForCount(t, m, 4)
	_, stale := m.Count()
	assert.False(t, stale)
}

func TestInitialFetchRetriesThenStale(t *testing.T) {
	fetcher := &fakeFetcher{failAl: true}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool {
		_, stale := m.Count()
		return stale
	}, time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, fetcher.callCount(), 3)
}

func TestInsertDeleteNeverNegative(t *testing.T) {
	fetcher := &fakeFetcher{count: 0}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return feed.current() != nil }, time.Second, 2*time.Millisecond)
	sub := feed.current()

	// Deletes with an empty queue stay floored at zero.
	sub.changes <- Change{Type: ChangeDelete, CreatorID: "creator-1"}
	sub.changes <- Change{Type: ChangeDelete, CreatorID: "creator-1"}
	waitForCount(t, m, 0)

	// N inserts then N deletes return to the starting value.
	for i := 0; i < 3; i++ {
		sub.changes <- Change{Type: ChangeInsert, CreatorID: "creator-1"}
	}
	waitForCount(t, m, 3)
	for i := 0; i < 3; i++ {
		sub.changes <- Change{Type: ChangeDelete, CreatorID: "creator-1"}
	}
	waitForCount(t, m, 0)
}

func TestHeatingUpSignalCooldown(t *testing.T) {
	fetcher := &fakeFetcher{count: 0}
	feed := &fakeFeed{}
	var mu sync.Mutex
	signals := 0
	m := NewManager("creator-1", fetcher, feed, fastConfig(), func(count int) {
		mu.Lock()
		signals++
		mu.Unlock()
	}, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return feed.current() != nil }, time.Second, 2*time.Millisecond)
	sub := feed.current()

	// Three fans join within the cooldown window: one signal, count three.
	for i := 0; i < 3; i++ {
		sub.changes <- Change{Type: ChangeInsert, CreatorID: "creator-1"}
	}
	waitForCount(t, m, 3)
	mu.Lock()
	assert.Equal(t, 1, signals)
	mu.Unlock()

	// After the cooldown a new insert signals again.
	time.Sleep(60 * time.Millisecond)
	sub.changes <- Change{Type: ChangeInsert, CreatorID: "creator-1"}
	waitForCount(t, m, 4)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return signals == 2
	}, time.Second, 2*time.Millisecond)
}

func TestRefreshReconcilesCount(t *testing.T) {
	fetcher := &fakeFetcher{count: 2}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return feed.current() != nil }, time.Second, 2*time.Millisecond)
	waitForCount(t, m, 2)

	fetcher.mu.Lock()
	fetcher.count = 7
	fetcher.mu.Unlock()
	feed.current().changes <- Change{Type: ChangeRefresh, CreatorID: "creator-1"}
	waitForCount(t, m, 7)
}

func TestFeedFailureReconnectsOnce(t *testing.T) {
	fetcher := &fakeFetcher{count: 1}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return feed.current() != nil }, time.Second, 2*time.Millisecond)
	first := feed.current()
	first.fail(errors.New("connection reset"))

	// A single delayed reconnect produces a second subscription.
	require.Eventually(t, func() bool { return feed.subscribeCount() == 2 }, time.Second, 2*time.Millisecond)

	// The fresh subscription reconciles the count against the store.
	fetcher.mu.Lock()
	fetcher.count = 5
	fetcher.mu.Unlock()
	feed.current().changes <- Change{Type: ChangeRefresh, CreatorID: "creator-1"}
	waitForCount(t, m, 5)
}

func TestSubscribeFailureGivesUpAfterOneRetry(t *testing.T) {
	fetcher := &fakeFetcher{count: 1}
	feed := &fakeFeed{errs: []error{errors.New("down"), errors.New("still down")}}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool {
		_, stale := m.Count()
		return stale
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, feed.subscribeCount())
}

func TestCloseIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{count: 1}
	feed := &fakeFeed{}
	m := NewManager("creator-1", fetcher, feed, fastConfig(), nil, nil)
	require.NoError(t, m.Start(context.Background()))

	m.Close()
	m.Close()

	_, ok := <-m.Updates()
	for ok {
		_, ok = <-m.Updates()
	}
}

func TestDebounceCollapsesBursts(t *testing.T) {
	fetcher := &fakeFetcher{count: 0}
	feed := &fakeFeed{}
	cfg := fastConfig()
	cfg.Debounce = 30 * time.Millisecond
	m := NewManager("creator-1", fetcher, feed, cfg, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return feed.current() != nil }, time.Second, 2*time.Millisecond)
	sub := feed.current()

	// Drain the startup emission before the burst.
	select {
	case <-m.Updates():
	case <-time.After(time.Second):
		t.Fatal("no startup update")
	}

	for i := 0; i < 5; i++ {
		sub.changes <- Change{Type: ChangeInsert, CreatorID: "creator-1"}
	}
	waitForCount(t, m, 5)

	// One debounce window, one update carrying the final count.
	var updates []Update
	deadline := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case u := <-m.Updates():
			updates = append(updates, u)
		case <-deadline:
			break drain
		}
	}
	require.NotEmpty(t, updates)
	assert.LessOrEqual(t, len(updates), 2)
	assert.Equal(t, 5, updates[len(updates)-1].Count)
}
