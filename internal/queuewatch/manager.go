// Package queuewatch maintains a live count of fans waiting for a creator.
// It reconciles an initial fetched count with optimistic adjustments from a
// realtime change feed, debounces bursts, and emits a rate-limited
// "heating up" signal when new fans join.
package queuewatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChangeType names a queue store change event.
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeRefresh ChangeType = "refresh"
)

// Change is one realtime queue store event for a creator.
type Change struct {
	Type      ChangeType `json:"type"`
	EntryID   string     `json:"entry_id,omitempty"`
	CreatorID string     `json:"creator_id"`
}

// CountFetcher reads the authoritative waiting count from the queue store.
type CountFetcher interface {
	Count(ctx context.Context, creatorID string) (int, error)
}

// Subscription is a live change feed handle. Changes closes after a feed
// failure; the failure itself is delivered on Err.
type Subscription interface {
	Changes() <-chan Change
	Err() <-chan error
	Close() error
}

// Feed subscribes to queue store change events for one creator. Subscribe
// returns only after the subscription is acknowledged by the transport.
type Feed interface {
	Subscribe(ctx context.Context, creatorID string) (Subscription, error)
}

// Update is one debounced count observation. Stale means the count could not
// be confirmed against the store and may lag reality.
type Update struct {
	Count int
	Stale bool
}

// Config tunes the manager's timing. Zero values take the defaults.
type Config struct {
	FetchRetries     int           // initial count fetch attempts (default 3)
	FetchRetryDelay  time.Duration // fixed delay between fetch attempts (default 2s)
	Debounce         time.Duration // update emission debounce (default 100ms)
	SignalCooldown   time.Duration // minimum gap between heating-up signals (default 5s)
	ReconnectDelay   time.Duration // delay before the single feed reconnect (default 5s)
	SubscribeTimeout time.Duration // wait for subscription acknowledgment (default 8s)
}

func (c *Config) fill() {
	if c.FetchRetries <= 0 {
		c.FetchRetries = 3
	}
	if c.FetchRetryDelay <= 0 {
		c.FetchRetryDelay = 2 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.SignalCooldown <= 0 {
		c.SignalCooldown = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 8 * time.Second
	}
}

// Manager owns the waiting count for one creator. The count is the single
// source of truth; consumers read it through Updates or Count and never
// mutate it directly.
type Manager struct {
	creatorID string
	fetcher   CountFetcher
	feed      Feed
	cfg       Config
	log       *zap.Logger
	signal    func(count int) // heating-up side effect; may be nil

	mu         sync.Mutex
	count      int
	stale      bool
	lastSignal time.Time
	started    bool
	closed     bool
	pending    bool
	debounce   *time.Timer

	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a stopped manager. signal, when non-nil, fires on
// cooldown-gated insert events.
func NewManager(creatorID string, fetcher CountFetcher, feed Feed, cfg Config, signal func(count int), log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.fill()
	return &Manager{
		creatorID: creatorID,
		fetcher:   fetcher,
		feed:      feed,
		cfg:       cfg,
		log:       log,
		signal:    signal,
		updates:   make(chan Update, 16),
	}
}

// Updates returns the debounced count stream. Closed by Close.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Count returns the current count and whether it is stale.
func (m *Manager) Count() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, m.stale
}

// Start fetches the initial count and begins consuming the change feed.
// A fetch failure after all retries is non-fatal: the manager starts with a
// stale count and lets feed events move it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	count, err := m.fetchWithRetry(runCtx)
	m.mu.Lock()
	if err != nil {
		m.stale = true
		m.log.Warn("initial queue count fetch failed, starting stale",
			zap.String("creator_id", m.creatorID), zap.Error(err))
	} else {
		m.count = count
		m.stale = false
	}
	m.scheduleEmitLocked()
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Close tears down the feed subscription and all owned timers. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	cancel := m.cancel
	done := m.done
	started := m.started
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started && done != nil {
		<-done
	}
	close(m.updates)
}

func (m *Manager) fetchWithRetry(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.FetchRetries; attempt++ {
		count, err := m.fetcher.Count(ctx, m.creatorID)
		if err == nil {
			return count, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if attempt < m.cfg.FetchRetries {
			m.log.Debug("queue count fetch failed, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(m.cfg.FetchRetryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return 0, lastErr
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	// The feed is presence-based: resubscribing resets state, so a single
	// reconnect attempt per failure is sufficient rather than an unbounded
	// retry counter.
	retried := false
	for {
		sub, err := m.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if retried {
				m.log.Warn("queue feed unavailable after reconnect, count may be stale",
					zap.String("creator_id", m.creatorID), zap.Error(err))
				m.markStale()
				return
			}
			retried = true
			m.log.Warn("queue feed subscribe failed, reconnecting once",
				zap.String("creator_id", m.creatorID), zap.Error(err))
			select {
			case <-time.After(m.cfg.ReconnectDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		retried = false

		// A fresh subscription may have missed events; reconcile the count.
		if count, err := m.fetcher.Count(ctx, m.creatorID); err == nil {
			m.setCount(count, false)
		}

		if !m.consume(ctx, sub) {
			return
		}
		// Feed failed mid-stream: one delayed reconnect.
		retried = true
		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) subscribe(ctx context.Context) (Subscription, error) {
	subCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	defer cancel()
	return m.feed.Subscribe(subCtx, m.creatorID)
}

// consume drains the subscription until ctx is done (returns false) or the
// feed errors (returns true, meaning the caller should reconnect).
func (m *Manager) consume(ctx context.Context, sub Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			m.log.Warn("queue feed error", zap.String("creator_id", m.creatorID), zap.Error(err))
			return true
		case ch, ok := <-sub.Changes():
			if !ok {
				return true
			}
			m.apply(ch)
		}
	}
}

func (m *Manager) apply(ch Change) {
	switch ch.Type {
	case ChangeInsert:
		m.mu.Lock()
		m.count++
		count := m.count
		fire := m.signal != nil && time.Since(m.lastSignal) >= m.cfg.SignalCooldown
		if fire {
			m.lastSignal = time.Now()
		}
		m.scheduleEmitLocked()
		m.mu.Unlock()
		if fire {
			m.signal(count)
		}
	case ChangeDelete:
		m.mu.Lock()
		if m.count > 0 {
			m.count--
		}
		m.scheduleEmitLocked()
		m.mu.Unlock()
	case ChangeRefresh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		count, err := m.fetcher.Count(ctx, m.creatorID)
		cancel()
		if err != nil {
			m.log.Debug("queue refresh fetch failed", zap.Error(err))
			return
		}
		m.setCount(count, false)
	}
}

func (m *Manager) setCount(count int, stale bool) {
	m.mu.Lock()
	m.count = count
	m.stale = stale
	m.scheduleEmitLocked()
	m.mu.Unlock()
}

func (m *Manager) markStale() {
	m.mu.Lock()
	m.stale = true
	m.scheduleEmitLocked()
	m.mu.Unlock()
}

// scheduleEmitLocked arms (once) the debounce timer. Bursts of feed events
// collapse into a single update per window.
func (m *Manager) scheduleEmitLocked() {
	if m.closed || m.pending {
		return
	}
	m.pending = true
	m.debounce = time.AfterFunc(m.cfg.Debounce, m.emit)
}

func (m *Manager) emit() {
	// The send stays under the mutex so Close (which sets closed before
	// closing the channel, also under the mutex) can never race it.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = false
	select {
	case m.updates <- Update{Count: m.count, Stale: m.stale}:
	default:
		// Consumer lagging; drop in favor of the next emission.
	}
}
