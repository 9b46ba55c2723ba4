package queuewatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const feedChannelPrefix = "queue:feed:"

// FeedChannel returns the pub/sub channel carrying queue changes for a creator.
func FeedChannel(creatorID string) string {
	return feedChannelPrefix + creatorID
}

// RedisFeed delivers queue store changes over Redis pub/sub. The server
// publishes on every queue mutation; agents subscribe per creator.
type RedisFeed struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisFeed creates a feed over an existing Redis client.
func NewRedisFeed(rdb *redis.Client, log *zap.Logger) *RedisFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{rdb: rdb, log: log}
}

// Subscribe implements Feed. It returns once Redis acknowledges the
// subscription, so the caller's timeout bounds the acknowledgment wait.
func (f *RedisFeed) Subscribe(ctx context.Context, creatorID string) (Subscription, error) {
	sub := f.rdb.Subscribe(ctx, FeedChannel(creatorID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	s := &redisSub{
		sub:     sub,
		changes: make(chan Change, 32),
		errs:    make(chan error, 1),
		log:     f.log,
	}
	go s.loop()
	return s, nil
}

// Publish broadcasts one queue change. Called by the queue service after
// each store mutation.
func (f *RedisFeed) Publish(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, FeedChannel(ch.CreatorID), payload).Err()
}

type redisSub struct {
	sub     *redis.PubSub
	changes chan Change
	errs    chan error
	log     *zap.Logger
	once    sync.Once
}

func (s *redisSub) loop() {
	for msg := range s.sub.Channel() {
		var ch Change
		if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
			s.log.Warn("malformed queue feed message", zap.Error(err))
			continue
		}
		select {
		case s.changes <- ch:
		default:
			s.log.Warn("queue feed consumer lagging, dropping change")
		}
	}
	select {
	case s.errs <- errors.New("queuewatch: feed connection closed"):
	default:
	}
	close(s.changes)
}

func (s *redisSub) Changes() <-chan Change { return s.changes }

func (s *redisSub) Err() <-chan error { return s.errs }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.sub.Close() })
	return err
}
