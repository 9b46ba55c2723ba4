package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPubSub implements PubSub over Redis pub/sub channels.
type RedisPubSub struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisPubSub creates a pub/sub transport over an existing Redis client.
func NewRedisPubSub(rdb *redis.Client, log *zap.Logger) *RedisPubSub {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPubSub{rdb: rdb, log: log}
}

// Subscribe implements PubSub. The caller's context bounds the
// acknowledgment wait only; the subscription itself outlives it.
func (p *RedisPubSub) Subscribe(ctx context.Context, name string) (ChannelOwner, error) {
	sub := p.rdb.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := &redisChannel{
		name:   name,
		rdb:    p.rdb,
		sub:    sub,
		msgs:   make(chan Message, 64),
		status: make(chan Status, 8),
		log:    p.log,
	}
	ch.pushStatus(StatusSubscribed)
	go ch.loop()
	return ch, nil
}

type redisChannel struct {
	name   string
	rdb    *redis.Client
	sub    *redis.PubSub
	msgs   chan Message
	status chan Status
	log    *zap.Logger
	once   sync.Once
}

func (c *redisChannel) Name() string { return c.name }

func (c *redisChannel) Publish(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.name, payload).Err()
}

func (c *redisChannel) Messages() <-chan Message { return c.msgs }

func (c *redisChannel) Status() <-chan Status { return c.status }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.sub.Close() })
	return err
}

func (c *redisChannel) loop() {
	for msg := range c.sub.Channel() {
		var m Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			c.log.Warn("malformed signaling message",
				zap.String("channel", c.name), zap.Error(err))
			continue
		}
		select {
		case c.msgs <- m:
		default:
			c.log.Warn("signaling consumer lagging, dropping message",
				zap.String("channel", c.name), zap.String("type", string(m.Type)))
		}
	}
	c.pushStatus(StatusClosed)
	close(c.msgs)
}

func (c *redisChannel) pushStatus(s Status) {
	select {
	case c.status <- s:
	default:
	}
}
