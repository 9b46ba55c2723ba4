package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "room:"
	publishTimeout = 5 * time.Second
)

// bridgePayload is the envelope published to Redis for cross-instance fan-out.
type bridgePayload struct {
	Signal Signal `json:"signal"`
	At     int64  `json:"at"`
}

// RedisBridge implements Bridge over Redis pub/sub.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis bridge for relay room signals.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// PublishSignal publishes a signal to the room's Redis channel.
func (r *RedisBridge) PublishSignal(room string, sig Signal) error {
	body, err := json.Marshal(bridgePayload{Signal: sig, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+room, body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each signal. Returns a cancel function to stop the subscription.
func (r *RedisBridge) SubscribeRoom(room string, handler func(sig Signal)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+room)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p bridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Signal)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
