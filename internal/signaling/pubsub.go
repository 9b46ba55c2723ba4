package signaling

import "context"

// Channel names. The primary channel is keyed by creator identity; the
// legacy channel keyed by queue entry exists only as a degraded fallback.
const (
	primaryChannelPrefix = "signal:"
	legacyChannelPrefix  = "signal:queue:"
)

// PrimaryChannel returns the creator-addressed signaling channel name.
func PrimaryChannel(creatorID string) string {
	return primaryChannelPrefix + creatorID
}

// LegacyChannel returns the queue-addressed fallback channel name.
func LegacyChannel(queueID string) string {
	return legacyChannelPrefix + queueID
}

// Status reports channel transport transitions.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusClosed     Status = "closed"
)

// ChannelHandle is the read/publish capability of a subscribed channel. It
// carries no teardown capability and may be passed around freely; code
// holding only a handle cannot accidentally unsubscribe a live channel.
type ChannelHandle interface {
	Name() string
	Publish(ctx context.Context, m Message) error
	// Messages delivers inbound messages. Closed when the channel closes.
	Messages() <-chan Message
	// Status delivers transport transitions (resubscribed, closed).
	Status() <-chan Status
}

// ChannelOwner is a handle plus the sole close capability. Exactly one
// component holds the owner; everything else sees a ChannelHandle.
type ChannelOwner interface {
	ChannelHandle
	Close() error
}

// PubSub subscribes to named signaling channels. Subscribe returns only
// after the transport acknowledges the subscription.
type PubSub interface {
	Subscribe(ctx context.Context, name string) (ChannelOwner, error)
}
