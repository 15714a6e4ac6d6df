package messenger

import (
	"context"
	"time"
)

// Transport moves encoded envelopes between nodes.
type Transport interface {
	// Send delivers data to the named node, or to every other node when to is
	// empty. Delivery to an unknown node is not an error.
	Send(ctx context.Context, to string, data []byte) error
	// Receive invokes fn for every inbound message until ctx ends.
	Receive(ctx context.Context, fn func(data []byte)) error
	Close() error
}

// Clock supplies timestamps for pending acks.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates ack ids.
type IDGenerator interface {
	NewID() (string, error)
}
