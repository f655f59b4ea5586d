// Package transport abstracts the shared medium the backplane relays
// through. The production implementation is Redis pub/sub; tests swap in an
// in-memory fake.
package transport

import "context"

// Transport dials the shared medium. Every call hands out a fresh
// connection: connections are replaced wholesale across reconnects, never
// repaired in place.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live connection to the medium.
type Conn interface {
	// Publish delivers payload to every current subscriber of channel,
	// including this connection's own subscription.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for channel and returns only once the
	// subscription is confirmed active on the medium. The handler runs on a
	// single goroutine, one payload at a time, in arrival order.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error

	// Incr atomically increments the named shared counter and returns the
	// new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Closed is closed when the connection is gone, whether by Close or by
	// losing the medium. It fires at most once.
	Closed() <-chan struct{}

	// Close tears the connection down and releases its resources.
	// Safe to call more than once.
	Close() error
}
