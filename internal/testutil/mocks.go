// Package testutil provides shared test doubles for exercising the
// backplane without a live Redis: a scriptable fake transport, fake
// connections with manual close and inject controls, and an in-memory
// medium that links several transports into one shared channel.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/fluxbase-eu/backplane/internal/transport"
)

// ErrConnClosed is returned by fake connections used after close.
var ErrConnClosed = errors.New("fake conn: closed")

// PublishedMessage records one publish issued through a fake connection.
type PublishedMessage struct {
	Channel string
	Payload []byte
}

// FakeTransport implements transport.Transport for testing. By default
// every Connect hands out a fresh healthy FakeConn; OnConnect overrides
// that, e.g. to fail the first N dials.
type FakeTransport struct {
	mu     sync.Mutex
	conns  []*FakeConn
	dials  int
	medium *FakeMedium

	// Callbacks for custom behavior
	OnConnect func(ctx context.Context) (transport.Conn, error)
}

// NewFakeTransport creates a standalone fake transport. Its connections
// self-deliver: a publish fans out to the same connection's subscribers,
// which is exactly how a single node sees a shared medium.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (t *FakeTransport) Connect(ctx context.Context) (transport.Conn, error) {
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()

	if t.OnConnect != nil {
		return t.OnConnect(ctx)
	}

	conn := newFakeConn(t.medium)
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

// Dials reports how many times Connect was called, including failed dials.
func (t *FakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// LastConn returns the most recently handed out connection, or nil.
func (t *FakeTransport) LastConn() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conns returns a copy of every connection handed out so far.
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// NewFakeConn creates a standalone connection outside any transport, for
// OnConnect overrides that script their own connections.
func NewFakeConn() *FakeConn {
	return newFakeConn(nil)
}

// FakeConn implements transport.Conn in memory.
type FakeConn struct {
	mu        sync.Mutex
	published []PublishedMessage
	handlers  map[string][]func([]byte)
	counters  map[string]int64
	medium    *FakeMedium

	deliverMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once

	// Callbacks for custom behavior
	OnPublish   func(ctx context.Context, channel string, payload []byte) error
	OnSubscribe func(ctx context.Context, channel string) error
	OnIncr      func(ctx context.Context, key string) (int64, error)
}

func newFakeConn(medium *FakeMedium) *FakeConn {
	c := &FakeConn{
		handlers: make(map[string][]func([]byte)),
		counters: make(map[string]int64),
		medium:   medium,
		closed:   make(chan struct{}),
	}
	if medium != nil {
		medium.attach(c)
	}
	return c
}

func (c *FakeConn) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.OnPublish != nil {
		if err := c.OnPublish(ctx, channel, payload); err != nil {
			return err
		}
	}
	if c.IsClosed() {
		return ErrConnClosed
	}

	c.mu.Lock()
	c.published = append(c.published, PublishedMessage{Channel: channel, Payload: append([]byte{}, payload...)})
	c.mu.Unlock()

	if c.medium != nil {
		c.medium.broadcast(channel, payload)
		return nil
	}
	c.deliver(channel, payload)
	return nil
}

func (c *FakeConn) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if c.OnSubscribe != nil {
		if err := c.OnSubscribe(ctx, channel); err != nil {
			return err
		}
	}
	if c.IsClosed() {
		return ErrConnClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = append(c.handlers[channel], handler)
	return nil
}

func (c *FakeConn) Incr(ctx context.Context, key string) (int64, error) {
	if c.OnIncr != nil {
		return c.OnIncr(ctx, key)
	}
	if c.IsClosed() {
		return 0, ErrConnClosed
	}

	if c.medium != nil {
		return c.medium.incr(key), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *FakeConn) Closed() <-chan struct{} {
	return c.closed
}

func (c *FakeConn) Close() error {
	c.TriggerClose()
	return nil
}

// TriggerClose fires the closed signal as if the medium dropped the
// connection. Safe to call more than once.
func (c *FakeConn) TriggerClose() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.medium != nil {
			c.medium.detach(c)
		}
	})
}

// IsClosed reports whether the closed signal has fired.
func (c *FakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Inject delivers a raw payload to this connection's subscribers, as if
// another process published it to the medium.
func (c *FakeConn) Inject(channel string, payload []byte) {
	c.deliver(channel, payload)
}

// Published returns a copy of every publish recorded on this connection.
func (c *FakeConn) Published() []PublishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

// Subscriptions returns the channels this connection subscribed to.
func (c *FakeConn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for channel := range c.handlers {
		out = append(out, channel)
	}
	return out
}

// deliver runs the channel's handlers one payload at a time, matching the
// sequential dispatch of the real transport.
func (c *FakeConn) deliver(channel string, payload []byte) {
	if c.IsClosed() {
		return
	}
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.handlers[channel]...)
	c.mu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for _, handler := range handlers {
		handler(append([]byte{}, payload...))
	}
}

// FakeMedium links any number of fake transports into one in-memory shared
// medium: a publish on any connection fans out to every live connection's
// subscribers (the publisher included), and counters are shared, so
// multi-node scenarios run in a single test process.
type FakeMedium struct {
	mu       sync.Mutex
	conns    map[*FakeConn]bool
	counters map[string]int64
}

func NewFakeMedium() *FakeMedium {
	return &FakeMedium{
		conns:    make(map[*FakeConn]bool),
		counters: make(map[string]int64),
	}
}

// Transport returns a new fake transport whose connections join this
// medium.
func (m *FakeMedium) Transport() *FakeTransport {
	return &FakeTransport{medium: m}
}

// NewConn creates a connection attached to this medium directly, for
// OnConnect overrides that script their own connections.
func (m *FakeMedium) NewConn() *FakeConn {
	return newFakeConn(m)
}

// Incr advances a shared counter directly, without a connection.
func (m *FakeMedium) Incr(key string) int64 {
	return m.incr(key)
}

func (m *FakeMedium) attach(c *FakeConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c] = true
}

func (m *FakeMedium) detach(c *FakeConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
}

func (m *FakeMedium) broadcast(channel string, payload []byte) {
	m.mu.Lock()
	conns := make([]*FakeConn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.deliver(channel, payload)
	}
}

func (m *FakeMedium) incr(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key]
}
