// Package backplane extends a process-local message bus across process
// boundaries. Every message published on an attached process is relayed
// through one shared channel on the relay medium and forwarded into each
// process's local bus, the publisher's own included.
//
// The backplane owns at most one connection to the medium at any instant.
// It opens lazily on first use, reopens by itself when the medium drops
// the connection, and hands every concurrent opener the outcome of one
// single dial.
package backplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/backplane/internal/envelope"
	"github.com/fluxbase-eu/backplane/internal/observability"
	"github.com/fluxbase-eu/backplane/internal/transport"
)

var (
	// ErrConnect wraps the cause of a failed dial. Every caller waiting on
	// the same attempt receives it; the next call dials fresh.
	ErrConnect = errors.New("backplane: connect failed")

	// ErrPublish wraps a publish failure on an open connection. Only the
	// publishing caller sees it.
	ErrPublish = errors.New("backplane: publish failed")

	// ErrClosed is returned by operations on a closed backplane.
	ErrClosed = errors.New("backplane: closed")
)

// Forwarder receives messages arriving from the shared channel. The local
// bus implements it. Calls come from the transport's dispatch goroutine,
// one message at a time; errors are swallowed at this boundary.
type Forwarder interface {
	Forward(source, topic, value string)
}

// connectAttempt is the shared future for one dial: the goroutine that
// installed it resolves err and closes done, everyone else just waits.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Backplane relays between the local bus and the shared channel.
type Backplane struct {
	transport transport.Transport
	channel   string
	forwarder Forwarder
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// attempt is the connection attempt slot. nil means no connection and
	// nobody dialing. An in-flight or resolved-successful attempt stays
	// installed: a resolved success occupies the slot while its connection
	// is open, so late callers join it and observe immediate success, and
	// it is cleared exactly when that connection closes. A failed attempt
	// clears the slot before its waiters wake.
	attempt atomic.Pointer[connectAttempt]

	mu    sync.RWMutex
	conn  transport.Conn
	ready bool
	shut  bool
}

// New creates a backplane relaying through channel on t, forwarding
// inbound messages into fwd. No connection is opened until first use.
func New(t transport.Transport, channel string, fwd Forwarder) *Backplane {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backplane{
		transport: t,
		channel:   channel,
		forwarder: fwd,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMetrics sets the metrics instance for recording relay metrics
func (b *Backplane) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// Ready reports whether the connection is open with its subscription
// active. It flips false the moment a loss is detected.
func (b *Backplane) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// EnsureConnection makes sure a connection is open or being opened. It
// never blocks and never retries a failed dial on its own; each call
// claims the attempt slot or joins the attempt already in it.
func (b *Backplane) EnsureConnection() {
	if b.isShut() {
		return
	}
	b.ensure()
}

// AwaitReady blocks until the connection is open and subscribed, the
// attempt it joined fails, ctx is done, or the backplane closes.
func (b *Backplane) AwaitReady(ctx context.Context) error {
	for {
		b.mu.RLock()
		ready, shut := b.ready, b.shut
		b.mu.RUnlock()
		if shut {
			return ErrClosed
		}
		if ready {
			return nil
		}
		if err := b.wait(ctx, b.ensure()); err != nil {
			return err
		}
	}
}

// Send relays one message to every process attached to the medium. When
// the connection is not open yet the call waits on the shared attempt
// first, so a failed open surfaces here instead of a silent drop. Past
// the publish it is fire-and-forget: there is no cross-process ack, and
// the message comes back to this process through the shared channel like
// everyone else's.
func (b *Backplane) Send(ctx context.Context, source, topic, value string) error {
	conn, err := b.awaitConn(ctx)
	if err != nil {
		return err
	}

	payload := envelope.Envelope{Source: source, Topic: topic, Value: value}.Encode()
	err = conn.Publish(ctx, b.channel, payload)
	if b.metrics != nil {
		b.metrics.RecordRelayPublish(err)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Incr bumps a shared counter on the live connection, waiting for one the
// same way Send does. It backs the cross-process message sequence.
func (b *Backplane) Incr(ctx context.Context, key string) (int64, error) {
	conn, err := b.awaitConn(ctx)
	if err != nil {
		return 0, err
	}
	return conn.Incr(ctx, key)
}

// Close shuts the backplane down: the connection is torn down, pending
// waiters are released with ErrClosed and no reconnect follows. Safe to
// call more than once.
func (b *Backplane) Close() error {
	b.mu.Lock()
	if b.shut {
		b.mu.Unlock()
		return nil
	}
	b.shut = true
	conn := b.conn
	b.conn = nil
	b.ready = false
	b.mu.Unlock()

	b.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if b.metrics != nil {
		b.metrics.UpdateRelayReady(false)
	}
	log.Info().Str("channel", b.channel).Msg("Backplane closed")
	return nil
}

func (b *Backplane) isShut() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shut
}

// ensure returns the attempt to wait on, installing and running a fresh
// one when the slot is empty. Exactly one of N racing callers wins the
// CAS; the losers discard their own attempt and join the winner's.
func (b *Backplane) ensure() *connectAttempt {
	for {
		if attempt := b.attempt.Load(); attempt != nil {
			return attempt
		}
		attempt := &connectAttempt{done: make(chan struct{})}
		if b.attempt.CompareAndSwap(nil, attempt) {
			go b.dial(attempt)
			return attempt
		}
	}
}

// wait parks on the attempt until it resolves, the caller gives up, or
// the backplane closes.
func (b *Backplane) wait(ctx context.Context, attempt *connectAttempt) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrClosed
	}
}

// awaitConn returns the live connection, waiting through a dial when none
// is open. The loop absorbs the window where a connection drops between
// an attempt resolving and the load.
func (b *Backplane) awaitConn(ctx context.Context) (transport.Conn, error) {
	for {
		b.mu.RLock()
		conn, shut := b.conn, b.shut
		b.mu.RUnlock()
		if shut {
			return nil, ErrClosed
		}
		if conn != nil {
			return conn, nil
		}
		if err := b.wait(ctx, b.ensure()); err != nil {
			return nil, err
		}
	}
}

// dial runs one connection attempt to completion and resolves it for
// every waiter. On success the subscription is active before readiness
// becomes visible, so no message published after AwaitReady returns can
// be missed.
func (b *Backplane) dial(attempt *connectAttempt) {
	conn, err := b.transport.Connect(b.ctx)
	if err == nil {
		if err = conn.Subscribe(b.ctx, b.channel, b.receive); err != nil {
			_ = conn.Close()
		}
	}
	if b.metrics != nil {
		b.metrics.RecordRelayConnect(err)
	}

	if err != nil {
		// A failed dial clears the slot before waiters wake so the next
		// call starts fresh; retrying is the caller's decision.
		attempt.err = fmt.Errorf("%w: %w", ErrConnect, err)
		b.attempt.CompareAndSwap(attempt, nil)
		close(attempt.done)
		log.Error().Err(err).Str("channel", b.channel).Msg("Backplane connect failed")
		return
	}

	b.mu.Lock()
	if b.shut {
		b.mu.Unlock()
		_ = conn.Close()
		attempt.err = ErrClosed
		b.attempt.CompareAndSwap(attempt, nil)
		close(attempt.done)
		return
	}
	b.conn = conn
	b.ready = true
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.UpdateRelayReady(true)
	}
	go b.watch(conn, attempt)

	close(attempt.done)
	log.Info().Str("channel", b.channel).Msg("Backplane connected")
}

// watch arms the close handler for one connection. A connection that goes
// away on its own is a loss: readiness drops immediately, the slot clears
// and a fresh dial starts with no caller involved.
func (b *Backplane) watch(conn transport.Conn, attempt *connectAttempt) {
	select {
	case <-b.ctx.Done():
		return
	case <-conn.Closed():
	}

	b.mu.Lock()
	if b.shut || b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.ready = false
	b.mu.Unlock()

	b.attempt.CompareAndSwap(attempt, nil)
	_ = conn.Close()

	if b.metrics != nil {
		b.metrics.UpdateRelayReady(false)
		b.metrics.RecordRelayReconnect()
	}
	log.Warn().Str("channel", b.channel).Msg("Backplane connection lost, reconnecting")

	b.ensure()
}

// receive handles one inbound payload from the shared channel. It must
// never panic or return abnormally: the transport delivers sequentially
// and one bad payload must not cost the messages behind it.
func (b *Backplane) receive(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Backplane receive handler panicked")
			if b.metrics != nil {
				b.metrics.RecordRelayDelivery("panic")
			}
		}
	}()

	env, err := envelope.Decode(payload)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping malformed backplane payload")
		if b.metrics != nil {
			b.metrics.RecordRelayDelivery("decode_error")
		}
		return
	}

	b.forwarder.Forward(env.Source, env.Topic, env.Value)
	if b.metrics != nil {
		b.metrics.RecordRelayDelivery("ok")
	}
}
