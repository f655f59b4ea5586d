// Package bus is the process-local side of the system: per-topic fanout
// to waiting subscribers, a bounded per-topic history for cursor catch-up,
// and ordering IDs stamped from the configured sequence.
//
// With a relay attached, publishes travel out to the shared channel and
// come back through Forward like every other node's messages, so IDs are
// assigned from the shared sequence on the way in. Without one the bus
// forwards directly and runs standalone.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/backplane/internal/observability"
	"github.com/fluxbase-eu/backplane/internal/sequence"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Message is one event in the stream. IDs are strictly increasing per
// deployment; gaps are normal (other topics, other nodes).
type Message struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	Topic  string `json:"topic"`
	Value  string `json:"value"`
}

// Relay pushes a message out to every process attached to the shared
// channel. The backplane implements it.
type Relay interface {
	Send(ctx context.Context, source, topic, value string) error
}

// subscriber wraps one delivery channel with its own closed state, so a
// racing fanout and unsubscribe cannot send on a closed channel.
type subscriber struct {
	ch     chan Message
	closed bool
	mu     sync.Mutex
}

// send attempts to deliver a message to the subscriber.
// Returns false if the subscriber is closed or its channel is full.
func (s *subscriber) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		// Channel full, skip
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Options tune the bus. Zero values fall back to defaults.
type Options struct {
	// HistorySize is the per-topic retention ring capacity.
	HistorySize int

	// SubscriberBuffer is the per-subscriber channel capacity. A
	// subscriber that falls this far behind starts losing messages.
	SubscriberBuffer int

	// SequenceTimeout bounds the ordering ID fetch inside Forward.
	SequenceTimeout time.Duration
}

type topicState struct {
	history []Message
	subs    []*subscriber
}

// Bus fans messages out within one process.
type Bus struct {
	opts    Options
	seq     sequence.Sequencer
	metrics *observability.Metrics

	mu     sync.RWMutex
	relay  Relay
	topics map[string]*topicState
	closed bool
}

// New creates a bus stamping ordering IDs from seq.
func New(seq sequence.Sequencer, opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.SequenceTimeout <= 0 {
		opts.SequenceTimeout = 5 * time.Second
	}
	return &Bus{
		opts:   opts,
		seq:    seq,
		topics: make(map[string]*topicState),
	}
}

// SetMetrics sets the metrics instance for recording bus metrics
func (b *Bus) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// AttachRelay routes subsequent publishes through r instead of forwarding
// locally. Attach before the bus takes traffic.
func (b *Bus) AttachRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Publish pushes one message into the stream. With a relay attached the
// message goes out to the shared channel and comes back through Forward
// with its ID assigned, on this node and every other; without one it is
// forwarded directly.
func (b *Bus) Publish(ctx context.Context, source, topic, value string) error {
	b.mu.RLock()
	relay, closed := b.relay, b.closed
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if relay != nil {
		return relay.Send(ctx, source, topic, value)
	}
	b.forward(source, topic, value, "local")
	return nil
}

// Forward takes one message off the relay and fans it out locally:
// ordering ID, history ring, waiting subscribers. Fire-and-forget; a
// message that cannot get an ID is dropped and logged, never retried with
// a guessed one.
func (b *Bus) Forward(source, topic, value string) {
	b.forward(source, topic, value, "relay")
}

func (b *Bus) forward(source, topic, value, origin string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SequenceTimeout)
	id, err := b.seq.Next(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Dropping bus message without an ordering ID")
		if b.metrics != nil {
			b.metrics.RecordBusDrop("sequence_error")
		}
		return
	}

	msg := Message{ID: id, Source: source, Topic: topic, Value: value}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ts := b.topic(topic)
	ts.history = append(ts.history, msg)
	if len(ts.history) > b.opts.HistorySize {
		ts.history = ts.history[len(ts.history)-b.opts.HistorySize:]
	}
	// Copy the slice to avoid holding the lock during sends
	subs := make([]*subscriber, len(ts.subs))
	copy(subs, ts.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordBusMessage(origin)
	}

	for _, sub := range subs {
		if !sub.send(msg) {
			log.Warn().Str("topic", topic).Int64("id", msg.ID).Msg("Bus subscriber full, dropping message")
			if b.metrics != nil {
				b.metrics.RecordBusDrop("full_buffer")
			}
		}
	}
}

// Subscribe returns a channel of messages published to topic from now on.
// The subscription ends when ctx is cancelled and the channel closes
// then. Use History to catch up on messages from before the subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	sub := &subscriber{ch: make(chan Message, b.opts.SubscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ts := b.topic(topic)
	ts.subs = append(ts.subs, sub)
	b.mu.Unlock()

	b.updateStats()

	// Remove the subscription when the context is cancelled
	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, sub)
	}()

	return sub.ch, nil
}

// History returns the retained messages for topic with IDs above afterID,
// oldest first. Retention is bounded by the history ring; anything older
// is gone for good.
func (b *Bus) History(topic string, afterID int64) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ts := b.topics[topic]
	if ts == nil {
		return nil
	}
	var out []Message
	for _, msg := range ts.history {
		if msg.ID > afterID {
			out = append(out, msg)
		}
	}
	return out
}

// Stats reports the current number of topics and subscribers.
func (b *Bus) Stats() (topics, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics = len(b.topics)
	for _, ts := range b.topics {
		subscribers += len(ts.subs)
	}
	return topics, subscribers
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*subscriber, 0)
	for _, ts := range b.topics {
		all = append(all, ts.subs...)
		ts.subs = nil
	}
	b.mu.Unlock()

	// Close all subscribers outside the lock
	for _, sub := range all {
		sub.close()
	}
	if b.metrics != nil {
		b.metrics.UpdateBusStats(0, 0)
	}
	return nil
}

// topic returns the state for a topic, creating it if needed. Callers
// hold b.mu.
func (b *Bus) topic(name string) *topicState {
	ts := b.topics[name]
	if ts == nil {
		ts = &topicState{}
		b.topics[name] = ts
	}
	return ts
}

func (b *Bus) unsubscribe(topic string, sub *subscriber) {
	b.mu.Lock()
	if ts := b.topics[topic]; ts != nil {
		for i, s := range ts.subs {
			if s == sub {
				ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	// Close outside the lock to avoid blocking a concurrent fanout
	sub.close()
	b.updateStats()
}

func (b *Bus) updateStats() {
	if b.metrics == nil {
		return
	}
	topics, subscribers := b.Stats()
	b.metrics.UpdateBusStats(topics, subscribers)
}
