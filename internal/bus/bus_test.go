package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/backplane/internal/sequence"
)

type fakeRelay struct {
	mu    sync.Mutex
	calls [][3]string
	err   error
}

func (r *fakeRelay) Send(_ context.Context, source, topic, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, [3]string{source, topic, value})
	return nil
}

func (r *fakeRelay) Calls() [][3]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][3]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type failingSequencer struct{}

func (failingSequencer) Next(context.Context) (int64, error) {
	return 0, errors.New("no medium")
}

func newLocalBus(opts Options) *Bus {
	return New(&sequence.Local{}, opts)
}

func TestNewBus(t *testing.T) {
	b := newLocalBus(Options{})
	require.NotNil(t, b)

	topics, subscribers := b.Stats()
	assert.Zero(t, topics)
	assert.Zero(t, subscribers)

	require.NoError(t, b.Close())
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)
	require.NotNil(t, msgCh)

	require.NoError(t, b.Publish(ctx, "c1", "chat", "hello"))

	select {
	case msg := <-msgCh:
		assert.Equal(t, Message{ID: 1, Source: "c1", Topic: "chat", Value: "hello"}, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub1, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)
	sub3, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "c1", "chat", "broadcast"))

	for i, sub := range []<-chan Message{sub1, sub2, sub3} {
		select {
		case msg := <-sub:
			assert.Equal(t, "broadcast", msg.Value, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBus_DifferentTopics(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chatCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)
	ordersCh, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "c1", "chat", "for chat only"))

	select {
	case msg := <-chatCh:
		assert.Equal(t, "chat", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("chat subscriber timed out")
	}

	select {
	case msg := <-ordersCh:
		t.Fatalf("orders subscriber should not receive message, got: %v", msg)
	case <-time.After(100 * time.Millisecond):
		// Expected - nothing for orders
	}
}

func TestBus_MonotoneIDs(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "c1", "chat", fmt.Sprintf("msg-%d", i)))
	}

	var last int64
	for i := 0; i < 5; i++ {
		select {
		case msg := <-msgCh:
			assert.Greater(t, msg.ID, last)
			last = msg.ID
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestBus_History(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "c1", "chat", fmt.Sprintf("msg-%d", i)))
	}

	all := b.History("chat", 0)
	require.Len(t, all, 5)
	for i, msg := range all {
		assert.Equal(t, int64(i+1), msg.ID)
	}

	tail := b.History("chat", 3)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].ID)
	assert.Equal(t, int64(5), tail[1].ID)

	assert.Empty(t, b.History("chat", 99))
	assert.Empty(t, b.History("never-used", 0))
}

func TestBus_HistoryRingBounded(t *testing.T) {
	b := newLocalBus(Options{HistorySize: 3})
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "c1", "chat", fmt.Sprintf("msg-%d", i)))
	}

	kept := b.History("chat", 0)
	require.Len(t, kept, 3)
	assert.Equal(t, int64(3), kept[0].ID)
	assert.Equal(t, int64(5), kept[2].ID)
}

func TestBus_UnsubscribeOnContextCancel(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	_, subscribers := b.Stats()
	assert.Equal(t, 1, subscribers)

	cancel()

	// The channel closes once the unsubscribe goroutine runs.
	select {
	case _, ok := <-msgCh:
		assert.False(t, ok, "channel should be closed, not delivering")
	case <-time.After(time.Second):
		t.Fatal("channel never closed after context cancel")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, subscribers = b.Stats(); subscribers == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBus_FullBufferDropsWithoutBlocking(t *testing.T) {
	b := newLocalBus(Options{SubscriberBuffer: 1})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	// Nobody drains: the first publish fills the buffer, the rest drop.
	// None of them may block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			assert.NoError(t, b.Publish(ctx, "c1", "chat", fmt.Sprintf("msg-%d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	select {
	case msg := <-msgCh:
		assert.Equal(t, int64(1), msg.ID)
	case <-time.After(time.Second):
		t.Fatal("buffered message never arrived")
	}
	select {
	case msg := <-msgCh:
		t.Fatalf("dropped message was delivered: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	// Drops cost the slow subscriber only; history keeps everything.
	assert.Len(t, b.History("chat", 0), 3)
}

func TestBus_RelayRouting(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	relay := &fakeRelay{}
	b.AttachRelay(relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	// With a relay attached, publishes leave the process; nothing is
	// delivered locally until the relay forwards the message back.
	require.NoError(t, b.Publish(ctx, "c1", "chat", "hello"))
	require.Equal(t, [][3]string{{"c1", "chat", "hello"}}, relay.Calls())

	select {
	case msg := <-msgCh:
		t.Fatalf("message delivered without the relay round trip: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, b.History("chat", 0))

	b.Forward("c1", "chat", "hello")

	select {
	case msg := <-msgCh:
		assert.Equal(t, Message{ID: 1, Source: "c1", Topic: "chat", Value: "hello"}, msg)
	case <-time.After(time.Second):
		t.Fatal("forwarded message never arrived")
	}
}

func TestBus_RelayErrorPropagates(t *testing.T) {
	b := newLocalBus(Options{})
	defer b.Close()

	relay := &fakeRelay{err: errors.New("medium down")}
	b.AttachRelay(relay)

	err := b.Publish(context.Background(), "c1", "chat", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.err)
}

func TestBus_SequenceErrorDropsMessage(t *testing.T) {
	b := New(failingSequencer{}, Options{SequenceTimeout: 100 * time.Millisecond})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "c1", "chat", "doomed"))

	select {
	case msg := <-msgCh:
		t.Fatalf("message without an ID was delivered: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, b.History("chat", 0))
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	const publishers = 10
	const perPublisher = 10

	b := newLocalBus(Options{SubscriberBuffer: publishers * perPublisher})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				assert.NoError(t, b.Publish(ctx, fmt.Sprintf("c%d", n), "chat", "x"))
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case msg := <-msgCh:
			assert.False(t, seen[msg.ID], "id %d delivered twice", msg.ID)
			seen[msg.ID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	assert.Len(t, seen, publishers*perPublisher)
}

func TestBus_Close(t *testing.T) {
	b := newLocalBus(Options{})

	ctx := context.Background()
	msgCh, err := b.Subscribe(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-msgCh:
		assert.False(t, ok, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed on bus close")
	}

	assert.ErrorIs(t, b.Publish(ctx, "c1", "chat", "x"), ErrClosed)
	_, err = b.Subscribe(ctx, "chat")
	assert.ErrorIs(t, err, ErrClosed)

	// Forward after close is a no-op, not a panic.
	assert.NotPanics(t, func() { b.Forward("c1", "chat", "x") })

	require.NoError(t, b.Close())
}
