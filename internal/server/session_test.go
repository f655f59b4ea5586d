package server

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConn is a mock WebSocket connection that captures everything
// written to it.
type recordingConn struct {
	mu       sync.Mutex
	messages []ServerMessage
	closed   bool
	writeErr error
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	msg, ok := v.(ServerMessage)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) Messages() []ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ServerMessage(nil), c.messages...)
}

func (c *recordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func TestNewSession(t *testing.T) {
	conn := &recordingConn{}
	sess := NewSession("sess1", conn)

	require.NotNil(t, sess)
	assert.Equal(t, "sess1", sess.ID)
	assert.Empty(t, sess.Topics())
}

func TestSession_TrackAndDrop(t *testing.T) {
	sess := NewSession("sess1", &recordingConn{})

	_, cancel := context.WithCancel(context.Background())
	assert.True(t, sess.track("orders", cancel))
	assert.Equal(t, []string{"orders"}, sess.Topics())

	// Duplicate subscription is rejected
	assert.False(t, sess.track("orders", cancel))

	assert.True(t, sess.drop("orders"))
	assert.Empty(t, sess.Topics())

	// Dropping again is a no-op
	assert.False(t, sess.drop("orders"))
	assert.False(t, sess.drop("never-subscribed"))
}

func TestSession_DropCancelsStream(t *testing.T) {
	sess := NewSession("sess1", &recordingConn{})

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, sess.track("orders", cancel))

	require.True(t, sess.drop("orders"))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected drop to cancel the subscription context")
	}
}

func TestSession_Send(t *testing.T) {
	conn := &recordingConn{}
	sess := NewSession("sess1", conn)

	err := sess.Send(ServerMessage{Type: MessageTypeAck, Topic: "orders"})
	require.NoError(t, err)

	msgs := conn.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeAck, msgs[0].Type)
	assert.Equal(t, "orders", msgs[0].Topic)
}

func TestSession_Close(t *testing.T) {
	conn := &recordingConn{}
	sess := NewSession("sess1", conn)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	require.True(t, sess.track("orders", cancel1))
	require.True(t, sess.track("payments", cancel2))

	require.NoError(t, sess.Close())

	assert.True(t, conn.IsClosed())
	assert.Empty(t, sess.Topics())
	assert.Error(t, ctx1.Err())
	assert.Error(t, ctx2.Err())
}

func TestRegistry_AddRemove(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.Count())

	conn1 := &recordingConn{}
	conn2 := &recordingConn{}
	reg.Add(NewSession("sess1", conn1))
	reg.Add(NewSession("sess2", conn2))
	assert.Equal(t, 2, reg.Count())

	reg.Remove("sess1")
	assert.Equal(t, 1, reg.Count())
	assert.True(t, conn1.IsClosed())
	assert.False(t, conn2.IsClosed())

	// Removing an unknown session is a no-op
	reg.Remove("sess1")
	reg.Remove("ghost")
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := NewRegistry()

	conns := make([]*recordingConn, 3)
	for i := range conns {
		conns[i] = &recordingConn{}
		reg.Add(NewSession(fmt.Sprintf("sess%d", i), conns[i]))
	}
	require.Equal(t, 3, reg.Count())

	reg.Shutdown()

	assert.Equal(t, 0, reg.Count())
	for i, conn := range conns {
		assert.True(t, conn.IsClosed(), "Expected connection %d to be closed", i)
	}
}
