package server

import (
	"context"
	"sync"

	"github.com/fluxbase-eu/backplane/internal/observability"
	"github.com/rs/zerolog/log"
)

// wsConn is the subset of *websocket.Conn the session layer writes through
// (allows mocking in tests).
type wsConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session represents a single WebSocket client session. The session ID
// doubles as the message source for everything the client publishes.
type Session struct {
	ID   string
	conn wsConn

	mu   sync.Mutex
	subs map[string]context.CancelFunc // topic -> live stream cancel
}

// NewSession creates a session around an accepted WebSocket connection.
func NewSession(id string, conn wsConn) *Session {
	return &Session{
		ID:   id,
		conn: conn,
		subs: make(map[string]context.CancelFunc),
	}
}

// Send writes a message to the WebSocket client.
func (s *Session) Send(msg ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// track registers a topic subscription. Returns false if the session is
// already subscribed to the topic.
func (s *Session) track(topic string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return false
	}
	s.subs[topic] = cancel
	log.Debug().
		Str("session_id", s.ID).
		Str("topic", topic).
		Msg("Subscribed to topic")
	return true
}

// drop cancels a topic subscription. Returns false if the session was not
// subscribed to the topic.
func (s *Session) drop(topic string) bool {
	s.mu.Lock()
	cancel, ok := s.subs[topic]
	if ok {
		delete(s.subs, topic)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	log.Debug().
		Str("session_id", s.ID).
		Str("topic", topic).
		Msg("Unsubscribed from topic")
	return true
}

// Topics returns the topics this session is subscribed to.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Close cancels all subscriptions and closes the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.subs))
	for _, cancel := range s.subs {
		cancels = append(cancels, cancel)
	}
	s.subs = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return s.conn.Close()
}

// Registry tracks all active WebSocket sessions on this node.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	metrics  *observability.Metrics
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// SetMetrics sets the metrics instance for recording session metrics
func (r *Registry) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Add registers a new session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.updateMetrics()

	log.Info().
		Str("session_id", s.ID).
		Msg("New WebSocket session")
}

// Remove deregisters a session and closes it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	_ = s.Close()

	r.updateMetrics()

	log.Info().
		Str("session_id", id).
		Msg("WebSocket session closed")
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	toClose := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		toClose = append(toClose, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	// Close sessions after releasing the lock to avoid deadlock
	for _, s := range toClose {
		_ = s.Close()
		log.Info().Str("session_id", s.ID).Msg("Closed session during shutdown")
	}

	r.updateMetrics()
}

func (r *Registry) updateMetrics() {
	if r.metrics == nil {
		return
	}
	r.metrics.UpdateWSSessions(r.Count())
}
