package server

import (
	"context"
	"errors"
	"time"

	"github.com/fluxbase-eu/backplane/internal/bus"
	"github.com/fluxbase-eu/backplane/internal/sequence"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePublish     MessageType = "publish"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeEvent       MessageType = "event"
	MessageTypeError       MessageType = "error"
	MessageTypeAck         MessageType = "ack"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type  MessageType `json:"type"`
	Topic string      `json:"topic,omitempty"`
	Value string      `json:"value,omitempty"`
	After string      `json:"after,omitempty"`
}

// ServerMessage represents a message to the client
type ServerMessage struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const (
	heartbeatInterval = 30 * time.Second

	// publishTimeout bounds how long a publish may park on a relay
	// reconnect before the client gets an error back.
	publishTimeout = 10 * time.Second
)

// WSHandler handles WebSocket sessions against the event bus
type WSHandler struct {
	bus      *bus.Bus
	registry *Registry
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(b *bus.Bus, registry *Registry) *WSHandler {
	return &WSHandler{
		bus:      b,
		registry: registry,
	}
}

// HandleWebSocket upgrades the connection and runs the session loop
func (h *WSHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.handleConnection)(c)
}

// handleConnection handles a single WebSocket session
func (h *WSHandler) handleConnection(c *websocket.Conn) {
	sessionID := uuid.New().String()

	session := NewSession(sessionID, c)
	h.registry.Add(session)
	defer h.registry.Remove(sessionID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := session.Send(ServerMessage{
				Type: MessageTypeHeartbeat,
			}); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("Heartbeat failed")
				return
			}

		default:
			var msg ClientMessage
			if err := c.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Error().Err(err).Str("session_id", sessionID).Msg("WebSocket error")
				}
				return
			}

			h.handleMessage(session, msg)
		}
	}
}

// handleMessage processes a client message
func (h *WSHandler) handleMessage(sess *Session, msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Topic == "" {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Error: "topic is required for subscribe",
			})
			return
		}

		var after int64
		if msg.After != "" {
			id, err := sequence.ParseID(msg.After)
			if err != nil {
				sess.Send(ServerMessage{
					Type:  MessageTypeError,
					Topic: msg.Topic,
					Error: "invalid after cursor",
				})
				return
			}
			after = id
		}

		backlog, live, err := h.subscribe(sess, msg.Topic, after)
		if err != nil {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Topic: msg.Topic,
				Error: err.Error(),
			})
			return
		}

		sess.Send(ServerMessage{
			Type:  MessageTypeAck,
			Topic: msg.Topic,
			Payload: map[string]interface{}{
				"subscribed": true,
			},
		})

		go h.pump(sess, msg.Topic, after, backlog, live)

	case MessageTypeUnsubscribe:
		if msg.Topic == "" {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Error: "topic is required for unsubscribe",
			})
			return
		}

		if !sess.drop(msg.Topic) {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Topic: msg.Topic,
				Error: "not subscribed to topic",
			})
			return
		}

		sess.Send(ServerMessage{
			Type:  MessageTypeAck,
			Topic: msg.Topic,
			Payload: map[string]interface{}{
				"subscribed": false,
			},
		})

	case MessageTypePublish:
		if msg.Topic == "" {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Error: "topic is required for publish",
			})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := h.bus.Publish(ctx, sess.ID, msg.Topic, msg.Value)
		cancel()
		if err != nil {
			sess.Send(ServerMessage{
				Type:  MessageTypeError,
				Topic: msg.Topic,
				Error: err.Error(),
			})
			return
		}

		sess.Send(ServerMessage{
			Type:  MessageTypeAck,
			Topic: msg.Topic,
			Payload: map[string]interface{}{
				"published": true,
			},
		})

	case MessageTypeHeartbeat:
		// Respond to heartbeat
		sess.Send(ServerMessage{
			Type: MessageTypeHeartbeat,
		})

	default:
		sess.Send(ServerMessage{
			Type:  MessageTypeError,
			Error: "unknown message type",
		})
	}
}

// subscribe opens the live stream and snapshots the retained history. The
// live subscription is opened first so nothing published between the two
// is missed; the cursor guard in the pump skips the overlap.
func (h *WSHandler) subscribe(sess *Session, topic string, after int64) ([]bus.Message, <-chan bus.Message, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if !sess.track(topic, cancel) {
		cancel()
		return nil, nil, errors.New("already subscribed to topic")
	}

	live, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		sess.drop(topic)
		return nil, nil, err
	}

	backlog := h.bus.History(topic, after)
	return backlog, live, nil
}

// pump streams the history backlog and then live messages to the client
// until the subscription ends or a write fails.
func (h *WSHandler) pump(sess *Session, topic string, after int64, backlog []bus.Message, live <-chan bus.Message) {
	last := after
	for _, msg := range backlog {
		if err := sess.Send(ServerMessage{
			Type:    MessageTypeEvent,
			Topic:   topic,
			Payload: msg,
		}); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Str("topic", topic).Msg("Failed to deliver event")
			sess.drop(topic)
			return
		}
		if msg.ID > last {
			last = msg.ID
		}
	}

	for msg := range live {
		if msg.ID <= last {
			continue
		}
		if err := sess.Send(ServerMessage{
			Type:    MessageTypeEvent,
			Topic:   topic,
			Payload: msg,
		}); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Str("topic", topic).Msg("Failed to deliver event")
			sess.drop(topic)
			return
		}
	}
}
