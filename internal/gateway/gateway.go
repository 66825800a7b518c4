// Package gateway implements the real-time messaging gateway: it
// authenticates connections, tracks room membership, relays chat and
// booking-status events, and enforces the per-sender message cap.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/microcosm-cc/bluemonday"

	"github.com/gigconnect/realtime/internal/auth"
	"github.com/gigconnect/realtime/internal/broker"
	ratelimiter "github.com/gigconnect/realtime/internal/rate_limiter"
	"github.com/gigconnect/realtime/internal/store"
)

type sanitizer interface {
	Sanitize(s string) string
}

// Gateway owns the process-wide registry and rate limiter and
// dispatches inbound events to their handlers. One Gateway serves the
// whole process lifetime.
type Gateway struct {
	registry  *Registry
	verifier  auth.Verifier
	limiter   ratelimiter.Limiter
	messages  store.MessageStore
	bookings  store.BookingStore
	bridge    *broker.Bridge
	sanitizer sanitizer
	logger    *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

func New(verifier auth.Verifier, limiter ratelimiter.Limiter, messages store.MessageStore, bookings store.BookingStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:  NewRegistry(),
		verifier:  verifier,
		limiter:   limiter,
		messages:  messages,
		bookings:  bookings,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetBridge wires the optional cross-instance relay.
func (g *Gateway) SetBridge(b *broker.Bridge) {
	g.bridge = b
}

// Registry exposes room membership to the transport layer and the
// relay bridge consumer.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Close force-disconnects every session. Called at shutdown.
func (g *Gateway) Close() {
	g.registry.CloseAll()
}

// HandleConn runs one connection from handshake to disconnect. It
// blocks until the connection closes; the caller's request context
// scopes the whole session.
//
// The credential is verified exactly once here and the resolved user id
// cached on the session. Events never carry tokens.
func (g *Gateway) HandleConn(ctx context.Context, conn *websocket.Conn, token string) {
	if token == "" {
		writeEvent(ctx, conn, EventError, errorPayload{Message: "authentication token required"})
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("connect auth failed", "error", err)
		writeEvent(ctx, conn, EventError, errorPayload{Message: ErrAuthFailed.Error()})
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s := newSession(conn, userID)

	// Every session listens on its personal mailbox from the start so
	// notifications reach it regardless of which conversation is open.
	g.registry.Join(PersonalRoom(userID), s)

	s.emit(EventConnected, connectedPayload{
		Message: "Real-time connected",
		UserID:  userID,
	})

	g.logger.Info("user connected",
		"user_id", userID,
		"session_id", s.ID.String())

	go s.writeLoop(ctx)
	s.readLoop(ctx, g)

	g.logger.Info("client disconnected",
		"user_id", userID,
		"session_id", s.ID.String())
}

// dispatch routes one decoded frame to its handler. Handlers run on
// the session's read goroutine, which is what guarantees per-sender
// ordering.
func (g *Gateway) dispatch(ctx context.Context, s *Session, env envelope) {
	switch env.Event {
	case EventJoinConversation:
		var p joinConversationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emit(EventError, errorPayload{Message: ErrInvalidPayload.Error()})
			return
		}
		g.handleJoinConversation(ctx, s, p)

	case EventSendMessage:
		var p sendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.emit(EventError, errorPayload{Message: ErrInvalidPayload.Error()})
			return
		}
		g.handleSendMessage(ctx, s, p)

	case EventBookingUpdate:
		var p bookingUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			// Best-effort signal, malformed frames are dropped.
			return
		}
		g.handleBookingUpdate(ctx, s, p)

	default:
		g.logger.Warn("unknown event",
			"event", env.Event,
			"session_id", s.ID.String())
	}
}

// broadcast fans out locally and, when a bridge is wired, relays to the
// other gateway instances.
func (g *Gateway) broadcast(ctx context.Context, room, event string, data any) {
	g.registry.Broadcast(room, event, data, nil)

	if g.bridge == nil {
		return
	}
	if err := g.bridge.Publish(ctx, room, event, data); err != nil {
		g.logger.Warn("relay publish failed",
			"error", err,
			"room", room,
			"event", event)
	}
}

// writeEvent writes a frame directly, bypassing any session. Used only
// during the handshake, before a session exists.
func writeEvent(ctx context.Context, conn *websocket.Conn, event string, data any) {
	frame, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		slog.Debug("handshake write failed", "error", err)
	}
}
