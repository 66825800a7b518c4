package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// sendQueueSize bounds the per-session outbound queue; a client
	// that can't keep up loses frames instead of stalling broadcasts.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
)

// Session is the server-side state for one live connection. UserID is
// set once at handshake and never re-resolved per event.
type Session struct {
	ID     uuid.UUID
	UserID string

	conn *websocket.Conn
	send chan []byte

	// rooms is this session's joined set. It is guarded by the
	// registry's lock so membership stays consistent with the rooms
	// themselves.
	rooms map[string]struct{}

	// frames guards against a single connection flooding the read
	// loop; this is separate from the per-sender message cap.
	frames *rate.Limiter

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, userID string) *Session {
	return &Session{
		ID:     uuid.New(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		rooms:  make(map[string]struct{}),
		frames: rate.NewLimiter(rate.Every(time.Second/25), 50),
	}
}

// emit queues a single event for this session only.
func (s *Session) emit(event string, data any) {
	frame, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		slog.Error("failed to encode frame",
			"error", err,
			"event", event,
			"session_id", s.ID.String())
		return
	}
	s.push(frame)
}

// push queues a pre-marshaled frame without blocking.
func (s *Session) push(frame []byte) {
	select {
	case s.send <- frame:
	default:
		slog.Warn("send queue full, dropping frame",
			"session_id", s.ID.String(),
			"user_id", s.UserID)
	}
}

// writeLoop drains the send queue onto the socket. It owns all writes
// after the handshake.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				s.close(websocket.StatusNormalClosure, "session closed")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Warn("failed to write frame",
					"error", err,
					"session_id", s.ID.String())
				return
			}

		case <-ctx.Done():
			s.close(websocket.StatusGoingAway, "context cancelled")
			return
		}
	}
}

// readLoop decodes inbound frames and dispatches them in arrival
// order, so one sender's events are handled strictly in sequence.
func (s *Session) readLoop(ctx context.Context, g *Gateway) {
	defer func() {
		g.registry.LeaveAll(s)
		s.conn.CloseNow()
	}()

	for {
		msgType, p, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				slog.Warn("read failed",
					"error", err,
					"session_id", s.ID.String())
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if !s.frames.Allow() {
			slog.Warn("dropping frame, connection flooding",
				"session_id", s.ID.String(),
				"user_id", s.UserID)
			continue
		}

		var env envelope
		if err := json.Unmarshal(p, &env); err != nil {
			slog.Warn("failed to decode frame",
				"error", err,
				"session_id", s.ID.String())
			continue
		}

		g.dispatch(ctx, s, env)
	}
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			slog.Debug("close failed",
				"error", err,
				"session_id", s.ID.String())
		}
	})
}
