package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/gigconnect/realtime/internal/model"
	"github.com/gigconnect/realtime/internal/store"
)

// handleSendMessage validates, rate-limits, persists and fans out one
// chat message. Persistence strictly happens before any broadcast: a
// client never observes a new_message for a record that isn't stored.
func (g *Gateway) handleSendMessage(ctx context.Context, s *Session, p sendMessagePayload) {
	if s.UserID == "" {
		s.emit(EventError, errorPayload{Message: ErrAuthRequired.Error()})
		return
	}

	content := strings.TrimSpace(p.Content)
	if p.ReceiverID == "" || content == "" {
		s.emit(EventError, errorPayload{Message: "receiver_id and content required"})
		return
	}

	allowed, err := g.limiter.Allow(ctx, s.UserID)
	if err != nil {
		// Limiter backends fail open; log and use their decision.
		g.logger.Warn("rate limit check degraded", "error", err, "user_id", s.UserID)
	}
	if !allowed {
		s.emit(EventError, errorPayload{Message: ErrRateLimited.Error()})
		return
	}

	saved, err := g.messages.Insert(ctx, model.Message{
		SenderID:       s.UserID,
		ReceiverID:     p.ReceiverID,
		Content:        g.sanitizer.Sanitize(content),
		ConversationID: p.ConversationID,
	})
	if err != nil {
		g.logger.Error("message save failed",
			"error", err,
			"sender_id", s.UserID,
			"receiver_id", p.ReceiverID)
		s.emit(EventError, errorPayload{Message: ErrPersistenceFailed.Error()})
		return
	}

	// One primary room plus a side-channel notification: the
	// conversation room when the message has shared context, the
	// receiver's mailbox otherwise.
	room := PersonalRoom(p.ReceiverID)
	if p.ConversationID != "" {
		room = ConversationRoom(p.ConversationID)
	}

	g.broadcast(ctx, room, EventNewMessage, saved)

	g.broadcast(ctx, PersonalRoom(p.ReceiverID), EventNotification, model.Notification{
		Type:           "message",
		SenderID:       s.UserID,
		Content:        "New message received",
		ConversationID: p.ConversationID,
	})
}

// handleJoinConversation subscribes the session to a conversation room
// and marks the caller's pending messages in it as read.
func (g *Gateway) handleJoinConversation(ctx context.Context, s *Session, p joinConversationPayload) {
	if s.UserID == "" {
		s.emit(EventError, errorPayload{Message: ErrAuthRequired.Error()})
		return
	}
	if p.ConversationID == "" {
		s.emit(EventError, errorPayload{Message: "conversation_id required"})
		return
	}

	room := ConversationRoom(p.ConversationID)
	g.registry.Join(room, s)
	s.emit(EventStatus, statusPayload{Message: "Joined conversation " + p.ConversationID})

	// Best effort from here on: the join already happened and a store
	// failure must not undo it.
	count, err := g.messages.MarkRead(ctx, s.UserID, p.ConversationID, g.now())
	if err != nil {
		g.logger.Error("mark read failed",
			"error", err,
			"user_id", s.UserID,
			"conversation_id", p.ConversationID)
		return
	}

	// count == 0 is not announced.
	if count > 0 {
		g.broadcast(ctx, room, EventMessagesRead, model.MessagesRead{
			ConversationID: p.ConversationID,
			Count:          count,
		})
	}
}

// handleBookingUpdate relays a booking status change to the booking's
// conversation room, restricted to the booking's seller. The gateway
// does not re-validate the transition; status legality is owned by the
// booking service.
func (g *Gateway) handleBookingUpdate(ctx context.Context, s *Session, p bookingUpdatePayload) {
	// Best-effort signal: missing pieces are dropped silently.
	if s.UserID == "" || p.BookingID == "" || p.Status == "" {
		return
	}

	actor, err := g.bookings.AuthorizedActor(ctx, p.BookingID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Error("booking update failed",
			"error", err,
			"booking_id", p.BookingID)
		return
	}
	if err != nil || actor != s.UserID {
		s.emit(EventError, errorPayload{Message: ErrUnauthorized.Error()})
		return
	}

	g.broadcast(ctx, ConversationRoom(p.BookingID), EventBookingStatus, model.BookingUpdate{
		BookingID: p.BookingID,
		Status:    p.Status,
		UpdatedBy: s.UserID,
	})
}
