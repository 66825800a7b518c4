// Package model defines the data structures relayed by the gateway.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Message holds a single chat message. Persistence assigns ID and
// CreatedAt; ReadAt stays nil until the receiver joins the conversation.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	Content        string     `json:"content"`
	ConversationID string     `json:"conversation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at"`
}

// Notification is the lightweight badge signal sent to a receiver's
// personal mailbox room alongside the full message broadcast.
type Notification struct {
	Type           string `json:"type"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// MessagesRead announces how many pending messages were marked read
// when a participant joined a conversation.
type MessagesRead struct {
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

// BookingUpdate is a booking status change relayed to a conversation
// room. The gateway does not own the status transition, it only relays.
type BookingUpdate struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
}
