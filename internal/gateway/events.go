package gateway

import "encoding/json"

// Client events.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventBookingUpdate    = "booking_update"
)

// Server events.
const (
	EventConnected     = "connected"
	EventStatus        = "status"
	EventError         = "error"
	EventNewMessage    = "new_message"
	EventNotification  = "notification"
	EventMessagesRead  = "messages_read"
	EventBookingStatus = "booking_updated"
)

// envelope is the wire frame in both directions:
// {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outEnvelope carries an unmarshaled payload on the way out.
type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type connectedPayload struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type statusPayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type joinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type sendMessagePayload struct {
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type bookingUpdatePayload struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}
