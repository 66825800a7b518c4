// Package store holds the gateway's persistence boundaries. The
// gateway never owns durable state itself; everything here delegates to
// the shared marketplace database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gigconnect/realtime/internal/model"
)

// ErrNotFound is returned when a referenced booking does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore persists chat messages and read receipts.
type MessageStore interface {
	// Insert stores a message and returns it with the server-assigned
	// id and created_at, read_at still null.
	Insert(ctx context.Context, msg model.Message) (model.Message, error)

	// MarkRead stamps read_at on every unread message addressed to
	// receiverID within conversationID and reports how many changed.
	MarkRead(ctx context.Context, receiverID, conversationID string, at time.Time) (int64, error)
}

// BookingStore resolves which user may broadcast status changes for a
// booking.
type BookingStore interface {
	// AuthorizedActor returns the seller id for bookingID, or
	// ErrNotFound when the booking does not exist.
	AuthorizedActor(ctx context.Context, bookingID string) (string, error)
}
