package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigconnect/realtime/internal/model"
)

// Postgres implements MessageStore and BookingStore against the shared
// marketplace database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Insert(ctx context.Context, msg model.Message) (model.Message, error) {
	// conversation_id is nullable; an empty key means the message has
	// no shared conversation context yet.
	var conversationID any
	if msg.ConversationID != "" {
		conversationID = msg.ConversationID
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, conversation_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		msg.SenderID, msg.ReceiverID, msg.Content, conversationID,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	msg.ReadAt = nil
	return msg, nil
}

func (p *Postgres) MarkRead(ctx context.Context, receiverID, conversationID string, at time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET read_at = $3
		WHERE receiver_id = $1
		  AND conversation_id = $2
		  AND read_at IS NULL`,
		receiverID, conversationID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}

	return tag.RowsAffected(), nil
}

// History returns a conversation's messages oldest first. The CRUD
// service is the primary reader; the gateway ships this for its own
// integration checks and local tooling.
func (p *Postgres) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, content, conversation_id, created_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: conversation history: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var msg model.Message
		var convID *string
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content,
			&convID, &msg.CreatedAt, &msg.ReadAt); err != nil {
			return nil, fmt.Errorf("store: conversation history: %w", err)
		}
		if convID != nil {
			msg.ConversationID = *convID
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

func (p *Postgres) AuthorizedActor(ctx context.Context, bookingID string) (string, error) {
	var sellerID string
	err := p.pool.QueryRow(ctx,
		`SELECT seller_id FROM bookings WHERE id = $1`,
		bookingID,
	).Scan(&sellerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: booking lookup: %w", err)
	}

	return sellerID, nil
}
