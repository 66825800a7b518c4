package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigconnect/realtime/internal/model"
	ratelimiter "github.com/gigconnect/realtime/internal/rate_limiter"
	"github.com/gigconnect/realtime/internal/store"
)

type fakeMessages struct {
	mu        sync.Mutex
	inserted  []model.Message
	insertErr error

	unread      int64
	markReadErr error
}

func (f *fakeMessages) Insert(_ context.Context, msg model.Message) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return model.Message{}, f.insertErr
	}

	msg.ID = uuid.New()
	msg.CreatedAt = time.Now().UTC()
	msg.ReadAt = nil
	f.inserted = append(f.inserted, msg)
	return msg, nil
}

func (f *fakeMessages) MarkRead(_ context.Context, receiverID, conversationID string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markReadErr != nil {
		return 0, f.markReadErr
	}

	// Marking is one-directional: the pending set drains on first read.
	n := f.unread
	f.unread = 0
	return n, nil
}

func (f *fakeMessages) stored() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.inserted...)
}

type fakeBookings struct {
	sellers map[string]string
	err     error
}

func (f *fakeBookings) AuthorizedActor(_ context.Context, bookingID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	seller, ok := f.sellers[bookingID]
	if !ok {
		return "", store.ErrNotFound
	}
	return seller, nil
}

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	userID, ok := v[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

func newTestGateway(t *testing.T, messages *fakeMessages, bookings *fakeBookings) *Gateway {
	t.Helper()

	limiter := ratelimiter.NewMemory(ratelimiter.DefaultMax, ratelimiter.DefaultWindow)
	t.Cleanup(limiter.Cancel)

	return New(staticVerifier{}, limiter, messages, bookings, slog.Default())
}

// connect mirrors the handshake outcome: an authenticated session
// subscribed to its personal mailbox.
func connect(g *Gateway, userID string) *Session {
	s := newSession(nil, userID)
	g.registry.Join(PersonalRoom(userID), s)
	return s
}

func ev(t *testing.T, event string, payload any) envelope {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return envelope{Event: event, Data: b}
}

func decode[T any](t *testing.T, f outEnvelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data.(json.RawMessage), &v))
	return v
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")
	receiver := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), sender)
	g.registry.Join(ConversationRoom("b1"), receiver)

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID:     "seller-1",
		Content:        "  hello there  ",
		ConversationID: "b1",
	}))

	stored := messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "buyer-1", stored[0].SenderID)
	assert.Equal(t, "seller-1", stored[0].ReceiverID)
	assert.Equal(t, "hello there", stored[0].Content, "content should be trimmed")
	assert.False(t, stored[0].CreatedAt.IsZero())
	assert.Nil(t, stored[0].ReadAt)

	// Both room members see the persisted record, with its assigned id.
	for _, s := range []*Session{sender, receiver} {
		frames := eventsOf(recv(t, s), EventNewMessage)
		require.Len(t, frames, 1)
		got := decode[model.Message](t, frames[0])
		assert.Equal(t, stored[0].ID, got.ID)
		assert.Equal(t, "hello there", got.Content)
	}
}

func TestSendMessageNotifiesReceiverMailbox(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")
	// Receiver is elsewhere in the app: subscribed to their mailbox
	// but not to this conversation.
	receiver := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), sender)

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID:     "seller-1",
		Content:        "ping",
		ConversationID: "b1",
	}))

	frames := recv(t, receiver)
	assert.Empty(t, eventsOf(frames, EventNewMessage),
		"receiver not in the conversation room should not get the full record")

	notes := eventsOf(frames, EventNotification)
	require.Len(t, notes, 1)
	note := decode[model.Notification](t, notes[0])
	assert.Equal(t, "message", note.Type)
	assert.Equal(t, "buyer-1", note.SenderID)
	assert.Equal(t, "b1", note.ConversationID)
}

func TestSendMessageWithoutConversationUsesMailbox(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")
	receiver := connect(g, "seller-1")

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID: "seller-1",
		Content:    "hi",
	}))

	frames := recv(t, receiver)
	assert.Len(t, eventsOf(frames, EventNewMessage), 1,
		"without a conversation key the mailbox room is the primary room")
	assert.Len(t, eventsOf(frames, EventNotification), 1)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload sendMessagePayload
	}{
		{"missing receiver", sendMessagePayload{Content: "hi"}},
		{"missing content", sendMessagePayload{ReceiverID: "seller-1"}},
		{"whitespace content", sendMessagePayload{ReceiverID: "seller-1", Content: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages := &fakeMessages{}
			g := newTestGateway(t, messages, &fakeBookings{})
			sender := connect(g, "buyer-1")

			g.dispatch(ctx, sender, ev(t, EventSendMessage, tt.payload))

			frames := recv(t, sender)
			require.Len(t, eventsOf(frames, EventError), 1)
			assert.Empty(t, messages.stored(), "invalid payloads must not be persisted")
		})
	}
}

func TestSendMessageUnauthenticated(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	s := newSession(nil, "")

	g.dispatch(ctx, s, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID: "seller-1",
		Content:    "hi",
	}))

	frames := eventsOf(recv(t, s), EventError)
	require.Len(t, frames, 1)
	assert.Equal(t, ErrAuthRequired.Error(), decode[errorPayload](t, frames[0]).Message)
	assert.Empty(t, messages.stored())
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{insertErr: errors.New("supabase down")}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")
	receiver := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), sender)
	g.registry.Join(ConversationRoom("b1"), receiver)

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID:     "seller-1",
		Content:        "hi",
		ConversationID: "b1",
	}))

	senderFrames := recv(t, sender)
	require.Len(t, eventsOf(senderFrames, EventError), 1)
	assert.Empty(t, eventsOf(senderFrames, EventNewMessage),
		"no broadcast may be observed for an unstored record")

	assert.Empty(t, recv(t, receiver),
		"persistence failure is visible to the sender only")
}

func TestSendMessageRateLimited(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")
	receiver := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), sender)
	g.registry.Join(ConversationRoom("b1"), receiver)

	for i := 0; i < 9; i++ {
		g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
			ReceiverID:     "seller-1",
			Content:        "hi",
			ConversationID: "b1",
		}))
	}

	assert.Len(t, messages.stored(), 8, "the first 8 messages under the cap succeed")

	senderFrames := recv(t, sender)
	assert.Len(t, eventsOf(senderFrames, EventNewMessage), 8)

	rateErrors := eventsOf(senderFrames, EventError)
	require.Len(t, rateErrors, 1, "exactly one rate limit rejection for the 9th")
	assert.Equal(t, ErrRateLimited.Error(), decode[errorPayload](t, rateErrors[0]).Message)

	receiverFrames := recv(t, receiver)
	assert.Len(t, eventsOf(receiverFrames, EventNewMessage), 8)
	assert.Empty(t, eventsOf(receiverFrames, EventError),
		"rate limit errors go to the sender only")
}

func TestSendMessageSanitizesContent(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{}
	g := newTestGateway(t, messages, &fakeBookings{})

	sender := connect(g, "buyer-1")

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID: "seller-1",
		Content:    "<b>hello</b>",
	}))

	stored := messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestJoinConversationMarksRead(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{unread: 3}
	g := newTestGateway(t, messages, &fakeBookings{})

	counterpart := connect(g, "buyer-1")
	g.registry.Join(ConversationRoom("b1"), counterpart)

	joiner := connect(g, "seller-1")
	g.dispatch(ctx, joiner, ev(t, EventJoinConversation, joinConversationPayload{
		ConversationID: "b1",
	}))

	assert.Equal(t, 2, g.registry.Members(ConversationRoom("b1")))

	joinerFrames := recv(t, joiner)
	require.Len(t, eventsOf(joinerFrames, EventStatus), 1, "join is acknowledged to the caller")

	reads := eventsOf(joinerFrames, EventMessagesRead)
	require.Len(t, reads, 1)
	got := decode[model.MessagesRead](t, reads[0])
	assert.Equal(t, "b1", got.ConversationID)
	assert.Equal(t, int64(3), got.Count)

	// The counterpart's side sees the read indicator too.
	counterpartReads := eventsOf(recv(t, counterpart), EventMessagesRead)
	assert.Len(t, counterpartReads, 1)

	// Joining again finds nothing pending; count 0 is not announced.
	g.dispatch(ctx, joiner, ev(t, EventJoinConversation, joinConversationPayload{
		ConversationID: "b1",
	}))
	again := recv(t, joiner)
	assert.Len(t, eventsOf(again, EventStatus), 1)
	assert.Empty(t, eventsOf(again, EventMessagesRead))
}

func TestJoinConversationStoreFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	messages := &fakeMessages{markReadErr: errors.New("supabase down")}
	g := newTestGateway(t, messages, &fakeBookings{})

	joiner := connect(g, "seller-1")
	g.dispatch(ctx, joiner, ev(t, EventJoinConversation, joinConversationPayload{
		ConversationID: "b1",
	}))

	// The join stands even though marking read failed.
	assert.Equal(t, 1, g.registry.Members(ConversationRoom("b1")))

	frames := recv(t, joiner)
	assert.Len(t, eventsOf(frames, EventStatus), 1)
	assert.Empty(t, eventsOf(frames, EventError))
	assert.Empty(t, eventsOf(frames, EventMessagesRead))
}

func TestJoinConversationValidation(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{})

	joiner := connect(g, "seller-1")
	g.dispatch(ctx, joiner, ev(t, EventJoinConversation, joinConversationPayload{}))

	frames := recv(t, joiner)
	require.Len(t, eventsOf(frames, EventError), 1)
	assert.Empty(t, eventsOf(frames, EventStatus))
}

func TestBookingUpdateAuthorized(t *testing.T) {
	ctx := context.Background()
	bookings := &fakeBookings{sellers: map[string]string{"b1": "seller-1"}}
	g := newTestGateway(t, &fakeMessages{}, bookings)

	seller := connect(g, "seller-1")
	buyer := connect(g, "buyer-1")
	g.registry.Join(ConversationRoom("b1"), seller)
	g.registry.Join(ConversationRoom("b1"), buyer)

	g.dispatch(ctx, seller, ev(t, EventBookingUpdate, bookingUpdatePayload{
		BookingID: "b1",
		Status:    "completed",
	}))

	frames := eventsOf(recv(t, buyer), EventBookingStatus)
	require.Len(t, frames, 1)
	got := decode[model.BookingUpdate](t, frames[0])
	assert.Equal(t, "b1", got.BookingID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "seller-1", got.UpdatedBy)
}

func TestBookingUpdateUnauthorized(t *testing.T) {
	ctx := context.Background()
	bookings := &fakeBookings{sellers: map[string]string{"b1": "seller-1"}}
	g := newTestGateway(t, &fakeMessages{}, bookings)

	impostor := connect(g, "buyer-1")
	watcher := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), impostor)
	g.registry.Join(ConversationRoom("b1"), watcher)

	g.dispatch(ctx, impostor, ev(t, EventBookingUpdate, bookingUpdatePayload{
		BookingID: "b1",
		Status:    "completed",
	}))

	frames := recv(t, impostor)
	errs := eventsOf(frames, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnauthorized.Error(), decode[errorPayload](t, errs[0]).Message)
	assert.Empty(t, eventsOf(frames, EventBookingStatus))

	assert.Empty(t, eventsOf(recv(t, watcher), EventBookingStatus),
		"an unauthorized actor never produces a broadcast")
}

func TestBookingUpdateUnknownBooking(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{})

	s := connect(g, "seller-1")
	g.dispatch(ctx, s, ev(t, EventBookingUpdate, bookingUpdatePayload{
		BookingID: "missing",
		Status:    "completed",
	}))

	errs := eventsOf(recv(t, s), EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnauthorized.Error(), decode[errorPayload](t, errs[0]).Message)
}

func TestBookingUpdateSilentOnMissingFields(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{sellers: map[string]string{"b1": "seller-1"}})

	s := connect(g, "seller-1")

	g.dispatch(ctx, s, ev(t, EventBookingUpdate, bookingUpdatePayload{Status: "completed"}))
	g.dispatch(ctx, s, ev(t, EventBookingUpdate, bookingUpdatePayload{BookingID: "b1"}))

	assert.Empty(t, recv(t, s), "best-effort signal: missing fields are dropped silently")
}

func TestTwoSessionsSameUserBothReceive(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{})

	// The same seller with two open tabs, both viewing conv_X.
	tabA := connect(g, "seller-1")
	tabB := connect(g, "seller-1")
	counterpart := connect(g, "buyer-1")
	for _, s := range []*Session{tabA, tabB, counterpart} {
		g.registry.Join(ConversationRoom("x"), s)
	}

	g.dispatch(ctx, counterpart, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID:     "seller-1",
		Content:        "hi",
		ConversationID: "x",
	}))

	assert.Len(t, eventsOf(recv(t, tabA), EventNewMessage), 1)
	assert.Len(t, eventsOf(recv(t, tabB), EventNewMessage), 1)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{})

	sender := connect(g, "buyer-1")
	receiver := connect(g, "seller-1")
	g.registry.Join(ConversationRoom("b1"), sender)
	g.registry.Join(ConversationRoom("b1"), receiver)

	// The read loop runs this on disconnect.
	g.registry.LeaveAll(receiver)

	g.dispatch(ctx, sender, ev(t, EventSendMessage, sendMessagePayload{
		ReceiverID:     "seller-1",
		Content:        "hi",
		ConversationID: "b1",
	}))

	assert.Empty(t, recv(t, receiver),
		"a disconnected session receives no further broadcasts")
	assert.Len(t, eventsOf(recv(t, sender), EventNewMessage), 1)
}

func TestUnknownEventIgnored(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, &fakeMessages{}, &fakeBookings{})

	s := connect(g, "buyer-1")
	g.dispatch(ctx, s, envelope{Event: "presence_ping"})

	assert.Empty(t, recv(t, s))
}
