package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// PersonalRoom is the mailbox room every session auto-joins, used for
// notifications when no shared conversation exists.
func PersonalRoom(userID string) string {
	return "user_" + userID
}

// ConversationRoom groups the two parties of a conversation or booking.
func ConversationRoom(conversationID string) string {
	return "conv_" + conversationID
}

// Registry maps room keys to the sessions subscribed to them. Rooms are
// not persisted anywhere; they materialize from membership and vanish
// when the last member leaves.
//
// A session's joined set and a room's member set are always updated
// under the same lock, so a broadcast sees a consistent snapshot.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Session]struct{}),
	}
}

// Join adds session to room. Joining a room twice is a no-op.
func (r *Registry) Join(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

// Leave removes session from room. Leaving a room the session never
// joined is a no-op.
func (r *Registry) Leave(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, s)
}

// LeaveAll removes session from every room it joined. Called on
// disconnect, even for sessions that never authenticated.
func (r *Registry) LeaveAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range s.rooms {
		r.leaveLocked(room, s)
	}
}

func (r *Registry) leaveLocked(room string, s *Session) {
	delete(s.rooms, room)

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast delivers an event to every session currently in room,
// except exclude when given. An empty room is a silent no-op. The frame
// is marshaled once and handed to each session's send queue; a slow
// session drops the frame rather than stalling the others.
func (r *Registry) Broadcast(room, event string, data any, exclude *Session) {
	frame, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		slog.Error("failed to encode broadcast frame",
			"error", err,
			"room", room,
			"event", event)
		return
	}

	for _, s := range r.snapshot(room) {
		if s == exclude {
			continue
		}
		s.push(frame)
	}
}

// snapshot copies a room's member set so delivery happens outside the
// lock.
func (r *Registry) snapshot(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}

	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// Members reports how many sessions are joined to room.
func (r *Registry) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// CloseAll force-disconnects every session. Used at shutdown.
func (r *Registry) CloseAll() {
	seen := make(map[*Session]struct{})

	r.mu.Lock()
	for room, members := range r.rooms {
		for s := range members {
			seen[s] = struct{}{}
			delete(s.rooms, room)
		}
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	for s := range seen {
		s.close(websocket.StatusGoingAway, "server shutting down")
	}
}
