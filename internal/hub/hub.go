// Package hub implements the room session manager: it tracks which live
// connections are subscribed to which rooms, routes inbound messages to the
// chat store and fans the results out to subscribers in append order.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/storage"
)

var (
	ErrNotSubscribed = errors.New("session is not subscribed to the room")
	ErrHubClosed     = errors.New("hub is shut down")
)

// room groups the subscribers of one room. Its mutex serializes the whole
// append-then-broadcast transaction, which is what makes broadcast order
// match append order.
type room struct {
	mu   sync.Mutex
	subs map[*Session]struct{}
}

// Hub coordinates sessions, room subscriptions and message fan-out
type Hub struct {
	logger   *zap.SugaredLogger
	store    *storage.Store
	presence *presence.Tracker

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byUser   map[string]int
	rooms    map[string]*room
	closed   bool

	parsers fastjson.ParserPool
}

// New returns a Hub and registers it as the presence tracker's listener so
// every presence transition is pushed to all connected sessions
func New(logger *zap.SugaredLogger, store *storage.Store, tracker *presence.Tracker) *Hub {
	h := &Hub{
		logger:   logger,
		store:    store,
		presence: tracker,
		sessions: make(map[*Session]struct{}),
		byUser:   make(map[string]int),
		rooms:    make(map[string]*room),
	}

	tracker.OnChange(h.broadcastPresence)

	return h
}

// NewSession wraps an accepted connection and its verified identity into a
// session ready for registration
func (h *Hub) NewSession(conn *websocket.Conn, identity auth.Identity) *Session {
	return &Session{
		ID:       xid.New().String(),
		Identity: identity,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		subs:     make(map[string]struct{}),
	}
}

// Register adds a session to the hub. The user's first active session flips
// presence to online, which broadcasts the roster to everyone including the
// new session; additional sessions only receive a targeted snapshot.
func (h *Hub) Register(ctx context.Context, s *Session) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.sessions[s] = struct{}{}
	h.byUser[s.Identity.Username]++
	first := h.byUser[s.Identity.Username] == 1
	total := len(h.sessions)
	h.mu.Unlock()

	h.logger.Infow("Session registered",
		"session", s.ID, "username", s.Identity.Username, "total_sessions", total)

	if first {
		if err := h.presence.SetOnline(ctx, s.Identity.Username, true); err != nil {
			h.deregister(s)
			return err
		}
		return nil
	}

	snapshot, err := h.presence.Snapshot(ctx)
	if err != nil {
		h.deregister(s)
		return err
	}
	payload, err := encodePresence(snapshot)
	if err != nil {
		h.deregister(s)
		return err
	}
	s.enqueue(payload)

	return nil
}

// deregister rolls back the bookkeeping of a failed registration so the
// refused session leaves no trace in the session or per-user counts
func (h *Hub) deregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sessions, s)
	h.byUser[s.Identity.Username]--
	if h.byUser[s.Identity.Username] <= 0 {
		delete(h.byUser, s.Identity.Username)
	}
}

// Close moves a session to its terminal state: it is removed from every
// subscriber set and, when it was the user's last active session, presence
// flips to offline. Safe to call from any exit path, exactly-once semantics.
func (h *Hub) Close(ctx context.Context, s *Session) {
	if !s.markClosed() {
		return
	}

	h.mu.Lock()
	delete(h.sessions, s)
	h.byUser[s.Identity.Username]--
	last := h.byUser[s.Identity.Username] <= 0
	if last {
		delete(h.byUser, s.Identity.Username)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	for _, roomID := range s.subscriptions() {
		r := h.getRoom(roomID)
		r.mu.Lock()
		delete(r.subs, s)
		r.mu.Unlock()
	}

	close(s.send)

	h.logger.Infow("Session closed",
		"session", s.ID, "username", s.Identity.Username, "total_sessions", total)

	if last {
		if err := h.presence.SetOnline(ctx, s.Identity.Username, false); err != nil {
			h.logger.Errorw("Presence offline transition failed",
				"username", s.Identity.Username, "error", err)
		}
	}
}

// Join subscribes a session to a room, persists the membership and replies
// with the full room history to the joining session only. The history
// snapshot and the subscription happen under the room lock, so no message
// broadcast can fall between them.
func (h *Hub) Join(ctx context.Context, s *Session, roomID string) error {
	r := h.getRoom(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := h.store.AddMember(ctx, roomID, s.Identity.Username); err != nil {
		return err
	}
	if err := h.store.AddRoomToUser(ctx, s.Identity.Username, roomID); err != nil {
		return err
	}

	history, err := h.store.History(ctx, roomID)
	if err != nil {
		return err
	}

	r.subs[s] = struct{}{}
	s.subscribe(roomID)

	payload, err := encodeHistory(roomID, history)
	if err != nil {
		return err
	}
	s.enqueue(payload)

	h.logger.Infow("Session joined room",
		"session", s.ID, "username", s.Identity.Username, "room", roomID, "history", len(history))

	return nil
}

// Send appends a message built from the session identity to the room log
// and, only after the append succeeded, broadcasts it to every subscriber of
// the room including the sender. One append-then-broadcast transaction runs
// at a time per room.
func (h *Hub) Send(ctx context.Context, s *Session, roomID string, body string) error {
	if !s.subscribedTo(roomID) {
		return ErrNotSubscribed
	}

	msg := storage.Message{
		ID:        uuid.NewString(),
		Username:  s.Identity.Username,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}

	r := h.getRoom(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, err := h.store.Append(ctx, roomID, msg)
	if err != nil {
		return err
	}

	payload, err := encodeMessage(roomID, msg)
	if err != nil {
		return err
	}

	for sub := range r.subs {
		if !sub.enqueue(payload) {
			// slow consumer: closing the connection lets the normal
			// teardown path release the session
			h.logger.Warnw("Dropping slow session", "session", sub.ID, "room", roomID)
			if sub.conn != nil {
				sub.conn.Close()
			}
		}
	}

	h.logger.Debugw("Message broadcast",
		"room", roomID, "position", pos, "message", msg.ID, "subscribers", len(r.subs))

	return nil
}

// Shutdown refuses new registrations and closes every live connection so
// the pump goroutines unwind through their normal teardown paths
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if s.conn != nil {
			s.conn.Close()
		} else {
			h.Close(ctx, s)
		}
	}

	h.logger.Infof("Hub shut down, %d sessions closed", len(sessions))
}

func (h *Hub) getRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[*Session]struct{})}
		h.rooms[roomID] = r
	}
	return r
}

// broadcastPresence pushes a roster snapshot to every connected session.
// Registered as the presence tracker's change listener.
func (h *Hub) broadcastPresence(users []presence.Status) {
	payload, err := encodePresence(users)
	if err != nil {
		h.logger.Errorw("Encoding presence snapshot failed", "error", err)
		return
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.enqueue(payload) {
			h.logger.Warnw("Dropping slow session", "session", s.ID)
			if s.conn != nil {
				s.conn.Close()
			}
		}
	}
}
