package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Session is the in-memory state of one live authenticated connection.
// A user may hold several concurrent sessions (multiple devices).
type Session struct {
	ID       string
	Identity auth.Identity

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func (s *Session) subscribe(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[roomID] = struct{}{}
}

func (s *Session) subscribedTo(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[roomID]
	return ok
}

func (s *Session) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.subs))
	for roomID := range s.subs {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// enqueue hands a payload to the write pump without blocking. A false
// return means the session buffer is full or the session is closed.
func (s *Session) enqueue(payload []byte) bool {
	// the mutex is held across the send attempt so the channel cannot be
	// closed from under it
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// markClosed flips the session to its terminal state exactly once and
// reports whether this call did the flip
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// ReadPump consumes inbound events until the connection drops, dispatching
// them to the hub. It owns session teardown: every exit path unregisters the
// session and releases its subscriptions.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.Close(ctx, s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.hub.logger.Errorw("Setting read deadline failed", "session", s.ID, "error", err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warnw("Unexpected connection error", "session", s.ID, "error", err)
			}
			return
		}

		s.dispatch(ctx, raw)
	}
}

// dispatch decodes one inbound event and routes it to the hub. Failures are
// reported back to this session only; the session stays alive.
func (s *Session) dispatch(ctx context.Context, raw []byte) {
	parser := s.hub.parsers.Get()
	defer s.hub.parsers.Put(parser)

	v, err := parser.ParseBytes(raw)
	if err != nil {
		s.enqueue(encodeError(codeBadEvent, "event is not valid JSON"))
		return
	}

	action := string(v.GetStringBytes("action"))
	roomID := string(v.GetStringBytes("room"))

	switch action {
	case actionJoinRoom:
		if err := s.hub.Join(ctx, s, roomID); err != nil {
			s.reportError(err)
		}
	case actionSendMessage:
		body := string(v.GetStringBytes("body"))
		if body == "" {
			s.enqueue(encodeError(codeBadEvent, "message body must be a non-empty string"))
			return
		}
		if err := s.hub.Send(ctx, s, roomID, body); err != nil {
			s.reportError(err)
		}
	default:
		s.enqueue(encodeError(codeBadEvent, "unknown action"))
	}
}

func (s *Session) reportError(err error) {
	switch {
	case errors.Is(err, ErrNotSubscribed):
		s.enqueue(encodeError(codeNotSubscribed, "join the room before sending"))
	case errors.Is(err, storage.ErrBadRoomID):
		s.enqueue(encodeError(codeBadRoom, "bad room id"))
	case errors.Is(err, storage.ErrCorruptLog):
		s.enqueue(encodeError(codeRoomUnavailable, "room is temporarily unavailable"))
	default:
		s.enqueue(encodeError(codePersistenceFailure, "operation failed, try again"))
	}
}

// WritePump drains the send buffer to the connection and keeps it alive
// with periodic pings
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
