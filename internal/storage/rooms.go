package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"
)

// memberRecord is the membership section of a room log document.
// A room document is a JSON array of message records plus at most one
// membership record, matching the on-disk layout of the legacy service.
type memberRecord struct {
	Users []string `json:"users"`
}

// validateRoomID rejects IDs that would escape the rooms directory
func validateRoomID(roomID string) error {
	if roomID == "" {
		return ErrBadRoomID
	}
	if strings.ContainsAny(roomID, `/\`) || strings.Contains(roomID, "..") {
		return ErrBadRoomID
	}
	return nil
}

func (s *Store) roomPath(roomID string) string {
	return filepath.Join(s.cfg.RoomsDir(), roomID+".json")
}

// roomLock returns the mutex serializing access to a single room log
func (s *Store) roomLock(roomID string) *sync.Mutex {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	mu, ok := s.rooms[roomID]
	if !ok {
		mu = &sync.Mutex{}
		s.rooms[roomID] = mu
	}
	return mu
}

// History returns all messages of a room in append order. A room whose log
// file does not exist yet is an empty room, not an error.
func (s *Store) History(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}

	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	messages, _, err := s.loadRoomLocked(roomID)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Append durably writes a message to the end of the room log and returns its
// log position. Appends to the same room are serialized by the room mutex.
func (s *Store) Append(ctx context.Context, roomID string, msg Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateRoomID(roomID); err != nil {
		return 0, err
	}

	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	messages, members, err := s.loadRoomLocked(roomID)
	if err != nil {
		return 0, err
	}

	messages = append(messages, msg)
	if err := s.writeRoomLocked(roomID, messages, members); err != nil {
		return 0, err
	}

	s.logger.Debugf("Appended message (%s) to room (%s) at position %d", msg.ID, roomID, len(messages)-1)

	return len(messages) - 1, nil
}

// AddMember adds a username to the room membership record.
// Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRoomID(roomID); err != nil {
		return err
	}

	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	messages, members, err := s.loadRoomLocked(roomID)
	if err != nil {
		return err
	}

	for _, m := range members {
		if m == username {
			return nil
		}
	}

	members = append(members, username)
	return s.writeRoomLocked(roomID, messages, members)
}

// Members returns the membership set of a room
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRoomID(roomID); err != nil {
		return nil, err
	}

	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	_, members, err := s.loadRoomLocked(roomID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

// loadRoomLocked parses a room log document. Stray control bytes are
// stripped before parsing; anything that still is not a JSON array surfaces
// as ErrCorruptLog instead of being coerced. Callers must hold the room lock.
func (s *Store) loadRoomLocked(roomID string) ([]Message, []string, error) {
	data, err := os.ReadFile(s.roomPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: reading room log (%s): %s", ErrPersistence, roomID, err)
	}

	cleaned := stripControlBytes(data)

	var p fastjson.Parser
	v, err := p.ParseBytes(cleaned)
	if err != nil {
		s.logger.Errorw("Room log is not valid JSON", "room", roomID, "error", err)
		return nil, nil, fmt.Errorf("%w: room (%s)", ErrCorruptLog, roomID)
	}

	records, err := v.Array()
	if err != nil {
		s.logger.Errorw("Room log is not a JSON array", "room", roomID, "type", v.Type().String())
		return nil, nil, fmt.Errorf("%w: room (%s)", ErrCorruptLog, roomID)
	}

	messages := []Message{}
	var members []string

	for _, rec := range records {
		if rec.Type() != fastjson.TypeObject {
			return nil, nil, fmt.Errorf("%w: room (%s)", ErrCorruptLog, roomID)
		}

		if rec.Exists("users") {
			userValues, err := rec.Get("users").Array()
			if err != nil {
				return nil, nil, fmt.Errorf("%w: room (%s)", ErrCorruptLog, roomID)
			}
			if members == nil {
				members = []string{}
			}
			for _, uv := range userValues {
				members = append(members, string(uv.GetStringBytes()))
			}
			continue
		}

		msg := Message{
			ID:       string(rec.GetStringBytes("id")),
			Username: string(rec.GetStringBytes("username")),
			Body:     string(rec.GetStringBytes("body")),
		}
		if ts := rec.GetStringBytes("timestamp"); len(ts) > 0 {
			// positional order is authoritative, a bad timestamp is not fatal
			msg.Timestamp, _ = time.Parse(time.RFC3339Nano, string(ts))
		}
		messages = append(messages, msg)
	}

	return messages, members, nil
}

// writeRoomLocked rewrites a room log document with the membership record,
// when present, at the end. Callers must hold the room lock.
func (s *Store) writeRoomLocked(roomID string, messages []Message, members []string) error {
	records := make([]interface{}, 0, len(messages)+1)
	for _, msg := range messages {
		records = append(records, msg)
	}
	if members != nil {
		records = append(records, memberRecord{Users: members})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling room log (%s): %s", ErrPersistence, roomID, err)
	}

	return s.writeFileAtomic(s.roomPath(roomID), data)
}

// stripControlBytes drops ASCII control characters left behind by the
// legacy writer before JSON parsing
func stripControlBytes(data []byte) []byte {
	cleaned := make([]byte, 0, len(data))
	for _, b := range data {
		if b < 0x20 {
			continue
		}
		cleaned = append(cleaned, b)
	}
	return cleaned
}
