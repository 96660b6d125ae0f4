package hub

import (
	"encoding/json"

	"realtime-chat/internal/presence"
	"realtime-chat/internal/storage"
)

// Client -> server actions carried in the "action" field of inbound events.
const (
	actionJoinRoom    = "joinRoom"
	actionSendMessage = "sendMessage"
)

// Server -> client event types carried in the "type" field.
const (
	eventRoomHistory    = "roomHistory"
	eventNewMessage     = "newMessage"
	eventPresenceUpdate = "presenceUpdate"
	eventError          = "error"
)

// Error codes sent to clients in error events.
const (
	codeBadEvent           = "bad_event"
	codeBadRoom            = "bad_room"
	codeNotSubscribed      = "not_subscribed"
	codeRoomUnavailable    = "room_unavailable"
	codePersistenceFailure = "persistence_failure"
)

type historyEvent struct {
	Type     string            `json:"type"`
	Room     string            `json:"room"`
	Messages []storage.Message `json:"messages"`
}

type messageEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Message storage.Message `json:"message"`
}

type presenceEvent struct {
	Type  string            `json:"type"`
	Users []presence.Status `json:"users"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeHistory(roomID string, messages []storage.Message) ([]byte, error) {
	if messages == nil {
		messages = []storage.Message{}
	}
	return json.Marshal(historyEvent{Type: eventRoomHistory, Room: roomID, Messages: messages})
}

func encodeMessage(roomID string, msg storage.Message) ([]byte, error) {
	return json.Marshal(messageEvent{Type: eventNewMessage, Room: roomID, Message: msg})
}

func encodePresence(users []presence.Status) ([]byte, error) {
	if users == nil {
		users = []presence.Status{}
	}
	return json.Marshal(presenceEvent{Type: eventPresenceUpdate, Users: users})
}

func encodeError(code, message string) []byte {
	payload, err := json.Marshal(errorEvent{Type: eventError, Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","code":"internal"}`)
	}
	return payload
}
