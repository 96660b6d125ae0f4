package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/hub"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/storage"
	mytesting "realtime-chat/internal/testing"
)

type gatewayFixture struct {
	ts      *httptest.Server
	authSvc *auth.Service
}

func bootstrapGateway(t *testing.T) *gatewayFixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	store, err := storage.New(sugar, storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	verifier := auth.NewVerifier("test_secret_key", time.Hour)
	authSvc := auth.NewService(sugar, store, verifier)
	tracker := presence.NewTracker(sugar, store)
	h := hub.New(sugar, store, tracker)

	srv, err := NewServer(sugar, store, authSvc, verifier, h)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &gatewayFixture{ts: ts, authSvc: authSvc}
}

func (f *gatewayFixture) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// signupAndDial creates an account, logs in and opens a live connection for it
func (f *gatewayFixture) signupAndDial(t *testing.T) (*websocket.Conn, string) {
	username := mytesting.RandString()
	email := mytesting.RandEmail()
	require.NoError(t, f.authSvc.CreateAccount(context.Background(), username, email, "secret"))

	token, _, err := f.authSvc.Login(context.Background(), email, "secret")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, username
}

// wsEvent covers every server event shape. The message field stays raw
// because error events carry a string there and newMessage events an object.
type wsEvent struct {
	Type     string            `json:"type"`
	Code     string            `json:"code"`
	Room     string            `json:"room"`
	Messages []storage.Message `json:"messages"`
	Message  json.RawMessage   `json:"message"`
}

// chatMessage decodes the payload of a newMessage event
func (e wsEvent) chatMessage(t *testing.T) storage.Message {
	var msg storage.Message
	require.NoError(t, json.Unmarshal(e.Message, &msg))
	return msg
}

// awaitEvent reads until an event of the wanted type arrives, skipping the
// presence updates that other connections trigger at arbitrary points
func awaitEvent(t *testing.T, conn *websocket.Conn, wanted string) wsEvent {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < 16; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if probe.Type != wanted {
			continue
		}

		var e wsEvent
		require.NoError(t, json.Unmarshal(raw, &e))
		return e
	}
	t.Fatalf("event %q never arrived", wanted)
	return wsEvent{}
}

func sendAction(t *testing.T, conn *websocket.Conn, action, room, body string) {
	payload, err := json.Marshal(map[string]string{
		"action": action,
		"room":   room,
		"body":   body,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func TestServeWSNoToken(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestServeWSBadToken(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	// an established connection observes that the refused handshake causes
	// no presence broadcast
	alice, _ := f.signupAndDial(t)
	awaitEvent(t, alice, "presenceUpdate")

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("not.a.token"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = alice.ReadMessage()
	require.Error(t, err, "refused handshake must not emit any event")
}

func TestServeWSJoinSendReceive(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	alice, aliceName := f.signupAndDial(t)
	bob, _ := f.signupAndDial(t)

	sendAction(t, alice, "joinRoom", "general", "")
	history := awaitEvent(t, alice, "roomHistory")
	require.Equal(t, "general", history.Room)
	require.Empty(t, history.Messages)

	sendAction(t, bob, "joinRoom", "general", "")
	awaitEvent(t, bob, "roomHistory")

	sendAction(t, alice, "sendMessage", "general", "hi")

	for _, conn := range []*websocket.Conn{alice, bob} {
		e := awaitEvent(t, conn, "newMessage")
		require.Equal(t, "general", e.Room)
		msg := e.chatMessage(t)
		require.Equal(t, aliceName, msg.Username)
		require.Equal(t, "hi", msg.Body)
	}
}

func TestServeWSLateJoinerGetsHistory(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	alice, _ := f.signupAndDial(t)

	sendAction(t, alice, "joinRoom", "general", "")
	awaitEvent(t, alice, "roomHistory")
	sendAction(t, alice, "sendMessage", "general", "hi")
	awaitEvent(t, alice, "newMessage")

	bob, _ := f.signupAndDial(t)
	sendAction(t, bob, "joinRoom", "general", "")

	history := awaitEvent(t, bob, "roomHistory")
	require.Len(t, history.Messages, 1)
	require.Equal(t, "hi", history.Messages[0].Body)
}

func TestServeWSSendBeforeJoin(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	alice, _ := f.signupAndDial(t)

	sendAction(t, alice, "sendMessage", "general", "sneaky")

	e := awaitEvent(t, alice, "error")
	require.Equal(t, "not_subscribed", e.Code)
}

func TestServeWSUnknownAction(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	alice, _ := f.signupAndDial(t)

	sendAction(t, alice, "selfDestruct", "general", "")

	e := awaitEvent(t, alice, "error")
	require.Equal(t, "bad_event", e.Code)
}

func TestServeWSMalformedEvent(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	alice, _ := f.signupAndDial(t)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"action":`)))

	e := awaitEvent(t, alice, "error")
	require.Equal(t, "bad_event", e.Code)
}

func TestServeWSNotGET(t *testing.T) {
	t.Parallel()

	f := bootstrapGateway(t)

	resp, err := http.Post(f.ts.URL+"/ws", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
