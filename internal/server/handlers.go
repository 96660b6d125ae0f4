package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/hub"
	"realtime-chat/internal/requestid"
	"realtime-chat/internal/storage"
)

type parsers struct {
	signupPool fastjson.ParserPool
	loginPool  fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	store    *storage.Store
	authSvc  *auth.Service
	verifier *auth.Verifier
	hub      *hub.Hub
	parsers  parsers
}

// signup handles HTTP requests on "/signup" endpoint
func (h *handler) signup(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.signupPool.Get()
	defer h.parsers.signupPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	username, ok := requireStringField(w, v, "username")
	if !ok {
		return
	}
	email, ok := requireStringField(w, v, "email")
	if !ok {
		return
	}
	password, ok := requireStringField(w, v, "password")
	if !ok {
		return
	}

	err := h.authSvc.CreateAccount(r.Context(), username, email, password)
	if err != nil {
		if errors.Is(err, auth.ErrAccountExists) {
			writeJSON(h.logger, w, http.StatusBadRequest, map[string]string{"message": "User already exists"})
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	id, _ := requestid.FromContext(r.Context())
	h.logger.Infow("Account created", "id", id, "username", username)

	writeJSON(h.logger, w, http.StatusCreated, map[string]string{"message": "User created"})
}

// login handles HTTP requests on "/login" endpoint
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.loginPool.Get()
	defer h.parsers.loginPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	email, ok := requireStringField(w, v, "email")
	if !ok {
		return
	}
	password, ok := requireStringField(w, v, "password")
	if !ok {
		return
	}

	token, identity, err := h.authSvc.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(h.logger, w, http.StatusBadRequest, map[string]string{"message": "Invalid credentials"})
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	id, _ := requestid.FromContext(r.Context())
	h.logger.Infow("Login succeeded", "id", id, "username", identity.Username)

	writeJSON(h.logger, w, http.StatusOK, map[string]string{
		"token":    token,
		"username": identity.Username,
	})
}

// userChats handles HTTP requests on "/userChats" endpoint.
// It requires a bearer credential and returns the room-membership list of
// the authenticated user.
func (h *handler) userChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.verifier.Verify(bearerCredential(r))
	if err != nil {
		if errors.Is(err, auth.ErrTokenMissing) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	user, err := h.store.UserByEmail(r.Context(), identity.Email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, map[string][]string{"chats": user.Rooms})
}

// health handles HTTP requests on "/health" endpoint
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "realtime-chat",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// bearerCredential extracts the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter
func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// requireStringField extracts a non-empty string field from a parsed body,
// writing the appropriate client error when it is missing or malformed
func requireStringField(w http.ResponseWriter, v *fastjson.Value, field string) (string, bool) {
	if v == nil || !v.Exists(field) {
		http.Error(w, "Missing Field \""+field+"\"", http.StatusBadRequest)
		return "", false
	}

	fieldValue := v.Get(field)
	if fieldValue.Type() != fastjson.TypeString {
		http.Error(w, "Field \""+field+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	value := string(fieldValue.GetStringBytes())
	if len(value) == 0 {
		http.Error(w, "Field \""+field+"\" must have non-zero length", http.StatusBadRequest)
		return "", false
	}

	return value, true
}

func writeJSON(logger *zap.SugaredLogger, w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("marshaling response payload: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}
