// Package signalingtest provides an in-process rendezvous service: the REST
// endpoints the signaling client calls plus a push WebSocket. Tests script the
// remote host through OnMessage and the Push helpers.
package signalingtest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/pkg/codec"
	"github.com/saintparish4/rendezvous/pkg/types"
)

// Server is a fake rendezvous service.
type Server struct {
	cfg  Config
	mux  *http.ServeMux
	push *pushHub

	httpServer   *http.Server
	shutdownOnce sync.Once

	mu        sync.Mutex
	sessions  map[string]string // session id -> push context id
	messages  []*types.SessionMessage
	onMessage func(s *Server, msg *types.SessionMessage)

	logger *zap.Logger
}

// Config holds fake service settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AccountID is the caller's account id returned by the create call.
	AccountID   string
	Devices     []signaling.Device
	CustomData1 [16]byte

	// Token, when set, must match every request's bearer token.
	Token string

	Logger *zap.Logger
}

// DefaultConfig returns a fake service with one PS5 host.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		AccountID:    "1234567890123456789",
		Devices: []signaling.Device{{
			DUID:       strings.Repeat("ab", 32),
			Name:       "Living Room",
			Platform:   "PS5",
			RemotePlay: true,
		}},
		CustomData1: [16]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f},
	}
}

// NewServer creates a fake service.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("fake-service")
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		push:     newPushHub(logger),
		sessions: make(map[string]string),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

// Start runs s behind an httptest server that is closed with the test.
func Start(t testing.TB, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.push.closeAll()
		ts.Close()
	})
	return s, ts
}

// ClientConfig points a signaling client at a fake service listening on baseURL.
func ClientConfig(baseURL string) signaling.Config {
	cfg := signaling.DefaultConfig()
	cfg.BaseURL = baseURL + "/api"
	cfg.PushLookupURL = baseURL + "/np/serveraddr"
	cfg.PushURLFormat = "ws://%s/np/pushNotification"
	cfg.Token = "test-token"
	return cfg
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /np/serveraddr", s.handleServerAddr)
	s.mux.HandleFunc("GET /np/pushNotification", s.push.handleUpgrade)

	s.mux.HandleFunc("POST /api"+signaling.PathSessions, s.handleCreate)
	s.mux.HandleFunc("POST /api"+signaling.PathCommands, s.handleStart)
	s.mux.HandleFunc("GET /api"+signaling.PathClients, s.handleClients)
	s.mux.HandleFunc("POST /api"+signaling.SessionMessagePath("{id}"), s.handleSessionMessage)
	s.mux.HandleFunc("DELETE /api"+signaling.MemberPath("{id}"), s.handleDeleteMember)
}

// Handler returns the service's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// Start serves on cfg.Addr until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting fake rendezvous service", zap.String("addr", s.cfg.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the service and closes every push connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.push.closeAll()
	})
	return err
}

// OnMessage installs the remote host script. fn runs on the request goroutine for
// every session message the client posts, before the post returns.
func (s *Server) OnMessage(fn func(s *Server, msg *types.SessionMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// Messages returns every session message posted so far.
func (s *Server) Messages() []*types.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SessionMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Pings returns the number of pings received on push connections.
func (s *Server) Pings() int {
	return s.push.pingCount()
}

// SetAnswerPings controls whether push connections answer pings.
func (s *Server) SetAnswerPings(answer bool) {
	s.push.setAnswerPings(answer)
}

// DropPush closes every push connection without a close handshake.
func (s *Server) DropPush() {
	s.push.closeAll()
}

// WaitPush blocks until at least one push connection is registered.
func (s *Server) WaitPush(ctx context.Context) error {
	return s.push.waitConnected(ctx)
}

// Push sends a notification frame with the given data to every push connection.
func (s *Server) Push(dataType string, data any) error {
	return s.push.broadcast(Frame(dataType, data))
}

// PushRaw sends a frame verbatim.
func (s *Server) PushRaw(frame []byte) error {
	return s.push.broadcast(frame)
}

// PushMessage delivers msg to the client as a session message notification.
func (s *Server) PushMessage(msg *types.SessionMessage, shortForm bool) error {
	body, err := codec.Marshal(msg, shortForm)
	if err != nil {
		return err
	}
	return s.PushMessageBody(string(body))
}

// PushMessageBody delivers a raw session message body, used for malformed input.
func (s *Server) PushMessageBody(body string) error {
	return s.Push(signaling.DataTypeSessionMessageCreated, map[string]any{
		"sessionMessage": map[string]any{
			"payload": "ver=1.0, type=text, body=" + body,
		},
	})
}

// Frame encodes a push frame.
func Frame(dataType string, data any) []byte {
	b, _ := json.Marshal(map[string]any{
		"dataType": dataType,
		"body":     map[string]any{"data": data},
	})
	return b
}

// EncodeCustomData1 produces the double-base64 form the service pushes.
func EncodeCustomData1(v [16]byte) string {
	inner := base64.StdEncoding.EncodeToString(v[:])
	return base64.StdEncoding.EncodeToString([]byte(inner))
}

// --- HTTP handlers ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || (s.cfg.Token != "" && auth != "Bearer "+s.cfg.Token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  s.Sessions(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleServerAddr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, signaling.ServerAddrResponse{FQDN: r.Host})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req signaling.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	pushContext := req.PushContextID()
	if pushContext == "" {
		writeError(w, http.StatusBadRequest, "pushContextId required")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = pushContext
	s.mu.Unlock()
	s.logger.Debug("session created", zap.String("session_id", id))

	// Confirmations go to the push context, give a just-dialed channel time to register
	ctx, cancel := context.WithTimeout(r.Context(), pushWait)
	if err := s.push.waitConnected(ctx); err != nil {
		s.logger.Debug("no push connection for session confirmations")
	}
	cancel()

	s.notify(signaling.DataTypeSessionCreated, map[string]any{"sessionId": id})
	s.notify(signaling.DataTypeMemberCreated, map[string]any{
		"sessionId": id,
		"members":   []map[string]any{{"accountId": s.cfg.AccountID, "deviceUniqueId": "me"}},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"remotePlaySessions": []map[string]any{{
			"sessionId": id,
			"members":   []map[string]any{{"accountId": s.cfg.AccountID}},
		}},
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cmd signaling.StartCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var params signaling.InitialParams
	if err := json.Unmarshal([]byte(cmd.CommandDetail.Parameters.InitialParams), &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid initialParams")
		return
	}
	s.mu.Lock()
	_, ok := s.sessions[params.SessionID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	duid := strings.ToLower(cmd.CommandDetail.DUID)
	w.WriteHeader(http.StatusNoContent)

	s.notify(signaling.DataTypeMemberCreated, map[string]any{
		"sessionId": params.SessionID,
		"members":   []map[string]any{{"accountId": s.cfg.AccountID, "deviceUniqueId": duid}},
	})
	s.notify(signaling.DataTypeCustomData1Updated, map[string]any{
		"sessionId":   params.SessionID,
		"customData1": EncodeCustomData1(s.cfg.CustomData1),
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	clients := make([]map[string]any, 0, len(s.cfg.Devices))
	for _, d := range s.cfg.Devices {
		if platform != "" && d.Platform != platform {
			continue
		}
		features := []string{}
		if d.RemotePlay {
			features = append(features, "remotePlay")
		}
		clients = append(clients, map[string]any{
			"duid": d.DUID,
			"device": map[string]any{
				"name":            d.Name,
				"enabledFeatures": features,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	if !s.hasSession(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var env struct {
		Channel string               `json:"channel"`
		Payload string               `json:"payload"`
		To      []codec.Destination `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Channel != codec.Channel || len(env.To) != 1 {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	body, err := codec.ExtractBody(env.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := codec.Unmarshal([]byte(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	hook := s.onMessage
	s.mu.Unlock()
	s.logger.Debug("session message", zap.Stringer("action", msg.Action), zap.Int("req_id", msg.RequestID))

	if hook != nil {
		hook(s, msg)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.notify(signaling.DataTypeMemberDeleted, map[string]any{
		"sessionId": id,
		"members":   []map[string]any{{"accountId": s.cfg.AccountID}},
	})
}

func (s *Server) hasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Server) notify(dataType string, data any) {
	if err := s.Push(dataType, data); err != nil {
		s.logger.Warn("push failed", zap.String("data_type", dataType), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf("%d: %s", status, msg)})
}
