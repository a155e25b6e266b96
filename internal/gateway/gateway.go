// Package gateway exposes the WebSocket voice/text endpoint and the REST
// read surface over the session ledger.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/config"
	"github.com/basket/helpline/internal/ledger"
	"github.com/basket/helpline/internal/router"
	"github.com/basket/helpline/internal/shared"
	"github.com/basket/helpline/internal/transcribe"
	"github.com/basket/helpline/internal/turn"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	mimeText  = "text/plain"
	mimeAudio = "audio/pcm"
)

type Config struct {
	Store       *ledger.Store
	Bus         *bus.Bus
	Router      *router.Router
	Accumulator *turn.Accumulator
	Committer   *turn.Committer
	Recognizer  transcribe.Recognizer

	// AuthToken gates every endpoint except /healthz when non-empty. Empty
	// means the gateway is open (local deployments).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /api/config.
	ConfigFingerprint string

	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	Logger *slog.Logger
}

type Server struct {
	cfg Config

	rateLimiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	userID  string
	session *router.Session
}

// inboundFrame is one client message: either a text utterance or a chunk of
// base64-encoded LINEAR16 audio.
type inboundFrame struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// outboundFrame mirrors inboundFrame for agent output, plus turn boundary
// markers.
type outboundFrame struct {
	MimeType     string `json:"mime_type,omitempty"`
	Data         string `json:"data,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	TurnComplete bool   `json:"turn_complete,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
	Error        string `json:"error,omitempty"`
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		rateLimiter: NewRateLimitMiddleware(cfg.RateLimit),
		clients:     map[*client]struct{}{},
	}
}

// StartBackgroundTasks launches maintenance goroutines tied to ctx, currently
// just stale rate-limit bucket eviction.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rateLimiter.StartEviction(ctx, 10*time.Minute, 30*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/sessions/", s.handleAPISessionTurns)
	mux.HandleFunc("/api/config", s.handleAPIConfig)
	mux.HandleFunc("/api/events", s.handleEventStream)

	var h http.Handler = mux
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.rateLimiter.Wrap(h)
}

// ActiveClients reports the number of live WebSocket connections.
func (s *Server) ActiveClients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Health(r.Context()) == nil
	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"live_clients": s.ActiveClients(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleWS upgrades /ws/{user_id} and runs the two pumps until either side
// fails or disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		http.Error(w, "user_id required: /ws/{user_id}", http.StatusBadRequest)
		return
	}

	sessionID, resumed, err := s.resolveSessionID(r.Context(), userID, r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	key := turn.Key{UserID: userID, SessionID: sessionID}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	logger := s.cfg.Logger.With("user_id", userID, "session_id", sessionID, "trace_id", shared.TraceID(ctx))

	sess := router.NewSession(ctx, key, s.cfg.Router, s.cfg.Accumulator, s.cfg.Committer, s.cfg.Recognizer, logger)
	c := &client{conn: conn, userID: userID, session: sess}
	s.addClient(c)
	logger.Info("ws: client connected", "resumed", resumed)
	s.publish(bus.TopicSessionConnected, bus.SessionEvent{UserID: userID, SessionID: sessionID})

	defer func() {
		sess.Close()
		s.removeClient(c)
		s.publish(bus.TopicSessionDisconnected, bus.SessionEvent{UserID: userID, SessionID: sessionID, Reason: "client gone"})
		logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Tell the client which session it landed on before any turn traffic.
	if err := c.write(ctx, outboundFrame{SessionID: sessionID}); err != nil {
		return
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First pump error wins; the other pump unwinds via cancel.
	errCh := make(chan error, 2)
	go func() { errCh <- s.readPump(pumpCtx, c) }()
	go func() { errCh <- s.writePump(pumpCtx, c) }()

	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("ws: pump ended", "error", shared.Redact(err.Error()))
	}
}

// resolveSessionID picks the session for a new connection: an explicit
// session_id wins, otherwise the user's most recent session is resumed,
// otherwise a fresh one is minted.
func (s *Server) resolveSessionID(ctx context.Context, userID, requested string) (sessionID string, resumed bool, err error) {
	if requested != "" {
		return requested, false, nil
	}
	latest, err := s.cfg.Store.FindLatest(ctx, userID)
	if err == nil {
		return latest, true, nil
	}
	if errors.Is(err, ledger.ErrSessionNotFound) {
		return uuid.NewString(), false, nil
	}
	return "", false, err
}

func (s *Server) readPump(ctx context.Context, c *client) error {
	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return err
		}
		switch frame.MimeType {
		case mimeText:
			if !c.session.HandleText(frame.Data) {
				_ = c.write(ctx, outboundFrame{Error: "input queue full; retry shortly"})
			}
		case mimeAudio:
			pcm, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				_ = c.write(ctx, outboundFrame{Error: "audio data must be base64"})
				continue
			}
			c.session.HandleAudio(pcm)
		default:
			// Unsupported payloads end the session rather than being skipped.
			_ = c.write(ctx, outboundFrame{Error: "unsupported mime_type: " + frame.MimeType})
			return fmt.Errorf("unsupported mime_type %q", frame.MimeType)
		}
	}
}

func (s *Server) writePump(ctx context.Context, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.session.Events():
			if !ok {
				return nil
			}
			frame := outboundFrame{
				TurnComplete: ev.TurnComplete,
				Interrupted:  ev.Interrupted,
			}
			if ev.Text != "" {
				frame.MimeType = mimeText
				frame.Data = ev.Text
			}
			if err := c.write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Server) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// --- REST API handlers ---

// handleAPISessions lists a user's sessions, newest first.
func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
}

// handleAPISessionTurns returns the committed turns of one session.
// Path: /api/sessions/{user_id}/{session_id}
func (s *Server) handleAPISessionTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "invalid path: expected /api/sessions/{user_id}/{session_id}", http.StatusBadRequest)
		return
	}
	row, err := s.cfg.Store.GetSession(r.Context(), parts[0], parts[1])
	if err != nil {
		if errors.Is(err, ledger.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(row)
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"config_hash": s.cfg.ConfigFingerprint,
	})
}
