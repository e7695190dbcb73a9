package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bmadlife/backend/internal/relay"
	"github.com/bmadlife/backend/internal/session"
)

// Broker is the publish-side surface of the broker bridge.
type Broker interface {
	Connected() bool
	PublishInit(ctx context.Context, sessionID string, params map[string]string) error
	PublishInput(ctx context.Context, sessionID, kind string, payload map[string]any) error
}

// GameMaster is the slice of the upstream client the REST surface proxies.
type GameMaster interface {
	Ready() bool
	StartGame(ctx context.Context, lang string) (map[string]any, error)
	State(ctx context.Context) (map[string]any, error)
	Image(ctx context.Context, path string) (io.ReadCloser, string, error)
}

// Streams starts streaming tasks for a session.
type Streams interface {
	StartPropose(sessionID, lang string)
	StartChoose(sessionID, kind, lang string)
}

// Server hosts the websocket gateway and the REST surface in front of the
// registry, the broker bridge, and the stream controller.
type Server struct {
	registry *session.Registry
	broker   Broker
	gm       GameMaster
	streams  Streams
	logger   *slog.Logger
}

func NewServer(registry *session.Registry, broker Broker, gm GameMaster, streams Streams, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		broker:   broker,
		gm:       gm,
		streams:  streams,
		logger:   logger,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", s.handleWS)
	mux.HandleFunc("/init_session", s.handleInitSession)
	mux.HandleFunc("/submit_news", s.handleSubmitNews)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/propose", s.handlePropose)
	mux.HandleFunc("/api/choose", s.handleChoose)
	mux.HandleFunc("/api/images/", s.handleImage)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleWS accepts a client socket at /ws/{session_id}, registers it, and
// then only reads to detect closure: the channel is broadcast-only from
// the server side, and reconnection is entirely client-driven.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "invalid session path", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		// Browser origins are unrestricted, matching the wide-open CORS
		// policy of the REST surface.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	c := newClient(conn)
	s.registry.Register(sessionID, c)

	defer func() {
		s.registry.Unregister(sessionID, c)
		c.close()
		conn.Close()
		s.logger.Info("ws disconnected", "session_id", sessionID, "conn_id", c.ID())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type initSessionInput struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body initSessionInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch err := s.registry.Create(body.SessionID); {
	case errors.Is(err, session.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid session_id format")
		return
	case errors.Is(err, session.ErrSessionExists):
		writeError(w, http.StatusBadRequest, "session already exists")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.broker.PublishInit(r.Context(), body.SessionID, nil); err != nil {
		s.publishError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": body.SessionID})
}

type submitNewsInput struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

func (s *Server) handleSubmitNews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body submitNewsInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.registry.Exists(body.SessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	payload := map[string]any{"content": body.Content}
	if err := s.broker.PublishInput(r.Context(), body.SessionID, "fakenews", payload); err != nil {
		s.publishError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "published", "session_id": body.SessionID})
}

// handleStart proxies the upstream game start and binds the returned
// session id into the registry, so the relay session exists before any
// events flow.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	lang := langParam(r)

	result, err := s.gm.StartGame(r.Context(), lang)
	if err != nil {
		s.logger.Error("gm start failed", "error", err)
		writeError(w, http.StatusBadGateway, "GM unreachable")
		return
	}

	if sessionID, ok := result["session_id"].(string); ok && sessionID != "" {
		if err := s.registry.Create(sessionID); err != nil && !errors.Is(err, session.ErrSessionExists) {
			s.logger.Warn("could not register gm session", "session_id", sessionID, "error", err)
		} else {
			s.registry.SetMeta(sessionID, "lang", lang)
			s.registry.SetMeta(sessionID, "gm_session_id", sessionID)
			if pubErr := s.broker.PublishInit(r.Context(), sessionID, map[string]string{"lang": lang}); pubErr != nil {
				// Best effort: the game still starts, the swarm just
				// will not hear about it until the broker is back.
				s.logger.Warn("publish init failed", "session_id", sessionID, "error", pubErr)
			}
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	result, err := s.gm.State(r.Context())
	if err != nil {
		s.logger.Error("gm state failed", "error", err)
		writeError(w, http.StatusBadGateway, "GM unreachable")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if !s.registry.Exists(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.streams.StartPropose(sessionID, langParam(r))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "streaming", "session_id": sessionID})
}

func (s *Server) handleChoose(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if !s.registry.Exists(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		writeError(w, http.StatusBadRequest, "missing kind parameter")
		return
	}

	s.streams.StartChoose(sessionID, kind, langParam(r))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "streaming", "session_id": sessionID})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, contentType, err := s.gm.Image(r.Context(), path)
	if err != nil {
		s.logger.Error("image fetch failed", "path", path, "error", err)
		writeError(w, http.StatusBadGateway, "image fetch failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("image copy interrupted", "path", path, "error", err)
	}
}

// handleHealth always reports 200; the payload carries the degraded bits.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"service":          "bmadlife-backend",
		"broker_connected": s.broker.Connected(),
		"gm_ready":         s.gm.Ready(),
	})
}

// publishError maps broker failures: a down link is service-unavailable
// (callers must not retry blindly, replays could reorder game actions),
// anything else is internal.
func (s *Server) publishError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, "broker is not connected")
		return
	}
	s.logger.Error("broker publish failed", "error", err)
	writeError(w, http.StatusInternalServerError, "publish failed")
}

func langParam(r *http.Request) string {
	if lang := r.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	return "fr"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// CORS wraps a handler with the wide-open policy the browser frontend
// expects. Auth is out of scope for this service.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the HTTP server until srv.Shutdown.
func ListenAndServe(srv *http.Server, logger *slog.Logger) error {
	logger.Info("server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
