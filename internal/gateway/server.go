package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/tether/internal/agent"
	"github.com/haasonsaas/tether/internal/config"
	"github.com/haasonsaas/tether/internal/observability"
	"github.com/haasonsaas/tether/internal/store"
	"github.com/haasonsaas/tether/pkg/models"
)

// Server hosts the websocket channel and the session admin API on one
// listener.
type Server struct {
	cfg     config.ServerConfig
	store   store.Store
	engine  *agent.Engine
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg config.ServerConfig, st store.Store, engine *agent.Engine, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}
}

// Handler builds the route table. Split out from Start so tests can mount it
// on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", newWSHandler(s.engine, s.logger))

	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("DELETE /session", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /session/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("PUT /session/title", s.handleUpdateTitle)
	mux.HandleFunc("POST /generate-title", s.handleGenerateTitle)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.instrument(mux)
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info(context.Background(), "server listening", "addr", addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument records request latency per method, route and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type createSessionRequest struct {
	WorkingDir string `json:"workingDir"`
	MaxMode    bool   `json:"maxMode"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workingDir, err := s.resolveWorkingDir(req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateSession(r.Context(), workingDir, req.MaxMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// resolveWorkingDir canonicalizes and bounds the session working directory
// against the configured workspace root.
func (s *Server) resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return s.cfg.WorkspaceRoot, nil
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("workingDir must be absolute: %s", dir)
	}
	dir = filepath.Clean(dir)
	if root := s.cfg.WorkspaceRoot; root != "" {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("workingDir outside workspace root: %s", dir)
		}
	}
	return dir, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.loadSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           snap.ID,
		"title":        snap.Title,
		"createdAt":    snap.CreatedAt,
		"lastActivity": snap.LastActivity,
		"messageCount": snap.MessageCount,
		"workingDir":   snap.WorkingDir,
		"maxMode":      snap.MaxMode,
		"phase":        snap.Phase,
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.loadSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.store.ClearSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{WorkingDir: r.URL.Query().Get("workingDir")}
	items, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

type updateTitleRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "id and title are required")
		return
	}
	if err := s.store.UpdateTitle(r.Context(), req.ID, req.Title); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type generateTitleRequest struct {
	Message  string `json:"message"`
	Provider string `json:"provider"`
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	var req generateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	title := s.engine.GenerateTitle(r.Context(), req.Provider, req.Message)
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loadSnapshot(w http.ResponseWriter, r *http.Request) (*models.Snapshot, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}
	got, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return got, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
