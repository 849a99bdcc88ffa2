// Package api exposes the HTTP interface for the download service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/sri"
)

// Engine is the subset of the download engine the API drives.
type Engine interface {
	StartFullRun(tabID string, artifact sri.ArtifactType, ignoreHistory bool) (string, error)
	StartSelectedRun(tabID string, artifact sri.ArtifactType, indices []int) (string, error)
	Stop() bool
	Snapshot() sri.RunState
	Tunables() config.Tunables
	SetTunables(config.Tunables) error
}

// HistoryStore is the subset of the history repository the API reads.
type HistoryStore interface {
	All(ctx context.Context) (sri.History, error)
	ForTaxpayer(ctx context.Context, ruc string) (sri.TaxpayerHistory, bool, error)
	FailedDocuments(ctx context.Context) ([]sri.FailedDocument, error)
	Clear(ctx context.Context) error
	ExportCSV(ctx context.Context, w io.Writer) (int, error)
}

// TabFinder locates the portal tab when a request does not name one.
type TabFinder interface {
	FindPortalTab(ctx context.Context) (string, error)
}

// TunablesStore persists tunable overrides applied through the API.
type TunablesStore interface {
	Save(ctx context.Context, t config.Tunables) error
}

// Server wires HTTP handlers to the engine, history, and browser driver.
type Server struct {
	router    chi.Router
	engine    Engine
	history   HistoryStore
	tabs      TabFinder
	overrides TunablesStore
	events    *Broadcaster
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The events
// broadcaster may be nil when no websocket streaming is wanted.
func NewServer(
	engine Engine,
	history HistoryStore,
	tabs TabFinder,
	overrides TunablesStore,
	events *Broadcaster,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    engine,
		history:   history,
		tabs:      tabs,
		overrides: overrides,
		events:    events,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// The event stream stays outside the timeout group: http.TimeoutHandler
	// cannot hijack, and sockets are expected to outlive any request budget.
	if events != nil {
		r.Get("/v1/events", events.HandleEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Route("/runs", func(r chi.Router) {
				r.Post("/full", s.startFullRun)
				r.Post("/selected", s.startSelectedRun)
				r.Post("/stop", s.stopRun)
				r.Get("/state", s.runState)
			})
			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.getHistory)
				r.Delete("/", s.clearHistory)
				r.Get("/failed", s.getFailedDocuments)
				r.Get("/export", s.exportHistory)
			})
			r.Route("/config", func(r chi.Router) {
				r.Get("/", s.getConfig)
				r.Put("/", s.putConfig)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fullRunRequest struct {
	TabID         string `json:"tab_id"`
	ArtifactType  string `json:"artifact_type"`
	IgnoreHistory bool   `json:"ignore_history"`
}

func (s *Server) startFullRun(w http.ResponseWriter, r *http.Request) {
	var req fullRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	artifact, err := sri.ParseArtifactType(req.ArtifactType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tabID, err := s.resolveTab(r.Context(), req.TabID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	runID, err := s.engine.StartFullRun(tabID, artifact, req.IgnoreHistory)
	if err != nil {
		writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "tab_id": tabID})
}

type selectedRunRequest struct {
	TabID        string `json:"tab_id"`
	ArtifactType string `json:"artifact_type"`
	Indices      []int  `json:"indices"`
}

func (s *Server) startSelectedRun(w http.ResponseWriter, r *http.Request) {
	var req selectedRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Indices) == 0 {
		writeError(w, http.StatusBadRequest, "indices required")
		return
	}
	artifact, err := sri.ParseArtifactType(req.ArtifactType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tabID, err := s.resolveTab(r.Context(), req.TabID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	runID, err := s.engine.StartSelectedRun(tabID, artifact, req.Indices)
	if err != nil {
		writeStartError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "tab_id": tabID})
}

func (s *Server) stopRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": s.engine.Stop()})
}

func (s *Server) runState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if ruc := r.URL.Query().Get("taxpayer_id"); ruc != "" {
		bucket, found, err := s.history.ForTaxpayer(r.Context(), ruc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "no history for taxpayer")
			return
		}
		writeJSON(w, http.StatusOK, sri.History{ruc: bucket})
		return
	}
	h, err := s.history.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) getFailedDocuments(w http.ResponseWriter, r *http.Request) {
	failed, err := s.history.FailedDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": failed, "count": len(failed)})
}

func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="historial_descargas_sri.csv"`)
	if _, err := s.history.ExportCSV(r.Context(), w); err != nil {
		// Headers are out; all we can do is log.
		s.logger.Error("history export failed", zap.Error(err))
	}
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Tunables())
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var t config.Tunables
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.engine.SetTunables(t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	persisted := true
	if s.overrides != nil {
		if err := s.overrides.Save(r.Context(), t); err != nil {
			s.logger.Warn("persisting tunable overrides failed", zap.Error(err))
			persisted = false
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tunables": t, "persisted": persisted})
}

// resolveTab uses the caller-supplied tab or falls back to scanning for the
// portal tab.
func (s *Server) resolveTab(ctx context.Context, tabID string) (string, error) {
	if tabID != "" {
		return tabID, nil
	}
	if s.tabs == nil {
		return "", errors.New("tab_id required")
	}
	found, err := s.tabs.FindPortalTab(ctx)
	if err != nil {
		return "", err
	}
	return found, nil
}

func writeStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, sri.ErrRunActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
