// Package api exposes the settlement engine over HTTP: session lifecycle endpoints, the
// ledger, progress snapshots and a websocket progress stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"solana-settlement/internal/coordinator"
	"solana-settlement/internal/domain"
	"solana-settlement/internal/engine"
	"solana-settlement/internal/reporting"
)

// Service is the engine surface the API serves.
type Service interface {
	StartSession(ctx context.Context, cfg domain.SessionConfig) (string, error)
	StopSession(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetProgress(ctx context.Context, id string) (*engine.Progress, error)
	GetLedger(ctx context.Context, id string) ([]*domain.TransactionRecord, error)
	RetryDistribution(ctx context.Context, id string) error
	GetStatement(ctx context.Context, id string) (*reporting.Statement, error)
	Hub() *engine.Hub
}

var _ Service = (*engine.Engine)(nil)

// Server routes HTTP requests to the engine.
type Server struct {
	svc      Service
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	clock    func() time.Time

	// PingInterval keeps idle progress streams alive.
	PingInterval time.Duration
}

// NewServer creates a Server.
func NewServer(svc Service, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		svc: svc,
		log: log.WithField("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clock:        time.Now,
		PingInterval: 30 * time.Second,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleStart)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/sessions/{id}/ledger", s.handleLedger)
	mux.HandleFunc("GET /api/sessions/{id}/ledger.csv", s.handleLedgerCSV)
	mux.HandleFunc("GET /api/sessions/{id}/statement", s.handleStatement)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/retry-distribution", s.handleRetry)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.clock().UTC(),
	})
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SessionConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		s.writeError(w, &domain.ValidationError{Reasons: []string{"malformed request body: " + err.Error()}})
		return
	}

	id, err := s.svc.StartSession(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, startResponse{SessionID: id})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.GetLedger(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLedgerCSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, err := s.svc.GetLedger(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger-`+id+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, reporting.RenderLedgerCSV(records)); err != nil {
		s.log.WithError(err).Warn("ledger csv write failed")
	}
}

// handleStatement renders the settlement statement as Markdown.
func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, reporting.RenderMarkdown(st)); err != nil {
		s.log.WithError(err).Warn("statement write failed")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.StopSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleSession(w, r)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RetryDistribution(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleProgress(w, r)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

// writeError maps engine errors to status codes. Internal failures only expose their class.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ValidationError", Reasons: verr.Reasons})
	case errors.Is(err, engine.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, engine.ErrFinished),
		errors.Is(err, coordinator.ErrNotRetryable),
		errors.Is(err, coordinator.ErrSessionMoved):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.log.WithError(err).Error("request failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: domain.ErrorClass(err)})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}
