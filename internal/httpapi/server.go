// Package httpapi is the HTTP front of the runtime: message intake, mode
// switches, explicit batch confirmation and the SSE event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shipflow-core/server/internal/agent/audit"
	"github.com/shipflow-core/server/internal/agent/batch"
	"github.com/shipflow-core/server/internal/agent/conversations"
	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/agent/session"
	"github.com/shipflow-core/server/internal/agent/stream"
	errx "github.com/shipflow-core/server/internal/core/error"
	logx "github.com/shipflow-core/server/pkg/logger"
)

const (
	maxMessageBytes   = 16 << 10
	pingInterval      = 15 * time.Second
	defaultAuditLimit = 20
)

// Conversations is what the API drives.
type Conversations interface {
	HandleMessage(ctx context.Context, conversationID, text string) (*conversations.Reply, error)
	SetModes(conversationID string, modes model.ModeFlags) uint64
	Modes(conversationID string) model.ModeFlags
	ConfirmBatch(ctx context.Context, conversationID, batchID string) (*batch.Result, error)
	CancelBatch(ctx context.Context, conversationID, batchID string) (*batch.Batch, error)
	Reset(ctx context.Context, conversationID string) (uint64, error)
	End(ctx context.Context, conversationID string) error
	Audit(ctx context.Context, conversationID string, limit int) ([]audit.Run, error)
	Events(ctx context.Context, conversationID string) <-chan stream.Event
}

// BatchReader serves the job audit record.
type BatchReader interface {
	Get(ctx context.Context, id string) (*batch.Batch, error)
}

type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMessageRate limits inbound messages per conversation.
func WithMessageRate(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = newConversationLimiter(perSecond, burst) }
}

type Server struct {
	convs   Conversations
	batches BatchReader
	limiter *conversationLimiter
	metrics http.Handler
	router  *mux.Router
}

func New(convs Conversations, batches BatchReader, opts ...Option) *Server {
	s := &Server{
		convs:   convs,
		batches: batches,
		limiter: newConversationLimiter(0, 1),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/conversations/{id}/messages", s.handleMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/modes", s.handleGetModes).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/modes", s.handleSetModes).Methods(http.MethodPut)
	v1.HandleFunc("/conversations/{id}/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/batches/{batch}/confirm", s.handleConfirm).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/batches/{batch}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/reset", s.handleReset).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}/audit", s.handleAudit).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}", s.handleEnd).Methods(http.MethodDelete)
	v1.HandleFunc("/batches/{batch}", s.handleGetBatch).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Build returns an http.Server for addr. WriteTimeout is left at zero so SSE
// streams are not cut.
func (s *Server) Build(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.limiter.Allow(id) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, errx.CodeRateLimited, "Too many messages. Wait a moment and try again.")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errx.CodeInvalidInput, "The request body must be JSON with a text field.")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errx.CodeInvalidInput, "The message is empty.")
		return
	}

	reply, err := s.convs.HandleMessage(r.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, session.ErrSessionTerminating) {
			writeError(w, http.StatusConflict, errx.CodeInvalidState, "This conversation is ending.")
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type modesResponse struct {
	model.ModeFlags
	Generation uint64 `json:"generation,omitempty"`
}

func (s *Server) handleGetModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modesResponse{ModeFlags: s.convs.Modes(mux.Vars(r)["id"])})
}

func (s *Server) handleSetModes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var modes model.ModeFlags
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&modes); err != nil {
		writeError(w, http.StatusBadRequest, errx.CodeInvalidInput, "The request body must be JSON mode flags.")
		return
	}
	gen := s.convs.SetModes(id, modes)
	writeJSON(w, http.StatusOK, modesResponse{ModeFlags: modes, Generation: gen})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.convs.ConfirmBatch(r.Context(), vars["id"], vars["batch"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b, err := s.convs.CancelBatch(r.Context(), vars["id"], vars["batch"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.convs.End(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	gen, err := s.convs.Reset(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": gen})
}

// handleAudit serves the newest decision runs; ?limit=N bounds the count.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errx.CodeInvalidInput, "limit must be a positive integer.")
			return
		}
		limit = n
	}
	runs, err := s.convs.Audit(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Get(r.Context(), mux.Vars(r)["batch"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errx.CodeInternal, errx.SystemErrorMessage)
		return
	}

	ctx := r.Context()
	events := s.convs.Events(ctx, id)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	log := logx.Session(id)
	log.Debug().Msg("Event stream opened")
	defer log.Debug().Msg("Event stream closed")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := sse.ping(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.event(ev); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}

type errorBody struct {
	Error   errx.Code `json:"error"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code errx.Code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeAppError(w http.ResponseWriter, err error) {
	status := errx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logx.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, errx.CodeOf(err), errx.UserMessage(err))
}
