package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/models"
)

type ConversationStore interface {
	OwnedConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error)
}

type MessageProducer interface {
	CreateMessage(ctx context.Context, userID, conversationID, content string) (models.Message, error)
}

// PendingChecker reports whether a job for the conversation is queued or running.
type PendingChecker interface {
	Pending(ctx context.Context, conversationID string) (bool, error)
}

type Options struct {
	Store              ConversationStore
	Producer           MessageProducer
	Broker             broker.Broker
	Pending            PendingChecker
	Auth               Authenticator
	RateLimitPerMinute int
	// PendingRecheck is how often an open stream re-checks that its job is
	// still pending. Defaults to two seconds.
	PendingRecheck time.Duration
}

// Server exposes message creation and the per-conversation event streams.
type Server struct {
	store    ConversationStore
	producer MessageProducer
	broker   broker.Broker
	pending  PendingChecker
	auth     Authenticator
	limiter  *userLimiter
	validate *validator.Validate
	recheck  time.Duration
}

func NewServer(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuthenticator{}
	}
	if opts.PendingRecheck <= 0 {
		opts.PendingRecheck = 2 * time.Second
	}
	return &Server{
		store:    opts.Store,
		producer: opts.Producer,
		broker:   opts.Broker,
		pending:  opts.Pending,
		auth:     opts.Auth,
		limiter:  newUserLimiter(opts.RateLimitPerMinute),
		validate: validator.New(),
		recheck:  opts.PendingRecheck,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/conversations/{conversationID}", func(conv chi.Router) {
		conv.Use(s.authMiddleware)
		conv.Post("/messages", s.handleCreateMessage)
		conv.Get("/stream", s.handleStream)
		conv.Get("/ws", s.handleWebSocket)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createMessageRequest struct {
	Content string `json:"content" validate:"required,min=1"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	convID, ok := s.conversationID(w, r)
	if !ok {
		return
	}
	if !s.limiter.allow(userID) {
		s.respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	msg, err := s.producer.CreateMessage(r.Context(), userID, convID, req.Content)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, msg)
}

// conversationID reads and validates the path id. Malformed ids are answered
// like unknown conversations.
func (s *Server) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "conversationID")
	if err := s.validate.Var(id, "required,uuid"); err != nil {
		s.respondError(w, http.StatusNotFound, models.ErrConversationNotFound)
		return "", false
	}
	return id, true
}

// ownedConversation resolves the path id to a conversation of the caller, writing
// the error response itself when that fails.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	convID, ok := s.conversationID(w, r)
	if !ok {
		return "", false
	}
	if _, err := s.store.OwnedConversation(r.Context(), userFromContext(r.Context()), convID); err != nil {
		s.respondDomainError(w, err)
		return "", false
	}
	return convID, true
}

func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrConversationNotFound) {
		s.respondError(w, http.StatusNotFound, models.ErrConversationNotFound)
		return
	}
	slog.Error("Request failed", "error", err)
	s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).Round(time.Millisecond),
				"requestID", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
