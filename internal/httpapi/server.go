// Package httpapi exposes the chat core as a small JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/chat"
	"polychat/internal/conversation"
	"polychat/internal/ledger"
	"polychat/internal/orchestrator"
	"polychat/internal/storage"
)

// PrincipalHeader carries the caller identity. Authentication happens in
// front of this service.
const PrincipalHeader = "X-Principal-ID"

// ErrForeignPrincipal rejects reads of another principal's balance.
var ErrForeignPrincipal = errors.New("balance belongs to another principal")

type Chat interface {
	Ask(ctx context.Context, req chat.AskRequest) (chat.AskResult, error)
	GetThread(ctx context.Context, conversationID string) (conversation.Thread, error)
	Balance(ctx context.Context, principal string) (ledger.Balance, error)
}

type Conversations interface {
	CreateConversation(ctx context.Context, owner, title string) (storage.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]storage.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	CheckOwner(ctx context.Context, id, owner string) error
}

type Models interface {
	Names() []string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Chat          Chat
	Conversations Conversations
	Models        Models
	// Health is optional; when set /healthz reports its Ping result.
	Health      Pinger
	Logger      zerolog.Logger
	HealthPath  string
	MetricsPath string
}

type Server struct {
	chat          Chat
	conversations Conversations
	models        Models
	health        Pinger
	logger        zerolog.Logger
	mux           *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		chat:          cfg.Chat,
		conversations: cfg.Conversations,
		models:        cfg.Models,
		health:        cfg.Health,
		logger:        cfg.Logger.With().Str("component", "httpapi").Logger(),
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("GET "+cfg.HealthPath, s.healthz)
	s.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	s.mux.HandleFunc("POST /v1/conversations", s.createConversation)
	s.mux.HandleFunc("GET /v1/conversations", s.listConversations)
	s.mux.HandleFunc("DELETE /v1/conversations/{id}", s.deleteConversation)
	s.mux.HandleFunc("GET /v1/conversations/{id}/thread", s.thread)
	s.mux.HandleFunc("POST /v1/conversations/{id}/ask", s.ask)
	s.mux.HandleFunc("GET /v1/principals/{id}/balance", s.balance)
	s.mux.HandleFunc("GET /v1/models", s.listModels)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle mounts an extra handler, such as the telegram webhook.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	c, err := s.conversations.CreateConversation(r.Context(), owner, req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationView(c))
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = r.Header.Get(PrincipalHeader)
	}
	list, err := s.conversations.ListConversations(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]conversationJSON, 0, len(list))
	for _, c := range list {
		out = append(out, conversationView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := s.conversations.DeleteConversation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) thread(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	t, err := s.chat.GetThread(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadView(id, t))
}

type askRequest struct {
	Prompt string   `json:"prompt"`
	Models []string `json:"models"`
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	var req askRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.chat.Ask(r.Context(), chat.AskRequest{
		ConversationID: id,
		PrincipalID:    r.Header.Get(PrincipalHeader),
		Prompt:         req.Prompt,
		Models:         req.Models,
	})
	if err != nil && res.PromptID == "" {
		s.writeError(w, err)
		return
	}
	body := askView(res)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if id != caller {
		s.writeError(w, fmt.Errorf("read balance of %s: %w", id, ErrForeignPrincipal))
		return
	}
	b, err := s.chat.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"available_tokens": b.Available,
		"allocated_tokens": b.Allocated,
	})
}

func (s *Server) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"models": s.models.Names()})
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		s.writeError(w, apperr.Validation("principal", PrincipalHeader+" header is required"))
		return "", false
	}
	return p, true
}

func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := s.principal(w, r)
	if !ok {
		return "", false
	}
	id := r.PathValue("id")
	if err := s.conversations.CheckOwner(r.Context(), id, owner); err != nil {
		s.writeError(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

func statusFor(err error) int {
	var rl *chat.RateLimitedError
	switch {
	case apperr.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInsufficientTokens):
		return http.StatusPaymentRequired
	case errors.Is(err, conversation.ErrNotOwner), errors.Is(err, ErrForeignPrincipal):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rl), errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrAllProvidersFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
