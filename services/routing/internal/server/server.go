package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"helpdesk/internal/metrics"
	"helpdesk/internal/ratelimit"
	"helpdesk/internal/usertoken"
	"helpdesk/internal/util"
	"helpdesk/pkg/ai"
	"helpdesk/pkg/domain"
	"helpdesk/services/routing/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier validates bearer tokens issued by the auth service.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	// ClaimLimiter bounds claim attempts per expert. Nil disables the limit.
	ClaimLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the routing service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	claimLimiter  *ratelimit.FixedWindowLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("routing app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		claimLimiter:  cfg.ClaimLimiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("routing", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.Handle("/llm", s.withUser(s.handleLLM))

	// conversations
	s.mux.Handle("/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/conversations/updates", s.withUser(s.handleConversationUpdates))
	s.mux.Handle("/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("/messages/", s.withUser(s.handleMessageByID))
	s.mux.Handle("/messages/updates", s.withUser(s.handleMessageUpdates))

	// expert
	s.mux.Handle("/expert/queue", s.withUser(s.handleQueue))
	s.mux.Handle("/expert/queue/updates", s.withUser(s.handleQueueUpdates))
	s.mux.Handle("/expert/conversations/", s.withUser(s.handleExpertConversation))
	s.mux.Handle("/expert/profile", s.withUser(s.handleProfile))
	s.mux.Handle("/expert/assignments/history", s.withUser(s.handleAssignmentHistory))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.tokenVerifier.Verify(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", identity.UserID))
		r = r.WithContext(ctx)
		user, err := s.app.EnsureUser(ctx, identity.User())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

type llmRequest struct {
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
}

type llmResponse struct {
	OK        bool      `json:"ok"`
	Message   string    `json:"message"`
	ModelID   string    `json:"modelId,omitempty"`
	Fake      bool      `json:"fake"`
	Usage     *ai.Usage `json:"usage"`
	LatencyMs int64     `json:"latencyMs"`
}

// handleLLM forwards one raw prompt pair to the gateway.
func (s *Server) handleLLM(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req llmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sys, usr := strings.TrimSpace(req.SystemPrompt), strings.TrimSpace(req.UserPrompt)
	if sys == "" || usr == "" {
		writeError(w, http.StatusUnprocessableEntity, "systemPrompt and userPrompt are required")
		return
	}
	gw := s.app.Gateway()
	resp, err := gw.Call(r.Context(), sys, usr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "language model unavailable")
		return
	}
	writeJSON(w, http.StatusOK, llmResponse{
		OK:        true,
		Message:   resp.OutputText,
		ModelID:   gw.ModelID(),
		Fake:      resp.IsFallback,
		Usage:     resp.Usage,
		LatencyMs: resp.Latency.Milliseconds(),
	})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.app.ListConversations(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var req createConversationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		view, err := s.app.CreateConversation(r.Context(), user, req.Title)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		methodNotAllowed(w)
	}
}

// /conversations/{id} or /conversations/{id}/messages
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, sub, ok := splitID(r.URL.Path, "/conversations/")
	if !ok {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	switch sub {
	case "":
		view, err := s.app.GetConversation(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "messages":
		msgs, err := s.app.ListMessages(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleConversationUpdates(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	views, err := s.app.ConversationsSince(r.Context(), user, r.URL.Query().Get("since"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMessageUpdates(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	msgs, err := s.app.MessagesSince(r.Context(), user, r.URL.Query().Get("since"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "conversationId is required")
		return
	}
	msg, err := s.app.SendMessage(r.Context(), user, req.ConversationID, req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// /messages/{id}/read
func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, sub, ok := splitID(r.URL.Path, "/messages/")
	if !ok || sub != "read" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	msg, err := s.app.MarkRead(r.Context(), user, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// splitID parses prefix{id} and prefix{id}/{sub}.
func splitID(path, prefix string) (id, sub string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if id == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		sub = parts[1]
	}
	return id, sub, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		notFound(w, err.Error())
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "ROUTING_FORBIDDEN"
	case http.StatusNotFound:
		return "ROUTING_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusConflict:
		return "ROUTING_CONFLICT"
	case http.StatusUnprocessableEntity:
		return "ROUTING_VALIDATION_FAILED"
	case http.StatusTooManyRequests:
		return "ROUTING_RATE_LIMITED"
	case http.StatusBadGateway:
		return "LLM_UNAVAILABLE"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
