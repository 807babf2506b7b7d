// Package handlers exposes the chatbot over HTTP: a REST API for chat,
// conversation history, feedback, and source stats, plus a websocket
// endpoint for interactive sessions.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/history"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/middleware"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/rag"
)

// Pipeline answers questions. *rag.Pipeline implements it.
type Pipeline interface {
	ProcessQuery(ctx context.Context, req *rag.QueryRequest, conversation []llm.Message) (*rag.Answer, error)
}

// KnowledgeBase exposes the index operations the API surfaces.
// *kb.VectorStore implements it.
type KnowledgeBase interface {
	CountBySource(ctx context.Context, source string) (int64, error)
	Ready(ctx context.Context) (bool, error)
}

// Config tunes the API surface.
type Config struct {
	// Sources are the ingestion sources reported by GET /api/v1/sources.
	Sources []string
	// HistoryWindow is how many prior turns feed a follow-up question.
	HistoryWindow int
	// MaxBodyBytes caps request payloads.
	MaxBodyBytes int64
	// RequestTimeout bounds one chat request end to end.
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Sources:        []string{"stackoverflow", "amazon-qa", "files"},
		HistoryWindow:  6,
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 60 * time.Second,
	}
}

// API is the HTTP layer of the chatbot.
type API struct {
	config   *Config
	pipeline Pipeline
	store    history.Store
	kb       KnowledgeBase
	metrics  *metrics.Metrics
	registry prometheus.Gatherer
	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
}

// NewAPI wires the HTTP layer. auth and limiter may be nil to disable
// authentication and rate limiting.
func NewAPI(config *Config, pipeline Pipeline, store history.Store, knowledge KnowledgeBase,
	m *metrics.Metrics, registry prometheus.Gatherer,
	auth *middleware.Authenticator, limiter *middleware.RateLimiter) (*API, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if pipeline == nil {
		return nil, fmt.Errorf("api requires a pipeline")
	}
	if store == nil {
		return nil, fmt.Errorf("api requires a conversation store")
	}
	return &API{
		config:   config,
		pipeline: pipeline,
		store:    store,
		kb:       knowledge,
		metrics:  m,
		registry: registry,
		auth:     auth,
		limiter:  limiter,
		logger:   slog.Default().With(slog.String("component", "api")),
	}, nil
}

// Router builds the full handler chain.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat", a.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", a.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/feedback", a.handleFeedback).Methods(http.MethodPost)
	api.HandleFunc("/sources", a.handleSources).Methods(http.MethodGet)
	api.HandleFunc("/ws", a.handleWebSocket).Methods(http.MethodGet)

	if a.auth != nil {
		api.Use(a.auth.Middleware)
	}

	var handler http.Handler = r
	handler = middleware.MaxBodyBytes(a.config.MaxBodyBytes)(handler)
	if a.limiter != nil {
		handler = a.limiter.Middleware(handler)
	}
	handler = middleware.Logging(a.logger, a.metrics)(handler)
	handler = middleware.Recovery(a.logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// chatResponse is the REST and websocket answer envelope.
type chatResponse struct {
	*rag.Answer
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req rag.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		a.writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	ctx := r.Context()
	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	resp, err := a.answer(ctx, &req)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		a.logger.Error("chat request failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(ctx)),
		)
		a.writeError(w, http.StatusInternalServerError, "failed to answer query")
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// answer runs one chat turn: resolve history, invoke the pipeline, and
// persist both sides of the exchange. Shared by REST and websocket.
func (a *API) answer(ctx context.Context, req *rag.QueryRequest) (*chatResponse, error) {
	// The authenticated subject always wins; client-supplied identities
	// only apply on deployments without auth.
	if authID := middleware.UserIDFromContext(ctx); authID != "" {
		req.UserID = authID
	}

	var conversation []llm.Message
	if req.ConversationID != "" {
		if _, _, err := a.store.GetConversation(ctx, req.ConversationID); err != nil {
			return nil, err
		}
		recent, err := a.store.RecentMessages(ctx, req.ConversationID, a.config.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		for _, msg := range recent {
			conversation = append(conversation, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	} else {
		conv, err := a.store.CreateConversation(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		req.ConversationID = conv.ID
	}

	answer, err := a.pipeline.ProcessQuery(ctx, req, conversation)
	if err != nil {
		return nil, err
	}

	if err := a.store.AppendMessage(ctx, &history.Message{
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Query,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist question: %w", err)
	}

	citationsJSON := ""
	if len(answer.Citations) > 0 {
		if raw, err := json.Marshal(answer.Citations); err == nil {
			citationsJSON = string(raw)
		}
	}
	assistantMsg := &history.Message{
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        answer.Answer,
		CitationsJSON:  citationsJSON,
		Confidence:     answer.Confidence,
	}
	if err := a.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to persist answer: %w", err)
	}

	return &chatResponse{
		Answer:         answer,
		ConversationID: req.ConversationID,
		MessageID:      assistantMsg.ID,
	}, nil
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, messages, err := a.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		a.logger.Error("failed to load conversation", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"messages":     messages,
	})
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Helpful   bool   `json:"helpful"`
	Comment   string `json:"comment,omitempty"`
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		a.writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	err := a.store.RecordFeedback(r.Context(), &history.Feedback{
		MessageID: req.MessageID,
		Helpful:   req.Helpful,
		Comment:   req.Comment,
	})
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		a.logger.Error("failed to record feedback", slog.String("error", err.Error()))
		a.writeError(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (a *API) handleSources(w http.ResponseWriter, r *http.Request) {
	if a.kb == nil {
		a.writeError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}
	stats := make([]kb.SourceStats, 0, len(a.config.Sources))
	for _, source := range a.config.Sources {
		count, err := a.kb.CountBySource(r.Context(), source)
		if err != nil {
			a.logger.Error("failed to count source",
				slog.String("source", source),
				slog.String("error", err.Error()),
			)
			a.writeError(w, http.StatusInternalServerError, "failed to query knowledge base")
			return
		}
		stats = append(stats, kb.SourceStats{Source: source, Chunks: count})
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"sources": stats})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.kb == nil {
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ready, err := a.kb.Ready(r.Context())
	if err != nil || !ready {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
