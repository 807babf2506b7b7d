package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/history"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/middleware"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/rag"
)

type fakePipeline struct {
	answer      *rag.Answer
	err         error
	lastHistory []llm.Message
	calls       int
}

func (f *fakePipeline) ProcessQuery(_ context.Context, req *rag.QueryRequest, conversation []llm.Message) (*rag.Answer, error) {
	f.calls++
	f.lastHistory = conversation
	if f.err != nil {
		return nil, f.err
	}
	answer := *f.answer
	answer.Query = req.Query
	return &answer, nil
}

type fakeKB struct {
	counts map[string]int64
	ready  bool
	err    error
}

func (f *fakeKB) CountBySource(_ context.Context, source string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[source], nil
}

func (f *fakeKB) Ready(_ context.Context) (bool, error) {
	return f.ready, f.err
}

func groundedAnswer() *rag.Answer {
	return &rag.Answer{
		Answer:     "Open settings and request a reset link. [1]",
		Citations:  []rag.Citation{{Number: 1, Title: "Password reset", Source: "stackoverflow"}},
		Confidence: 0.82,
		Model:      "fake-model",
	}
}

func newTestAPI(t *testing.T, pipeline Pipeline, knowledge KnowledgeBase) (*API, history.Store) {
	t.Helper()
	store := history.NewMemoryStore()
	reg := prometheus.NewRegistry()
	api, err := NewAPI(DefaultConfig(), pipeline, store, knowledge, metrics.New(reg), reg, nil, nil)
	require.NoError(t, err)
	return api, store
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatStartsConversationAndPersistsTurns(t *testing.T) {
	pipeline := &fakePipeline{answer: groundedAnswer()}
	api, store := newTestAPI(t, pipeline, nil)
	handler := api.Router()

	rec := postJSON(t, handler, "/api/v1/chat", map[string]string{"query": "how do I reset my password"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ConversationID)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, "Open settings and request a reset link. [1]", resp.Answer.Answer)
	require.Len(t, resp.Citations, 1)

	_, messages, err := store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "how do I reset my password", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.NotEmpty(t, messages[1].CitationsJSON)
	assert.Equal(t, 0.82, messages[1].Confidence)
}

func TestChatFollowUpCarriesHistory(t *testing.T) {
	pipeline := &fakePipeline{answer: groundedAnswer()}
	api, _ := newTestAPI(t, pipeline, nil)
	handler := api.Router()

	first := postJSON(t, handler, "/api/v1/chat", map[string]string{"query": "first question"})
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp chatResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := postJSON(t, handler, "/api/v1/chat", map[string]string{
		"query":           "what about step two",
		"conversation_id": firstResp.ConversationID,
	})
	require.Equal(t, http.StatusOK, second.Code)

	require.Len(t, pipeline.lastHistory, 2, "follow-up sees the first exchange")
	assert.Equal(t, "user", pipeline.lastHistory[0].Role)
	assert.Equal(t, "first question", pipeline.lastHistory[0].Content)
	assert.Equal(t, "assistant", pipeline.lastHistory[1].Role)
}

func TestChatRejectsBadRequests(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	handler := api.Router()

	rec := postJSON(t, handler, "/api/v1/chat", map[string]string{"query": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, handler, "/api/v1/chat", map[string]string{
		"query":           "q",
		"conversation_id": "no-such-conversation",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatReportsPipelineFailure(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{err: fmt.Errorf("backend down")}, nil)
	rec := postJSON(t, api.Router(), "/api/v1/chat", map[string]string{"query": "q"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetConversation(t *testing.T) {
	api, store := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	handler := api.Router()

	conv, err := store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(context.Background(), &history.Message{
		ConversationID: conv.ID, Role: "user", Content: "hello",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversation history.Conversation `json:"conversation"`
		Messages     []history.Message    `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conv.ID, resp.Conversation.ID)
	require.Len(t, resp.Messages, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/missing", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedbackEndpoint(t *testing.T) {
	api, store := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	handler := api.Router()

	conv, err := store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	msg := &history.Message{ConversationID: conv.ID, Role: "assistant", Content: "answer"}
	require.NoError(t, store.AppendMessage(context.Background(), msg))

	rec := postJSON(t, handler, "/api/v1/feedback", feedbackRequest{MessageID: msg.ID, Helpful: true})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, handler, "/api/v1/feedback", feedbackRequest{MessageID: "missing", Helpful: false})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, handler, "/api/v1/feedback", feedbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourcesEndpoint(t *testing.T) {
	knowledge := &fakeKB{counts: map[string]int64{"stackoverflow": 120, "amazon-qa": 4500}, ready: true}
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, knowledge)
	handler := api.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sources []struct {
			Source string `json:"source"`
			Chunks int64  `json:"chunks"`
		} `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 3)
	assert.Equal(t, int64(120), resp.Sources[0].Chunks)
	assert.Equal(t, int64(4500), resp.Sources[1].Chunks)
	assert.Equal(t, int64(0), resp.Sources[2].Chunks)
}

func TestHealthAndReadiness(t *testing.T) {
	knowledge := &fakeKB{ready: false}
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, knowledge)
	handler := api.Router()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	knowledge.ready = true
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	handler := api.Router()

	// Generate one request so counters exist.
	postJSON(t, handler, "/api/v1/chat", map[string]string{"query": "q"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatbot_http_requests_total")
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	auth, err := middleware.NewAuthenticator(strings.Repeat("k", 32), nil)
	require.NoError(t, err)

	store := history.NewMemoryStore()
	reg := prometheus.NewRegistry()
	api, err := NewAPI(DefaultConfig(), &fakePipeline{answer: groundedAnswer()}, store, nil,
		metrics.New(reg), reg, auth, nil)
	require.NoError(t, err)
	handler := api.Router()

	// Health stays public.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// API requires a token.
	rec = postJSON(t, handler, "/api/v1/chat", map[string]string{"query": "q"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.IssueToken("agent-7", nil)
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"query": "q"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticatedSubjectOverridesClientUserID(t *testing.T) {
	auth, err := middleware.NewAuthenticator(strings.Repeat("k", 32), nil)
	require.NoError(t, err)

	store := history.NewMemoryStore()
	reg := prometheus.NewRegistry()
	api, err := NewAPI(DefaultConfig(), &fakePipeline{answer: groundedAnswer()}, store, nil,
		metrics.New(reg), reg, auth, nil)
	require.NoError(t, err)
	handler := api.Router()

	token, err := auth.IssueToken("agent-7", nil)
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"query": "q", "user_id": "spoofed"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	conv, _, err := store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", conv.UserID, "token subject wins over the request body")
}

func TestRequestIDHeaderOnResponses(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
