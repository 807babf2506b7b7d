package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/history"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/middleware"
)

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketChatTurn(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	server := httptest.NewServer(api.Router())
	defer server.Close()

	conn := dialWS(t, server)

	require.NoError(t, conn.WriteJSON(wsRequest{Query: "how do I reset my password"}))

	var resp chatResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "Open settings and request a reset link. [1]", resp.Answer.Answer)
	assert.NotEmpty(t, resp.ConversationID)
	require.Len(t, resp.Citations, 1)
}

func TestWebSocketKeepsConversationAcrossTurns(t *testing.T) {
	pipeline := &fakePipeline{answer: groundedAnswer()}
	api, _ := newTestAPI(t, pipeline, nil)
	server := httptest.NewServer(api.Router())
	defer server.Close()

	conn := dialWS(t, server)

	require.NoError(t, conn.WriteJSON(wsRequest{Query: "first"}))
	var first chatResponse
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, conn.WriteJSON(wsRequest{Query: "second", ConversationID: first.ConversationID}))
	var second chatResponse
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Len(t, pipeline.lastHistory, 2, "second turn sees the first exchange")
}

func TestWebSocketPrefersTokenSubjectOverHeader(t *testing.T) {
	auth, err := middleware.NewAuthenticator(strings.Repeat("k", 32), nil)
	require.NoError(t, err)

	store := history.NewMemoryStore()
	reg := prometheus.NewRegistry()
	api, err := NewAPI(DefaultConfig(), &fakePipeline{answer: groundedAnswer()}, store, nil,
		metrics.New(reg), reg, auth, nil)
	require.NoError(t, err)
	server := httptest.NewServer(api.Router())
	defer server.Close()

	token, err := auth.IssueToken("agent-7", nil)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-User-ID", "spoofed")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsRequest{Query: "q"}))
	var resp chatResponse
	require.NoError(t, conn.ReadJSON(&resp))

	conv, _, err := store.GetConversation(context.Background(), resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", conv.UserID, "token subject wins over the X-User-ID header")
}

func TestWebSocketRejectsEmptyQuery(t *testing.T) {
	api, _ := newTestAPI(t, &fakePipeline{answer: groundedAnswer()}, nil)
	server := httptest.NewServer(api.Router())
	defer server.Close()

	conn := dialWS(t, server)

	require.NoError(t, conn.WriteJSON(wsRequest{Query: "  "}))
	var errResp wsError
	require.NoError(t, conn.ReadJSON(&errResp))
	assert.Equal(t, "query must not be empty", errResp.Error)
}
