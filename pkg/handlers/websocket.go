package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/rag"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks are delegated to the deployment's reverse proxy.
		return true
	},
}

// wsRequest is one question over the socket.
type wsRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	SkipCache      bool   `json:"skip_cache,omitempty"`
}

// wsError is sent when a turn fails; the connection stays open.
type wsError struct {
	Error string `json:"error"`
}

// handleWebSocket upgrades the connection and answers questions until
// the client disconnects. Each received JSON message is one chat turn.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	session := &wsSession{
		api:  a,
		conn: conn,
		// Identity hint for unauthenticated deployments only; answer()
		// overrides it with the token subject when auth is enabled.
		userID: r.Header.Get("X-User-ID"),
		logger: a.logger.With(slog.String("remote", r.RemoteAddr)),
	}
	session.run(r)
}

// wsSession serializes writes to one websocket connection.
type wsSession struct {
	api     *API
	conn    *websocket.Conn
	userID  string
	logger  *slog.Logger
	writeMu sync.Mutex
}

func (s *wsSession) run(r *http.Request) {
	defer s.conn.Close()

	s.conn.SetReadLimit(wsMaxMessage)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(done)

	for {
		var req wsRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		s.handleTurn(r, &req)
	}
}

func (s *wsSession) handleTurn(r *http.Request, req *wsRequest) {
	if strings.TrimSpace(req.Query) == "" {
		s.write(wsError{Error: "query must not be empty"})
		return
	}

	ctx := r.Context()
	if s.api.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.api.config.RequestTimeout)
		defer cancel()
	}

	resp, err := s.api.answer(ctx, &rag.QueryRequest{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		UserID:         s.userID,
		SkipCache:      req.SkipCache,
	})
	if err != nil {
		s.logger.Error("websocket turn failed", slog.String("error", err.Error()))
		s.write(wsError{Error: "failed to answer query"})
		return
	}
	s.write(resp)
}

func (s *wsSession) write(payload interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(payload); err != nil {
		s.logger.Warn("websocket write failed", slog.String("error", err.Error()))
	}
}

func (s *wsSession) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
