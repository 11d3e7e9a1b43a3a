package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/protocol"
	"github.com/jkaninda/cometx/internal/tools"
)

// wsReadLimit caps one inbound message; snippets are small.
const wsReadLimit = 1 << 20

// handleWebSocket serves /v1/ws. Each text message is a protocol.Request;
// execute requests are answered in order with a StreamResult carrying the
// same id. Authentication uses the bearer header or a ?token= query parameter.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := anonymousUserID
	if g.authEnabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		userID = g.lookupKey(token)
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"cometx-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx := history.WithSource(r.Context(), "ws")
	ctx = tools.ContextWithUserID(ctx, userID)
	g.serveConn(ctx, conn, userID)
}

func (g *Gateway) serveConn(ctx context.Context, conn *websocket.Conn, userID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	g.logger.Info("websocket client connected", slog.String("user_id", userID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				g.logger.Info("websocket client disconnected", slog.String("user_id", userID))
			} else {
				g.logger.Warn("websocket connection error",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			g.logger.Warn("invalid websocket message",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			if err := g.writeStream(ctx, conn, errorStream("", "invalid message: "+err.Error())); err != nil {
				return
			}
			continue
		}

		if err := g.writeStream(ctx, conn, g.answer(ctx, userID, &req)); err != nil {
			g.logger.Warn("websocket write failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// answer runs one request and shapes the outcome for the wire.
func (g *Gateway) answer(ctx context.Context, userID string, req *protocol.Request) *protocol.StreamResult {
	if req.Type != protocol.MsgExecute {
		return errorStream(req.ID, "unsupported message type: "+string(req.Type))
	}
	if req.Code == "" {
		return errorStream(req.ID, "code is required")
	}
	if !g.allow(userID, "ws") {
		return errorStream(req.ID, "rate limit exceeded")
	}

	ctx = history.WithCorrelationID(ctx, req.ID)
	ctx = history.WithExecutionID(ctx, uuid.NewString())

	res, err := g.executor.Execute(ctx, req.Code, req.Context)
	if err != nil {
		g.logger.ErrorContext(ctx, "websocket execution failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return errorStream(req.ID, "execution failed: "+err.Error())
	}

	out := &protocol.StreamResult{
		Type:            protocol.MsgResult,
		ID:              req.ID,
		Result:          res.Result,
		Logs:            res.Logs,
		ExecutionTimeMs: res.ExecutionTimeMs,
		TimedOut:        res.TimedOut,
		Timestamp:       time.Now().UTC(),
	}
	if !res.Success {
		out.Type = protocol.MsgError
		out.Error = res.Error
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	return out
}

func errorStream(id, msg string) *protocol.StreamResult {
	return &protocol.StreamResult{
		Type:      protocol.MsgError,
		ID:        id,
		Error:     msg,
		Logs:      []string{},
		Timestamp: time.Now().UTC(),
	}
}

func (g *Gateway) writeStream(ctx context.Context, conn *websocket.Conn, msg *protocol.StreamResult) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
