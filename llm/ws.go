package llm

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 64 * 1024
	wsIdleExpiry = 5 * time.Minute
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsGenerateRequest struct {
	UserID  uint64 `json:"user_id"`
	Content string `json:"content"`
}

type wsEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Message any    `json:"message,omitempty"`
}

// handleWebsocket streams generated replies over a websocket. Each text frame
// from the client is one generation request for the session; deltas and the
// persisted reply flow back as JSON frames.
func (m *Module) handleWebsocket(c *gin.Context) {
	sessionID, ok := parseSessionID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	session, err := m.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		respondStoreError(c, err, "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("llm: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	send := func(event wsEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(event)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleExpiry))

		var req wsGenerateRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("llm: websocket read failed: %v", err)
			}
			return
		}
		if req.UserID == 0 || req.Content == "" {
			if err := send(wsEvent{Type: "error", Error: "user_id and content are required"}); err != nil {
				return
			}
			continue
		}

		plan, err := m.buildGenerationPlan(ctx, req.UserID, session, req.Content, 0, nil, nil)
		if err != nil {
			if sendErr := send(wsEvent{Type: "error", Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		userMsg, err := m.deps.Sessions.AppendMessage(ctx, sessionID, "user", req.Content, nil)
		if err != nil {
			if sendErr := send(wsEvent{Type: "error", Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}
		if err := send(wsEvent{Type: "message", Message: userMsg}); err != nil {
			return
		}

		stop := m.durations.startTimer("generation")
		result, err := m.client.ChatStream(ctx, plan.params, plan.messages, func(delta ChatStreamDelta) error {
			if delta.Done || delta.Content == "" {
				return nil
			}
			return send(wsEvent{Type: "delta", Content: delta.Content})
		})
		stop()
		if err != nil {
			if sendErr := send(wsEvent{Type: "error", Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		assistantMsg, err := m.deps.Sessions.AppendMessage(ctx, sessionID, "assistant", result.Content, usageExtras(result.Usage))
		if err != nil {
			if sendErr := send(wsEvent{Type: "error", Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}
		if err := send(wsEvent{Type: "done", Message: assistantMsg}); err != nil {
			return
		}
	}
}
