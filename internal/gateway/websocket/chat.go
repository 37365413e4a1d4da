// Package websocket bridges observer streams onto WebSocket
// connections. One connection maps to one observer on one session.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	"github.com/muxbridge/muxbridge/internal/session/engine"
	"github.com/muxbridge/muxbridge/internal/session/observe"
)

const (
	// writeWait is the deadline for a single WebSocket write.
	writeWait = 10 * time.Second

	// pongWait is how long we wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound user_input messages.
	maxMessageSize = 64 * 1024
)

var chatUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Non-browser clients without an Origin pass.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	requestHost := r.Host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}
	return originURL.Hostname() == requestHost
}

// inboundMessage is the client-to-server message shape.
type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ChatHandler serves /ws/chat/:sessionId.
type ChatHandler struct {
	engine *engine.Engine
	bus    bus.EventBus
	logger *logger.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(eng *engine.Engine, eventBus bus.EventBus, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		engine: eng,
		bus:    eventBus,
		logger: log.WithComponent("chat_ws"),
	}
}

// HandleChatWS upgrades the connection and runs the read/write pumps
// until either side goes away.
func (h *ChatHandler) HandleChatWS(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	// The observer outlives the HTTP handler's request context; its
	// lifetime is the connection's.
	obs, err := observe.New(context.Background(), h.engine, h.bus, sessionID, h.logger)
	if err != nil {
		if err == engine.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("Failed to attach observer",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		obs.Close()
		h.logger.Error("WebSocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	h.logger.Info("Chat WebSocket connected",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go h.writePump(conn, obs, sessionID)
	h.readPump(conn, obs, sessionID, clientID)
}

// readPump consumes client messages until the connection drops. Closing
// the observer here unblocks the write pump.
func (h *ChatHandler) readPump(conn *gorillaws.Conn, obs *observe.Observer, sessionID, clientID string) {
	defer func() {
		obs.Close()
		conn.Close()
		h.logger.Info("Chat WebSocket disconnected",
			zap.String("session_id", sessionID),
			zap.String("client_id", clientID))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed client message",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if msg.Type != "user_input" || strings.TrimSpace(msg.Text) == "" {
			continue
		}

		if err := h.engine.Submit(context.Background(), sessionID, clientID, msg.Text); err != nil {
			h.logger.Error("Submit failed",
				zap.String("session_id", sessionID),
				zap.String("client_id", clientID),
				zap.Error(err))
		}
	}
}

// writePump forwards observer frames to the peer and keeps the
// connection alive with pings.
func (h *ChatHandler) writePump(conn *gorillaws.Conn, obs *observe.Observer, sessionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-obs.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(gorillaws.TextMessage, frame); err != nil {
				h.logger.Debug("WebSocket write error",
					zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
