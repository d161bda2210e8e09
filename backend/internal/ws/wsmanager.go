package ws

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"survey-realtime-service/backend/internal/httpapi/middleware"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	hub            *Hub
	fanout         *Fanout
	queueSize      int
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *slog.Logger
}

func NewManager(hub *Hub, fanout *Fanout, queueSize int, allowedOrigins []string) *Manager {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}
	m := &Manager{
		hub:            hub,
		fanout:         fanout,
		queueSize:      queueSize,
		allowedOrigins: allowedOrigins,
		logger:         slog.Default().With("component", "ws"),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.allowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect GET /collab/ws[?sessionId=]。身份由鉴权中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}

	var sessionID uint64
	if raw := c.Query("sessionId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": "invalid sessionId"})
			return
		}
		sessionID = id
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade error", "origin", c.Request.Header.Get("Origin"), "error", err)
		return
	}

	conn := NewConn(wsConn, m.hub, id.UserID, id.Username, m.queueSize)
	m.hub.Register(conn)
	defer conn.Close(websocket.CloseNormalClosure, "bye")

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go conn.writeLoop()

	if sessionID != 0 {
		m.hub.Join(SessionRoom(sessionID), conn)
	}
	_ = m.fanout.Unicast(conn, ServerMessage{
		Type:         "welcome",
		ConnectionID: conn.ID(),
		SessionID:    sessionID,
		Timestamp:    time.Now(),
	})

	// 最后再进入读循环（阻塞至连接关闭）
	conn.readLoop(c.Request.Context())
}
