package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096

	DefaultSendQueueSize = 256
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("connection send buffer full")
)

// Conn 包装一个 websocket 连接。出站消息走有界队列，由 writeLoop 单独写出；
// 队列满说明客户端跟不上，丢弃本条并断开连接
type Conn struct {
	id       string
	userID   uint64
	username string

	ws  *websocket.Conn
	hub *Hub

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	open      atomic.Bool

	logger *slog.Logger
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	c := &Conn{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		ws:       ws,
		hub:      hub,
		send:     make(chan []byte, queueSize),
		closed:   make(chan struct{}),
		logger:   slog.Default().With("component", "ws"),
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() uint64   { return c.userID }
func (c *Conn) Username() string { return c.username }
func (c *Conn) IsOpen() bool     { return c.open.Load() }

// Send 非阻塞入队
func (c *Conn) Send(payload []byte) error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close 幂等；send 通道不关闭，writeLoop 通过 closed 退出
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.closed)
		if c.hub != nil {
			c.hub.Unregister(c)
		}
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "conn", c.id, "user", c.userID, "error", err)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// readLoop 阻塞直到连接断开；只处理房间订阅和心跳
func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.InfoContext(ctx, "read json error", "conn", c.id, "user", c.userID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case ClientHeartbeat:
			c.reply(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
		case ClientSubscribe:
			if msg.SessionID == 0 {
				c.reply(ServerMessage{Type: "error", Content: "sessionId required"})
				continue
			}
			c.hub.Join(SessionRoom(msg.SessionID), c)
			c.reply(ServerMessage{Type: "subscribed", SessionID: msg.SessionID})
		case ClientUnsubscribe:
			c.hub.Leave(SessionRoom(msg.SessionID), c)
			c.reply(ServerMessage{Type: "unsubscribed", SessionID: msg.SessionID})
		default:
			// 忽略未知类型，回一条提示
			c.reply(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) reply(msg ServerMessage) {
	msg.Timestamp = time.Now()
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.Send(b)
}
