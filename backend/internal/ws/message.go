package ws

import (
	"fmt"
	"time"
)

// 客户端 → 服务端
type ClientMessage struct {
	Type      string `json:"type"` // heartbeat / subscribe / unsubscribe
	SessionID uint64 `json:"sessionId,omitempty"`
}

const (
	ClientHeartbeat   = "heartbeat"
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
)

// 服务端 → 客户端的控制类消息（welcome / feedback / error）
type ServerMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId,omitempty"`
	SessionID    uint64    `json:"sessionId,omitempty"`
	Content      string    `json:"content,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SessionEvent 协作事件：participant 加入/离开、光标移动、变更记录、评论
// {"type":"changeRecorded","sessionId":1,"payload":{...}}
type SessionEvent struct {
	Type      string      `json:"type"`
	SessionID uint64      `json:"sessionId"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	EventParticipantJoined = "participantJoined"
	EventParticipantLeft   = "participantLeft"
	EventParticipantStatus = "participantStatus"
	EventCursorMoved       = "cursorMoved"
	EventChangeRecorded    = "changeRecorded"
	EventCommentPosted     = "commentPosted"
	EventCommentResolved   = "commentResolved"
	EventSessionClosed     = "sessionClosed"
)

func NewSessionEvent(eventType string, sessionID uint64, payload interface{}) SessionEvent {
	return SessionEvent{Type: eventType, SessionID: sessionID, Payload: payload, Timestamp: time.Now()}
}

// SessionRoom 协作会话对应的房间名
func SessionRoom(sessionID uint64) string { return fmt.Sprintf("session:%d", sessionID) }
