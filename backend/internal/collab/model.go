package collab

import (
	"encoding/json"
	"time"
)

// 参与者状态，调用方也可以传自定义值
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Session 一个协作上下文，对应一个被编辑的实体（如问卷模板）
type Session struct {
	ID         uint64          `json:"id"`
	Name       string          `json:"name"`
	CompanyID  uint64          `json:"companyId"`
	CreatedBy  uint64          `json:"createdBy"`
	IsActive   bool            `json:"isActive"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type NewSession struct {
	Name       string          `json:"name"`
	CompanyID  uint64          `json:"companyId"`
	CreatedBy  uint64          `json:"createdBy"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Settings   json.RawMessage `json:"settings,omitempty"`
}

// Participant 每个 (sessionId, userId) 至多一条
type Participant struct {
	SessionID    uint64          `json:"sessionId"`
	UserID       uint64          `json:"userId"`
	Status       string          `json:"status"`
	Cursor       json.RawMessage `json:"cursorPosition,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
}

// Change 只追加、不可变的变更日志条目
type Change struct {
	ID         uint64          `json:"id"`
	SessionID  uint64          `json:"sessionId"`
	UserID     uint64          `json:"userId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ChangeType string          `json:"changeType"`
	ChangeData json.RawMessage `json:"changeData,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type NewChange struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ChangeType string          `json:"changeType"`
	ChangeData json.RawMessage `json:"changeData,omitempty"`
}

// Comment 评论；ParentID 指向同一会话内的父评论
type Comment struct {
	ID         uint64          `json:"id"`
	SessionID  uint64          `json:"sessionId"`
	UserID     uint64          `json:"userId"`
	Content    string          `json:"content"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	Position   json.RawMessage `json:"position,omitempty"`
	ParentID   *uint64         `json:"parentId,omitempty"`
	IsResolved bool            `json:"isResolved"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
}

type NewComment struct {
	Content    string          `json:"content"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	Position   json.RawMessage `json:"position,omitempty"`
	ParentID   *uint64         `json:"parentId,omitempty"`
}

// CommentPatch 评论唯一可变的字段
type CommentPatch struct {
	IsResolved *bool `json:"isResolved"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func (s Session) clone() *Session {
	s.Settings = cloneRaw(s.Settings)
	return &s
}

func (p Participant) clone() *Participant {
	p.Cursor = cloneRaw(p.Cursor)
	return &p
}

func (c Change) clone() *Change {
	c.ChangeData = cloneRaw(c.ChangeData)
	return &c
}

func (c Comment) clone() *Comment {
	c.Position = cloneRaw(c.Position)
	if c.ParentID != nil {
		pid := *c.ParentID
		c.ParentID = &pid
	}
	if c.UpdatedAt != nil {
		at := *c.UpdatedAt
		c.UpdatedAt = &at
	}
	return &c
}
