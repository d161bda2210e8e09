package collab

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionClosed  = errors.New("SESSION_CLOSED")
	ErrParentNotFound = errors.New("PARENT_NOT_FOUND")
	ErrParentMismatch = errors.New("PARENT_IN_OTHER_SESSION")
)

// Store 协作状态的权威存储。
// 查找不到（会话/参与者/评论）不算错误：返回 nil, nil，由调用方分支处理
type Store interface {
	CreateSession(ctx context.Context, in NewSession) (*Session, error)
	GetSession(ctx context.Context, id uint64) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	CloseSession(ctx context.Context, id uint64) (*Session, error)
	// SweepIdle 关闭 cutoff 之后没有任何活动的会话，返回被关闭的 id
	SweepIdle(ctx context.Context, cutoff time.Time) ([]uint64, error)

	JoinSession(ctx context.Context, sessionID, userID uint64, status string) (*Participant, error)
	UpdateParticipantCursor(ctx context.Context, sessionID, userID uint64, position []byte) (*Participant, error)
	UpdateParticipantStatus(ctx context.Context, sessionID, userID uint64, status string) (*Participant, error)
	ListParticipants(ctx context.Context, sessionID uint64) ([]*Participant, error)

	RecordChange(ctx context.Context, sessionID, userID uint64, in NewChange) (*Change, error)
	ListChanges(ctx context.Context, sessionID uint64) ([]*Change, error)
	ListChangesForEntity(ctx context.Context, sessionID uint64, entityType, entityID string) ([]*Change, error)
	// CurrentValue 该实体最后一次变更（last-write-wins）
	CurrentValue(ctx context.Context, sessionID uint64, entityType, entityID string) (*Change, error)

	PostComment(ctx context.Context, sessionID, userID uint64, in NewComment) (*Comment, error)
	ListComments(ctx context.Context, sessionID uint64) ([]*Comment, error)
	ResolveComment(ctx context.Context, commentID uint64, patch CommentPatch) (*Comment, error)
}
