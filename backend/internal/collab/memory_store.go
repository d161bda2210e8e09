package collab

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type sessionState struct {
	mu sync.RWMutex

	session Session
	// userID -> participant；order 保留加入顺序
	participants map[uint64]*Participant
	order        []uint64
	// 只追加
	changes  []Change
	comments []*Comment
	// commentID -> 下标
	commentPos map[uint64]int
}

// InMemoryStore 进程内实现。
// 锁顺序：先 s.mu，再 sessionState.mu，反过来不允许
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[uint64]*sessionState
	// 评论 id 全局唯一，二级索引 commentID -> sessionID
	commentIndex map[uint64]uint64

	sessionSeq atomic.Uint64
	changeSeq  atomic.Uint64
	commentSeq atomic.Uint64

	now func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[uint64]*sessionState),
		commentIndex: make(map[uint64]uint64),
		now:          time.Now,
	}
}

func (s *InMemoryStore) get(id uint64) *sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *InMemoryStore) CreateSession(_ context.Context, in NewSession) (*Session, error) {
	now := s.now()
	st := &sessionState{
		session: Session{
			ID:         s.sessionSeq.Add(1),
			Name:       in.Name,
			CompanyID:  in.CompanyID,
			CreatedBy:  in.CreatedBy,
			IsActive:   true,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Settings:   cloneRaw(in.Settings),
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		participants: make(map[uint64]*Participant),
		commentPos:   make(map[uint64]int),
	}

	s.mu.Lock()
	s.sessions[st.session.ID] = st
	s.mu.Unlock()
	return st.session.clone(), nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id uint64) (*Session, error) {
	st := s.get(id)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.session.clone(), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	states := make([]*sessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]*Session, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		out = append(out, st.session.clone())
		st.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CloseSession 幂等；关闭后的会话仍可读，写操作返回 ErrSessionClosed
func (s *InMemoryStore) CloseSession(_ context.Context, id uint64) (*Session, error) {
	st := s.get(id)
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session.IsActive {
		st.session.IsActive = false
		st.session.UpdatedAt = s.now()
	}
	return st.session.clone(), nil
}

func (s *InMemoryStore) SweepIdle(ctx context.Context, cutoff time.Time) ([]uint64, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var closed []uint64
	for _, sess := range sessions {
		if !sess.IsActive || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		st := s.get(sess.ID)
		st.mu.Lock()
		// 加锁后重新判断，期间可能有新活动
		if st.session.IsActive && st.session.UpdatedAt.Before(cutoff) {
			st.session.IsActive = false
			st.session.UpdatedAt = s.now()
			closed = append(closed, sess.ID)
		}
		st.mu.Unlock()
	}
	return closed, nil
}

// writable 取会话写锁。会话不存在返回 nil；已关闭返回 ErrSessionClosed。
// 成功时调用方负责 Unlock
func (s *InMemoryStore) writable(id uint64) (*sessionState, error) {
	st := s.get(id)
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	if !st.session.IsActive {
		st.mu.Unlock()
		return nil, ErrSessionClosed
	}
	return st, nil
}

// JoinSession upsert：同一用户再次加入只更新状态
func (s *InMemoryStore) JoinSession(_ context.Context, sessionID, userID uint64, status string) (*Participant, error) {
	st, err := s.writable(sessionID)
	if st == nil {
		return nil, err
	}
	defer st.mu.Unlock()

	if status == "" {
		status = StatusOnline
	}
	now := s.now()
	p, ok := st.participants[userID]
	if ok {
		p.Status = status
		p.LastActiveAt = now
	} else {
		p = &Participant{
			SessionID:    sessionID,
			UserID:       userID,
			Status:       status,
			JoinedAt:     now,
			LastActiveAt: now,
		}
		st.participants[userID] = p
		st.order = append(st.order, userID)
	}
	st.session.UpdatedAt = now
	return p.clone(), nil
}

func (s *InMemoryStore) UpdateParticipantCursor(_ context.Context, sessionID, userID uint64, position []byte) (*Participant, error) {
	return s.updateParticipant(sessionID, userID, func(p *Participant) {
		p.Cursor = cloneRaw(position)
	})
}

func (s *InMemoryStore) UpdateParticipantStatus(_ context.Context, sessionID, userID uint64, status string) (*Participant, error) {
	return s.updateParticipant(sessionID, userID, func(p *Participant) {
		p.Status = status
	})
}

// 未加入时返回 nil, nil
func (s *InMemoryStore) updateParticipant(sessionID, userID uint64, apply func(*Participant)) (*Participant, error) {
	st, err := s.writable(sessionID)
	if st == nil {
		return nil, err
	}
	defer st.mu.Unlock()

	p, ok := st.participants[userID]
	if !ok {
		return nil, nil
	}
	now := s.now()
	apply(p)
	p.LastActiveAt = now
	st.session.UpdatedAt = now
	return p.clone(), nil
}

func (s *InMemoryStore) ListParticipants(_ context.Context, sessionID uint64) ([]*Participant, error) {
	st := s.get(sessionID)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Participant, 0, len(st.order))
	for _, uid := range st.order {
		out = append(out, st.participants[uid].clone())
	}
	return out, nil
}

// RecordChange 追加一条变更，不做冲突检测
func (s *InMemoryStore) RecordChange(_ context.Context, sessionID, userID uint64, in NewChange) (*Change, error) {
	st, err := s.writable(sessionID)
	if st == nil {
		return nil, err
	}
	defer st.mu.Unlock()

	ch := Change{
		ID:         s.changeSeq.Add(1),
		SessionID:  sessionID,
		UserID:     userID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		ChangeType: in.ChangeType,
		ChangeData: cloneRaw(in.ChangeData),
		Timestamp:  s.now(),
	}
	st.changes = append(st.changes, ch)
	st.session.UpdatedAt = ch.Timestamp
	if p, ok := st.participants[userID]; ok {
		p.LastActiveAt = ch.Timestamp
	}
	return ch.clone(), nil
}

func (s *InMemoryStore) ListChanges(_ context.Context, sessionID uint64) ([]*Change, error) {
	return s.filterChanges(sessionID, func(*Change) bool { return true }), nil
}

func (s *InMemoryStore) ListChangesForEntity(_ context.Context, sessionID uint64, entityType, entityID string) ([]*Change, error) {
	return s.filterChanges(sessionID, func(c *Change) bool {
		return c.EntityType == entityType && c.EntityID == entityID
	}), nil
}

func (s *InMemoryStore) filterChanges(sessionID uint64, keep func(*Change) bool) []*Change {
	st := s.get(sessionID)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Change, 0)
	for i := range st.changes {
		if keep(&st.changes[i]) {
			out = append(out, st.changes[i].clone())
		}
	}
	return out
}

func (s *InMemoryStore) CurrentValue(_ context.Context, sessionID uint64, entityType, entityID string) (*Change, error) {
	st := s.get(sessionID)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	// 从尾部找，追加顺序即先后顺序
	for i := len(st.changes) - 1; i >= 0; i-- {
		c := &st.changes[i]
		if c.EntityType == entityType && c.EntityID == entityID {
			return c.clone(), nil
		}
	}
	return nil, nil
}

// PostComment 父评论必须已存在且属于同一会话
func (s *InMemoryStore) PostComment(_ context.Context, sessionID, userID uint64, in NewComment) (*Comment, error) {
	if in.ParentID != nil {
		s.mu.RLock()
		parentSession, ok := s.commentIndex[*in.ParentID]
		s.mu.RUnlock()
		if !ok {
			return nil, ErrParentNotFound
		}
		if parentSession != sessionID {
			return nil, ErrParentMismatch
		}
	}

	st, err := s.writable(sessionID)
	if st == nil {
		return nil, err
	}

	c := &Comment{
		ID:         s.commentSeq.Add(1),
		SessionID:  sessionID,
		UserID:     userID,
		Content:    in.Content,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Position:   cloneRaw(in.Position),
		CreatedAt:  s.now(),
	}
	if in.ParentID != nil {
		pid := *in.ParentID
		c.ParentID = &pid
	}
	st.commentPos[c.ID] = len(st.comments)
	st.comments = append(st.comments, c)
	st.session.UpdatedAt = c.CreatedAt
	out := c.clone()
	st.mu.Unlock()

	// 会话锁释放后再写全局索引，保持锁顺序
	s.mu.Lock()
	s.commentIndex[c.ID] = sessionID
	s.mu.Unlock()
	return out, nil
}

func (s *InMemoryStore) ListComments(_ context.Context, sessionID uint64) ([]*Comment, error) {
	st := s.get(sessionID)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Comment, 0, len(st.comments))
	for _, c := range st.comments {
		out = append(out, c.clone())
	}
	return out, nil
}

// ResolveComment 通过二级索引定位评论，只改 isResolved 和 updatedAt
func (s *InMemoryStore) ResolveComment(_ context.Context, commentID uint64, patch CommentPatch) (*Comment, error) {
	s.mu.RLock()
	sessionID, ok := s.commentIndex[commentID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	st, err := s.writable(sessionID)
	if st == nil {
		return nil, err
	}
	defer st.mu.Unlock()

	pos, ok := st.commentPos[commentID]
	if !ok {
		return nil, nil
	}
	c := st.comments[pos]
	now := s.now()
	if patch.IsResolved != nil {
		c.IsResolved = *patch.IsResolved
	}
	c.UpdatedAt = &now
	st.session.UpdatedAt = now
	return c.clone(), nil
}
