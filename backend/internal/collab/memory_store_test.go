package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*InMemoryStore, *time.Time) {
	t.Helper()
	s := NewInMemoryStore()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func mustSession(t *testing.T, s *InMemoryStore) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), NewSession{
		Name:       "Q3 NPS",
		CompanyID:  7,
		CreatedBy:  1,
		EntityType: "survey_template",
		EntityID:   "42",
		Settings:   json.RawMessage(`{"mode":"edit"}`),
	})
	require.NoError(t, err)
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a := mustSession(t, s)
	b := mustSession(t, s)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.IsActive)

	got, err := s.GetSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	// 返回的是副本
	got.Settings[0] = 'X'
	again, _ := s.GetSession(ctx, a.ID)
	assert.JSONEq(t, `{"mode":"edit"}`, string(again.Settings))

	missing, err := s.GetSession(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestJoinSessionUpsert(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	sess := mustSession(t, s)

	first, err := s.JoinSession(ctx, sess.ID, 5, StatusOnline)
	require.NoError(t, err)
	joinedAt := first.JoinedAt

	*clock = clock.Add(time.Minute)
	second, err := s.JoinSession(ctx, sess.ID, 5, StatusAway)
	require.NoError(t, err)
	assert.Equal(t, StatusAway, second.Status)
	assert.Equal(t, joinedAt, second.JoinedAt)
	assert.Equal(t, *clock, second.LastActiveAt)

	ps, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, StatusAway, ps[0].Status)

	p, err := s.JoinSession(ctx, 999, 5, StatusOnline)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestJoinSessionConcurrentSingleRecord(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	sess := mustSession(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.JoinSession(ctx, sess.ID, uint64(i%5), StatusOnline)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ps, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 5)
}

func TestUpdateParticipantNotJoined(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	sess := mustSession(t, s)

	p, err := s.UpdateParticipantCursor(ctx, sess.ID, 9, []byte(`{"line":1}`))
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.UpdateParticipantStatus(ctx, sess.ID, 9, StatusAway)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = s.JoinSession(ctx, sess.ID, 9, "")
	require.NoError(t, err)

	p, err = s.UpdateParticipantCursor(ctx, sess.ID, 9, []byte(`{"line":3,"column":4}`))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.JSONEq(t, `{"line":3,"column":4}`, string(p.Cursor))
	assert.Equal(t, StatusOnline, p.Status)

	p, err = s.UpdateParticipantStatus(ctx, sess.ID, 9, StatusAway)
	require.NoError(t, err)
	assert.Equal(t, StatusAway, p.Status)
	assert.JSONEq(t, `{"line":3,"column":4}`, string(p.Cursor))
}

func TestRecordChangeImmutable(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	sess := mustSession(t, s)

	data := json.RawMessage(`{"title":"v1"}`)
	ch, err := s.RecordChange(ctx, sess.ID, 1, NewChange{EntityType: "question", EntityID: "q1", ChangeType: "update", ChangeData: data})
	require.NoError(t, err)
	stamp := ch.Timestamp

	// 修改入参和返回值都不影响已存条目
	data[2] = 'X'
	ch.ChangeData[2] = 'Y'
	ch.Timestamp = time.Time{}

	*clock = clock.Add(time.Second)
	_, err = s.RecordChange(ctx, sess.ID, 2, NewChange{EntityType: "question", EntityID: "q2", ChangeType: "update", ChangeData: json.RawMessage(`{}`)})
	require.NoError(t, err)

	changes, err := s.ListChanges(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.JSONEq(t, `{"title":"v1"}`, string(changes[0].ChangeData))
	assert.Equal(t, stamp, changes[0].Timestamp)
	assert.Less(t, changes[0].ID, changes[1].ID)
}

func TestLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	sess := mustSession(t, s)

	for i, v := range []string{"a", "b", "c"} {
		_, err := s.RecordChange(ctx, sess.ID, uint64(i+1), NewChange{
			EntityType: "question", EntityID: "q1", ChangeType: "update",
			ChangeData: json.RawMessage(fmt.Sprintf(`{"title":%q}`, v)),
		})
		require.NoError(t, err)
		_, err = s.RecordChange(ctx, sess.ID, 9, NewChange{EntityType: "question", EntityID: "q2", ChangeType: "update"})
		require.NoError(t, err)
	}

	forEntity, err := s.ListChangesForEntity(ctx, sess.ID, "question", "q1")
	require.NoError(t, err)
	require.Len(t, forEntity, 3)
	assert.JSONEq(t, `{"title":"a"}`, string(forEntity[0].ChangeData))

	cur, err := s.CurrentValue(ctx, sess.ID, "question", "q1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.JSONEq(t, `{"title":"c"}`, string(cur.ChangeData))
	assert.Equal(t, uint64(3), cur.UserID)

	none, err := s.CurrentValue(ctx, sess.ID, "question", "nope")
	require.NoError(t, err)
	assert.Nil(t, none)

	ch, err := s.RecordChange(ctx, 999, 1, NewChange{EntityType: "question"})
	require.NoError(t, err)
	assert.Nil(t, ch)
}

func TestCommentThreadingAndResolve(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	sess := mustSession(t, s)

	c1, err := s.PostComment(ctx, sess.ID, 1, NewComment{Content: "wording?", EntityType: "question", EntityID: "q1"})
	require.NoError(t, err)
	reply, err := s.PostComment(ctx, sess.ID, 2, NewComment{Content: "fixed", ParentID: &c1.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ParentID)
	assert.Equal(t, c1.ID, *reply.ParentID)

	*clock = clock.Add(time.Minute)
	resolved := true
	got, err := s.ResolveComment(ctx, c1.ID, CommentPatch{IsResolved: &resolved})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsResolved)
	assert.Equal(t, "wording?", got.Content)
	require.NotNil(t, got.UpdatedAt)
	assert.Equal(t, *clock, *got.UpdatedAt)

	comments, err := s.ListComments(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.True(t, comments[0].IsResolved)
	assert.False(t, comments[1].IsResolved)
	assert.Equal(t, "fixed", comments[1].Content)

	missing, err := s.ResolveComment(ctx, 999, CommentPatch{IsResolved: &resolved})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommentParentValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := mustSession(t, s)
	b := mustSession(t, s)

	inA, err := s.PostComment(ctx, a.ID, 1, NewComment{Content: "root"})
	require.NoError(t, err)

	_, err = s.PostComment(ctx, b.ID, 1, NewComment{Content: "cross", ParentID: &inA.ID})
	require.ErrorIs(t, err, ErrParentMismatch)

	ghost := uint64(12345)
	_, err = s.PostComment(ctx, a.ID, 1, NewComment{Content: "orphan", ParentID: &ghost})
	require.ErrorIs(t, err, ErrParentNotFound)

	comments, _ := s.ListComments(ctx, b.ID)
	assert.Empty(t, comments)
}

func TestCloseSessionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	sess := mustSession(t, s)
	_, err := s.JoinSession(ctx, sess.ID, 1, StatusOnline)
	require.NoError(t, err)
	c, err := s.PostComment(ctx, sess.ID, 1, NewComment{Content: "x"})
	require.NoError(t, err)

	closed, err := s.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)

	_, err = s.JoinSession(ctx, sess.ID, 2, StatusOnline)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.UpdateParticipantCursor(ctx, sess.ID, 1, []byte(`{}`))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.RecordChange(ctx, sess.ID, 1, NewChange{EntityType: "q"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.PostComment(ctx, sess.ID, 1, NewComment{Content: "y"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	resolved := true
	_, err = s.ResolveComment(ctx, c.ID, CommentPatch{IsResolved: &resolved})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// 读不受影响
	ps, err := s.ListParticipants(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 1)

	// 幂等
	again, err := s.CloseSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, again.IsActive)

	none, err := s.CloseSession(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSweepIdle(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	idle := mustSession(t, s)
	busy := mustSession(t, s)

	*clock = clock.Add(time.Hour)
	_, err := s.RecordChange(ctx, busy.ID, 1, NewChange{EntityType: "q", EntityID: "1", ChangeType: "update"})
	require.NoError(t, err)

	closed, err := s.SweepIdle(ctx, clock.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uint64{idle.ID}, closed)

	got, _ := s.GetSession(ctx, idle.ID)
	assert.False(t, got.IsActive)
	got, _ = s.GetSession(ctx, busy.ID)
	assert.True(t, got.IsActive)

	// 已关闭的不再重复返回
	closed, err = s.SweepIdle(ctx, clock.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, closed)
}
