package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"survey-realtime-service/backend/internal/entity"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "survey:response:{responseID:42}", responseKey(42))
	assert.Equal(t, "analytics:{company:7}:nps", analyticsKey(CompanyScope(7), "nps"))
	assert.Equal(t, "analytics:index:{survey:9}", analyticsIndexKey(SurveyScope(9)))
	assert.Equal(t, "company:7", CompanyScope(7).String())
}

func TestJitteredTTL(t *testing.T) {
	for i := 0; i < 100; i++ {
		ttl := jitteredTTL(AnalyticsBaseTTL)
		assert.GreaterOrEqual(t, ttl, AnalyticsBaseTTL)
		assert.Less(t, ttl, AnalyticsBaseTTL+Jitter)
	}
}

func TestCoordinator_CacheEntity(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	c := NewCoordinator(rdb)
	t.Cleanup(func() { rdb.Del(ctx, responseKey(900001)) })

	row := entity.SurveyResponse{ID: 900001, CompanyID: 3, SurveyID: 4, Answers: `{"q1":5}`, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, c.CacheEntity(ctx, row))

	got, err := c.GetEntity(ctx, 900001)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.CompanyID)
	assert.Equal(t, `{"q1":5}`, got.Answers)

	ttl, err := rdb.TTL(ctx, responseKey(900001)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	miss, err := c.GetEntity(ctx, 900002)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestCoordinator_GetOrLoadAndInvalidate(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	c := NewCoordinator(rdb)
	scope := CompanyScope(900100)
	t.Cleanup(func() {
		rdb.Del(ctx, analyticsKey(scope, "summary"), analyticsKey(scope, "trend"), analyticsIndexKey(scope))
	})

	var loads atomic.Int32
	loader := func(ctx context.Context) ([]byte, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte(`{"responses":10}`), nil
	}

	// 并发未命中只回源一次
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := c.GetOrLoad(ctx, scope, "summary", loader)
			assert.NoError(t, err)
			assert.JSONEq(t, `{"responses":10}`, string(b))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())

	_, err := c.GetOrLoad(ctx, scope, "trend", loader)
	require.NoError(t, err)
	members, err := rdb.SMembers(ctx, analyticsIndexKey(scope)).Result()
	require.NoError(t, err)
	assert.Len(t, members, 2)

	n, err := c.invalidate(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	exists, err := rdb.Exists(ctx, analyticsKey(scope, "summary"), analyticsKey(scope, "trend"), analyticsIndexKey(scope)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// 失效后重新回源
	_, err = c.GetOrLoad(ctx, scope, "summary", loader)
	require.NoError(t, err)
	assert.Equal(t, int32(3), loads.Load())

	require.NoError(t, c.InvalidateByCompany(ctx, 900100))
	// 空 scope 失效不报错
	require.NoError(t, c.InvalidateBySurvey(ctx, 900200))
}

func TestCoordinator_GetOrLoadPropagatesLoaderError(t *testing.T) {
	rdb := newTestRedis(t)
	c := NewCoordinator(rdb)

	_, err := c.GetOrLoad(context.Background(), SurveyScope(900300), "broken", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("warehouse offline")
	})
	require.ErrorContains(t, err, "warehouse offline")
}
