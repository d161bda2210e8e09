package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"survey-realtime-service/backend/internal/detector"
	"survey-realtime-service/backend/internal/entity"
)

// 删除 scope 索引里登记的全部分析键以及索引本身，分批 DEL 避免 unpack 过长
// KEYS[1] = analyticsIndexKey(scope)
const invalidateScopeScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local n = #members
local i = 1
while i <= n do
	local j = math.min(i + 499, n)
	redis.call("DEL", unpack(members, i, j))
	i = j + 1
end
redis.call("DEL", KEYS[1])
return n
`

var invalidateScope = redis.NewScript(invalidateScopeScript)

// CachedResponse 缓存里的 response 形态
type CachedResponse struct {
	ID           uint64    `json:"id"`
	CompanyID    uint64    `json:"companyId"`
	SurveyID     uint64    `json:"surveyId"`
	RespondentID string    `json:"respondentId,omitempty"`
	Answers      string    `json:"answers,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Coordinator 基于 redis 的缓存协调器：单条 response 缓存 + company/survey 维度的聚合缓存
type Coordinator struct {
	rdb redis.UniversalClient
	sf  singleflight.Group
}

// 确保 Coordinator 实现了 detector.CacheCoordinator 接口
var _ detector.CacheCoordinator = (*Coordinator)(nil)

func NewCoordinator(rdb redis.UniversalClient) *Coordinator {
	return &Coordinator{rdb: rdb}
}

func (c *Coordinator) CacheEntity(ctx context.Context, row entity.SurveyResponse) error {
	b, err := json.Marshal(CachedResponse{
		ID:           row.ID,
		CompanyID:    row.CompanyID,
		SurveyID:     row.SurveyID,
		RespondentID: row.RespondentID,
		Answers:      row.Answers,
		CreatedAt:    row.CreatedAt,
	})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, responseKey(row.ID), b, jitteredTTL(EntityBaseTTL)).Err(); err != nil {
		return fmt.Errorf("cache response %d: %w", row.ID, err)
	}
	return nil
}

// GetEntity 未命中返回 nil, nil
func (c *Coordinator) GetEntity(ctx context.Context, responseID uint64) (*CachedResponse, error) {
	b, err := c.rdb.Get(ctx, responseKey(responseID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out CachedResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Coordinator) InvalidateByCompany(ctx context.Context, companyID uint64) error {
	_, err := c.invalidate(ctx, CompanyScope(companyID))
	return err
}

func (c *Coordinator) InvalidateBySurvey(ctx context.Context, surveyID uint64) error {
	_, err := c.invalidate(ctx, SurveyScope(surveyID))
	return err
}

func (c *Coordinator) invalidate(ctx context.Context, scope Scope) (int64, error) {
	n, err := invalidateScope.Run(ctx, c.rdb, []string{analyticsIndexKey(scope)}).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("invalidate %s: %w", scope, err)
	}
	return n, nil
}

// GetOrLoad 聚合分析的读穿缓存：命中直接返回，未命中调用 load 回源并登记到 scope 索引。
// 同一个键的并发回源用 singleflight 合并
func (c *Coordinator) GetOrLoad(ctx context.Context, scope Scope, name string, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	key := analyticsKey(scope, name)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}

		b, err = load(ctx)
		if err != nil {
			return nil, err
		}
		ttl := jitteredTTL(AnalyticsBaseTTL)
		tx := c.rdb.TxPipeline()
		tx.Set(ctx, key, b, ttl)
		tx.SAdd(ctx, analyticsIndexKey(scope), key)
		// 索引比任何成员活得久
		tx.Expire(ctx, analyticsIndexKey(scope), AnalyticsBaseTTL+Jitter)
		if _, err := tx.Exec(ctx); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会panic
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errors.New("internal type error")
}
