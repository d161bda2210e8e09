package cache

import (
	"math/rand"
	"time"
)

const (
	EntityBaseTTL    = 1 * time.Hour    // 单条 response 缓存
	AnalyticsBaseTTL = 10 * time.Minute // 聚合分析缓存，依赖主动失效，TTL 只是兜底
	Jitter           = 2 * time.Minute  // 随机抖动范围
)

// 获取随机TTL，防止缓存雪崩
func jitteredTTL(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(Jitter)))
}
