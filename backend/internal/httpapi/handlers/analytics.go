package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"survey-realtime-service/backend/internal/cache"
	"survey-realtime-service/backend/internal/store"
)

const summaryName = "summary"

// AnalyticsCache 由 cache.Coordinator 实现
type AnalyticsCache interface {
	GetOrLoad(ctx context.Context, scope cache.Scope, name string, load func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// ResponseCache 由 cache.Coordinator 实现，detector 每交付一行就写一次
type ResponseCache interface {
	GetEntity(ctx context.Context, responseID uint64) (*cache.CachedResponse, error)
}

// SummarySource 由 store.ResponseStore 实现
type SummarySource interface {
	SummaryByCompany(ctx context.Context, companyID uint64) (store.ResponseSummary, error)
	SummaryBySurvey(ctx context.Context, surveyID uint64) (store.ResponseSummary, error)
}

// Analytics 聚合统计的读穿缓存入口。
// 新回答到达时 detector 会按 company/survey 失效这里的缓存
type Analytics struct {
	cache     AnalyticsCache
	responses ResponseCache
	source    SummarySource
}

func NewAnalytics(cache AnalyticsCache, responses ResponseCache, source SummarySource) *Analytics {
	return &Analytics{cache: cache, responses: responses, source: source}
}

func (h *Analytics) Register(rg *gin.RouterGroup) {
	rg.GET("/companies/:companyID/summary", h.CompanySummary)
	rg.GET("/surveys/:surveyID/summary", h.SurveySummary)
	rg.GET("/responses/:responseID", h.RecentResponse)
}

// RecentResponse 只查缓存：最近被检测到的回答，过期即 404
func (h *Analytics) RecentResponse(c *gin.Context) {
	id, ok := uintParam(c, "responseID")
	if !ok {
		return
	}
	resp, err := h.responses.GetEntity(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "read cache failed"})
		return
	}
	if resp == nil {
		notFound(c, "response not cached")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Analytics) CompanySummary(c *gin.Context) {
	id, ok := uintParam(c, "companyID")
	if !ok {
		return
	}
	h.serve(c, cache.CompanyScope(id), func(ctx context.Context) (store.ResponseSummary, error) {
		return h.source.SummaryByCompany(ctx, id)
	})
}

func (h *Analytics) SurveySummary(c *gin.Context) {
	id, ok := uintParam(c, "surveyID")
	if !ok {
		return
	}
	h.serve(c, cache.SurveyScope(id), func(ctx context.Context) (store.ResponseSummary, error) {
		return h.source.SummaryBySurvey(ctx, id)
	})
}

func (h *Analytics) serve(c *gin.Context, scope cache.Scope, load func(context.Context) (store.ResponseSummary, error)) {
	b, err := h.cache.GetOrLoad(c.Request.Context(), scope, summaryName, func(ctx context.Context) ([]byte, error) {
		sum, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sum)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load summary failed"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", b)
}
