package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"survey-realtime-service/backend/internal/entity"
)

// ResponseStore 只读访问 survey_responses：max(id) 和按 id 递增分页
type ResponseStore struct{ db *gorm.DB }

func NewResponseStore(db *gorm.DB) *ResponseStore {
	return &ResponseStore{db: db}
}

// MaxResponseID 空表返回 0
func (s *ResponseStore) MaxResponseID(ctx context.Context) (uint64, error) {
	var maxID uint64
	err := s.db.WithContext(ctx).
		Model(&entity.SurveyResponse{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, fmt.Errorf("query max response id: %w", err)
	}
	return maxID, nil
}

// ResponsesAfter 返回 id > afterID 的行，按 id 升序，最多 limit 条
func (s *ResponseStore) ResponsesAfter(ctx context.Context, afterID uint64, limit int) ([]entity.SurveyResponse, error) {
	var rows []entity.SurveyResponse
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query responses after %d: %w", afterID, err)
	}
	return rows, nil
}

// ResponseSummary 聚合分析的最小单元，缓存在 analytics:{scope} 下
type ResponseSummary struct {
	Responses      int64      `json:"responses"`
	LastResponseAt *time.Time `json:"lastResponseAt,omitempty"`
}

func (s *ResponseStore) SummaryByCompany(ctx context.Context, companyID uint64) (ResponseSummary, error) {
	return s.summary(ctx, "company_id", companyID)
}

func (s *ResponseStore) SummaryBySurvey(ctx context.Context, surveyID uint64) (ResponseSummary, error) {
	return s.summary(ctx, "survey_id", surveyID)
}

// column 只来自上面两个固定值
func (s *ResponseStore) summary(ctx context.Context, column string, id uint64) (ResponseSummary, error) {
	var sum ResponseSummary
	err := s.db.WithContext(ctx).
		Model(&entity.SurveyResponse{}).
		Select("COUNT(*) AS responses, MAX(created_at) AS last_response_at").
		Where(column+" = ?", id).
		Scan(&sum).Error
	if err != nil {
		return ResponseSummary{}, fmt.Errorf("summarize responses by %s=%d: %w", column, id, err)
	}
	return sum, nil
}
