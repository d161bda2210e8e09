package detector

import (
	"context"
	"time"

	"survey-realtime-service/backend/internal/entity"
)

// ChangeEvent 一行新数据对应一个事件，只在一次 tick 内存在，不落库
type ChangeEvent struct {
	EntityID   uint64    `json:"entityId"`
	CompanyID  uint64    `json:"companyId"`
	SurveyID   uint64    `json:"surveyId"`
	DetectedAt time.Time `json:"detectedAt"`
}

func NewChangeEvent(row entity.SurveyResponse, detectedAt time.Time) ChangeEvent {
	return ChangeEvent{
		EntityID:   row.ID,
		CompanyID:  row.CompanyID,
		SurveyID:   row.SurveyID,
		DetectedAt: detectedAt,
	}
}

const MessageTypeEntityChanged = "entityChanged"

// EntityChangedMessage 推给 dashboard 客户端的标准化通知
// {"type":"entityChanged","data":{"entityId":1,"companyId":2,"surveyId":3,"timestamp":"..."}}
type EntityChangedMessage struct {
	Type string            `json:"type"`
	Data EntityChangedData `json:"data"`
}

type EntityChangedData struct {
	EntityID  uint64    `json:"entityId"`
	CompanyID uint64    `json:"companyId"`
	SurveyID  uint64    `json:"surveyId"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ChangeEvent) Notification() EntityChangedMessage {
	return EntityChangedMessage{
		Type: MessageTypeEntityChanged,
		Data: EntityChangedData{
			EntityID:  e.EntityID,
			CompanyID: e.CompanyID,
			SurveyID:  e.SurveyID,
			Timestamp: e.DetectedAt,
		},
	}
}

// ResponseSource 持久化边界：只需要 max(id) 和按 id 升序的增量读
type ResponseSource interface {
	MaxResponseID(ctx context.Context) (uint64, error)
	ResponsesAfter(ctx context.Context, afterID uint64, limit int) ([]entity.SurveyResponse, error)
}

// WatermarkStore 水位线持久化；Save 必须是单调的
type WatermarkStore interface {
	Load(ctx context.Context) (lastID uint64, found bool, err error)
	Save(ctx context.Context, lastID uint64) error
}

// CacheCoordinator 由缓存层实现，detector 只消费接口
type CacheCoordinator interface {
	CacheEntity(ctx context.Context, row entity.SurveyResponse) error
	InvalidateByCompany(ctx context.Context, companyID uint64) error
	InvalidateBySurvey(ctx context.Context, surveyID uint64) error
}

// Broadcaster 对所有在线连接广播，返回实际投递数
type Broadcaster interface {
	Broadcast(msg interface{}) (int, error)
}
