package collab

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	AuditChangeRecorded  = "CHANGE_RECORDED"
	AuditCommentPosted   = "COMMENT_POSTED"
	AuditCommentResolved = "COMMENT_RESOLVED"
	AuditSessionClosed   = "SESSION_CLOSED"
)

// AuditEvent 协作审计事件，按 sessionId 分区写入 kafka
type AuditEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	SessionID  uint64          `json:"sessionId"`
	UserID     uint64          `json:"userId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func NewAuditEvent(eventType string, sessionID, userID uint64, payload interface{}) (AuditEvent, error) {
	evt := AuditEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		SessionID:  sessionID,
		UserID:     userID,
		OccurredAt: time.Now(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return AuditEvent{}, err
		}
		evt.Payload = b
	}
	return evt, nil
}

func (e AuditEvent) partitionKey() string {
	return strconv.FormatUint(e.SessionID, 10)
}
