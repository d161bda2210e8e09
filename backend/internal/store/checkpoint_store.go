package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"survey-realtime-service/backend/internal/entity"
)

// CheckpointStore 把 detector 水位线落到 MySQL，重启后从这里恢复
type CheckpointStore struct {
	db     *gorm.DB
	source string
}

func NewCheckpointStore(db *gorm.DB, source string) *CheckpointStore {
	return &CheckpointStore{db: db, source: source}
}

const checkpointDDL = `
CREATE TABLE IF NOT EXISTS detector_checkpoints (
	source     VARCHAR(64)     NOT NULL PRIMARY KEY,
	last_id    BIGINT UNSIGNED NOT NULL DEFAULT 0,
	updated_at DATETIME(3)     NULL
)`

// EnsureSchema 建表，幂等，启动时调用一次
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(checkpointDDL).Error; err != nil {
		return fmt.Errorf("create detector_checkpoints: %w", err)
	}
	return nil
}

// Load 没有记录时返回 found=false
func (s *CheckpointStore) Load(ctx context.Context) (uint64, bool, error) {
	var cp entity.DetectorCheckpoint
	err := s.db.WithContext(ctx).Where("source = ?", s.source).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load checkpoint %s: %w", s.source, err)
	}
	return cp.LastID, true, nil
}

// Save 只会把水位线往前推：ON DUPLICATE KEY UPDATE last_id = GREATEST(last_id, new)
func (s *CheckpointStore) Save(ctx context.Context, lastID uint64) error {
	cp := entity.DetectorCheckpoint{Source: s.source, LastID: lastID, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_id":    gorm.Expr("GREATEST(last_id, VALUES(last_id))"),
			"updated_at": cp.UpdatedAt,
		}),
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s=%d: %w", s.source, lastID, err)
	}
	return nil
}
