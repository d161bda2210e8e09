package entity

import "time"

// SurveyResponse 是 detector 轮询的来源表，只读
type SurveyResponse struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	CompanyID    uint64 `gorm:"not null;index"`
	SurveyID     uint64 `gorm:"not null;index"`
	RespondentID string `gorm:"type:varchar(64)"`
	Answers      string `gorm:"type:json"`
	CreatedAt    time.Time
}

func (SurveyResponse) TableName() string { return "survey_responses" }

// DetectorCheckpoint 持久化的水位线，一个 source 一行
type DetectorCheckpoint struct {
	Source    string `gorm:"primaryKey;type:varchar(64)"`
	LastID    uint64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (DetectorCheckpoint) TableName() string { return "detector_checkpoints" }
