package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/nekrolabs/sandpool/internal/executor"
)

// ExecutionModel maps to the "executions" table. Shared by the SQLite
// backend, which stores the uuid column as text.
type ExecutionModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionKey    string    `gorm:"not null;index"`
	ChatKey       string    `gorm:"not null;index"`
	UserID        string    `gorm:"not null"`
	PlatformType  string    `gorm:""`
	Instruction   string    `gorm:"type:text;not null"`
	State         string    `gorm:"not null"`
	Success       bool      `gorm:"not null;default:false"`
	Output        string    `gorm:"type:text"`
	Error         string    `gorm:"type:text"`
	ErrorKind     string    `gorm:""`
	ArtifactCount int       `gorm:"not null;default:0"`
	DurationMS    int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

func toModel(rec *executor.ExecutionRecord) *ExecutionModel {
	return &ExecutionModel{
		ID:            rec.ID,
		SessionKey:    rec.SessionKey,
		ChatKey:       rec.ChatKey,
		UserID:        rec.UserID,
		PlatformType:  rec.PlatformType,
		Instruction:   rec.Instruction,
		State:         string(rec.State),
		Success:       rec.Success,
		Output:        rec.Output,
		Error:         rec.Error,
		ErrorKind:     rec.ErrorKind,
		ArtifactCount: rec.ArtifactCount,
		DurationMS:    rec.DurationMS,
		CreatedAt:     rec.CreatedAt,
	}
}

func fromModel(m *ExecutionModel) executor.ExecutionRecord {
	return executor.ExecutionRecord{
		ID:            m.ID,
		SessionKey:    m.SessionKey,
		ChatKey:       m.ChatKey,
		UserID:        m.UserID,
		PlatformType:  m.PlatformType,
		Instruction:   m.Instruction,
		State:         executor.TaskState(m.State),
		Success:       m.Success,
		Output:        m.Output,
		Error:         m.Error,
		ErrorKind:     m.ErrorKind,
		ArtifactCount: m.ArtifactCount,
		DurationMS:    m.DurationMS,
		CreatedAt:     m.CreatedAt,
	}
}
