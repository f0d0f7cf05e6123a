package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

// GORM models used for persistence.
type UploadModel struct {
	ID          string                                `gorm:"primaryKey"`
	UserID      string                                `gorm:"not null;index"`
	ObjectKey   string                                `gorm:"not null"`
	Filename    string                                `gorm:"not null"`
	ContentType string                                `gorm:"not null"`
	Dimensions  datatypes.JSONType[domain.Dimensions] `gorm:"type:jsonb"`
	SizeBytes   int64                                 `gorm:"not null"`
	CreatedAt   time.Time                             `gorm:"not null"`
}

type TaskModel struct {
	ID             string  `gorm:"primaryKey"`
	UserID         string  `gorm:"not null;uniqueIndex:idx_task_user_idempotency,priority:1"`
	IdempotencyKey *string `gorm:"uniqueIndex:idx_task_user_idempotency,priority:2"`
	UploadID       string  `gorm:"not null;uniqueIndex"`
	Plan           string  `gorm:"not null"`
	Gender         string  `gorm:"not null"`
	JobID          string
	Status         string `gorm:"not null;index"`
	Progress       int    `gorm:"not null;default:0"`
	ETASeconds     int    `gorm:"column:eta_seconds;not null;default:0"`
	ErrorCode      string
	ErrorMessage   string
	CreatedAt      time.Time `gorm:"not null;index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

type PhotoModel struct {
	ID           string                                `gorm:"primaryKey"`
	TaskID       string                                `gorm:"not null;uniqueIndex:idx_photo_slot,priority:1"`
	Section      string                                `gorm:"not null;uniqueIndex:idx_photo_slot,priority:2"`
	Sequence     int                                   `gorm:"not null;uniqueIndex:idx_photo_slot,priority:3"`
	ObjectKey    string                                `gorm:"not null"`
	OriginalName string                                `gorm:"not null"`
	Dimensions   datatypes.JSONType[domain.Dimensions] `gorm:"type:jsonb"`
	SizeBytes    int64                                 `gorm:"not null"`
	CreatedAt    time.Time                             `gorm:"not null"`
	ExpiresAt    *time.Time                            `gorm:"index"`
}

type DailyQuotaModel struct {
	UserID    string `gorm:"primaryKey"`
	Day       string `gorm:"primaryKey"`
	UsedCount int    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func uploadToModel(u domain.Upload) UploadModel {
	return UploadModel{
		ID:          u.ID,
		UserID:      u.UserID,
		ObjectKey:   u.ObjectKey,
		Filename:    u.Filename,
		ContentType: u.ContentType,
		Dimensions:  datatypes.NewJSONType(u.Dimensions),
		SizeBytes:   u.SizeBytes,
		CreatedAt:   u.CreatedAt,
	}
}

func uploadFromModel(m UploadModel) domain.Upload {
	return domain.Upload{
		ID:          m.ID,
		UserID:      m.UserID,
		ObjectKey:   m.ObjectKey,
		Filename:    m.Filename,
		ContentType: m.ContentType,
		Dimensions:  m.Dimensions.Data(),
		SizeBytes:   m.SizeBytes,
		CreatedAt:   m.CreatedAt,
	}
}

func taskToModel(t domain.Task) TaskModel {
	var key *string
	if t.IdempotencyKey != "" {
		k := t.IdempotencyKey
		key = &k
	}
	return TaskModel{
		ID:             t.ID,
		UserID:         t.UserID,
		IdempotencyKey: key,
		UploadID:       t.UploadID,
		Plan:           string(t.Plan),
		Gender:         string(t.Gender),
		JobID:          t.JobID,
		Status:         string(t.Status),
		Progress:       t.Progress,
		ETASeconds:     t.ETASeconds,
		ErrorCode:      t.ErrorCode,
		ErrorMessage:   t.ErrorMessage,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func taskFromModel(m TaskModel) domain.Task {
	t := domain.Task{
		ID:           m.ID,
		UserID:       m.UserID,
		UploadID:     m.UploadID,
		Plan:         domain.Plan(m.Plan),
		Gender:       domain.Gender(m.Gender),
		JobID:        m.JobID,
		Status:       domain.TaskStatus(m.Status),
		Progress:     m.Progress,
		ETASeconds:   m.ETASeconds,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
	}
	if m.IdempotencyKey != nil {
		t.IdempotencyKey = *m.IdempotencyKey
	}
	return t
}

func photoToModel(p domain.Photo) PhotoModel {
	return PhotoModel{
		ID:           p.ID,
		TaskID:       p.TaskID,
		Section:      string(p.Section),
		Sequence:     p.Sequence,
		ObjectKey:    p.ObjectKey,
		OriginalName: p.OriginalName,
		Dimensions:   datatypes.NewJSONType(p.Dimensions),
		SizeBytes:    p.SizeBytes,
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
	}
}

func photoFromModel(m PhotoModel) domain.Photo {
	return domain.Photo{
		ID:           m.ID,
		TaskID:       m.TaskID,
		Section:      domain.Section(m.Section),
		Sequence:     m.Sequence,
		ObjectKey:    m.ObjectKey,
		OriginalName: m.OriginalName,
		Dimensions:   m.Dimensions.Data(),
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
	}
}

func photosFromModels(models []PhotoModel) []domain.Photo {
	out := make([]domain.Photo, 0, len(models))
	for _, m := range models {
		out = append(out, photoFromModel(m))
	}
	return out
}
