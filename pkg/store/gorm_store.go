package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

const migrateLockID int64 = 51730917

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so that api and worker replicas can start together.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UploadModel{}, &TaskModel{}, &PhotoModel{}, &DailyQuotaModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) CreateUpload(ctx context.Context, u domain.Upload) error {
	model := uploadToModel(u)
	return mapError(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *GormStore) GetUpload(ctx context.Context, id string) (domain.Upload, error) {
	var model UploadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Upload{}, mapError(err)
	}
	return uploadFromModel(model), nil
}

// CreateTask inserts with ON CONFLICT DO NOTHING; losing either unique index
// surfaces as ErrDuplicate without aborting a surrounding transaction.
func (s *GormStore) CreateTask(ctx context.Context, t domain.Task) error {
	model := taskToModel(t)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *GormStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.findTask(ctx, "id = ?", id)
}

func (s *GormStore) FindTaskByIdempotencyKey(ctx context.Context, userID, key string) (domain.Task, error) {
	return s.findTask(ctx, "user_id = ? AND idempotency_key = ?", userID, key)
}

func (s *GormStore) FindTaskByUpload(ctx context.Context, uploadID string) (domain.Task, error) {
	return s.findTask(ctx, "upload_id = ?", uploadID)
}

func (s *GormStore) findTask(ctx context.Context, query string, args ...any) (domain.Task, error) {
	var model TaskModel
	if err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		return domain.Task{}, mapError(err)
	}
	return taskFromModel(model), nil
}

func (s *GormStore) SetTaskJob(ctx context.Context, taskID, jobID string) error {
	return s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ?", taskID).
		Update("job_id", jobID).Error
}

func (s *GormStore) StartTask(ctx context.Context, taskID string, etaSeconds int, now time.Time) (domain.Task, error) {
	res := s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND status <> ?", taskID, string(domain.StatusDone)).
		Updates(map[string]any{
			"status":        string(domain.StatusRunning),
			"progress":      gorm.Expr("GREATEST(progress, ?)", 10),
			"eta_seconds":   etaSeconds,
			"started_at":    gorm.Expr("COALESCE(started_at, ?)", now.UTC()),
			"error_code":    "",
			"error_message": "",
		})
	if res.Error != nil {
		return domain.Task{}, res.Error
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if res.RowsAffected == 0 && task.Status == domain.StatusDone {
		return task, ErrTaskTerminal
	}
	return task, nil
}

func (s *GormStore) UpdateProgress(ctx context.Context, taskID string, progress, etaSeconds int) error {
	return s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND status = ?", taskID, string(domain.StatusRunning)).
		Updates(map[string]any{
			"progress":    gorm.Expr("GREATEST(progress, ?)", progress),
			"eta_seconds": etaSeconds,
		}).Error
}

func (s *GormStore) CompleteTask(ctx context.Context, taskID string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":        string(domain.StatusDone),
			"progress":      100,
			"eta_seconds":   0,
			"completed_at":  now.UTC(),
			"error_code":    "",
			"error_message": "",
		}).Error
}

func (s *GormStore) FailTask(ctx context.Context, taskID, code, message string) error {
	return s.db.WithContext(ctx).Model(&TaskModel{}).
		Where("id = ? AND status <> ?", taskID, string(domain.StatusDone)).
		Updates(map[string]any{
			"status":        string(domain.StatusError),
			"eta_seconds":   0,
			"error_code":    code,
			"error_message": message,
		}).Error
}

// DeleteTaskIfEmpty runs as one statement so a photo inserted concurrently
// keeps its task alive.
func (s *GormStore) DeleteTaskIfEmpty(ctx context.Context, taskID string) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM task_models t
		WHERE t.id = ?
		  AND t.status IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM photo_models p WHERE p.task_id = t.id)`,
		taskID, string(domain.StatusDone), string(domain.StatusError))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListEmptyDoneTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []TaskModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.StatusDone)).
		Where("NOT EXISTS (SELECT 1 FROM photo_models p WHERE p.task_id = task_models.id)").
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(models))
	for _, m := range models {
		tasks = append(tasks, taskFromModel(m))
	}
	return tasks, nil
}

func (s *GormStore) CreatePhoto(ctx context.Context, p domain.Photo) error {
	model := photoToModel(p)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *GormStore) ListPhotoSequences(ctx context.Context, taskID string, section domain.Section) ([]int, error) {
	var seqs []int
	err := s.db.WithContext(ctx).Model(&PhotoModel{}).
		Where("task_id = ? AND section = ?", taskID, string(section)).
		Order("sequence ASC").
		Pluck("sequence", &seqs).Error
	return seqs, err
}

func (s *GormStore) GetPhoto(ctx context.Context, id string) (domain.Photo, error) {
	var model PhotoModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Photo{}, mapError(err)
	}
	return photoFromModel(model), nil
}

func (s *GormStore) DeletePhoto(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&PhotoModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) photoScope(ctx context.Context, q PhotoQuery) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&PhotoModel{})
	if q.UserID != "" {
		tx = tx.Joins("JOIN task_models ON task_models.id = photo_models.task_id").
			Where("task_models.user_id = ?", q.UserID)
	}
	if q.TaskID != "" {
		tx = tx.Where("photo_models.task_id = ?", q.TaskID)
	}
	if q.Section != "" {
		tx = tx.Where("photo_models.section = ?", string(q.Section))
	}
	if !q.Now.IsZero() {
		tx = tx.Where("(photo_models.expires_at IS NULL OR photo_models.expires_at > ?)", q.Now.UTC())
	}
	return tx
}

func (s *GormStore) ListPhotos(ctx context.Context, q PhotoQuery) ([]domain.Photo, error) {
	tx := s.photoScope(ctx, q).
		Select("photo_models.*").
		Order("photo_models.created_at ASC, photo_models.task_id ASC, photo_models.sequence ASC")
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var models []PhotoModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return photosFromModels(models), nil
}

func (s *GormStore) CountPhotos(ctx context.Context, q PhotoQuery) (int, error) {
	var count int64
	if err := s.photoScope(ctx, q).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) DeletePhotos(ctx context.Context, q PhotoQuery) ([]domain.Photo, error) {
	var deleted []domain.Photo
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := &GormStore{db: tx}
		var models []PhotoModel
		if err := scoped.photoScope(ctx, PhotoQuery{UserID: q.UserID, TaskID: q.TaskID, Section: q.Section}).
			Select("photo_models.*").
			Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "photo_models"}}).
			Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		if err := tx.Where("id IN ?", ids).Delete(&PhotoModel{}).Error; err != nil {
			return err
		}
		deleted = photosFromModels(models)
		return nil
	})
	return deleted, err
}

func (s *GormStore) ListExpiredPhotos(ctx context.Context, now time.Time, limit int) ([]domain.Photo, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []PhotoModel
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return photosFromModels(models), nil
}

func (s *GormStore) QuotaUsage(ctx context.Context, userID, day string) (int, error) {
	var model DailyQuotaModel
	err := s.db.WithContext(ctx).First(&model, "user_id = ? AND day = ?", userID, day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.UsedCount, nil
}

// ReserveQuota upserts the counter; the conflict branch only fires below the ceiling.
func (s *GormStore) ReserveQuota(ctx context.Context, userID, day string, ceiling int) (bool, error) {
	if ceiling <= 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO daily_quota_models (user_id, day, used_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (user_id, day) DO UPDATE
		SET used_count = daily_quota_models.used_count + 1, updated_at = EXCLUDED.updated_at
		WHERE daily_quota_models.used_count < ?`,
		userID, day, time.Now().UTC(), ceiling)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ReleaseQuota(ctx context.Context, userID, day string) error {
	return s.db.WithContext(ctx).Model(&DailyQuotaModel{}).
		Where("user_id = ? AND day = ? AND used_count > 0", userID, day).
		Updates(map[string]any{
			"used_count": gorm.Expr("used_count - 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}
