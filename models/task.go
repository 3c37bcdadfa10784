package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/queue"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Task 队列任务的持久化记录
type Task struct {
	ID             string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID      string     `gorm:"type:varchar(64);index" json:"projectId,omitempty"`
	Type           string     `gorm:"type:varchar(64)" json:"type"`
	IdempotencyKey *string    `gorm:"type:varchar(191);uniqueIndex" json:"idempotencyKey,omitempty"`
	Priority       int        `json:"priority"`
	Status         string     `gorm:"type:varchar(16);index" json:"status"`
	Progress       int        `json:"progress"`
	Message        string     `gorm:"type:varchar(512)" json:"message"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	Error          string     `gorm:"type:text" json:"error"`
	Payload        string     `gorm:"type:text" json:"-"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (Task) TableName() string {
	return "task"
}

func (t *Task) Terminal() bool {
	return t.Status == string(queue.StatusFinished) || t.Status == string(queue.StatusDead)
}

func GetTask(ctx context.Context, db *gorm.DB, id string) (*Task, error) {
	var t Task
	if err := db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("task", "task %s not found", id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// DeadTasks 列出重试耗尽的任务，最新的在前
func DeadTasks(ctx context.Context, db *gorm.DB, limit int) ([]Task, error) {
	var tasks []Task
	err := db.WithContext(ctx).Where("status = ?", string(queue.StatusDead)).
		Order("updated_at DESC").Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list dead tasks: %w", err)
	}
	return tasks, nil
}

// TaskStore 基于 task 表实现 queue.JobStore
type TaskStore struct {
	DB *gorm.DB
}

var _ queue.JobStore = (*TaskStore)(nil)

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{DB: db}
}

func (s *TaskStore) Admit(ctx context.Context, rec *queue.JobRecord) (string, bool, error) {
	now := time.Now()
	t := Task{
		ID:          rec.ID,
		ProjectID:   rec.ProjectID,
		Type:        rec.Type,
		Priority:    int(rec.Priority),
		Status:      string(queue.StatusPending),
		MaxAttempts: rec.MaxAttempts,
		Payload:     string(rec.Payload),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rec.Key == "" {
		if err := s.DB.WithContext(ctx).Create(&t).Error; err != nil {
			return "", false, fmt.Errorf("create task: %w", err)
		}
		return t.ID, true, nil
	}

	key := rec.Key
	t.IdempotencyKey = &key
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&t)
	if res.Error != nil {
		return "", false, fmt.Errorf("create task: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return t.ID, true, nil
	}

	var existing Task
	if err := s.DB.WithContext(ctx).First(&existing, "idempotency_key = ?", key).Error; err != nil {
		return "", false, fmt.Errorf("load task by key: %w", err)
	}
	if existing.Status != string(queue.StatusDead) {
		return existing.ID, false, nil
	}

	// 以原 id 复活 dead 任务，状态条件保证并发复活只有一个成功
	revived := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", existing.ID, string(queue.StatusDead)).
		Updates(map[string]any{
			"status":       string(queue.StatusPending),
			"attempts":     0,
			"progress":     0,
			"message":      "",
			"error":        "",
			"payload":      string(rec.Payload),
			"max_attempts": rec.MaxAttempts,
			"started_at":   nil,
			"finished_at":  nil,
			"updated_at":   now,
		})
	if revived.Error != nil {
		return "", false, fmt.Errorf("revive task: %w", revived.Error)
	}
	return existing.ID, revived.RowsAffected == 1, nil
}

// Discard 回滚未送达 broker 的入队：新记录直接删除，复活的 dead 记录恢复为 dead
func (s *TaskStore) Discard(ctx context.Context, id string, revived bool, reason string) error {
	if !revived {
		return s.DB.WithContext(ctx).Delete(&Task{}, "id = ?", id).Error
	}
	err := s.DB.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, string(queue.StatusPending)).
		Updates(map[string]any{
			"status":      string(queue.StatusDead),
			"error":       reason,
			"finished_at": time.Now(),
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("restore dead task: %w", err)
	}
	return nil
}

func (s *TaskStore) update(ctx context.Context, id string, cols map[string]any) error {
	cols["updated_at"] = time.Now()
	if err := s.DB.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(cols).Error; err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

func (s *TaskStore) Started(ctx context.Context, id string, attempt int) error {
	cols := map[string]any{"status": string(queue.StatusProcessing), "attempts": attempt}
	if attempt == 1 {
		cols["started_at"] = time.Now()
	}
	return s.update(ctx, id, cols)
}

func (s *TaskStore) Progress(ctx context.Context, id string, pct int, msg string) error {
	return s.update(ctx, id, map[string]any{"progress": pct, "message": truncate(msg, 512)})
}

func (s *TaskStore) Finished(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{
		"status":      string(queue.StatusFinished),
		"progress":    100,
		"error":       "",
		"finished_at": time.Now(),
	})
}

func (s *TaskStore) Failed(ctx context.Context, id string, attempt int, errMsg string, dead bool) error {
	cols := map[string]any{
		"status":   string(queue.StatusRetrying),
		"attempts": attempt,
		"error":    errMsg,
	}
	if dead {
		cols["status"] = string(queue.StatusDead)
		cols["finished_at"] = time.Now()
	}
	return s.update(ctx, id, cols)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
