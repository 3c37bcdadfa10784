package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ClipStatusQueued     = "queued"
	ClipStatusGenerating = "generating"
	ClipStatusSuccess    = "success"
	ClipStatusFailed     = "failed"
)

// VideoClip 单个镜头生成的视频
// success 必有可播放 URL，failed 必有错误信息，二者互斥
type VideoClip struct {
	ID                string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID         string    `gorm:"type:varchar(64);index" json:"projectId"`
	ShotID            string    `gorm:"type:varchar(64);uniqueIndex" json:"shotId"`
	ShotNumber        int       `json:"shotNumber"`
	Status            string    `gorm:"type:varchar(16);index" json:"status"`
	Provider          string    `gorm:"type:varchar(32)" json:"provider"`
	ProviderRequestID string    `gorm:"type:varchar(191)" json:"providerRequestId"`
	ExternalURL       string    `gorm:"type:text" json:"externalUrl"`
	StorageURL        string    `gorm:"type:text" json:"storageUrl"`
	DurationSeconds   int       `json:"durationSeconds"`
	RetryCount        int       `json:"retryCount"`
	ErrorMessage      *string   `gorm:"type:text" json:"errorMessage"`
	ChargeReference   string    `gorm:"type:varchar(191)" json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (VideoClip) TableName() string {
	return "video_clip"
}

func (c *VideoClip) IsTerminal() bool {
	return c.Status == ClipStatusSuccess || c.Status == ClipStatusFailed
}

// PlayableURL 优先返回对象存储中的副本
func (c *VideoClip) PlayableURL() string {
	if c.StorageURL != "" {
		return c.StorageURL
	}
	return c.ExternalURL
}

// Validate 校验 success/failed 字段约束
func (c *VideoClip) Validate() error {
	hasErr := c.ErrorMessage != nil && *c.ErrorMessage != ""
	switch c.Status {
	case ClipStatusSuccess:
		if c.PlayableURL() == "" {
			return fmt.Errorf("clip %s: success without url", c.ID)
		}
		if hasErr {
			return fmt.Errorf("clip %s: success with error message", c.ID)
		}
	case ClipStatusFailed:
		if !hasErr {
			return fmt.Errorf("clip %s: failed without error message", c.ID)
		}
		if c.ExternalURL != "" || c.StorageURL != "" {
			return fmt.Errorf("clip %s: failed with url", c.ID)
		}
	case ClipStatusQueued, ClipStatusGenerating:
		if hasErr {
			return fmt.Errorf("clip %s: %s with error message", c.ID, c.Status)
		}
	default:
		return fmt.Errorf("clip %s: unknown status %q", c.ID, c.Status)
	}
	return nil
}

func ListClips(ctx context.Context, db *gorm.DB, projectID string) ([]VideoClip, error) {
	var clips []VideoClip
	err := db.WithContext(ctx).Where("project_id = ?", projectID).Order("shot_number ASC").Find(&clips).Error
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	return clips, nil
}

func ListClipsByStatus(ctx context.Context, db *gorm.DB, projectID, status string) ([]VideoClip, error) {
	var clips []VideoClip
	err := db.WithContext(ctx).Where("project_id = ? AND status = ?", projectID, status).
		Order("shot_number ASC").Find(&clips).Error
	if err != nil {
		return nil, fmt.Errorf("list %s clips: %w", status, err)
	}
	return clips, nil
}

// CountActiveClips 统计项目中排队或生成中的视频数
func CountActiveClips(ctx context.Context, db *gorm.DB, projectID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&VideoClip{}).
		Where("project_id = ? AND status IN ?", projectID, []string{ClipStatusQueued, ClipStatusGenerating}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active clips: %w", err)
	}
	return n, nil
}

func GetClipByShot(ctx context.Context, db *gorm.DB, shotID string) (*VideoClip, error) {
	var c VideoClip
	if err := db.WithContext(ctx).First(&c, "shot_id = ?", shotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("clip", "no clip for shot %s", shotID)
		}
		return nil, fmt.Errorf("get clip: %w", err)
	}
	return &c, nil
}

// GetOrCreateClip 返回镜头对应的视频，不存在时以 queued 状态创建
// shot_id 唯一索引保证并发调用只产生一行
func GetOrCreateClip(ctx context.Context, db *gorm.DB, shot *Shot, newID string) (*VideoClip, error) {
	now := time.Now()
	clip := VideoClip{
		ID:         newID,
		ProjectID:  shot.ProjectID,
		ShotID:     shot.ID,
		ShotNumber: shot.ShotNumber,
		Status:     ClipStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&clip).Error
	if err != nil {
		return nil, fmt.Errorf("create clip: %w", err)
	}
	return GetClipByShot(ctx, db, shot.ID)
}

// TransitionClip 仅当视频处于 from 状态时更新 cols，返回是否实际更新
func TransitionClip(ctx context.Context, db *gorm.DB, clipID, from string, cols map[string]any) (bool, error) {
	cols["updated_at"] = time.Now()
	res := db.WithContext(ctx).Model(&VideoClip{}).
		Where("id = ? AND status = ?", clipID, from).Updates(cols)
	if res.Error != nil {
		return false, fmt.Errorf("transition clip %s from %s: %w", clipID, from, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkClipSucceeded generating -> success，记录模型返回的 URL
func MarkClipSucceeded(ctx context.Context, db *gorm.DB, clipID, url string) (bool, error) {
	if url == "" {
		return false, fmt.Errorf("clip %s: success requires a url", clipID)
	}
	return TransitionClip(ctx, db, clipID, ClipStatusGenerating, map[string]any{
		"status":        ClipStatusSuccess,
		"external_url":  url,
		"error_message": nil,
	})
}

// MarkClipFailed from -> failed，错误信息不能为空
func MarkClipFailed(ctx context.Context, db *gorm.DB, clipID, from, msg string) (bool, error) {
	if msg == "" {
		msg = "generation failed"
	}
	return TransitionClip(ctx, db, clipID, from, map[string]any{
		"status":        ClipStatusFailed,
		"error_message": msg,
		"external_url":  "",
		"storage_url":   "",
	})
}

func SetClipStorageURL(ctx context.Context, db *gorm.DB, clipID, url string) error {
	err := db.WithContext(ctx).Model(&VideoClip{}).Where("id = ? AND status = ?", clipID, ClipStatusSuccess).
		Updates(map[string]any{"storage_url": url, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("set clip storage url: %w", err)
	}
	return nil
}
