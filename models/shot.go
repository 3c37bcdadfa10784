package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"

	"gorm.io/gorm"
)

// Shot 分镜，同一项目内 ShotNumber 为连续的 1..n
type Shot struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID       string     `gorm:"type:varchar(64);uniqueIndex:idx_shot_project_number" json:"projectId"`
	ShotNumber      int        `gorm:"uniqueIndex:idx_shot_project_number" json:"shotNumber"`
	StartSec        float64    `json:"startSec"`
	EndSec          float64    `json:"endSec"`
	Description     string     `gorm:"type:text" json:"description"`
	CameraDirection string     `gorm:"type:varchar(255)" json:"cameraDirection"`
	Mood            string     `gorm:"type:varchar(128)" json:"mood"`
	Narration       string     `gorm:"type:text" json:"narration"`
	DurationSeconds int        `json:"durationSeconds"`
	Resolution      string     `gorm:"type:varchar(16)" json:"resolution"`
	Prompt          string     `gorm:"type:text" json:"prompt"`
	CharacterNames  StringList `gorm:"type:json" json:"characterNames"`
	ImageURL        string     `gorm:"type:text" json:"imageUrl"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (Shot) TableName() string {
	return "shot"
}

func ListShots(ctx context.Context, db *gorm.DB, projectID string) ([]Shot, error) {
	var shots []Shot
	err := db.WithContext(ctx).Where("project_id = ?", projectID).Order("shot_number ASC").Find(&shots).Error
	if err != nil {
		return nil, fmt.Errorf("list shots: %w", err)
	}
	return shots, nil
}

func GetShot(ctx context.Context, db *gorm.DB, projectID, shotID string) (*Shot, error) {
	var s Shot
	err := db.WithContext(ctx).First(&s, "id = ? AND project_id = ?", shotID, projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("shot", "shot %s not found in project %s", shotID, projectID)
		}
		return nil, fmt.Errorf("get shot: %w", err)
	}
	return &s, nil
}

func GetShotByNumber(ctx context.Context, db *gorm.DB, projectID string, number int) (*Shot, error) {
	var s Shot
	err := db.WithContext(ctx).First(&s, "project_id = ? AND shot_number = ?", projectID, number).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("shot", "shot #%d not found in project %s", number, projectID)
		}
		return nil, fmt.Errorf("get shot: %w", err)
	}
	return &s, nil
}

// ReplaceShots 删除项目全部分镜（及视频）后写入新分镜，需在分析事务内调用
func ReplaceShots(ctx context.Context, tx *gorm.DB, projectID string, shots []Shot) error {
	tx = tx.WithContext(ctx)
	if err := tx.Where("project_id = ?", projectID).Delete(&VideoClip{}).Error; err != nil {
		return fmt.Errorf("delete clips: %w", err)
	}
	if err := tx.Where("project_id = ?", projectID).Delete(&Shot{}).Error; err != nil {
		return fmt.Errorf("delete shots: %w", err)
	}
	if len(shots) == 0 {
		return nil
	}
	now := time.Now()
	for i := range shots {
		shots[i].CreatedAt = now
		shots[i].UpdatedAt = now
	}
	if err := tx.Create(&shots).Error; err != nil {
		return fmt.Errorf("insert shots: %w", err)
	}
	return nil
}

func SetShotImage(ctx context.Context, db *gorm.DB, shotID, url string) error {
	err := db.WithContext(ctx).Model(&Shot{}).Where("id = ?", shotID).
		Updates(map[string]any{"image_url": url, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("set shot image: %w", err)
	}
	return nil
}

// CheckShotNumbering 校验按编号排序的分镜恰好为 1..n
func CheckShotNumbering(shots []Shot) error {
	for i, s := range shots {
		if s.ShotNumber != i+1 {
			return fmt.Errorf("shot numbering broken at position %d: got %d", i+1, s.ShotNumber)
		}
	}
	return nil
}
