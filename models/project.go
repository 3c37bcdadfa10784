package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"

	"gorm.io/gorm"
)

const (
	ProjectStatusDraft      = "draft"
	ProjectStatusProcessing = "processing"
	ProjectStatusCompleted  = "completed"
	ProjectStatusFailed     = "failed"
)

const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
)

// Stage 六个流水线阶段之一，每个阶段有独立的状态列
type Stage string

const (
	StageScript     Stage = "script"
	StageCharacters Stage = "characters"
	StageStoryboard Stage = "storyboard"
	StageVideo      Stage = "video"
	StageAudio      Stage = "audio"
	StageCompose    Stage = "compose"
)

func (s Stage) column() (string, error) {
	switch s {
	case StageScript, StageCharacters, StageStoryboard, StageVideo, StageAudio, StageCompose:
		return "stage_" + string(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

const (
	ModelTierStandard = "standard"
	ModelTierPremium  = "premium"
)

type Project struct {
	ID     string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID string `gorm:"type:varchar(64);index" json:"userId"`
	Status string `gorm:"type:varchar(16);index" json:"status"`

	StageScript     string `gorm:"type:varchar(16)" json:"stageScript"`
	StageCharacters string `gorm:"type:varchar(16)" json:"stageCharacters"`
	StageStoryboard string `gorm:"type:varchar(16)" json:"stageStoryboard"`
	StageVideo      string `gorm:"type:varchar(16)" json:"stageVideo"`
	StageAudio      string `gorm:"type:varchar(16)" json:"stageAudio"`
	StageCompose    string `gorm:"type:varchar(16)" json:"stageCompose"`

	DurationSeconds          int    `json:"durationSeconds"`
	AspectRatio              string `gorm:"type:varchar(8)" json:"aspectRatio"`
	Style                    string `gorm:"type:varchar(64)" json:"style"`
	NarrationEnabled         bool   `json:"narrationEnabled"`
	MuteBGM                  bool   `gorm:"column:mute_bgm" json:"muteBgm"`
	ModelTier                string `gorm:"type:varchar(16)" json:"modelTier"`
	RegenerateQuotaRemaining int    `json:"regenerateQuotaRemaining"`
	ScriptText               string `gorm:"type:text" json:"scriptText"`

	Analysis         *Analysis `gorm:"type:json" json:"analysis,omitempty"`
	AnalysisRevision int       `json:"analysisRevision"`

	FinalVideoURL        string `gorm:"type:text" json:"finalVideoUrl,omitempty"`
	FinalVideoSize       int64  `json:"finalVideoSize,omitempty"`
	FinalVideoResolution string `gorm:"type:varchar(16)" json:"finalVideoResolution,omitempty"`
	ComposeFingerprint   string `gorm:"type:varchar(64)" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

func (p *Project) StageStatus(s Stage) string {
	switch s {
	case StageScript:
		return p.StageScript
	case StageCharacters:
		return p.StageCharacters
	case StageStoryboard:
		return p.StageStoryboard
	case StageVideo:
		return p.StageVideo
	case StageAudio:
		return p.StageAudio
	case StageCompose:
		return p.StageCompose
	}
	return ""
}

func CreateProject(ctx context.Context, db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func GetProject(ctx context.Context, db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("project", "project %s not found", id)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// UpdateProjectColumns 只更新指定列
// 各阶段并发更新同一行，只能写自己负责的列
func UpdateProjectColumns(ctx context.Context, db *gorm.DB, id string, cols map[string]any) error {
	cols["updated_at"] = time.Now()
	err := db.WithContext(ctx).Model(&Project{}).Where("id = ?", id).Updates(cols).Error
	if err != nil {
		return fmt.Errorf("update project %s: %w", id, err)
	}
	return nil
}

func SetStage(ctx context.Context, db *gorm.DB, id string, stage Stage, status string) error {
	col, err := stage.column()
	if err != nil {
		return err
	}
	return UpdateProjectColumns(ctx, db, id, map[string]any{col: status})
}

// CompleteStageOnce 将阶段置为 completed，返回本次调用是否实际翻转（重复调用无副作用）
func CompleteStageOnce(ctx context.Context, db *gorm.DB, id string, stage Stage) (bool, error) {
	col, err := stage.column()
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND "+col+" <> ?", id, StageStatusCompleted).
		Updates(map[string]any{col: StageStatusCompleted, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("complete stage %s: %w", stage, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ConsumeRegenerateQuota 重生成额度减一，额度为零时不更新并返回 false
func ConsumeRegenerateQuota(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	res := tx.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND regenerate_quota_remaining > 0", id).
		Updates(map[string]any{
			"regenerate_quota_remaining": gorm.Expr("regenerate_quota_remaining - 1"),
			"updated_at":                 time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("consume quota: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ProjectIDsToSync 需要同步的项目：有生成中的视频，或已有视频但视频阶段未完成
// 后者覆盖提交阶段即失败、从未进入 generating 的视频
func ProjectIDsToSync(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Table("video_clip AS c").
		Joins("JOIN project AS p ON p.id = c.project_id").
		Where("c.status = ? OR p.stage_video <> ?", ClipStatusGenerating, StageStatusCompleted).
		Distinct().Pluck("c.project_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list projects to sync: %w", err)
	}
	return ids, nil
}
