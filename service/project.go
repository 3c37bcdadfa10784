package service

import (
	"context"
	"strings"

	"vidfab-server/apperr"
	"vidfab-server/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateProjectInput struct {
	UserID           string `json:"-"`
	Script           string `json:"script"`
	DurationSeconds  int    `json:"durationSeconds"`
	Style            string `json:"style"`
	AspectRatio      string `json:"aspectRatio"`
	NarrationEnabled bool   `json:"narrationEnabled"`
	MuteBGM          bool   `json:"muteBgm"`
	ModelTier        string `json:"modelTier"`
}

// ProjectDetail 项目详情
type ProjectDetail struct {
	Project    *models.Project    `json:"project"`
	Shots      []models.Shot      `json:"shots"`
	Characters []models.Character `json:"characters"`
	Clips      []models.VideoClip `json:"clips"`
}

var aspectRatios = map[string]bool{"16:9": true, "9:16": true, "1:1": true}

func (p *Processor) CreateProject(ctx context.Context, in CreateProjectInput) (*models.Project, error) {
	const op = "project.create"
	if strings.TrimSpace(in.UserID) == "" {
		return nil, apperr.AccessDenied(op, "missing caller identity")
	}
	if strings.TrimSpace(in.Script) == "" {
		return nil, apperr.Validation(op, "script must not be empty")
	}
	if in.DurationSeconds <= 0 {
		return nil, apperr.Validation(op, "duration must be positive")
	}
	if in.AspectRatio == "" {
		in.AspectRatio = "16:9"
	}
	if !aspectRatios[in.AspectRatio] {
		return nil, apperr.Validation(op, "unsupported aspect ratio %q", in.AspectRatio)
	}
	if in.ModelTier == "" {
		in.ModelTier = models.ModelTierStandard
	}
	if in.ModelTier != models.ModelTierStandard && in.ModelTier != models.ModelTierPremium {
		return nil, apperr.Validation(op, "unknown model tier %q", in.ModelTier)
	}

	proj := &models.Project{
		ID:                       uuid.NewString(),
		UserID:                   in.UserID,
		Status:                   models.ProjectStatusDraft,
		StageScript:              models.StageStatusPending,
		StageCharacters:          models.StageStatusPending,
		StageStoryboard:          models.StageStatusPending,
		StageVideo:               models.StageStatusPending,
		StageAudio:               models.StageStatusPending,
		StageCompose:             models.StageStatusPending,
		DurationSeconds:          in.DurationSeconds,
		AspectRatio:              in.AspectRatio,
		Style:                    strings.TrimSpace(in.Style),
		NarrationEnabled:         in.NarrationEnabled,
		MuteBGM:                  in.MuteBGM,
		ModelTier:                in.ModelTier,
		RegenerateQuotaRemaining: p.Pipeline.DefaultRegenerateQuota,
		ScriptText:               in.Script,
	}
	if err := models.CreateProject(ctx, p.DB, proj); err != nil {
		return nil, err
	}
	p.log.Info("project created", zap.String("project_id", proj.ID), zap.String("user_id", proj.UserID))
	return proj, nil
}

// ProjectForUser 加载项目并校验归属
func (p *Processor) ProjectForUser(ctx context.Context, projectID, userID string) (*models.Project, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	if proj.UserID != userID {
		return nil, apperr.AccessDenied("project", "project %s belongs to another user", projectID)
	}
	return proj, nil
}

func (p *Processor) ProjectDetail(ctx context.Context, projectID, userID string) (*ProjectDetail, error) {
	proj, err := p.ProjectForUser(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	shots, err := models.ListShots(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	chars, err := models.ListCharacters(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	clips, err := models.ListClips(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	return &ProjectDetail{Project: proj, Shots: shots, Characters: chars, Clips: clips}, nil
}
