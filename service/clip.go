package service

import (
	"context"
	"errors"
	"fmt"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// videoProviderFor 根据是否开启旁白选择视频模型
func (p *Processor) videoProviderFor(proj *models.Project) (provider.VideoProvider, int64) {
	if proj.NarrationEnabled {
		return p.Providers.PremiumVideo, p.Credits.ClipPremium
	}
	return p.Providers.StandardVideo, p.Credits.ClipStandard
}

func (p *Processor) videoProviderByName(name string) (provider.VideoProvider, error) {
	for _, v := range []provider.VideoProvider{p.Providers.StandardVideo, p.Providers.PremiumVideo} {
		if v != nil && v.Name() == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unknown video provider %q", name)
}

// StartClip 将 queued 状态的视频推进到 generating：扣费、提交、先落库请求句柄再返回
// 其他状态的视频原样返回。lastAttempt 为 true 时提交失败直接标记 failed
func (p *Processor) StartClip(ctx context.Context, projectID, shotID string, lastAttempt bool) (*models.VideoClip, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	shot, err := models.GetShot(ctx, p.DB, projectID, shotID)
	if err != nil {
		return nil, err
	}
	if shot.ImageURL == "" {
		return nil, apperr.Validation("clip.start", "shot %d has no storyboard image", shot.ShotNumber)
	}
	clip, err := models.GetOrCreateClip(ctx, p.DB, shot, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if clip.Status != models.ClipStatusQueued {
		return clip, nil
	}
	log := p.log.With(zap.String("project_id", projectID), zap.Int("shot", shot.ShotNumber), zap.String("clip_id", clip.ID))

	vp, cost := p.videoProviderFor(proj)
	if vp == nil {
		return nil, apperr.Validation("clip.start", "no video provider configured")
	}
	req := provider.VideoRequest{
		Prompt:          shot.Prompt,
		Image:           shot.ImageURL,
		DurationSeconds: provider.RoundDuration(shot.DurationSeconds, vp.SupportedDurations()),
		Resolution:      shot.Resolution,
		AspectRatio:     proj.AspectRatio,
	}
	if vp.SupportsEndFrame() {
		if next, err := models.GetShotByNumber(ctx, p.DB, projectID, shot.ShotNumber+1); err == nil {
			req.EndImage = next.ImageURL
		}
	}

	// 每次提交使用独立的扣费引用，失败时按引用退款
	ref := fmt.Sprintf("clip:%s:%d:%s", clip.ID, clip.RetryCount, uuid.NewString())
	res := p.Ledger.Deduct(ctx, proj.UserID, cost, fmt.Sprintf("clip shot %d", shot.ShotNumber), ref)
	if !res.Success {
		if apperr.Is(res.Error, apperr.KindInsufficientCredits) {
			p.failClip(ctx, clip.ID, models.ClipStatusQueued, res.Error)
		}
		return nil, res.Error
	}

	requestID, err := vp.Submit(ctx, req)
	if err != nil {
		if _, rerr := p.Ledger.Refund(context.WithoutCancel(ctx), ref); rerr != nil {
			log.Error("refund failed submission", zap.Error(rerr))
		}
		if !apperr.Retryable(err) || lastAttempt {
			p.failClip(ctx, clip.ID, models.ClipStatusQueued, err)
		}
		return nil, err
	}

	ok, err := models.TransitionClip(ctx, p.DB, clip.ID, models.ClipStatusQueued, map[string]any{
		"status":              models.ClipStatusGenerating,
		"provider":            vp.Name(),
		"provider_request_id": requestID,
		"duration_seconds":    req.DurationSeconds,
		"charge_reference":    ref,
		"error_message":       nil,
	})
	if err != nil {
		// 未记录请求句柄，重投递会重新扣费提交，本次扣费必须退回
		log.Error("store clip request, dropping it", zap.String("request_id", requestID), zap.Error(err))
		if _, rerr := p.Ledger.Refund(context.WithoutCancel(ctx), ref); rerr != nil {
			log.Error("refund unrecorded submission", zap.Error(rerr))
		}
		return nil, err
	}
	if !ok {
		log.Warn("clip moved while submitting, dropping request", zap.String("request_id", requestID))
		if _, rerr := p.Ledger.Refund(context.WithoutCancel(ctx), ref); rerr != nil {
			log.Error("refund dropped submission", zap.Error(rerr))
		}
		return models.GetClipByShot(ctx, p.DB, shotID)
	}
	err = models.UpdateProjectColumns(ctx, p.DB, projectID, map[string]any{
		"stage_video": models.StageStatusProcessing,
		"status":      models.ProjectStatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	log.Info("clip submitted",
		zap.String("provider", vp.Name()),
		zap.String("request_id", requestID),
		zap.Int("duration", req.DurationSeconds))
	return models.GetClipByShot(ctx, p.DB, shotID)
}

// RetryClip 消耗一次重生成额度，将 failed 视频重新排队
// 额度用尽时不写任何数据，返回 QuotaExhausted
func (p *Processor) RetryClip(ctx context.Context, projectID, shotID string) (*models.VideoClip, error) {
	const op = "clip.retry"
	var clip models.VideoClip
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&clip, "shot_id = ? AND project_id = ?", shotID, projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound(op, "no clip for shot %s", shotID)
			}
			return err
		}
		if clip.Status != models.ClipStatusFailed {
			return apperr.Conflict(op, "clip is %s, only failed clips can be retried", clip.Status)
		}
		ok, err := models.ConsumeRegenerateQuota(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.QuotaExhausted(op, "regenerate quota exhausted for project %s", projectID)
		}
		ok, err = models.TransitionClip(ctx, tx, clip.ID, models.ClipStatusFailed, map[string]any{
			"status":              models.ClipStatusQueued,
			"retry_count":         gorm.Expr("retry_count + 1"),
			"error_message":       nil,
			"provider_request_id": "",
			"external_url":        "",
			"storage_url":         "",
			"charge_reference":    "",
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(op, "clip changed concurrently")
		}
		if err := tx.First(&clip, "id = ?", clip.ID).Error; err != nil {
			return err
		}
		return models.UpdateProjectColumns(ctx, tx, projectID, map[string]any{
			"stage_video": models.StageStatusProcessing,
			"status":      models.ProjectStatusProcessing,
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.EnqueueClip(ctx, projectID, shotID, clip.RetryCount); err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}
	p.log.Info("clip retry queued", zap.String("project_id", projectID),
		zap.Int("shot", clip.ShotNumber), zap.Int("retry_count", clip.RetryCount))
	return &clip, nil
}

func (p *Processor) failClip(ctx context.Context, clipID, from string, cause error) {
	if _, err := models.MarkClipFailed(context.WithoutCancel(ctx), p.DB, clipID, from, cause.Error()); err != nil {
		p.log.Error("mark clip failed", zap.String("clip_id", clipID), zap.Error(err))
	}
}

// RequestClip 为已有分镜图的镜头排队生成视频
// 已失败的视频必须走 RetryClip（扣额度）
func (p *Processor) RequestClip(ctx context.Context, projectID, shotID string) (*queue.Enqueued, error) {
	const op = "clip.request"
	shot, err := models.GetShot(ctx, p.DB, projectID, shotID)
	if err != nil {
		return nil, err
	}
	if shot.ImageURL == "" {
		return nil, apperr.Validation(op, "shot %d has no storyboard image", shot.ShotNumber)
	}
	retry := 0
	clip, err := models.GetClipByShot(ctx, p.DB, shotID)
	switch {
	case err == nil:
		if clip.Status == models.ClipStatusFailed {
			return nil, apperr.Conflict(op, "clip for shot %d failed, retry it instead", shot.ShotNumber)
		}
		retry = clip.RetryCount
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}
	return p.EnqueueClip(ctx, projectID, shotID, retry)
}
