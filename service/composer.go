package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/queue"
	"vidfab-server/storage"

	"go.uber.org/zap"
)

const transitionFade = "fade"

// ComposeRun 当前合成所处的队列尝试次数
type ComposeRun struct {
	Attempt int
	Last    bool
}

type ComposeOutcome struct {
	Skipped       bool                   `json:"skipped"`
	RenderID      string                 `json:"renderId,omitempty"`
	ShotNumbers   []int                  `json:"shotNumbers"`
	Duration      float64                `json:"duration"`
	FinalURL      string                 `json:"finalUrl,omitempty"`
	Resolution    string                 `json:"resolution,omitempty"`
	AudioDegraded bool                   `json:"audioDegraded"`
	Request       provider.RenderRequest `json:"-"`
}

// Compose 将项目中成功的视频合成为成片
// 失败的镜头直接跳过，其余镜头不重新编号。视频集合未变化且已合成过时不做任何事
func (p *Processor) Compose(ctx context.Context, projectID string, run ComposeRun) (*ComposeOutcome, error) {
	const op = "compose"
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	if proj.StageVideo != models.StageStatusCompleted {
		return nil, apperr.Conflict(op, "video stage of project %s is %s", projectID, proj.StageVideo)
	}
	clips, err := models.ListClips(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	fp := clipFingerprint(clips)
	if proj.ComposeFingerprint == fp && proj.StageCompose == models.StageStatusCompleted {
		return &ComposeOutcome{Skipped: true, FinalURL: proj.FinalVideoURL}, nil
	}

	shots, err := models.ListShots(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	shotByID := make(map[string]models.Shot, len(shots))
	for _, s := range shots {
		shotByID[s.ID] = s
	}

	out := &ComposeOutcome{}
	var timeline []provider.RenderClip
	var used []models.VideoClip
	var start float64
	for _, c := range clips {
		if c.Status != models.ClipStatusSuccess {
			continue
		}
		dur := float64(c.DurationSeconds)
		if dur <= 0 {
			dur = float64(shotByID[c.ShotID].DurationSeconds)
		}
		timeline = append(timeline, provider.RenderClip{
			URL:           c.PlayableURL(),
			Start:         start,
			Duration:      dur,
			TransitionIn:  transitionFade,
			TransitionOut: transitionFade,
			FadeSeconds:   p.Pipeline.FadeSeconds,
		})
		used = append(used, c)
		out.ShotNumbers = append(out.ShotNumbers, c.ShotNumber)
		start += dur
	}
	if len(timeline) == 0 {
		err := apperr.Validation(op, "project %s has no successful clips", projectID)
		p.failStage(ctx, projectID, models.StageCompose, err)
		return nil, err
	}
	out.Duration = start

	if err := models.SetStage(ctx, p.DB, projectID, models.StageCompose, models.StageStatusProcessing); err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("project_id", projectID), zap.Int("attempt", run.Attempt))

	req := provider.RenderRequest{
		AspectRatio: proj.AspectRatio,
		Resolution:  finalResolution(proj.AspectRatio),
		Clips:       timeline,
	}
	audioStatus := models.StageStatusCompleted
	switch {
	case proj.NarrationEnabled:
		if !p.attachNarration(ctx, log, proj, fp, used, shotByID, &req) {
			out.AudioDegraded = true
			audioStatus = models.StageStatusFailed
		}
	case !proj.MuteBGM && p.Pipeline.BackgroundMusicURL != "":
		req.Music = &provider.AudioTrack{
			URL:      p.Pipeline.BackgroundMusicURL,
			Start:    0,
			Duration: req.TotalDuration(),
			Volume:   p.Pipeline.MusicVolume,
		}
	}
	if err := models.SetStage(ctx, p.DB, projectID, models.StageAudio, audioStatus); err != nil {
		return nil, err
	}
	out.Request = req

	var final *storage.Object
	var resolution string
	ref := fmt.Sprintf("compose:%s:%s:%d", projectID, fp, run.Attempt)
	err = p.Ledger.Charge(ctx, proj.UserID, p.Credits.Compose, "final render", ref, func(ctx context.Context) error {
		id, err := p.Providers.Renderer.SubmitRender(ctx, req)
		if err != nil {
			return err
		}
		out.RenderID = id
		log.Info("render submitted", zap.String("render_id", id), zap.Int("clips", len(timeline)),
			zap.Float64("duration", out.Duration))

		st, err := p.pollRender(ctx, id)
		if err != nil {
			return err
		}
		resolution = st.Resolution
		final, err = p.copyFinal(ctx, projectID, st.URL)
		return err
	})
	if err != nil {
		if run.Last || !apperr.Retryable(err) {
			p.failStage(ctx, projectID, models.StageCompose, err)
		}
		return nil, err
	}

	if resolution == "" {
		resolution = finalResolution(proj.AspectRatio)
	}
	err = models.UpdateProjectColumns(ctx, p.DB, projectID, map[string]any{
		"status":                 models.ProjectStatusCompleted,
		"stage_compose":          models.StageStatusCompleted,
		"final_video_url":        final.URL,
		"final_video_size":       final.Size,
		"final_video_resolution": resolution,
		"compose_fingerprint":    fp,
	})
	if err != nil {
		return nil, err
	}
	out.FinalURL = final.URL
	out.Resolution = resolution
	log.Info("project composed", zap.String("url", final.URL), zap.Int64("size", final.Size),
		zap.Ints("shots", out.ShotNumbers))
	return out, nil
}

// attachNarration 为每个镜头添加配音和可选字幕
// 配音服务整体不可用时返回 false，单句失败的镜头保持静音
func (p *Processor) attachNarration(ctx context.Context, log *zap.Logger, proj *models.Project, fp string,
	clips []models.VideoClip, shots map[string]models.Shot, req *provider.RenderRequest) bool {
	if p.Providers.Speech == nil {
		log.Warn("narration enabled but no speech provider configured")
		return false
	}
	var items []provider.SpeechItem
	var cues []subtitleCue
	for i, c := range clips {
		s := shots[c.ShotID]
		text := s.Narration
		if text == "" {
			text = s.Description
		}
		if text == "" {
			continue
		}
		items = append(items, provider.SpeechItem{
			ID:    c.ShotID,
			Text:  text,
			Voice: p.Pipeline.TTSVoice,
			Speed: p.Pipeline.TTSSpeed,
		})
		rc := req.Clips[i]
		cues = append(cues, subtitleCue{Start: rc.Start, End: rc.Start + rc.Duration, Text: text})
	}
	if len(items) == 0 {
		return true
	}

	results, err := p.Providers.Speech.Synthesize(ctx, items)
	if err != nil {
		log.Warn("narration synthesis failed, composing without audio", zap.Error(err))
		return false
	}
	startOf := make(map[string]provider.RenderClip, len(clips))
	for i, c := range clips {
		startOf[c.ShotID] = req.Clips[i]
	}
	for _, r := range results {
		if !r.Success || r.AudioURL == "" {
			log.Warn("narration item failed", zap.String("shot_id", r.ID), zap.String("error", r.Error))
			continue
		}
		rc := startOf[r.ID]
		dur := rc.Duration
		if r.Duration > 0 && r.Duration < dur {
			dur = r.Duration
		}
		req.Narration = append(req.Narration, provider.AudioTrack{URL: r.AudioURL, Start: rc.Start, Duration: dur})
	}
	if len(req.Narration) == 0 {
		return false
	}

	if p.Pipeline.Subtitles {
		srt := buildSRT(cues)
		obj, err := p.Storage.Put(ctx, storage.SubtitleKey(proj.ID, fp), bytes.NewReader([]byte(srt)),
			int64(len(srt)), "application/x-subrip")
		if err != nil {
			log.Warn("upload subtitles", zap.Error(err))
		} else {
			req.SubtitlesURL = obj.URL
		}
	}
	return true
}

// pollRender 轮询渲染结果直到结束
// 渲染失败或超时按临时错误处理，由队列重试整个合成
func (p *Processor) pollRender(ctx context.Context, renderID string) (*provider.RenderStatus, error) {
	interval := p.Pipeline.RenderPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limit := p.Pipeline.RenderTimeout
	if limit <= 0 {
		limit = 30 * time.Minute
	}
	timeout := time.After(limit)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, apperr.Transient("render.poll", fmt.Errorf("render %s still running after %s", renderID, limit))
		case <-ctx.Done():
			return nil, fmt.Errorf("render poll canceled: %w", ctx.Err())
		case <-ticker.C:
			st, err := p.Providers.Renderer.RenderStatus(ctx, renderID)
			if err != nil {
				if !apperr.Retryable(err) {
					return nil, err
				}
				p.log.Warn("render status, retrying", zap.String("render_id", renderID), zap.Error(err))
				continue
			}
			switch st.State {
			case provider.StateSucceeded:
				if st.URL == "" {
					return nil, apperr.Transient("render", errors.New("render finished without url"))
				}
				return st, nil
			case provider.StateFailed:
				msg := st.Error
				if msg == "" {
					msg = "render failed"
				}
				return nil, apperr.Transient("render", errors.New(msg))
			}
		}
	}
}

func (p *Processor) copyFinal(ctx context.Context, projectID, url string) (*storage.Object, error) {
	body, size, err := p.Fetcher.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	obj, err := p.Storage.Put(ctx, storage.FinalVideoKey(projectID), body, size, "video/mp4")
	if err != nil {
		return nil, fmt.Errorf("store final video: %w", err)
	}
	if obj.Size == 0 {
		obj.Size = size
	}
	return obj, nil
}

// RequestCompose 按当前视频集合排队合成任务
func (p *Processor) RequestCompose(ctx context.Context, projectID string) (*queue.Enqueued, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	if proj.StageVideo != models.StageStatusCompleted {
		return nil, apperr.Conflict("compose.request", "video stage of project %s is %s", projectID, proj.StageVideo)
	}
	clips, err := models.ListClips(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	return p.EnqueueCompose(ctx, projectID, clipFingerprint(clips))
}
