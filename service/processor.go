// Package service is the pipeline orchestrator. Each stage is a Processor
// method that can be called directly (tests, API) or through its queue handler.
package service

import (
	"context"
	"fmt"
	"io"

	"vidfab-server/apperr"
	"vidfab-server/config"
	"vidfab-server/lock"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/queue"
	"vidfab-server/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobAnalyze         = "pipeline:analyze"
	JobCharacterImages = "pipeline:character_images"
	JobStoryboard      = "pipeline:storyboard"
	JobClip            = "pipeline:clip"
	JobSync            = "pipeline:sync"
	JobDownload        = "pipeline:download"
	JobCompose         = "pipeline:compose"
)

type AnalyzePayload struct {
	ProjectID string `json:"project_id"`
	Force     bool   `json:"force"`
}

type ImagesPayload struct {
	ProjectID string   `json:"project_id"`
	IDs       []string `json:"ids,omitempty"`
	Revision  int      `json:"revision"`
	Chain     bool     `json:"chain"`
}

type ClipPayload struct {
	ProjectID string `json:"project_id"`
	ShotID    string `json:"shot_id"`
}

type SyncPayload struct {
	ProjectID string `json:"project_id,omitempty"`
}

type ComposePayload struct {
	ProjectID   string `json:"project_id"`
	Fingerprint string `json:"fingerprint"`
}

// Providers 外部模型服务
type Providers struct {
	Script        provider.ScriptAnalyzer
	Image         provider.ImageGenerator
	StandardVideo provider.VideoProvider
	PremiumVideo  provider.VideoProvider
	Speech        provider.SpeechSynthesizer
	Renderer      provider.Renderer
}

// Fetcher 以流的方式打开远程资源
type Fetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

type Deps struct {
	DB        *gorm.DB
	Queue     queue.Queue
	Storage   storage.Storage
	Providers Providers
	Fetcher   Fetcher
	Ledger    *Ledger
	Locker    lock.Locker
	Pipeline  config.PipelineConfig
	Credits   config.CreditsConfig
	Log       *zap.Logger
}

type Processor struct {
	DB        *gorm.DB
	Queue     queue.Queue
	Storage   storage.Storage
	Providers Providers
	Fetcher   Fetcher
	Ledger    *Ledger
	Locker    lock.Locker
	Pipeline  config.PipelineConfig
	Credits   config.CreditsConfig

	log *zap.Logger
}

func NewProcessor(d Deps) *Processor {
	return &Processor{
		DB:        d.DB,
		Queue:     d.Queue,
		Storage:   d.Storage,
		Providers: d.Providers,
		Fetcher:   d.Fetcher,
		Ledger:    d.Ledger,
		Locker:    d.Locker,
		Pipeline:  d.Pipeline,
		Credits:   d.Credits,
		log:       d.Log.Named("pipeline"),
	}
}

// Register 注册各阶段的任务处理函数，并定时调度同步任务
func (p *Processor) Register(q queue.Queue) error {
	q.Handle(JobAnalyze, p.handleAnalyze)
	q.Handle(JobCharacterImages, p.handleCharacterImages)
	q.Handle(JobStoryboard, p.handleStoryboard)
	q.Handle(JobClip, p.handleClip)
	q.Handle(JobSync, p.handleSync)
	q.Handle(JobDownload, p.handleDownload)
	q.Handle(JobCompose, p.handleCompose)

	if p.Pipeline.SyncSchedule == "" {
		return nil
	}
	if err := q.Schedule(p.Pipeline.SyncSchedule, JobSync, SyncPayload{}); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	return nil
}

func (p *Processor) EnqueueAnalyze(ctx context.Context, projectID string, force bool) (*queue.Enqueued, error) {
	key := "analyze:" + projectID
	if force {
		if err := checkNoActiveClips(ctx, p.DB, projectID); err != nil {
			return nil, err
		}
		key += ":force:" + uuid.NewString()
	}
	return p.Queue.Enqueue(ctx, JobAnalyze, AnalyzePayload{ProjectID: projectID, Force: force},
		queue.WithKey(key), queue.WithProject(projectID))
}

// EnqueueCharacterImages 排队生成角色参考图，ids 为空表示全部角色
func (p *Processor) EnqueueCharacterImages(ctx context.Context, projectID string, ids []string, rev int, chain bool) (*queue.Enqueued, error) {
	opts := []queue.Option{queue.WithProject(projectID)}
	if chain {
		opts = append(opts, queue.WithKey(fmt.Sprintf("characters:%s:r%d", projectID, rev)))
	}
	return p.Queue.Enqueue(ctx, JobCharacterImages,
		ImagesPayload{ProjectID: projectID, IDs: ids, Revision: rev, Chain: chain}, opts...)
}

func (p *Processor) EnqueueStoryboard(ctx context.Context, projectID string, ids []string, rev int, chain bool) (*queue.Enqueued, error) {
	opts := []queue.Option{queue.WithProject(projectID)}
	if chain {
		opts = append(opts, queue.WithKey(fmt.Sprintf("storyboard:%s:r%d", projectID, rev)))
	}
	return p.Queue.Enqueue(ctx, JobStoryboard,
		ImagesPayload{ProjectID: projectID, IDs: ids, Revision: rev, Chain: chain}, opts...)
}

func (p *Processor) EnqueueClip(ctx context.Context, projectID, shotID string, retry int) (*queue.Enqueued, error) {
	return p.Queue.Enqueue(ctx, JobClip, ClipPayload{ProjectID: projectID, ShotID: shotID},
		queue.WithKey(fmt.Sprintf("clip:%s:%s:%d", projectID, shotID, retry)),
		queue.WithProject(projectID))
}

func (p *Processor) EnqueueSync(ctx context.Context, projectID string) (*queue.Enqueued, error) {
	return p.Queue.Enqueue(ctx, JobSync, SyncPayload{ProjectID: projectID},
		queue.WithProject(projectID), queue.WithPriority(queue.PriorityLow), queue.WithMaxAttempts(1))
}

func (p *Processor) EnqueueDownload(ctx context.Context, projectID, shotID string) (*queue.Enqueued, error) {
	return p.Queue.Enqueue(ctx, JobDownload, ClipPayload{ProjectID: projectID, ShotID: shotID},
		queue.WithKey(fmt.Sprintf("download:%s:%s", projectID, shotID)),
		queue.WithProject(projectID))
}

func (p *Processor) EnqueueCompose(ctx context.Context, projectID, fingerprint string) (*queue.Enqueued, error) {
	opts := []queue.Option{
		queue.WithKey(fmt.Sprintf("compose:%s:%s", projectID, fingerprint)),
		queue.WithProject(projectID),
		queue.WithPriority(queue.PriorityCritical),
	}
	if p.Pipeline.ComposeMaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(p.Pipeline.ComposeMaxAttempts))
	}
	return p.Queue.Enqueue(ctx, JobCompose, ComposePayload{ProjectID: projectID, Fingerprint: fingerprint}, opts...)
}

func (p *Processor) handleAnalyze(ctx context.Context, job *queue.Job) error {
	var in AnalyzePayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	log := p.jobLog(job, in.ProjectID)
	job.Progress(ctx, 10, "analyzing script")

	out, err := p.AnalyzeScript(ctx, in.ProjectID, in.Force)
	if err != nil {
		if !apperr.Retryable(err) || job.LastAttempt() {
			p.failStage(ctx, in.ProjectID, models.StageScript, err)
		}
		return err
	}
	if out.Cached {
		job.Progress(ctx, 100, "analysis cached")
		return nil
	}
	log.Info("script analyzed",
		zap.Int("shots", len(out.Analysis.Shots)),
		zap.Strings("deleted_characters", out.DeletedCharacters),
		zap.Strings("created_characters", out.CreatedCharacters))
	job.Progress(ctx, 90, fmt.Sprintf("%d shots", len(out.Analysis.Shots)))

	rev := out.Analysis.Revision
	if len(out.Analysis.Characters) > 0 {
		_, err = p.EnqueueCharacterImages(ctx, in.ProjectID, nil, rev, true)
	} else {
		_, err = p.EnqueueStoryboard(ctx, in.ProjectID, nil, rev, true)
	}
	if err != nil {
		return fmt.Errorf("chain after analysis: %w", err)
	}
	return nil
}

func (p *Processor) handleCharacterImages(ctx context.Context, job *queue.Job) error {
	var in ImagesPayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	job.Progress(ctx, 5, "generating character images")
	report, err := p.GenerateCharacterImages(ctx, in.ProjectID, in.IDs)
	if err != nil {
		return err
	}
	job.Progress(ctx, 100, report.Summary())
	if in.Chain {
		if _, err := p.EnqueueStoryboard(ctx, in.ProjectID, nil, in.Revision, true); err != nil {
			return fmt.Errorf("chain storyboard: %w", err)
		}
	}
	return nil
}

func (p *Processor) handleStoryboard(ctx context.Context, job *queue.Job) error {
	var in ImagesPayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	job.Progress(ctx, 5, "generating storyboard")
	report, err := p.GenerateStoryboards(ctx, in.ProjectID, in.IDs)
	if err != nil {
		return err
	}
	job.Progress(ctx, 100, report.Summary())
	if in.Chain {
		return p.enqueuePendingClips(ctx, in.ProjectID)
	}
	return nil
}

// enqueuePendingClips 为有关键帧但还没有视频的镜头排队生成任务
func (p *Processor) enqueuePendingClips(ctx context.Context, projectID string) error {
	shots, err := models.ListShots(ctx, p.DB, projectID)
	if err != nil {
		return err
	}
	clips, err := models.ListClips(ctx, p.DB, projectID)
	if err != nil {
		return err
	}
	hasClip := make(map[string]bool, len(clips))
	for _, c := range clips {
		hasClip[c.ShotID] = true
	}
	for _, s := range shots {
		if s.ImageURL == "" || hasClip[s.ID] {
			continue
		}
		if _, err := p.EnqueueClip(ctx, projectID, s.ID, 0); err != nil {
			return fmt.Errorf("enqueue clip for shot %d: %w", s.ShotNumber, err)
		}
	}
	return nil
}

func (p *Processor) handleClip(ctx context.Context, job *queue.Job) error {
	var in ClipPayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	job.Progress(ctx, 10, "submitting clip")
	clip, err := p.StartClip(ctx, in.ProjectID, in.ShotID, job.LastAttempt())
	if err != nil {
		return err
	}
	job.Progress(ctx, 100, "clip "+clip.Status)
	return nil
}

func (p *Processor) handleSync(ctx context.Context, job *queue.Job) error {
	var in SyncPayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	if in.ProjectID == "" {
		_, err := p.SyncAll(ctx)
		return err
	}
	report, err := p.SyncProject(ctx, in.ProjectID)
	if err != nil {
		return err
	}
	job.Progress(ctx, 100, report.Summary())
	return nil
}

func (p *Processor) handleDownload(ctx context.Context, job *queue.Job) error {
	var in ClipPayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	job.Progress(ctx, 10, "copying clip")
	_, err := p.DownloadClip(ctx, in.ProjectID, in.ShotID)
	return err
}

func (p *Processor) handleCompose(ctx context.Context, job *queue.Job) error {
	var in ComposePayload
	if err := job.Decode(&in); err != nil {
		return err
	}
	job.Progress(ctx, 5, "composing")
	out, err := p.Compose(ctx, in.ProjectID, ComposeRun{Attempt: job.Attempt, Last: job.LastAttempt()})
	if err != nil {
		return err
	}
	if out.Skipped {
		job.Progress(ctx, 100, "already composed")
		return nil
	}
	job.Progress(ctx, 100, "final video ready")
	return nil
}

// failStage 将阶段和项目标记为 failed（调用方已在错误路径上，这里只记录日志）
func (p *Processor) failStage(ctx context.Context, projectID string, stage models.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := models.UpdateProjectColumns(ctx, p.DB, projectID, map[string]any{
		"stage_" + string(stage): models.StageStatusFailed,
		"status":                 models.ProjectStatusFailed,
	})
	if err != nil {
		p.log.Error("mark stage failed", zap.String("project_id", projectID),
			zap.String("stage", string(stage)), zap.Error(err))
		return
	}
	p.log.Warn("stage failed", zap.String("project_id", projectID),
		zap.String("stage", string(stage)), zap.Error(cause))
}

func (p *Processor) jobLog(job *queue.Job, projectID string) *zap.Logger {
	return p.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempt),
		zap.String("project_id", projectID),
	)
}
