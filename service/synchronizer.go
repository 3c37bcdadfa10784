package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"vidfab-server/models"
	"vidfab-server/provider"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// SyncReport 一次项目同步的结果汇总
type SyncReport struct {
	ProjectID       string `json:"projectId"`
	Skipped         bool   `json:"skipped"`
	Polled          int    `json:"polled"`
	Succeeded       int    `json:"succeeded"`
	Failed          int    `json:"failed"`
	Pending         int    `json:"pending"`
	Errors          int    `json:"errors"`
	AllTerminal     bool   `json:"allTerminal"`
	StageFlipped    bool   `json:"stageFlipped"`
	ComposeEnqueued bool   `json:"composeEnqueued"`
}

func (r *SyncReport) Summary() string {
	if r.Skipped {
		return "sync skipped, another pass holds the lock"
	}
	return fmt.Sprintf("polled %d: %d ok, %d failed, %d pending, %d errors",
		r.Polled, r.Succeeded, r.Failed, r.Pending, r.Errors)
}

// SyncAll 同步所有视频尚未全部结束的项目
func (p *Processor) SyncAll(ctx context.Context) ([]*SyncReport, error) {
	ids, err := models.ProjectIDsToSync(ctx, p.DB)
	if err != nil {
		return nil, err
	}
	reports := make([]*SyncReport, 0, len(ids))
	for _, id := range ids {
		r, err := p.SyncProject(ctx, id)
		if err != nil {
			p.log.Error("sync project", zap.String("project_id", id), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// SyncProject 轮询项目中所有生成中的视频
// 同一项目并发同步时后到者直接跳过
func (p *Processor) SyncProject(ctx context.Context, projectID string) (*SyncReport, error) {
	report := &SyncReport{ProjectID: projectID}
	ttl := p.Pipeline.SyncLockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	release, ok, err := p.Locker.TryLock(ctx, "sync:"+projectID, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock project %s: %w", projectID, err)
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	defer release()

	log := p.log.With(zap.String("project_id", projectID))
	generating, err := models.ListClipsByStatus(ctx, p.DB, projectID, models.ClipStatusGenerating)
	if err != nil {
		return nil, err
	}
	for i := range generating {
		p.pollClip(ctx, log, &generating[i], report)
	}

	if err := p.enqueueMissingDownloads(ctx, projectID); err != nil {
		return nil, err
	}

	shots, err := models.ListShots(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	clips, err := models.ListClips(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	report.AllTerminal = allTerminal(shots, clips)
	if !report.AllTerminal {
		return report, nil
	}

	report.StageFlipped, err = models.CompleteStageOnce(ctx, p.DB, projectID, models.StageVideo)
	if err != nil {
		return nil, err
	}
	if report.StageFlipped {
		log.Info("all clips terminal, video stage completed")
	}
	enq, err := p.EnqueueCompose(ctx, projectID, clipFingerprint(clips))
	if err != nil {
		return nil, fmt.Errorf("enqueue compose: %w", err)
	}
	report.ComposeEnqueued = !enq.Duplicate
	return report, nil
}

func (p *Processor) pollClip(ctx context.Context, log *zap.Logger, clip *models.VideoClip, report *SyncReport) {
	log = log.With(zap.String("clip_id", clip.ID), zap.Int("shot", clip.ShotNumber))
	report.Polled++

	vp, err := p.videoProviderByName(clip.Provider)
	if err != nil {
		report.Errors++
		log.Error("poll clip", zap.Error(err))
		return
	}
	st, err := vp.Status(ctx, clip.ProviderRequestID)
	if err != nil {
		report.Errors++
		log.Warn("poll clip status", zap.Error(err))
		return
	}

	switch {
	case st.State == provider.StateSucceeded && st.URL != "":
		ok, err := models.MarkClipSucceeded(ctx, p.DB, clip.ID, st.URL)
		if err != nil {
			report.Errors++
			log.Error("mark clip succeeded", zap.Error(err))
			return
		}
		report.Succeeded++
		if ok {
			log.Info("clip succeeded", zap.String("url", st.URL))
		}
	case st.State == provider.StateSucceeded, st.State == provider.StateFailed:
		msg := st.Error
		if msg == "" && st.State == provider.StateSucceeded {
			msg = "provider reported success without a video url"
		}
		ok, err := models.MarkClipFailed(ctx, p.DB, clip.ID, models.ClipStatusGenerating, msg)
		if err != nil {
			report.Errors++
			log.Error("mark clip failed", zap.Error(err))
			return
		}
		report.Failed++
		if !ok {
			return
		}
		log.Warn("clip failed", zap.String("error", msg))
		if _, err := p.Ledger.Refund(ctx, clip.ChargeReference); err != nil {
			log.Error("refund failed clip", zap.Error(err))
		}
	default:
		report.Pending++
	}
}

// enqueueMissingDownloads 为尚未转存的成功视频排队下载（download key 保证重复调用无副作用）
func (p *Processor) enqueueMissingDownloads(ctx context.Context, projectID string) error {
	done, err := models.ListClipsByStatus(ctx, p.DB, projectID, models.ClipStatusSuccess)
	if err != nil {
		return err
	}
	for _, c := range done {
		if c.StorageURL != "" {
			continue
		}
		if _, err := p.EnqueueDownload(ctx, projectID, c.ShotID); err != nil {
			return fmt.Errorf("enqueue download for shot %d: %w", c.ShotNumber, err)
		}
	}
	return nil
}

// allTerminal 每个镜头都有视频且都已结束
func allTerminal(shots []models.Shot, clips []models.VideoClip) bool {
	if len(shots) == 0 {
		return false
	}
	byShot := make(map[string]*models.VideoClip, len(clips))
	for i := range clips {
		byShot[clips[i].ShotID] = &clips[i]
	}
	for _, s := range shots {
		c, ok := byShot[s.ID]
		if !ok || !c.IsTerminal() {
			return false
		}
	}
	return true
}

// clipFingerprint 视频集合指纹，不含 URL（转存完成不会产生新的合成 key）
func clipFingerprint(clips []models.VideoClip) string {
	sorted := append([]models.VideoClip(nil), clips...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShotNumber < sorted[j].ShotNumber })
	h := xxhash.New()
	for _, c := range sorted {
		_, _ = h.WriteString(c.ID)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(c.Status)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.Itoa(c.RetryCount))
		_, _ = h.WriteString(";")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
