package service

import (
	"context"

	"vidfab-server/models"
	"vidfab-server/storage"

	"go.uber.org/zap"
)

// DownloadClip 将成功的视频从模型服务转存到对象存储
// 未成功或已转存的视频不处理
func (p *Processor) DownloadClip(ctx context.Context, projectID, shotID string) (*models.VideoClip, error) {
	clip, err := models.GetClipByShot(ctx, p.DB, shotID)
	if err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("project_id", projectID), zap.String("clip_id", clip.ID))
	if clip.Status != models.ClipStatusSuccess || clip.StorageURL != "" {
		log.Debug("download not needed", zap.String("status", clip.Status))
		return clip, nil
	}

	body, size, err := p.Fetcher.Open(ctx, clip.ExternalURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	key := storage.ClipKey(projectID, shotID)
	obj, err := p.Storage.Put(ctx, key, body, size, "video/mp4")
	if err != nil {
		return nil, err
	}
	if err := models.SetClipStorageURL(ctx, p.DB, clip.ID, obj.URL); err != nil {
		return nil, err
	}
	log.Info("clip stored", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
	clip.StorageURL = obj.URL
	return clip, nil
}
