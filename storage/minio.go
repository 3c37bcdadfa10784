package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	Domain        string // public base URL; presigned URLs are used when empty
	PresignExpiry time.Duration
}

type MinIO struct {
	client *minio.Client
	cfg    MinIOConfig
	log    *zap.Logger

	mu          sync.Mutex
	bucketReady bool
}

func NewMinIO(cfg MinIOConfig, log *zap.Logger) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = 72 * time.Hour
	}
	return &MinIO{client: client, cfg: cfg, log: log.Named("minio")}, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket: %w", err)
		}
		m.log.Info("bucket created", zap.String("bucket", m.cfg.Bucket))
	}
	m.bucketReady = true
	return nil
}

func (m *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	info, err := m.client.PutObject(ctx, m.cfg.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	u, err := m.URL(ctx, key)
	if err != nil {
		return nil, err
	}
	m.log.Debug("object stored", zap.String("key", key), zap.Int64("size", info.Size))
	return &Object{Key: key, URL: u, Size: info.Size}, nil
}

func (m *MinIO) URL(ctx context.Context, key string) (string, error) {
	if m.cfg.Domain != "" {
		return strings.TrimRight(m.cfg.Domain, "/") + "/" + m.cfg.Bucket + "/" + key, nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, m.cfg.PresignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
