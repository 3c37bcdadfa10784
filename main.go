package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"vidfab-server/config"
	"vidfab-server/lock"
	"vidfab-server/logger"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/queue"
	"vidfab-server/routers"
	"vidfab-server/routers/api"
	"vidfab-server/service"
	"vidfab-server/storage"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := models.OpenMySQL(models.DBOptions{
		DSN:             cfg.MySQL.DSN,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	zl.Info("database initialized")

	store, err := newStorage(ctx, cfg.Storage, zl)
	if err != nil {
		return err
	}
	zl.Info("storage initialized", zap.String("driver", cfg.Storage.Driver), zap.String("bucket", cfg.Storage.Bucket))

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	q := newQueue(cfg, models.NewTaskStore(db), zl)
	defer func() {
		if err := q.Close(); err != nil {
			zl.Warn("close queue", zap.Error(err))
		}
	}()

	var locker lock.Locker = lock.NewLocal()
	if rdb != nil {
		locker = lock.NewRedis(rdb, "vidfab:lock:", zl)
	}

	ledger := service.NewLedger(db, zl)
	processor := service.NewProcessor(service.Deps{
		DB:      db,
		Queue:   q,
		Storage: store,
		Providers: service.Providers{
			Script:        provider.NewScriptClient(cfg.Providers.Script),
			Image:         provider.NewImageClient(cfg.Providers.Image),
			StandardVideo: provider.NewStandardVideo(cfg.Providers.VideoStandard),
			PremiumVideo:  provider.NewPremiumVideo(cfg.Providers.VideoPremium),
			Speech:        provider.NewSpeechClient(cfg.Providers.TTS),
			Renderer:      provider.NewRenderClient(cfg.Providers.Render),
		},
		Fetcher:  provider.NewFetcher(0),
		Ledger:   ledger,
		Locker:   locker,
		Pipeline: cfg.Pipeline,
		Credits:  cfg.Credits,
		Log:      zl,
	})
	if err := processor.Register(q); err != nil {
		return err
	}
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	zl.Info("queue started", zap.String("driver", cfg.Queue.Driver), zap.Int("concurrency", cfg.Queue.Concurrency))

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Server.Port,
		Handler: routers.InitRouter(&api.Handler{
			Processor:  processor,
			Ledger:     ledger,
			DB:         db,
			Log:        zl,
			AdminToken: cfg.Server.AdminToken,
		}),
	}
	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newStorage(ctx context.Context, cfg config.StorageConfig, zl *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case config.StorageDriverS3:
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:      cfg.Endpoint,
			Region:        cfg.Region,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			UseSSL:        cfg.UseSSL,
			Domain:        cfg.Domain,
			PresignExpiry: cfg.PresignExpiry,
		}, zl)
	default:
		return storage.NewMinIO(storage.MinIOConfig{
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			UseSSL:        cfg.UseSSL,
			Domain:        cfg.Domain,
			PresignExpiry: cfg.PresignExpiry,
		}, zl)
	}
}

func newQueue(cfg *config.Config, store queue.JobStore, zl *zap.Logger) queue.Queue {
	defaults := queue.Defaults{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.Backoff{Initial: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax, Multiplier: 2},
	}
	if cfg.Queue.Driver == config.QueueDriverMemory {
		return queue.NewMemory(queue.MemoryConfig{Concurrency: cfg.Queue.Concurrency, Defaults: defaults}, store, zl)
	}
	return queue.NewAsynq(queue.AsynqConfig{
		Redis:       asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		Concurrency: cfg.Queue.Concurrency,
		TaskTimeout: cfg.Queue.TaskTimeout,
		Retention:   cfg.Queue.Retention,
		Defaults:    defaults,
	}, store, zl)
}
