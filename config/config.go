package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	QueueDriverAsynq  = "asynq"
	QueueDriverMemory = "memory"

	StorageDriverMinIO = "minio"
	StorageDriverS3    = "s3"
)

type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AdminToken      string        `yaml:"admin_token"`
	} `yaml:"server"`
	MySQL struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Credits   CreditsConfig   `yaml:"credits"`
}

type QueueConfig struct {
	Driver      string        `yaml:"driver"`
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Retention   time.Duration `yaml:"retention"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"`
	Endpoint      string        `yaml:"endpoint"`
	Region        string        `yaml:"region"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	Bucket        string        `yaml:"bucket"`
	UseSSL        bool          `yaml:"use_ssl"`
	Domain        string        `yaml:"domain"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ProviderConfig describes one external generative service endpoint.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	Script        ProviderConfig `yaml:"script"`
	Image         ProviderConfig `yaml:"image"`
	VideoStandard ProviderConfig `yaml:"video_standard"`
	VideoPremium  ProviderConfig `yaml:"video_premium"`
	TTS           ProviderConfig `yaml:"tts"`
	Render        ProviderConfig `yaml:"render"`
}

type PipelineConfig struct {
	SyncSchedule           string        `yaml:"sync_schedule"`
	SyncLockTTL            time.Duration `yaml:"sync_lock_ttl"`
	ImageConcurrency       int           `yaml:"image_concurrency"`
	RenderPollInterval     time.Duration `yaml:"render_poll_interval"`
	RenderTimeout          time.Duration `yaml:"render_timeout"`
	FadeSeconds            float64       `yaml:"fade_seconds"`
	TTSVoice               string        `yaml:"tts_voice"`
	TTSSpeed               float64       `yaml:"tts_speed"`
	Subtitles              bool          `yaml:"subtitles"`
	BackgroundMusicURL     string        `yaml:"background_music_url"`
	MusicVolume            float64       `yaml:"music_volume"`
	DefaultRegenerateQuota int           `yaml:"default_regenerate_quota"`
	ComposeMaxAttempts     int           `yaml:"compose_max_attempts"`
}

// CreditsConfig holds the per-operation price in credits.
type CreditsConfig struct {
	Analysis     int64 `yaml:"analysis"`
	Image        int64 `yaml:"image"`
	ClipStandard int64 `yaml:"clip_standard"`
	ClipPremium  int64 `yaml:"clip_premium"`
	Compose      int64 `yaml:"compose"`
}

// Load reads the YAML file at path. A .env file next to the working directory is
// loaded first so secrets can stay out of the YAML.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes raw YAML, applies environment overrides and defaults, and validates.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.AdminToken, "ADMIN_TOKEN")
	setString(&c.MySQL.DSN, "MYSQL_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "STORAGE_SECRET_KEY")
	setString(&c.Providers.Script.APIKey, "SCRIPT_API_KEY")
	setString(&c.Providers.Image.APIKey, "IMAGE_API_KEY")
	setString(&c.Providers.VideoStandard.APIKey, "VIDEO_STANDARD_API_KEY")
	setString(&c.Providers.VideoPremium.APIKey, "VIDEO_PREMIUM_API_KEY")
	setString(&c.Providers.TTS.APIKey, "TTS_API_KEY")
	setString(&c.Providers.Render.APIKey, "RENDER_API_KEY")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.MySQL.MaxOpenConns == 0 {
		c.MySQL.MaxOpenConns = 25
	}
	if c.MySQL.MaxIdleConns == 0 {
		c.MySQL.MaxIdleConns = 5
	}
	if c.MySQL.ConnMaxLifetime == 0 {
		c.MySQL.ConnMaxLifetime = time.Hour
	}

	q := &c.Queue
	if q.Driver == "" {
		q.Driver = QueueDriverAsynq
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 5
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 4
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = 10 * time.Second
	}
	if q.BackoffMax == 0 {
		q.BackoffMax = 10 * time.Minute
	}
	if q.TaskTimeout == 0 {
		q.TaskTimeout = 20 * time.Minute
	}
	if q.Retention == 0 {
		q.Retention = 24 * time.Hour
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverMinIO
	}
	if c.Storage.PresignExpiry == 0 {
		c.Storage.PresignExpiry = 72 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	for _, p := range []*ProviderConfig{
		&c.Providers.Script, &c.Providers.Image, &c.Providers.VideoStandard,
		&c.Providers.VideoPremium, &c.Providers.TTS, &c.Providers.Render,
	} {
		if p.Timeout == 0 {
			p.Timeout = 2 * time.Minute
		}
	}

	p := &c.Pipeline
	if p.SyncSchedule == "" {
		p.SyncSchedule = "@every 15s"
	}
	if p.SyncLockTTL == 0 {
		p.SyncLockTTL = 2 * time.Minute
	}
	if p.ImageConcurrency <= 0 {
		p.ImageConcurrency = 4
	}
	if p.RenderPollInterval == 0 {
		p.RenderPollInterval = 5 * time.Second
	}
	if p.RenderTimeout == 0 {
		p.RenderTimeout = 30 * time.Minute
	}
	if p.FadeSeconds == 0 {
		p.FadeSeconds = 0.5
	}
	if p.TTSSpeed == 0 {
		p.TTSSpeed = 1.0
	}
	if p.MusicVolume == 0 {
		p.MusicVolume = 0.3
	}
	if p.DefaultRegenerateQuota == 0 {
		p.DefaultRegenerateQuota = 3
	}
	if p.ComposeMaxAttempts <= 0 {
		p.ComposeMaxAttempts = 3
	}
}

func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case QueueDriverAsynq:
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for the asynq queue driver")
		}
	case QueueDriverMemory:
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	switch c.Storage.Driver {
	case StorageDriverMinIO, StorageDriverS3:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.MySQL.DSN == "" {
		return errors.New("config: mysql.dsn is required")
	}
	if c.Storage.Bucket == "" {
		return errors.New("config: storage.bucket is required")
	}
	return nil
}
