package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"retell/internal/command"
	"retell/internal/config"
	"retell/internal/engine"
	"retell/internal/gateway"
	"retell/internal/job"
	"retell/internal/media"
	"retell/internal/subs"
	"retell/pkg/cache"
	"retell/pkg/logger"

	"go.uber.org/zap"
)

// engineTranscriber bridges the concrete engine stream type to the pipeline
// interface.
type engineTranscriber struct {
	eng *engine.Engine
}

func (t engineTranscriber) Transcribe(ctx context.Context, wavPath, modelName string, languages []string) (job.SegmentStream, error) {
	return t.eng.Transcribe(ctx, wavPath, modelName, languages)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		logger.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	if cfg.Telegram.Token == "" {
		logger.Fatal("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.Telegram.OwnerID == 0 {
		logger.Fatal("TELEGRAM_OWNER_ID is required")
	}

	defaults, err := command.DefaultsFromConfig(cfg.Defaults.Model, cfg.Defaults.Languages, cfg.Defaults.Timezone)
	if err != nil {
		logger.Fatal("Invalid default options", zap.Error(err))
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	subStore := subs.NewStore(redisCache)

	modelStore, err := engine.NewModelStore(
		cfg.S3.Endpoint,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
		cfg.S3.Region,
		cfg.Engine.ModelDir,
	)
	if err != nil {
		logger.Fatal("Failed to initialize model store", zap.Error(err))
	}

	eng := engine.NewEngine(cfg.Engine.Binary, cfg.Engine.Device, cfg.Engine.ComputeType, modelStore)
	transcoder := media.NewTranscoder(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)

	gw, err := gateway.NewTelegram(cfg.Telegram.Token, cfg.Telegram.OwnerID, cfg.Media.MaxDownloadBytes)
	if err != nil {
		logger.Fatal("Failed to create Telegram gateway", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Media.TempDir, 0o755); err != nil {
		logger.Fatal("Failed to create temp dir", zap.Error(err))
	}

	dispatcher := job.NewDispatcher(gw, transcoder, engineTranscriber{eng: eng}, subStore, defaults, job.Config{
		TempDir:      cfg.Media.TempDir,
		EditInterval: time.Duration(cfg.Progress.EditIntervalSeconds) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go gw.Start(ctx, dispatcher)

	logger.Info("Transcription service started",
		zap.String("default_model", defaults.Model),
		zap.Strings("default_languages", defaults.Languages))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	gw.Stop()
	dispatcher.Shutdown(time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second)
	cancel()

	logger.Info("Transcription service stopped")
}
