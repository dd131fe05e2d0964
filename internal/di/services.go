package di

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/metrics"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/features"
	"github.com/aristath/augur/internal/modules/monitor"
	"github.com/aristath/augur/internal/modules/prediction"
	"github.com/aristath/augur/internal/modules/registry"
	"github.com/aristath/augur/internal/modules/sentiment"
	"github.com/aristath/augur/internal/modules/training"
)

const (
	memoryCacheSize = 4096
	webhookTimeout  = 10 * time.Second
	s3ConfigTimeout = 10 * time.Second
)

// FeatureConfig converts the feature policy into the engine configuration.
func FeatureConfig(p config.FeaturePolicy) features.Config {
	return features.Config{
		Technical: p.Technical,
		Time:      p.Time,
		Lag:       features.LagConfig{Columns: p.LagColumns, Lags: p.Lags},
		Rolling:   features.RollingConfig{Columns: p.RollingColumns, Windows: p.RollingWindows},
	}
}

// InitializeTraining creates the feature engine, artifact store and training pipeline.
func InitializeTraining(c *Container, cfg *config.Config, log zerolog.Logger) error {
	policy := cfg.Policy

	engine, err := features.NewEngine(FeatureConfig(policy.Features))
	if err != nil {
		return fmt.Errorf("invalid feature policy: %w", err)
	}
	c.Features = engine

	var mirror artifacts.Mirror
	if cfg.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s3ConfigTimeout)
		defer cancel()
		m, err := artifacts.NewS3Mirror(ctx, artifacts.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize artifact mirror: %w", err)
		}
		mirror = m
		log.Info().Str("bucket", cfg.S3Bucket).Msg("Artifact mirror enabled")
	}

	store, err := artifacts.NewStore(modelsDir(cfg), mirror, log)
	if err != nil {
		return err
	}
	c.Artifacts = store

	c.Trainer = training.NewTrainer(policy.Training, log)
	c.Backtester = backtest.NewBacktester(log)
	c.Pipeline = training.NewPipeline(engine, c.Trainer, c.Backtester, store, policy.Monitor.DriftBins, log)
	c.Orchestrator = training.NewOrchestrator(c.BarRepo, c.Pipeline, c.RunStore,
		backtest.NewGate(policy.Gate), policy.Training.MinSymbolBars, log)
	c.Retrainer = monitor.NewRetrainer(c.Orchestrator, policy.Training.Timeout, log)
	return nil
}

// InitializeServing creates the model registry, sentiment analyzer and prediction service.
func InitializeServing(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Recorder = metrics.New()
	c.Collector = drift.NewCollector(cfg.Policy.Monitor.LiveBufferSize)

	c.Registry = registry.New(c.Pipeline, domain.AllModelKeys(), log)
	c.Registry.SetRecorder(c.Recorder)
	c.Registry.AddObserver(c.Collector.Observe)
	c.Orchestrator.SetReloader(c.Registry)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.Registry.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	c.Recorder.SetModelsLoaded(c.Registry.HealthCheck().ModelsLoaded)

	var remote sentiment.Remote
	if cfg.SentimentServiceURL != "" {
		remote = sentiment.NewClient(cfg.SentimentServiceURL, cfg.SentimentRPS, cfg.SentimentTimeout, log)
	}
	c.Analyzer = sentiment.NewAnalyzer(remote, c.NewsRepo, log)
	c.Analyzer.SetRecorder(c.Recorder)

	var cache prediction.Cache = prediction.NewMemoryCache(memoryCacheSize, cfg.CacheTTL)
	if cfg.RedisAddr != "" {
		c.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		c.closers = append(c.closers, c.Redis.Close)
		cache = prediction.NewRedisCache(c.Redis, cfg.CacheTTL, log)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Prediction cache backed by Redis")
	}

	c.Prediction = prediction.NewService(c.Registry, c.BarRepo, c.SymbolRepo, c.Analyzer, cache, cfg.PredictTimeout, log)
	c.Prediction.SetRecorder(c.Recorder)
	return nil
}

// InitializeMonitoring creates the notifiers and the monitor. The monitor is not started.
func InitializeMonitoring(c *Container, cfg *config.Config, log zerolog.Logger) error {
	notifiers := monitor.MultiNotifier{monitor.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, monitor.NewWebhookNotifier(cfg.AlertWebhookURL, webhookTimeout))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kn := monitor.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		c.closers = append(c.closers, kn.Close)
		notifiers = append(notifiers, kn)
	}
	c.Notifier = notifiers

	m, err := monitor.New(monitor.Deps{
		Models:    c.Registry,
		Collector: c.Collector,
		Recorder:  c.Recorder,
		Alerts:    c.AlertStore,
		Reports:   c.Reports,
		Notifier:  c.Notifier,
		Retrainer: c.Retrainer,
		Accuracy:  c.Prediction,
	}, cfg.Policy.Monitor, log)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}
	c.Monitor = m
	return nil
}

func reportsDir(cfg *config.Config) string {
	if cfg.ReportsDir != "" {
		return cfg.ReportsDir
	}
	return filepath.Join(cfg.DataDir, "reports")
}

func modelsDir(cfg *config.Config) string {
	if cfg.ModelsDir != "" {
		return cfg.ModelsDir
	}
	return filepath.Join(cfg.DataDir, "models")
}
