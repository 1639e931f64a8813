// Package app builds the scraper service from configuration: it selects the
// rate-limit strategy and storage backend, wires the resilience components
// into a pipeline, and owns the lifetime of external clients.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/breaker"
	"github.com/oda-t/manga-scraper/internal/clock/system"
	"github.com/oda-t/manga-scraper/internal/config"
	"github.com/oda-t/manga-scraper/internal/dedup"
	collyfetcher "github.com/oda-t/manga-scraper/internal/fetcher/colly"
	"github.com/oda-t/manga-scraper/internal/hash/md5"
	"github.com/oda-t/manga-scraper/internal/hash/sha256"
	"github.com/oda-t/manga-scraper/internal/id/uuid"
	"github.com/oda-t/manga-scraper/internal/imaging"
	"github.com/oda-t/manga-scraper/internal/logging"
	"github.com/oda-t/manga-scraper/internal/pipeline"
	gcppub "github.com/oda-t/manga-scraper/internal/publisher/pubsub"
	"github.com/oda-t/manga-scraper/internal/ratelimit"
	"github.com/oda-t/manga-scraper/internal/retry"
	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/storage/gcs"
	"github.com/oda-t/manga-scraper/internal/storage/local"
	"github.com/oda-t/manga-scraper/internal/storage/memory"
	"github.com/oda-t/manga-scraper/internal/storage/postgres"
)

// App holds the assembled service.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline
	Breaker  *breaker.Breaker

	closers []func()
}

// New assembles an App from cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	clock := system.Clock{}

	limiter, feedback := buildLimiter(cfg.RateLimit, clock, logger)

	retrier, err := retry.New(buildRetryPolicy(cfg.Retry), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	brk, err := breaker.New(buildBreakerConfig(cfg.Breaker), clock, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Breaker = brk

	blobs, err := a.buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	meta, err := a.buildMetaStore(ctx, cfg.DB)
	if err != nil {
		a.Close()
		return nil, err
	}

	pub, err := a.buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		a.Close()
		return nil, err
	}

	p, err := pipeline.New(pipeline.Config{
		StoragePrefix: cfg.Storage.Prefix,
		Topic:         cfg.PubSub.TopicName,
		SnapshotPath:  cfg.Dedup.SnapshotPath,
	}, pipeline.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		}),
		Limiter:  limiter,
		Feedback: feedback,
		Retrier:  retrier,
		Breaker:  brk,
		Detector: dedup.New(dedup.Config{
			Perceptual:          cfg.Dedup.Perceptual,
			SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		}, logger),
		Processor: imaging.New(imaging.Config{
			Quality:           cfg.Imaging.Quality,
			MaxWidth:          cfg.Imaging.MaxWidth,
			ThumbnailMaxWidth: cfg.Imaging.ThumbnailMaxWidth,
		}, buildHasher(cfg.Imaging.HashAlgorithm)),
		Blobs:     blobs,
		Meta:      meta,
		Publisher: pub,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pipeline = p
	return a, nil
}

// Close releases external clients in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// buildRetryPolicy limits retries to the recoverable categories; a 4xx or a
// malformed image fails the page on the first attempt.
func buildRetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       cfg.BaseDelay(),
		MaxDelay:        cfg.MaxDelay(),
		ExponentialBase: cfg.ExponentialBase,
		Jitter:          cfg.Jitter,
		Retryable:       []scraper.FailureKind{scraper.FailureTransient, scraper.FailureThrottled},
	}
}

// buildBreakerConfig counts only transient and throttled failures toward
// opening the circuit; permanent per-page failures such as a 404 say nothing
// about upstream health.
func buildBreakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
		Counted:          []scraper.FailureKind{scraper.FailureTransient, scraper.FailureThrottled},
	}
}

func buildHasher(algorithm string) scraper.Hasher {
	if algorithm == "sha256" {
		return sha256.New()
	}
	return md5.New()
}

func buildLimiter(cfg config.RateLimitConfig, clock scraper.Clock, logger *zap.Logger) (pipeline.Limiter, pipeline.RateFeedback) {
	switch cfg.Strategy {
	case "bucket":
		return ratelimit.NewBucket(ratelimit.BucketConfig{
			Name:              "bucket",
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.BurstSize,
			BaseDelay:         cfg.BaseDelay(),
		}, clock, logger), nil
	case "adaptive":
		lim := ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{
			Name:        "adaptive",
			InitialRate: cfg.RequestsPerSecond,
			MinRate:     cfg.MinRate,
			MaxRate:     cfg.MaxRate,
			BaseDelay:   cfg.BaseDelay(),
		}, clock, logger)
		return lim, lim
	default:
		return ratelimit.New(ratelimit.Config{
			Name:              "fixed",
			RequestsPerSecond: cfg.RequestsPerSecond,
			BaseDelay:         cfg.BaseDelay(),
		}, clock, logger), nil
	}
}

func (a *App) buildBlobStore(ctx context.Context, cfg config.StorageConfig) (scraper.BlobStore, error) {
	switch cfg.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) buildMetaStore(ctx context.Context, cfg config.DBConfig) (scraper.MangaStore, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, TablePrefix: cfg.TablePrefix})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *App) buildPublisher(ctx context.Context, cfg config.PubSubConfig) (scraper.Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	pub, err := gcppub.New(client)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}
