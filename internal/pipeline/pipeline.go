// Package pipeline orchestrates a chapter scrape: each page URL flows
// through the circuit breaker, the retry executor, and the rate limiter to
// the fetcher, then through transcoding and duplicate detection into blob
// and metadata storage, with an event published per stored image.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/breaker"
	"github.com/oda-t/manga-scraper/internal/dedup"
	"github.com/oda-t/manga-scraper/internal/imaging"
	"github.com/oda-t/manga-scraper/internal/manga"
	"github.com/oda-t/manga-scraper/internal/ratelimit"
	"github.com/oda-t/manga-scraper/internal/retry"
	"github.com/oda-t/manga-scraper/internal/scraper"
	"github.com/oda-t/manga-scraper/internal/telemetry"
)

// Limiter is the pacing strategy the pipeline waits on before each fetch.
// Implemented by the fixed-interval, token-bucket, and adaptive limiters.
type Limiter interface {
	Wait(ctx context.Context) (time.Duration, error)
	Statistics() ratelimit.Statistics
}

// RateFeedback receives per-request outcomes. The adaptive limiter uses it
// to tune its rate; other limiters do not implement it.
type RateFeedback interface {
	OnSuccess(latency time.Duration)
	OnError(isThrottle bool)
}

// Config holds pipeline-level knobs.
type Config struct {
	// StoragePrefix is prepended to every blob path.
	StoragePrefix string
	// Topic receives a StoredImageEvent per stored image. Empty disables
	// publishing.
	Topic string
	// SnapshotPath is the blob path for the detector index. Empty disables
	// snapshot persistence.
	SnapshotPath string
}

// Deps are the collaborators a Pipeline drives. Fetcher, Limiter, Retrier,
// Breaker, Detector, Processor, Blobs, IDs, and Clock are required; the rest
// are optional.
type Deps struct {
	Fetcher   scraper.Fetcher
	Limiter   Limiter
	Feedback  RateFeedback
	Retrier   *retry.Executor
	Breaker   *breaker.Breaker
	Detector  *dedup.Detector
	Processor *imaging.Processor
	Blobs     scraper.BlobStore
	Meta      scraper.MangaStore
	Publisher scraper.Publisher
	IDs       scraper.IDGenerator
	Clock     scraper.Clock
	Logger    *zap.Logger
}

// ChapterRequest names one chapter and the page URLs to scrape.
type ChapterRequest struct {
	Manga    manga.Manga
	Chapter  manga.Chapter
	PageURLs []string
	Referer  string
}

// PageFailure records one page that could not be stored.
type PageFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ChapterReport summarizes one chapter scrape.
type ChapterReport struct {
	SessionID  string                  `json:"session_id"`
	PagesTotal int                     `json:"pages_total"`
	Stored     []scraper.ImageArtifact `json:"stored"`
	Duplicates int                     `json:"duplicates"`
	Failures   []PageFailure           `json:"failures,omitempty"`
}

// Stats aggregates the live counters of every resilience component.
type Stats struct {
	RateLimit ratelimit.Statistics `json:"rate_limit"`
	Retry     retry.Stats          `json:"retry"`
	Breaker   breaker.Snapshot     `json:"breaker"`
	Dedup     dedup.Statistics     `json:"dedup"`
}

// Pipeline runs chapter scrapes. Safe for concurrent use; all shared state
// lives in the underlying components.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("limiter is required")
	case deps.Retrier == nil:
		return nil, fmt.Errorf("retry executor is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("breaker is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("duplicate detector is required")
	case deps.Processor == nil:
		return nil, fmt.Errorf("image processor is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

// ScrapeChapter fetches, transcodes, deduplicates, and stores every page of
// the chapter. Individual page failures are collected in the report; the
// returned error is non-nil only when the whole chapter must stop, i.e. on
// context cancellation or an open circuit.
func (p *Pipeline) ScrapeChapter(ctx context.Context, req ChapterRequest) (ChapterReport, error) {
	sessionID, err := p.deps.IDs.NewID()
	if err != nil {
		return ChapterReport{}, fmt.Errorf("new session id: %w", err)
	}
	report := ChapterReport{SessionID: sessionID, PagesTotal: len(req.PageURLs)}
	logger := p.logger.With(
		zap.String("session_id", sessionID),
		zap.String("chapter_id", req.Chapter.ID))

	if err := p.upsertMetadata(ctx, req); err != nil {
		return report, err
	}

	logger.Info("chapter scrape started", zap.Int("pages", len(req.PageURLs)))
	for i, url := range req.PageURLs {
		artifact, err := p.scrapePage(ctx, sessionID, req, i+1, url)
		switch {
		case err == nil && artifact == nil:
			report.Duplicates++
		case err == nil:
			report.Stored = append(report.Stored, *artifact)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return report, err
		case errors.Is(err, breaker.ErrOpen):
			logger.Error("circuit open, aborting chapter", zap.Int("page", i+1))
			return report, err
		default:
			logger.Warn("page failed", zap.String("url", url), zap.Error(err))
			report.Failures = append(report.Failures, PageFailure{URL: url, Error: err.Error()})
		}
	}

	logger.Info("chapter scrape finished",
		zap.Int("stored", len(report.Stored)),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", len(report.Failures)))
	return report, nil
}

// Stats returns a snapshot of every component's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		RateLimit: p.deps.Limiter.Statistics(),
		Retry:     p.deps.Retrier.Stats(),
		Breaker:   p.deps.Breaker.Snapshot(),
		Dedup:     p.deps.Detector.Statistics(),
	}
}

// SaveSnapshot persists the detector index to the configured blob path.
func (p *Pipeline) SaveSnapshot(ctx context.Context) error {
	if p.cfg.SnapshotPath == "" {
		return nil
	}
	data, err := json.Marshal(p.deps.Detector.Export())
	if err != nil {
		return fmt.Errorf("marshal detector snapshot: %w", err)
	}
	uri, err := p.deps.Blobs.PutObject(ctx, p.cfg.SnapshotPath, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store detector snapshot: %w", err)
	}
	p.logger.Info("detector snapshot saved", zap.String("uri", uri))
	return nil
}

// RestoreSnapshot replaces the detector index from the configured blob path.
// A blob store without read support, or a missing snapshot, leaves the
// detector empty.
func (p *Pipeline) RestoreSnapshot(ctx context.Context) error {
	if p.cfg.SnapshotPath == "" {
		return nil
	}
	reader, ok := p.deps.Blobs.(scraper.BlobReader)
	if !ok {
		return nil
	}
	data, err := reader.GetObject(ctx, p.cfg.SnapshotPath)
	if err != nil {
		p.logger.Info("no detector snapshot to restore", zap.Error(err))
		return nil
	}
	var snap dedup.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode detector snapshot: %w", err)
	}
	p.deps.Detector.Import(snap)
	return nil
}

// scrapePage returns (nil, nil) for duplicates and the stored artifact
// otherwise.
func (p *Pipeline) scrapePage(ctx context.Context, sessionID string, req ChapterRequest, page int, url string) (*scraper.ImageArtifact, error) {
	res, err := p.fetch(ctx, sessionID, url, req.Referer)
	if err != nil {
		return nil, err
	}

	processed, err := p.deps.Processor.Process(res.Body)
	if err != nil {
		return nil, err
	}

	if p.deps.Detector.CheckAndAdd(processed.ContentHash, processed.PerceptualHash) {
		p.logger.Debug("duplicate page skipped",
			zap.String("url", url), zap.Int("page", page))
		return nil, nil
	}

	artifact, rec, err := p.store(ctx, req, page, url, processed)
	if err != nil {
		// The page never made it to storage, so let a later run see it
		// again.
		p.deps.Detector.Remove(processed.ContentHash)
		return nil, err
	}

	p.publish(ctx, sessionID, req, artifact, rec.StoredAt)
	telemetry.ObserveImageStored()
	return &artifact, nil
}

// fetch runs one page download under breaker, retry, and limiter control. A
// fully exhausted retry cycle counts as a single breaker failure.
func (p *Pipeline) fetch(ctx context.Context, sessionID, url, referer string) (scraper.FetchResult, error) {
	var res scraper.FetchResult
	err := p.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		return p.deps.Retrier.Do(ctx, func(ctx context.Context) error {
			if _, err := p.deps.Limiter.Wait(ctx); err != nil {
				return err
			}
			r, err := p.deps.Fetcher.Fetch(ctx, scraper.FetchRequest{
				SessionID: sessionID,
				URL:       url,
				Referer:   referer,
			})
			if err != nil {
				p.noteError(err)
				return err
			}
			p.noteSuccess(r.Duration)
			res = r
			return nil
		})
	})
	return res, err
}

func (p *Pipeline) store(ctx context.Context, req ChapterRequest, page int, url string, processed imaging.Result) (scraper.ImageArtifact, manga.ImageRecord, error) {
	base := path.Join(p.cfg.StoragePrefix, req.Manga.ID, req.Chapter.ID)
	name := fmt.Sprintf("page-%03d.jpg", page)

	uri, err := p.deps.Blobs.PutObject(ctx, path.Join(base, name), "image/jpeg", bytes.NewReader(processed.Data))
	if err != nil {
		return scraper.ImageArtifact{}, manga.ImageRecord{}, fmt.Errorf("store page %d: %w", page, err)
	}

	var thumbURI string
	if len(processed.Thumbnail) > 0 {
		thumbURI, err = p.deps.Blobs.PutObject(ctx, path.Join(base, "thumbs", name), "image/jpeg", bytes.NewReader(processed.Thumbnail))
		if err != nil {
			return scraper.ImageArtifact{}, manga.ImageRecord{}, fmt.Errorf("store thumbnail %d: %w", page, err)
		}
	}

	artifact := scraper.ImageArtifact{
		SourceURL:      url,
		ContentHash:    processed.ContentHash,
		PerceptualHash: processed.PerceptualHash,
		BlobURI:        uri,
		SizeBytes:      len(processed.Data),
		Width:          processed.Width,
		Height:         processed.Height,
	}
	rec := manga.ImageRecord{
		ChapterID:      req.Chapter.ID,
		PageNumber:     page,
		SourceURL:      url,
		BlobURI:        uri,
		ThumbnailURI:   thumbURI,
		ContentHash:    processed.ContentHash,
		PerceptualHash: processed.PerceptualHash,
		Width:          processed.Width,
		Height:         processed.Height,
		SizeBytes:      len(processed.Data),
		StoredAt:       p.deps.Clock.Now(),
	}

	if p.deps.Meta != nil {
		if err := p.deps.Meta.RecordImage(ctx, rec); err != nil {
			return scraper.ImageArtifact{}, manga.ImageRecord{}, fmt.Errorf("record page %d: %w", page, err)
		}
	}
	return artifact, rec, nil
}

func (p *Pipeline) upsertMetadata(ctx context.Context, req ChapterRequest) error {
	if p.deps.Meta == nil {
		return nil
	}
	if req.Manga.ID != "" {
		if err := p.deps.Meta.UpsertManga(ctx, req.Manga); err != nil {
			return err
		}
	}
	if req.Chapter.ID != "" {
		if err := p.deps.Meta.UpsertChapter(ctx, req.Chapter); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, sessionID string, req ChapterRequest, artifact scraper.ImageArtifact, storedAt time.Time) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	event := scraper.StoredImageEvent{
		SessionID: sessionID,
		MangaID:   req.Manga.ID,
		ChapterID: req.Chapter.ID,
		Artifact:  artifact,
		StoredAt:  storedAt,
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		// Publishing is best-effort; the image is already durable.
		p.logger.Warn("publish stored-image event failed", zap.Error(err))
	}
}

func (p *Pipeline) noteSuccess(latency time.Duration) {
	if p.deps.Feedback != nil {
		p.deps.Feedback.OnSuccess(latency)
	}
}

func (p *Pipeline) noteError(err error) {
	if p.deps.Feedback == nil {
		return
	}
	kind, canceled := scraper.Classify(err)
	if canceled {
		return
	}
	p.deps.Feedback.OnError(kind == scraper.FailureThrottled)
}
