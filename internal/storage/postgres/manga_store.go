// Package postgres provides the Postgres-backed metadata store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oda-t/manga-scraper/internal/manga"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN string
	// TablePrefix is prepended to the manga, chapters, and images table
	// names.
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// MangaStore persists manga, chapter, and image metadata in Postgres.
type MangaStore struct {
	pool   execCloser
	prefix string
}

// New creates a MangaStore with its own connection pool.
func New(ctx context.Context, cfg Config) (*MangaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if err := validatePrefix(cfg.TablePrefix); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MangaStore{pool: pool, prefix: cfg.TablePrefix}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool execCloser, tablePrefix string) (*MangaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := validatePrefix(tablePrefix); err != nil {
		return nil, err
	}
	return &MangaStore{pool: pool, prefix: tablePrefix}, nil
}

// Close releases the underlying pool resources.
func (s *MangaStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertManga inserts or refreshes a series record.
func (s *MangaStore) UpsertManga(ctx context.Context, m manga.Manga) error {
	if m.ID == "" {
		return fmt.Errorf("manga id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (manga_id, title, author, artist, description, status, genres, tags, cover_url, source_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (manga_id) DO UPDATE SET
	title = EXCLUDED.title,
	author = EXCLUDED.author,
	artist = EXCLUDED.artist,
	description = EXCLUDED.description,
	status = EXCLUDED.status,
	genres = EXCLUDED.genres,
	tags = EXCLUDED.tags,
	cover_url = EXCLUDED.cover_url,
	source_url = EXCLUDED.source_url,
	updated_at = EXCLUDED.updated_at`, s.table("manga"))
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Title, m.Author, m.Artist, m.Description, string(m.Status),
		m.Genres, m.Tags, m.CoverURL, m.SourceURL, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert manga %s: %w", m.ID, err)
	}
	return nil
}

// UpsertChapter inserts or refreshes a chapter record.
func (s *MangaStore) UpsertChapter(ctx context.Context, ch manga.Chapter) error {
	if ch.ID == "" {
		return fmt.Errorf("chapter id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (chapter_id, manga_id, chapter_number, title, language, page_count, source_url, published_at, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (chapter_id) DO UPDATE SET
	page_count = EXCLUDED.page_count,
	scraped_at = EXCLUDED.scraped_at`, s.table("chapters"))
	_, err := s.pool.Exec(ctx, query,
		ch.ID, ch.MangaID, ch.Number, ch.Title, ch.Language, ch.PageCount,
		ch.SourceURL, ch.PublishedAt, ch.ScrapedAt)
	if err != nil {
		return fmt.Errorf("upsert chapter %s: %w", ch.ID, err)
	}
	return nil
}

// RecordImage inserts one stored page image.
func (s *MangaStore) RecordImage(ctx context.Context, rec manga.ImageRecord) error {
	if rec.ChapterID == "" {
		return fmt.Errorf("chapter id is required")
	}
	if rec.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (chapter_id, page_number, source_url, blob_uri, thumbnail_uri, image_hash, perceptual_hash, width, height, size_bytes, stored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (chapter_id, page_number) DO NOTHING`, s.table("images"))
	_, err := s.pool.Exec(ctx, query,
		rec.ChapterID, rec.PageNumber, rec.SourceURL, rec.BlobURI, rec.ThumbnailURI,
		rec.ContentHash, rec.PerceptualHash, rec.Width, rec.Height, rec.SizeBytes, rec.StoredAt)
	if err != nil {
		return fmt.Errorf("record image %s/%d: %w", rec.ChapterID, rec.PageNumber, err)
	}
	return nil
}

func (s *MangaStore) table(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "_" + name
}

func validatePrefix(prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return nil
	}
	if !validTablePrefix.MatchString(prefix) {
		return fmt.Errorf("invalid table prefix %q", prefix)
	}
	return nil
}
