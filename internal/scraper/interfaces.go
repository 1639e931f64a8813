package scraper

import (
	"context"
	"io"
	"time"

	"github.com/oda-t/manga-scraper/internal/manga"
)

// Fetcher performs one network request and returns the body plus metadata.
// Failed fetches return errors carrying a FailureKind via *Failure.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobReader reads back a previously stored artifact. Implemented by stores
// that support restoring detector snapshots.
type BlobReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// MangaStore persists manga, chapter, and image metadata.
type MangaStore interface {
	UpsertManga(ctx context.Context, m manga.Manga) error
	UpsertChapter(ctx context.Context, ch manga.Chapter) error
	RecordImage(ctx context.Context, rec manga.ImageRecord) error
}

// Publisher pushes stored-image events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes hex digests for deduplication and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
