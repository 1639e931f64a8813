// Package manga defines the metadata models persisted by the scrape pipeline.
package manga

import "time"

// Status represents the publication status of a series.
type Status string

// Publication status values persisted in the metadata store.
const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusHiatus    Status = "hiatus"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Manga is the series-level metadata record.
type Manga struct {
	ID          string    `json:"manga_id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Artist      string    `json:"artist,omitempty"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Genres      []string  `json:"genres,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	SourceURL   string    `json:"original_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chapter is the chapter-level metadata record.
type Chapter struct {
	ID          string    `json:"chapter_id"`
	MangaID     string    `json:"manga_id"`
	Number      float64   `json:"chapter_number"`
	Title       string    `json:"title,omitempty"`
	Language    string    `json:"language,omitempty"`
	PageCount   int       `json:"page_count"`
	SourceURL   string    `json:"source_url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// ImageRecord is persisted for each stored page image.
type ImageRecord struct {
	ChapterID      string    `json:"chapter_id"`
	PageNumber     int       `json:"page_number"`
	SourceURL      string    `json:"image_url"`
	BlobURI        string    `json:"blob_uri"`
	ThumbnailURI   string    `json:"thumbnail_uri,omitempty"`
	ContentHash    string    `json:"image_hash"`
	PerceptualHash string    `json:"perceptual_hash,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	SizeBytes      int       `json:"size_bytes,omitempty"`
	StoredAt       time.Time `json:"stored_at"`
}
