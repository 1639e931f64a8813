package scraper

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	SessionID string
	URL       string
	Referer   string
	Headers   http.Header
}

// FetchResult is returned by a Fetcher implementation.
type FetchResult struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// ImageArtifact describes one transcoded image ready for persistence.
type ImageArtifact struct {
	SourceURL      string `json:"source_url"`
	ContentHash    string `json:"content_hash"`
	PerceptualHash string `json:"perceptual_hash,omitempty"`
	BlobURI        string `json:"blob_uri"`
	SizeBytes      int    `json:"size_bytes"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

// StoredImageEvent is published after an image artifact is persisted.
type StoredImageEvent struct {
	SessionID string        `json:"session_id"`
	MangaID   string        `json:"manga_id"`
	ChapterID string        `json:"chapter_id"`
	Artifact  ImageArtifact `json:"artifact"`
	StoredAt  time.Time     `json:"stored_at"`
}
