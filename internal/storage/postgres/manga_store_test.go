package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/oda-t/manga-scraper/internal/manga"
)

func newMockStore(t *testing.T, prefix string) (*MangaStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, prefix)
	require.NoError(t, err)
	return store, mock
}

func TestUpsertManga(t *testing.T) {
	store, mock := newMockStore(t, "")
	now := time.Now().UTC()

	m := manga.Manga{
		ID:          "one-piece",
		Title:       "One Piece",
		Author:      "Eiichiro Oda",
		Description: "pirates",
		Status:      manga.StatusOngoing,
		Genres:      []string{"adventure"},
		SourceURL:   "https://example.com/manga/one-piece",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO manga").
		WithArgs(m.ID, m.Title, m.Author, m.Artist, m.Description, string(m.Status),
			m.Genres, m.Tags, m.CoverURL, m.SourceURL, m.CreatedAt, m.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertManga(context.Background(), m))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMangaRequiresID(t *testing.T) {
	store, mock := newMockStore(t, "")
	require.Error(t, store.UpsertManga(context.Background(), manga.Manga{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChapter(t *testing.T) {
	store, mock := newMockStore(t, "scrape")
	now := time.Now().UTC()

	ch := manga.Chapter{
		ID:        "one-piece-1001",
		MangaID:   "one-piece",
		Number:    1001,
		Title:     "The Battle",
		Language:  "en",
		PageCount: 17,
		SourceURL: "https://example.com/chapter/1001",
		ScrapedAt: now,
	}

	mock.ExpectExec("INSERT INTO scrape_chapters").
		WithArgs(ch.ID, ch.MangaID, ch.Number, ch.Title, ch.Language, ch.PageCount,
			ch.SourceURL, ch.PublishedAt, ch.ScrapedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertChapter(context.Background(), ch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordImage(t *testing.T) {
	store, mock := newMockStore(t, "")
	now := time.Now().UTC()

	rec := manga.ImageRecord{
		ChapterID:      "one-piece-1001",
		PageNumber:     3,
		SourceURL:      "https://example.com/p3.jpg",
		BlobURI:        "memory://one-piece/1001/p3.jpg",
		ContentHash:    "abc123",
		PerceptualHash: "8f8f8f8f00000000",
		Width:          800,
		Height:         1200,
		SizeBytes:      52341,
		StoredAt:       now,
	}

	mock.ExpectExec("INSERT INTO images").
		WithArgs(rec.ChapterID, rec.PageNumber, rec.SourceURL, rec.BlobURI, rec.ThumbnailURI,
			rec.ContentHash, rec.PerceptualHash, rec.Width, rec.Height, rec.SizeBytes, rec.StoredAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordImage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordImageRequiresHash(t *testing.T) {
	store, mock := newMockStore(t, "")
	err := store.RecordImage(context.Background(), manga.ImageRecord{ChapterID: "c1"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordImagePropagatesExecError(t *testing.T) {
	store, mock := newMockStore(t, "")
	boom := errors.New("connection reset")

	mock.ExpectExec("INSERT INTO images").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err := store.RecordImage(context.Background(), manga.ImageRecord{
		ChapterID:   "c1",
		PageNumber:  1,
		ContentHash: "abc",
		StoredAt:    time.Now(),
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadPrefix(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad-prefix;drop")
	require.Error(t, err)
}
