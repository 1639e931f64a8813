package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oda-t/manga-scraper/internal/scraper"
)

func TestFetchReturnsBodyAndMetadata(t *testing.T) {
	var gotReferer, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotSession = r.Header.Get("X-Session")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "manga-scraper-test"})
	headers := http.Header{}
	headers.Set("X-Session", "s1")

	res, err := f.Fetch(context.Background(), scraper.FetchRequest{
		URL:     srv.URL + "/page.jpg",
		Referer: "https://example.com/chapter/1",
		Headers: headers,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "jpeg-bytes", string(res.Body))
	require.Equal(t, "image/jpeg", res.ContentType)
	require.Equal(t, "https://example.com/chapter/1", gotReferer)
	require.Equal(t, "s1", gotSession)
	require.Positive(t, res.Duration)
}

func TestFetchClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   scraper.FailureKind
	}{
		{name: "too many requests", status: http.StatusTooManyRequests, want: scraper.FailureThrottled},
		{name: "service unavailable", status: http.StatusServiceUnavailable, want: scraper.FailureThrottled},
		{name: "internal error", status: http.StatusInternalServerError, want: scraper.FailureTransient},
		{name: "bad gateway", status: http.StatusBadGateway, want: scraper.FailureTransient},
		{name: "not found", status: http.StatusNotFound, want: scraper.FailureNonRetryable},
		{name: "forbidden", status: http.StatusForbidden, want: scraper.FailureNonRetryable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			f := New(Config{})
			_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: srv.URL})
			require.Error(t, err)

			kind, canceled := scraper.Classify(err)
			require.False(t, canceled)
			require.Equal(t, tc.want, kind)
		})
	}
}

func TestFetchConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: url})
	require.Error(t, err)

	kind, _ := scraper.Classify(err)
	require.Equal(t, scraper.FailureTransient, kind)
}

func TestFetchRequiresURL(t *testing.T) {
	f := New(Config{})
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{})
	require.Error(t, err)

	kind, _ := scraper.Classify(err)
	require.Equal(t, scraper.FailureNonRetryable, kind)
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, scraper.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyWrapsOriginalError(t *testing.T) {
	base := errors.New("boom")
	err := classify(http.StatusBadGateway, fmt.Errorf("wrapped: %w", base))
	require.ErrorIs(t, err, base)
}
