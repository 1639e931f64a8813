package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda-t/manga-scraper/internal/scraper"
)

func TestPublishRecordsEncodedPayload(t *testing.T) {
	pub := New()

	id, err := pub.Publish(context.Background(), "images.stored", scraper.StoredImageEvent{
		SessionID: "s1",
		MangaID:   "one-piece",
		ChapterID: "one-piece-1001",
	})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "images.stored", msgs[0].Topic)

	var event scraper.StoredImageEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, "one-piece-1001", event.ChapterID)
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	pub := New()
	_, err := pub.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}

func TestMessagesReturnsCopy(t *testing.T) {
	pub := New()
	_, err := pub.Publish(context.Background(), "t", "payload")
	require.NoError(t, err)

	msgs := pub.Messages()
	msgs[0].Topic = "mutated"
	require.Equal(t, "t", pub.Messages()[0].Topic)
}
