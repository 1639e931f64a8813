package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGetObject(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "chapters/ch1/p1.jpg", "image/jpeg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	body, err := store.GetObject(context.Background(), "chapters/ch1/p1.jpg")
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(body))
}

func TestNewCreatesBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "blobs")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.txt", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestGetObjectMissing(t *testing.T) {
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.GetObject(context.Background(), "nope.bin")
	require.Error(t, err)
}
