package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda-t/manga-scraper/internal/hash/md5"
)

// halves paints the left half of a 64x64 image with left and the right half
// with right.
func halves(left, right color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessTranscodesAndHashes(t *testing.T) {
	p := New(Config{Quality: 85}, md5.New())
	src := encodePNG(t, halves(color.White, color.Black))

	res, err := p.Process(src)
	require.NoError(t, err)
	require.NotEmpty(t, res.Data)
	require.Len(t, res.ContentHash, 32)
	require.Len(t, res.PerceptualHash, 16)
	require.Equal(t, 64, res.Width)
	require.Equal(t, 64, res.Height)
	require.Equal(t, "png", res.OriginalFormat)
	require.Equal(t, len(src), res.OriginalSize)
	require.Empty(t, res.Thumbnail, "thumbnails are off by default")

	// The transcoded output must itself be a decodable JPEG.
	_, format, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
}

func TestProcessScalesDownWideImages(t *testing.T) {
	p := New(Config{Quality: 85, MaxWidth: 32, ThumbnailMaxWidth: 16}, md5.New())

	res, err := p.Process(encodePNG(t, halves(color.White, color.Black)))
	require.NoError(t, err)
	require.Equal(t, 32, res.Width)
	require.Equal(t, 32, res.Height)
	require.NotEmpty(t, res.Thumbnail)

	thumb, _, err := image.Decode(bytes.NewReader(res.Thumbnail))
	require.NoError(t, err)
	require.Equal(t, 16, thumb.Bounds().Dx())
}

func TestProcessRejectsGarbage(t *testing.T) {
	p := New(Config{}, md5.New())
	_, err := p.Process([]byte("not an image"))
	require.Error(t, err)
}

func TestAverageHashSeparatesDissimilarImages(t *testing.T) {
	a := AverageHash(halves(color.White, color.Black))
	b := AverageHash(halves(color.Black, color.White))
	require.Len(t, a, 16)
	require.NotEqual(t, a, b, "mirrored images must hash differently")
}

func TestAverageHashStableUnderRecompression(t *testing.T) {
	img := halves(color.White, color.Black)
	p := New(Config{Quality: 60}, md5.New())

	res, err := p.Process(encodePNG(t, img))
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Equal(t, AverageHash(img), AverageHash(decoded),
		"perceptual hash should survive a lossy re-encode of a high-contrast image")
}
