// Package imaging transcodes downloaded page images: decode, optional
// downscale, JPEG re-encode, plus the content and perceptual hashes the
// duplicate detector keys on.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Register decoders for the formats manga sources serve.
	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/oda-t/manga-scraper/internal/scraper"
)

// phashSide is the downsample grid used for the perceptual hash: 8x8 cells,
// one bit per cell, rendered as 16 hex characters.
const phashSide = 8

// Config holds processor configuration.
type Config struct {
	// Quality is the JPEG quality for re-encoded images (1-100).
	Quality int
	// MaxWidth caps output width; larger images are scaled down
	// proportionally. Zero keeps the original size.
	MaxWidth int
	// ThumbnailMaxWidth caps thumbnail width. Zero disables thumbnails.
	ThumbnailMaxWidth int
}

// Result is one transcoded image with its identity hashes.
type Result struct {
	Data           []byte
	Thumbnail      []byte
	ContentHash    string
	PerceptualHash string
	Width          int
	Height         int
	OriginalFormat string
	OriginalSize   int
}

// Processor transcodes raw image bytes. Stateless and safe for concurrent
// use.
type Processor struct {
	cfg    Config
	hasher scraper.Hasher
}

// New creates a Processor. Quality defaults to 85 when unset.
func New(cfg Config, hasher scraper.Hasher) *Processor {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	return &Processor{cfg: cfg, hasher: hasher}
}

// Process decodes data, scales it to the configured bounds, re-encodes it as
// JPEG, and computes the content hash of the encoded output plus the
// perceptual hash of the decoded pixels. Invalid image data is reported as a
// non-retryable failure.
func (p *Processor) Process(data []byte) (Result, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, scraper.NonRetryable(fmt.Errorf("decode image: %w", err))
	}

	out := img
	if p.cfg.MaxWidth > 0 && img.Bounds().Dx() > p.cfg.MaxWidth {
		out = scaleToWidth(img, p.cfg.MaxWidth)
	}

	encoded, err := encodeJPEG(out, p.cfg.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode image: %w", err)
	}

	hash, err := p.hasher.Hash(encoded)
	if err != nil {
		return Result{}, fmt.Errorf("hash image: %w", err)
	}

	res := Result{
		Data:           encoded,
		ContentHash:    hash,
		PerceptualHash: AverageHash(img),
		Width:          out.Bounds().Dx(),
		Height:         out.Bounds().Dy(),
		OriginalFormat: format,
		OriginalSize:   len(data),
	}

	if p.cfg.ThumbnailMaxWidth > 0 && img.Bounds().Dx() > p.cfg.ThumbnailMaxWidth {
		thumb, err := encodeJPEG(scaleToWidth(img, p.cfg.ThumbnailMaxWidth), p.cfg.Quality)
		if err != nil {
			return Result{}, fmt.Errorf("encode thumbnail: %w", err)
		}
		res.Thumbnail = thumb
	}

	return res, nil
}

// AverageHash computes the 64-bit average perceptual hash of img: the image
// is downsampled to an 8x8 grayscale grid and each cell contributes one bit,
// set when the cell is brighter than the grid mean. Perceptually similar
// images differ in only a few bits.
func AverageHash(img image.Image) string {
	small := image.NewGray(image.Rect(0, 0, phashSide, phashSide))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var sum int
	for _, px := range small.Pix {
		sum += int(px)
	}
	mean := sum / (phashSide * phashSide)

	var hash uint64
	for i, px := range small.Pix {
		if int(px) > mean {
			hash |= 1 << (63 - i)
		}
	}
	return fmt.Sprintf("%016x", hash)
}

func scaleToWidth(img image.Image, width int) image.Image {
	b := img.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
