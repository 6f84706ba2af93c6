// Package imaging downloads product pictures and turns them into small PNG thumbnails.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"io"
	"net/http"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

// ErrTooLarge is returned when an image exceeds the configured byte or pixel limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config tunes downloads and thumbnail size.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
	// MaxPixels caps the declared width*height so decoding stays bounded in memory.
	MaxPixels int64
	Width     int
	Height    int
	UserAgent string
}

// Pipeline fetches, scales, stores and returns product thumbnails.
type Pipeline struct {
	cfg     Config
	client  *http.Client
	limiter Waiter
	blobs   crawler.BlobStore
	hasher  crawler.Hasher
	logger  *zap.Logger
}

// New constructs a Pipeline. client and limiter may be nil.
func New(cfg Config, client *http.Client, limiter Waiter, blobs crawler.BlobStore, hasher crawler.Hasher, logger *zap.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = 40_000_000
	}
	if cfg.Width <= 0 {
		cfg.Width = 160
	}
	if cfg.Height <= 0 {
		cfg.Height = 160
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, client: client, limiter: limiter, blobs: blobs, hasher: hasher, logger: logger}
}

// Process fills p.Thumbnail and p.ImageURI. Products without an image URL are skipped.
func (pl *Pipeline) Process(ctx context.Context, p *crawler.Product) error {
	if p.ImageURL == "" {
		metrics.ObserveImage("skipped")
		return nil
	}
	thumb, err := pl.thumbnail(ctx, p.ImageURL)
	if err != nil {
		metrics.ObserveImage("failed")
		return err
	}
	p.Thumbnail = thumb
	if pl.blobs != nil {
		uri, err := pl.store(ctx, p.RunID, thumb)
		if err != nil {
			metrics.ObserveImage("failed")
			return err
		}
		p.ImageURI = uri
	}
	metrics.ObserveImage("stored")
	return nil
}

func (pl *Pipeline) thumbnail(ctx context.Context, rawURL string) ([]byte, error) {
	data, err := pl.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > pl.cfg.MaxPixels {
		return nil, fmt.Errorf("%w: %s is %dx%d", ErrTooLarge, rawURL, header.Width, header.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, Thumbnail(img, pl.cfg.Width, pl.cfg.Height)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	pl.logger.Debug("thumbnail ready",
		zap.String("image_url", rawURL),
		zap.String("format", format),
		zap.Int("source_bytes", len(data)),
		zap.Int("thumb_bytes", buf.Len()),
	)
	return buf.Bytes(), nil
}

func (pl *Pipeline) download(ctx context.Context, rawURL string) ([]byte, error) {
	if pl.limiter != nil {
		if err := pl.limiter.Wait(ctx, rawURL); err != nil {
			return nil, err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, pl.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	if pl.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", pl.cfg.UserAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,image/*;q=0.8")
	resp, err := pl.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			pl.logger.Warn("close image body", zap.String("image_url", rawURL), zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, pl.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > pl.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, rawURL)
	}
	return data, nil
}

func (pl *Pipeline) store(ctx context.Context, runID string, thumb []byte) (string, error) {
	name := fmt.Sprintf("%d", len(thumb))
	if pl.hasher != nil {
		digest, err := pl.hasher.Hash(thumb)
		if err != nil {
			return "", fmt.Errorf("hash thumbnail: %w", err)
		}
		name = digest
	}
	uri, err := pl.blobs.PutObject(ctx, path.Join(runID, "thumbs", name+".png"), "image/png", thumb)
	if err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}
	return uri, nil
}

// Thumbnail scales img to fit within maxW x maxH, keeping its aspect ratio.
// Images that already fit are returned unchanged.
func Thumbnail(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	tw := max(int(float64(w)*scale), 1)
	th := max(int(float64(h)*scale), 1)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
