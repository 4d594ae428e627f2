// Package imageproc implements the image operations behind each task kind.
package imageproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"path"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"photoblast/internal/config"
	"photoblast/internal/storage"
)

const watermarkMargin = 10

// Options sizes the outputs and selects the watermark source.
type Options struct {
	ProcessedDir     string
	ThumbnailDir     string
	ResizeWidth      int
	ResizeHeight     int
	ThumbnailWidth   int
	ThumbnailHeight  int
	WatermarkPath    string
	WatermarkText    string
	WatermarkOpacity float64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ProcessedDir:     cfg.ProcessedDir,
		ThumbnailDir:     cfg.ThumbnailDir,
		ResizeWidth:      cfg.ResizeWidth,
		ResizeHeight:     cfg.ResizeHeight,
		ThumbnailWidth:   cfg.ThumbnailWidth,
		ThumbnailHeight:  cfg.ThumbnailHeight,
		WatermarkPath:    cfg.WatermarkPath,
		WatermarkText:    cfg.WatermarkText,
		WatermarkOpacity: cfg.WatermarkOpacity,
	}
}

// Processor reads originals from disk and writes derived images to a sink.
type Processor struct {
	opts   Options
	sink   storage.Sink
	logger zerolog.Logger
}

func New(opts Options, sink storage.Sink, logger zerolog.Logger) *Processor {
	if opts.WatermarkOpacity <= 0 || opts.WatermarkOpacity > 1 {
		opts.WatermarkOpacity = 0.5
	}
	return &Processor{opts: opts, sink: sink, logger: logger}
}

// Resize fits the original within the configured bounds, keeping aspect ratio.
func (p *Processor) Resize(ctx context.Context, originalPath, photoID string) error {
	src, err := p.open(ctx, originalPath)
	if err != nil {
		return err
	}
	out := imaging.Fit(src, p.opts.ResizeWidth, p.opts.ResizeHeight, imaging.Lanczos)
	return p.save(ctx, p.opts.ProcessedDir, photoID, "_resized", originalPath, out)
}

// Thumbnail fits the original within the thumbnail bounds.
func (p *Processor) Thumbnail(ctx context.Context, originalPath, photoID string) error {
	src, err := p.open(ctx, originalPath)
	if err != nil {
		return err
	}
	out := imaging.Fit(src, p.opts.ThumbnailWidth, p.opts.ThumbnailHeight, imaging.Lanczos)
	return p.save(ctx, p.opts.ThumbnailDir, photoID, "_thumb", originalPath, out)
}

// Watermark stamps the bottom-right corner with the watermark image, or with
// the watermark text when no image is available. With neither configured the
// task is skipped and succeeds.
func (p *Processor) Watermark(ctx context.Context, originalPath, photoID string) error {
	src, err := p.open(ctx, originalPath)
	if err != nil {
		return err
	}

	mark, err := p.loadWatermark()
	if err != nil {
		return err
	}

	var out image.Image
	switch {
	case mark != nil:
		out = overlay(src, mark, p.opts.WatermarkOpacity)
	case p.opts.WatermarkText != "":
		out = stamp(src, p.opts.WatermarkText, p.opts.WatermarkOpacity)
	default:
		p.logger.Warn().Str("photoId", photoID).Str("watermark_path", p.opts.WatermarkPath).Msg("no watermark available, skipping")
		return nil
	}
	return p.save(ctx, p.opts.ProcessedDir, photoID, "_watermarked", originalPath, out)
}

func (p *Processor) open(ctx context.Context, originalPath string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Open(originalPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open original %s: %w", originalPath, err)
	}
	if img.Bounds().Empty() {
		return nil, errors.New("invalid image dimensions")
	}
	return img, nil
}

func (p *Processor) loadWatermark() (image.Image, error) {
	if p.opts.WatermarkPath == "" {
		return nil, nil
	}
	mark, err := imaging.Open(p.opts.WatermarkPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open watermark: %w", err)
	}
	return mark, nil
}

func (p *Processor) save(ctx context.Context, dir, photoID, suffix, originalPath string, img image.Image) error {
	format, err := imaging.FormatFromFilename(originalPath)
	ext := storage.Extension(originalPath)
	if err != nil {
		format, ext = imaging.JPEG, storage.DefaultExtension
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	key := path.Join(filepath.ToSlash(dir), photoID+suffix+ext)
	location, err := p.sink.Put(ctx, key, buf.Bytes(), mimeForFormat(format))
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	p.logger.Debug().Str("photoId", photoID).Str("location", location).Msg("image written")
	return nil
}

// overlay scales mark down to at most a quarter of the photo width and blends
// it into the bottom-right corner.
func overlay(src, mark image.Image, opacity float64) image.Image {
	maxWidth := src.Bounds().Dx() / 4
	if maxWidth < 1 {
		maxWidth = 1
	}
	mb := mark.Bounds()
	if mb.Dx() > maxWidth {
		height := mb.Dy() * maxWidth / mb.Dx()
		if height < 1 {
			height = 1
		}
		scaled := image.NewNRGBA(image.Rect(0, 0, maxWidth, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), mark, mb, draw.Over, nil)
		mark = scaled
	}

	sb := src.Bounds()
	pos := image.Pt(
		max(sb.Dx()-mark.Bounds().Dx()-watermarkMargin, 0),
		max(sb.Dy()-mark.Bounds().Dy()-watermarkMargin, 0),
	)
	return imaging.Overlay(src, mark, pos, opacity)
}

// stamp draws text in the bottom-right corner using the built-in face.
func stamp(src image.Image, text string, opacity float64) image.Image {
	dc := gg.NewContextForImage(src)
	dc.SetColor(color.NRGBA{R: 255, G: 255, B: 255, A: uint8(opacity * 255)})
	x := float64(dc.Width() - watermarkMargin)
	y := float64(dc.Height() - watermarkMargin)
	dc.DrawStringAnchored(text, x, y, 1, 0)
	return dc.Image()
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
