// Package vips decodes whole images with libvips through govips. It plugs
// into the codecs that decode at Finish as a core.ImageBackend.
package vips

import (
	"context"
	"fmt"
	"image"
	_ "image/png" // ToImage round-trips through PNG
	"runtime"
	"time"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	MaxCacheSize int
	MaxWorkers   int
	ReportLeaks  bool
}

// Backend decodes complete PNG, GIF, JPEG and WebP images with libvips.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// Types lists the decoder types the backend can serve.
func (b *Backend) Types() []core.DecoderType {
	return []core.DecoderType{core.DecoderTypePNG, core.DecoderTypeGIF, core.DecoderTypeJPEG, core.DecoderTypeWEBP}
}

// Register installs b for every type it serves.
func (b *Backend) Register(reg *core.Registry) {
	for _, t := range b.Types() {
		reg.RegisterBackend(t, b)
	}
}

// DecodeImage decodes the first frame of data.
func (b *Backend) DecodeImage(ctx context.Context, data []byte) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecoder, "vips.decode", err)
	}
	if len(data) == 0 {
		return nil, apperrors.Data("vips.decode", apperrors.ErrEmptyInput)
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, apperrors.Data("vips.decode", err)
	}
	defer ref.Close()
	return toImage(ref)
}

// DecodeAll decodes every page of an animated image. libvips stacks pages
// vertically, so each frame is cut out of the strip at PageHeight.
func (b *Backend) DecodeAll(ctx context.Context, data []byte) ([]image.Image, []time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CategoryDecoder, "vips.decode_all", err)
	}
	params := govips.NewImportParams()
	params.NumPages.Set(-1)
	ref, err := govips.LoadImageFromBuffer(data, params)
	if err != nil {
		return nil, nil, apperrors.Data("vips.decode_all", err)
	}
	defer ref.Close()

	pages := ref.Pages()
	if pages <= 1 {
		img, err := toImage(ref)
		if err != nil {
			return nil, nil, err
		}
		return []image.Image{img}, nil, nil
	}

	pageH := ref.PageHeight()
	delays, err := ref.PageDelay()
	if err != nil {
		delays = nil
	}

	frames := make([]image.Image, 0, pages)
	durations := make([]time.Duration, 0, pages)
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.CategoryDecoder, "vips.decode_all", err)
		}
		page, err := ref.Copy()
		if err != nil {
			return nil, nil, apperrors.Decoder("vips.decode_all.copy", err)
		}
		if err := page.ExtractArea(0, i*pageH, ref.Width(), pageH); err != nil {
			page.Close()
			return nil, nil, apperrors.Data("vips.decode_all.page", fmt.Errorf("page %d: %w", i, err))
		}
		img, err := toImage(page)
		page.Close()
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, img)
		var d time.Duration
		if i < len(delays) {
			d = time.Duration(delays[i]) * time.Millisecond
		}
		durations = append(durations, d)
	}
	return frames, durations, nil
}

func toImage(ref *govips.ImageRef) (image.Image, error) {
	img, err := ref.ToImage(govips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, apperrors.Decoder("vips.to_image", err)
	}
	return img, nil
}

// compile-time interface checks
var _ core.ImageBackend = (*Backend)(nil)
var _ core.AnimationBackend = (*Backend)(nil)
