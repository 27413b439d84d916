// Package imagedecoder streams encoded images into decoded frames. It wires
// the codec registry, the decode pool and the surface cache behind one
// Decoder type.
package imagedecoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/image-decoder/adapters/decoder"
	"github.com/Skryldev/image-decoder/config"
	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/factory"
	"github.com/Skryldev/image-decoder/hooks"
	"github.com/Skryldev/image-decoder/raster"
	"github.com/Skryldev/image-decoder/surfacecache"
	"github.com/Skryldev/image-decoder/utils"
)

// sniffLen is how many leading bytes are read to guess a MIME type.
const sniffLen = 512

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Options describes one decode.
type Options struct {
	// MIMEType overrides sniffing. Required for image/icon, which has no
	// signature.
	MIMEType string
	// Width and Height request downscale-during-decode. Pass 0 for one axis
	// to keep the aspect ratio. Targets at or above the intrinsic size are
	// ignored.
	Width, Height int
	// Animate decodes every frame of animated GIF and PNG images.
	Animate      bool
	SampleSize   int
	DecoderFlags core.DecoderFlags
	SurfaceFlags core.SurfaceFlags
}

// Decoder is the primary entry point.
type Decoder struct {
	cfg      config.Config
	registry *core.Registry
	cache    *surfacecache.Cache
	pool     *core.DecodePool
	factory  *factory.Factory
	logger   core.Logger
}

// New creates a fully wired Decoder with every built-in codec registered.
func New(cfg config.Config) *Decoder {
	reg := core.NewRegistry()
	decoder.Register(reg)

	cache := surfacecache.New()
	pool := core.NewDecodePool(cfg)
	return &Decoder{
		cfg:      cfg,
		registry: reg,
		cache:    cache,
		pool:     pool,
		factory:  factory.New(cfg, reg, cache, pool),
		logger:   core.NopLogger,
	}
}

// SetLogger attaches a structured logger.
func (p *Decoder) SetLogger(l core.Logger) {
	if l == nil {
		l = core.NopLogger
	}
	p.logger = l
	p.pool.SetLogger(l)
	p.factory.SetLogger(l)
}

// SetMetrics attaches a metrics collector.
func (p *Decoder) SetMetrics(m core.MetricsCollector) { p.factory.AddHook(hooks.NewMetricsHook(m)) }

// AddHook registers an observer for decoding task runs.
func (p *Decoder) AddHook(h core.Hook) { p.factory.AddHook(h) }

// RegisterBackend replaces the whole-image decoder used for t.
func (p *Decoder) RegisterBackend(t core.DecoderType, b core.ImageBackend) { p.registry.RegisterBackend(t, b) }

// Registry exposes the codec registry for advanced use.
func (p *Decoder) Registry() *core.Registry { return p.registry }

// Factory exposes the decoder factory for callers that manage their own
// source buffers and tasks.
func (p *Decoder) Factory() *factory.Factory { return p.factory }

// Cache returns the surface cache full decodes are stored in.
func (p *Decoder) Cache() *surfacecache.Cache { return p.cache }

// Start starts the decode pool.
func (p *Decoder) Start() { p.pool.Start() }

// Stop shuts down the decode pool.
func (p *Decoder) Stop() { p.pool.Stop() }

// NewImage returns an empty image with a fresh key.
func (p *Decoder) NewImage() *raster.Image { return raster.New(p.registry.NextImageKey()) }

// Stats returns lightweight pool statistics.
func (p *Decoder) Stats() (runs, panics int64) {
	return p.pool.RunCount(), p.pool.PanicCount()
}

// Decode streams r into a new image. A metadata decode learns the size
// first, then a full decode runs at the requested size while the rest of r
// is still loading. The returned image holds the frames even when err is
// non-nil and some rows were decoded.
func (p *Decoder) Decode(ctx context.Context, r io.Reader, opts Options) (*raster.Image, error) {
	src := core.NewSourceBuffer()
	head, err := p.readHead(ctx, r, src)
	if err != nil {
		return nil, err
	}

	mimeType := opts.MIMEType
	if mimeType == "" {
		mimeType = utils.SniffMIMEType(head)
	}
	t := p.factory.GetDecoderType(mimeType)
	if t == core.DecoderTypeUnknown {
		src.Complete(nil)
		return nil, apperrors.New(apperrors.CategoryInput, "imagedecoder.decode",
			fmt.Errorf("%w: %q", apperrors.ErrUnknownDecoderType, mimeType))
	}

	loadCtx, stopLoading := context.WithCancel(ctx)
	defer stopLoading()
	go p.load(loadCtx, r, src)

	img := p.NewImage()
	img.ExpectDecodes(2)

	meta := p.factory.CreateMetadataDecoder(t, img, src, opts.SampleSize)
	if meta == nil {
		return nil, apperrors.New(apperrors.CategoryDecoder, "imagedecoder.metadata", apperrors.ErrInitFailed)
	}
	if err := p.await(ctx, meta.Decoder(), meta); err != nil {
		return nil, err
	}
	md := meta.Decoder().Metadata()
	if !md.HasSize {
		if err := meta.Decoder().Err(); err != nil {
			return nil, err
		}
		return nil, apperrors.Data("imagedecoder.metadata", apperrors.ErrTruncated)
	}

	task := p.createTask(t, img, src, md, opts)
	if task == nil {
		return nil, apperrors.New(apperrors.CategoryDecoder, "imagedecoder.decode", apperrors.ErrInitFailed)
	}
	if err := p.await(ctx, task.Decoder(), task); err != nil {
		return img, err
	}
	return img, task.Decoder().Err()
}

type runningTask interface {
	core.Task
	Decoder() *core.Decoder
	Done() <-chan struct{}
	Abandon()
}

func (p *Decoder) createTask(t core.DecoderType, img *raster.Image, src *core.SourceBuffer,
	md core.Metadata, opts Options) runningTask {
	if opts.Animate && md.IsAnimated && (t == core.DecoderTypeGIF || t == core.DecoderTypePNG) {
		if task := p.factory.CreateAnimationDecoder(t, img, src, md.Size, opts.DecoderFlags, opts.SurfaceFlags); task != nil {
			return task
		}
		return nil
	}

	target := targetSize(md.Size, opts.Width, opts.Height)
	task := p.factory.CreateDecoder(t, img, src, md.Size, target, opts.DecoderFlags, opts.SurfaceFlags, opts.SampleSize)
	if task == nil && target != nil {
		// The codec cannot downscale; decode at the intrinsic size.
		p.logger.Debug("imagedecoder.no_downscale", "type", t.String(), "size", md.Size.String())
		task = p.factory.CreateDecoder(t, img, src, md.Size, nil, opts.DecoderFlags, opts.SurfaceFlags, opts.SampleSize)
	}
	if task == nil {
		return nil
	}
	return task
}

// targetSize returns nil when no downscale is wanted.
func targetSize(intrinsic core.Size, w, h int) *core.Size {
	if w <= 0 && h <= 0 {
		return nil
	}
	tw, th := utils.ScaleDimensions(intrinsic.Width, intrinsic.Height, max(w, 0), max(h, 0))
	if tw >= intrinsic.Width && th >= intrinsic.Height {
		return nil
	}
	return &core.Size{Width: tw, Height: th}
}

// await schedules t and waits for it. Cancelling ctx abandons the decode
// and still waits for the task to clean up.
func (p *Decoder) await(ctx context.Context, d *core.Decoder, t runningTask) error {
	p.factory.Schedule(t)
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		t.Abandon()
		<-t.Done()
		p.logger.Debug("imagedecoder.abandoned", "type", d.Type().String(), "id", d.ID())
		return apperrors.Wrap(apperrors.CategoryDecoder, "imagedecoder.decode", ctx.Err())
	}
}

// readHead copies up to sniffLen bytes of r into src and returns them.
func (p *Decoder) readHead(ctx context.Context, r io.Reader, src *core.SourceBuffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecoder, "imagedecoder.read", err)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	head = head[:n]
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = apperrors.ErrEmptyInput
		}
		return nil, apperrors.New(apperrors.CategoryInput, "imagedecoder.read", err)
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "imagedecoder.read", err)
	}
	if _, err := src.Write(head); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecoder, "imagedecoder.read", err)
	}
	return head, nil
}

// load streams the rest of r into src and completes it.
func (p *Decoder) load(ctx context.Context, r io.Reader, src *core.SourceBuffer) {
	if p.cfg.MaxImageBytes > 0 {
		remain := p.cfg.MaxImageBytes - src.Len()
		if remain <= 0 {
			src.Complete(apperrors.New(apperrors.CategoryInput, "imagedecoder.load", apperrors.ErrImageTooLarge))
			return
		}
		r = &utils.LimitedReader{R: r, Max: remain}
	}
	n, err := src.ReadFromContext(ctx, r, p.cfg.ChunkSize)
	if err != nil {
		p.logger.Warn("imagedecoder.load", "bytes", n, "error", err.Error())
	}
	src.Complete(err)
}

// DecodeAll decodes every reader concurrently. results[i] and errs[i]
// belong to readers[i].
func (p *Decoder) DecodeAll(ctx context.Context, readers []io.Reader, opts Options) ([]*raster.Image, []error) {
	results := make([]*raster.Image, len(readers))
	errs := make([]error, len(readers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.pool.Workers(), 1))
	for i, r := range readers {
		i, r := i, r
		g.Go(func() error {
			results[i], errs[i] = p.Decode(gctx, r, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// DecodeFromStore loads key from store and decodes it.
func (p *Decoder) DecodeFromStore(ctx context.Context, store core.SourceStore, key core.StorageKey, opts Options) (*raster.Image, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return p.Decode(ctx, rc, opts)
}

// DecodeAnonymous decodes the first frame of data without an image or the
// surface cache. A nil target decodes at the intrinsic size.
func (p *Decoder) DecodeAnonymous(ctx context.Context, data []byte, mimeType string, target *core.Size,
	surfaceFlags core.SurfaceFlags) (*core.Frame, core.DecodeResult, error) {
	t := p.typeFor(data, mimeType)
	d := p.factory.CreateAnonymousDecoder(t, core.NewCompleteSourceBuffer(data), target, surfaceFlags)
	if d == nil {
		return nil, core.DecodeResult{}, apperrors.New(apperrors.CategoryInput, "imagedecoder.anonymous",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownDecoderType, t))
	}
	task := p.factory.NewAnonymousDecodingTask(d)
	if err := p.await(ctx, d, task); err != nil {
		return nil, d.Result(), err
	}
	return d.FirstFrame(), d.Result(), d.Err()
}

// DecodeMetadata learns the size and animation status of data without
// decoding pixels.
func (p *Decoder) DecodeMetadata(ctx context.Context, data []byte, mimeType string) (core.Metadata, error) {
	t := p.typeFor(data, mimeType)
	d := p.factory.CreateAnonymousMetadataDecoder(t, core.NewCompleteSourceBuffer(data))
	if d == nil {
		return core.Metadata{}, apperrors.New(apperrors.CategoryInput, "imagedecoder.metadata",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownDecoderType, t))
	}
	if err := p.await(ctx, d, p.factory.NewAnonymousDecodingTask(d)); err != nil {
		return core.Metadata{}, err
	}
	return d.Metadata(), d.Err()
}

func (p *Decoder) typeFor(data []byte, mimeType string) core.DecoderType {
	if mimeType == "" {
		mimeType = utils.SniffMIMEType(data)
	}
	return p.factory.GetDecoderType(mimeType)
}
