// Package factory maps MIME types to decoder types and creates configured
// decoders together with the tasks that drive them on a core.DecodePool.
//
// Full decodes reserve their output in the surface cache before they start,
// so at most one decoder works on the same image, size, flags and frame.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Skryldev/image-decoder/config"
	"github.com/Skryldev/image-decoder/core"
	"github.com/Skryldev/image-decoder/surfacecache"
	"github.com/Skryldev/image-decoder/utils"
)

// GetDecoderType maps a MIME type to a decoder type. Matching ignores case
// and parameters. image/webp maps to WEBP only when webpEnabled is set.
func GetDecoderType(mimeType string, webpEnabled bool) core.DecoderType {
	switch utils.NormalizeMIMEType(mimeType) {
	case "image/png", "image/x-png":
		return core.DecoderTypePNG
	case "image/gif":
		return core.DecoderTypeGIF
	case "image/jpeg", "image/pjpeg", "image/jpg":
		return core.DecoderTypeJPEG
	case "image/bmp", "image/x-ms-bmp":
		return core.DecoderTypeBMP
	case "image/x-icon", "image/vnd.microsoft.icon":
		return core.DecoderTypeICO
	case "image/icon":
		return core.DecoderTypeICON
	case "image/webp":
		if webpEnabled {
			return core.DecoderTypeWEBP
		}
	}
	return core.DecoderTypeUnknown
}

// Factory creates decoders from a registry and schedules their tasks on a
// pool. It is safe for concurrent use.
type Factory struct {
	cfg      config.Config
	registry *core.Registry
	cache    *surfacecache.Cache
	pool     *core.DecodePool

	mu     sync.RWMutex
	logger core.Logger
	hooks  []core.Hook
}

// New returns a Factory. The pool must be started before tasks are
// submitted.
func New(cfg config.Config, registry *core.Registry, cache *surfacecache.Cache, pool *core.DecodePool) *Factory {
	return &Factory{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		pool:     pool,
		logger:   core.NopLogger,
	}
}

// SetLogger attaches a structured logger to the factory and every decoder
// it creates afterwards.
func (f *Factory) SetLogger(l core.Logger) {
	if l == nil {
		l = core.NopLogger
	}
	f.mu.Lock()
	f.logger = l
	f.mu.Unlock()
}

// AddHook registers a hook called around every task run.
func (f *Factory) AddHook(h core.Hook) {
	f.mu.Lock()
	f.hooks = append(f.hooks, h)
	f.mu.Unlock()
}

// Cache returns the surface cache placeholders are inserted into.
func (f *Factory) Cache() *surfacecache.Cache { return f.cache }

// GetDecoderType maps mimeType using the configured WebP setting.
func (f *Factory) GetDecoderType(mimeType string) core.DecoderType {
	return GetDecoderType(mimeType, f.cfg.WebPEnabled)
}

func (f *Factory) log() core.Logger {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.logger
}

// newDecoder builds an unconfigured decoder for t with the factory-wide
// settings applied, or nil when t has no codec.
func (f *Factory) newDecoder(t core.DecoderType) *core.Decoder {
	if t == core.DecoderTypeUnknown {
		return nil
	}
	d := f.registry.NewDecoder(t)
	if d == nil {
		return nil
	}
	d.SetLogger(f.log())
	d.SetLimits(core.Limits{
		MaxWidth:       f.cfg.Limits.MaxWidth,
		MaxHeight:      f.cfg.Limits.MaxHeight,
		MaxPixels:      f.cfg.Limits.MaxPixels,
		MaxLexerBuffer: f.cfg.MaxLexerBuffer,
	})
	d.SetDecodeBytesAtATime(f.cfg.DecodeBytesAtATime)
	d.SetResourceFactory(f)
	return d
}

func (f *Factory) setTargetSize(d *core.Decoder, target *core.Size) bool {
	if target == nil {
		return true
	}
	if err := d.SetTargetSize(*target); err != nil {
		f.log().Warn("factory.target_size", "type", d.Type().String(), "target", target.String(), "error", err.Error())
		return false
	}
	return true
}

func (f *Factory) init(d *core.Decoder) bool {
	if err := d.Init(); err != nil {
		f.log().Warn("factory.init", "type", d.Type().String(), "id", d.ID(), "error", err.Error())
		return false
	}
	return true
}

// CreateDecoder creates a task that decodes the first frame of img at
// targetSize, or at intrinsicSize when targetSize is nil or larger. It
// returns nil if t has no codec, the decoder cannot be set up, or the
// surface is already cached or being decoded by another task.
func (f *Factory) CreateDecoder(t core.DecoderType, img core.ImageSink, source *core.SourceBuffer,
	intrinsicSize core.Size, targetSize *core.Size, decoderFlags core.DecoderFlags,
	surfaceFlags core.SurfaceFlags, sampleSize int) *DecodingTask {
	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	d.SetImage(img)
	d.SetMetadataDecode(false)
	d.SetIterator(source.Iterator())
	d.SetDecoderFlags(decoderFlags | core.FlagFirstFrameOnly)
	d.SetSurfaceFlags(surfaceFlags)
	d.SetSampleSize(sampleSize)
	if !f.setTargetSize(d, targetSize) || !f.init(d) {
		return nil
	}

	outputSize := intrinsicSize
	if targetSize != nil && targetSize.Width <= intrinsicSize.Width && targetSize.Height <= intrinsicSize.Height {
		outputSize = *targetSize
	}
	key := surfacecache.SurfaceKey{Size: outputSize, Flags: surfaceFlags}
	if f.cache.InsertPlaceholder(img.Key(), key) != surfacecache.InsertSuccess {
		f.log().Debug("factory.placeholder_exists", "image", uint64(img.Key()), "size", outputSize.String())
		return nil
	}
	return newDecodingTask(f, d, img.Key(), key)
}

// CreateAnimationDecoder creates a task that decodes every frame of an
// animated image at its intrinsic size. Only GIF and PNG animate; any other
// type panics.
func (f *Factory) CreateAnimationDecoder(t core.DecoderType, img core.ImageSink, source *core.SourceBuffer,
	intrinsicSize core.Size, decoderFlags core.DecoderFlags, surfaceFlags core.SurfaceFlags) *AnimationDecodingTask {
	if t == core.DecoderTypeUnknown {
		return nil
	}
	if t != core.DecoderTypeGIF && t != core.DecoderTypePNG {
		panic(fmt.Sprintf("factory: %s images do not animate", t))
	}
	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	d.SetImage(img)
	d.SetMetadataDecode(false)
	d.SetIterator(source.Iterator())
	d.SetDecoderFlags(decoderFlags | core.FlagIsRedecode)
	d.SetSurfaceFlags(surfaceFlags)
	if !f.init(d) {
		return nil
	}

	key := surfacecache.SurfaceKey{Size: intrinsicSize, Flags: surfaceFlags}
	if f.cache.InsertPlaceholder(img.Key(), key) != surfacecache.InsertSuccess {
		return nil
	}
	return newAnimationDecodingTask(f, d, img.Key(), key)
}

// CreateMetadataDecoder creates a task that learns img's size and
// animation status without decoding pixels.
func (f *Factory) CreateMetadataDecoder(t core.DecoderType, img core.ImageSink, source *core.SourceBuffer,
	sampleSize int) *MetadataDecodingTask {
	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	d.SetImage(img)
	d.SetMetadataDecode(true)
	d.SetIterator(source.Iterator())
	d.SetSampleSize(sampleSize)
	if !f.init(d) {
		return nil
	}
	return newMetadataDecodingTask(f, d)
}

// CreateAnonymousDecoder creates a decoder with no image. Nothing it
// produces is cached, so it only ever decodes the first frame; callers
// read it from Decoder.CurrentFrame.
func (f *Factory) CreateAnonymousDecoder(t core.DecoderType, source *core.SourceBuffer, targetSize *core.Size,
	surfaceFlags core.SurfaceFlags) *core.Decoder {
	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	d.SetMetadataDecode(false)
	d.SetIterator(source.Iterator())
	d.SetDecoderFlags(core.FlagImageIsTransient | core.FlagFirstFrameOnly)
	d.SetSurfaceFlags(surfaceFlags)
	if !f.setTargetSize(d, targetSize) || !f.init(d) {
		return nil
	}
	return d
}

// CreateAnonymousMetadataDecoder creates a metadata decoder with no image.
func (f *Factory) CreateAnonymousMetadataDecoder(t core.DecoderType, source *core.SourceBuffer) *core.Decoder {
	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	d.SetMetadataDecode(true)
	d.SetIterator(source.Iterator())
	d.SetDecoderFlags(core.FlagFirstFrameOnly)
	if !f.init(d) {
		return nil
	}
	return d
}

// CreateDecoderForICOResource creates the decoder for a resource embedded
// in an ICO file, copying parent's mode, flags and target size. BMP
// resources need dataOffset; PNG resources must not have one. Other types
// return nil.
func (f *Factory) CreateDecoderForICOResource(t core.DecoderType, source *core.SourceBuffer, parent *core.Decoder,
	dataOffset *uint32) *core.Decoder {
	switch t {
	case core.DecoderTypeBMP:
		if dataOffset == nil {
			panic("factory: BMP resource without a data offset")
		}
	case core.DecoderTypePNG:
		if dataOffset != nil {
			panic("factory: PNG resource with a data offset")
		}
	default:
		return nil
	}

	d := f.newDecoder(t)
	if d == nil {
		return nil
	}
	if dataOffset != nil {
		rc, ok := d.Codec().(core.ICOResourceCodec)
		if !ok {
			return nil
		}
		rc.SetICOResource(*dataOffset)
	}
	d.SetLogger(parent.Logger())
	d.SetLimits(parent.Limits())
	d.SetDecodeBytesAtATime(0)
	d.SetMetadataDecode(parent.IsMetadataDecode())
	d.SetIterator(source.Iterator())
	d.SetDecoderFlags(parent.DecoderFlags())
	d.SetSurfaceFlags(parent.SurfaceFlags())
	if target, ok := parent.TargetSize(); ok {
		if !f.setTargetSize(d, &target) {
			return nil
		}
	}
	if !f.init(d) {
		return nil
	}
	return d
}

func (f *Factory) hooksSnapshot() []core.Hook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]core.Hook(nil), f.hooks...)
}

func (f *Factory) before(ctx context.Context, step string, d *core.Decoder) {
	for _, h := range f.hooksSnapshot() {
		h.BeforeStep(ctx, step, d)
	}
}

func (f *Factory) after(ctx context.Context, step string, d *core.Decoder, elapsed time.Duration, err error) {
	for _, h := range f.hooksSnapshot() {
		h.AfterStep(ctx, step, d, elapsed, err)
	}
}
