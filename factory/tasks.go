package factory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/surfacecache"
)

// task is the machinery shared by every decoding task: it drives the
// decoder on a pool worker, re-enqueues itself when the source has more
// data, and runs hooks around each run.
type task struct {
	mu      sync.Mutex
	f       *Factory
	kind    string
	decoder *core.Decoder
	self    core.Task
	// progress makes the task notify its image after runs that did not
	// finish the decode.
	progress bool
	complete func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func (t *task) init(f *Factory, kind string, d *core.Decoder, self core.Task) {
	t.f = f
	t.kind = kind
	t.decoder = d
	t.self = self
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})
}

// Decoder returns the decoder the task drives.
func (t *task) Decoder() *core.Decoder { return t.decoder }

// Done is closed once the decode has ended.
func (t *task) Done() <-chan struct{} { return t.done }

// Abandon stops the decode at the next chunk boundary. The task still
// completes: placeholders are released and the image is notified.
func (t *task) Abandon() {
	t.cancel()
	t.resume()
}

func (t *task) resume() { t.f.Schedule(t.self) }

func (t *task) run(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()
	if t.ctx.Err() != nil {
		cancel()
	}

	d := t.decoder
	t.f.before(runCtx, t.kind, d)
	start := time.Now()
	for {
		switch d.Decode(runCtx, t.resume) {
		case core.ResultNeedMoreData:
			t.notifyProgress()
			t.f.after(runCtx, t.kind, d, time.Since(start), nil)
			return
		case core.ResultYield:
			t.notifyProgress()
			if err := t.f.pool.Submit(t.self); err == nil {
				t.f.after(runCtx, t.kind, d, time.Since(start), nil)
				return
			}
			// The queue is full; keep going on this worker.
		case core.ResultTerminal:
			t.closed = true
			if t.complete != nil {
				t.complete()
			}
			t.f.after(runCtx, t.kind, d, time.Since(start), d.Err())
			close(t.done)
			return
		}
	}
}

func (t *task) notifyProgress() {
	if t.progress {
		t.decoder.NotifyImage()
	}
}

func (t *task) notifyComplete() {
	t.decoder.NotifyImage()
	if img := t.decoder.Image(); img != nil {
		img.NotifyDecodeComplete(t.decoder.Result())
	}
}

// fillPlaceholder replaces the reservation for (img, key) with the first
// frame, or drops it when the decode produced nothing usable.
func (t *task) fillPlaceholder(img core.ImageKey, key surfacecache.SurfaceKey) {
	d := t.decoder
	if f := d.FirstFrame(); f != nil && f.Complete && !d.WasAborted() {
		t.f.cache.Insert(img, key, f)
		return
	}
	t.f.cache.RemovePlaceholder(img, key)
}

// Schedule submits t to the pool. A full queue runs t on the calling
// goroutine; a stopped pool runs it with a cancelled context so the decode
// is abandoned and cleaned up.
func (f *Factory) Schedule(t core.Task) {
	err := f.pool.Submit(t)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrPoolStopped):
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f.pool.RunSync(ctx, t)
	default:
		f.pool.RunSync(context.Background(), t)
	}
}

// DecodingTask decodes the first frame of an image and fills the surface
// cache placeholder reserved for it.
type DecodingTask struct {
	task
	image core.ImageKey
	key   surfacecache.SurfaceKey
}

func newDecodingTask(f *Factory, d *core.Decoder, img core.ImageKey, key surfacecache.SurfaceKey) *DecodingTask {
	t := &DecodingTask{image: img, key: key}
	t.init(f, "decode", d, t)
	t.progress = true
	t.complete = func() {
		t.fillPlaceholder(t.image, t.key)
		t.notifyComplete()
	}
	return t
}

// Run decodes as much of the source as is available.
func (t *DecodingTask) Run(ctx context.Context) { t.run(ctx) }

// SurfaceKey returns the key the task's placeholder was inserted under.
func (t *DecodingTask) SurfaceKey() surfacecache.SurfaceKey { return t.key }

// AnimationDecodingTask decodes every frame of an animated image and
// reports progress whenever the decoder yields.
type AnimationDecodingTask struct {
	task
	image core.ImageKey
	key   surfacecache.SurfaceKey
}

func newAnimationDecodingTask(f *Factory, d *core.Decoder, img core.ImageKey, key surfacecache.SurfaceKey) *AnimationDecodingTask {
	t := &AnimationDecodingTask{image: img, key: key}
	t.init(f, "animation", d, t)
	t.progress = true
	t.complete = func() {
		t.fillPlaceholder(t.image, t.key)
		t.notifyComplete()
	}
	return t
}

// Run decodes as much of the source as is available.
func (t *AnimationDecodingTask) Run(ctx context.Context) { t.run(ctx) }

// MetadataDecodingTask learns an image's size and animation status. The
// image hears about it once, when the decode completes.
type MetadataDecodingTask struct {
	task
}

func newMetadataDecodingTask(f *Factory, d *core.Decoder) *MetadataDecodingTask {
	t := &MetadataDecodingTask{}
	t.init(f, "metadata", d, t)
	t.complete = func() {
		if img := t.decoder.Image(); img != nil {
			img.NotifyDecodeComplete(t.decoder.Result())
		}
	}
	return t
}

// Run decodes as much of the source as is available.
func (t *MetadataDecodingTask) Run(ctx context.Context) { t.run(ctx) }

// AnonymousDecodingTask drives a decoder that has no image. Results are
// read from the decoder once Done is closed.
type AnonymousDecodingTask struct {
	task
}

// NewAnonymousDecodingTask wraps a decoder from CreateAnonymousDecoder or
// CreateAnonymousMetadataDecoder.
func (f *Factory) NewAnonymousDecodingTask(d *core.Decoder) *AnonymousDecodingTask {
	t := &AnonymousDecodingTask{}
	t.init(f, "anonymous", d, t)
	return t
}

// Run decodes as much of the source as is available.
func (t *AnonymousDecodingTask) Run(ctx context.Context) { t.run(ctx) }
