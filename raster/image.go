// Package raster holds decoded images. An Image is the core.ImageSink a
// decode reports to: it keeps the frames and metadata as they arrive and
// lets callers wait for the decode to end.
package raster

import (
	"context"
	"image"
	"sync"

	"github.com/Skryldev/image-decoder/core"
)

// Image is safe for concurrent use.
type Image struct {
	key core.ImageKey

	mu       sync.Mutex
	metadata core.Metadata
	progress core.Progress
	invalid  image.Rectangle
	frames   []*core.Frame
	updates  int
	results  []core.DecodeResult
	done     chan struct{}
	// decodes is how many NotifyDecodeComplete calls close done.
	decodes int
}

// New returns an empty image that is done after one decode completes.
func New(key core.ImageKey) *Image {
	return &Image{key: key, done: make(chan struct{}), decodes: 1}
}

// ExpectDecodes makes the image wait for n completed decodes instead of
// one; a metadata decode followed by a full decode is two.
func (img *Image) ExpectDecodes(n int) {
	img.mu.Lock()
	img.decodes = max(n, 1)
	img.mu.Unlock()
}

func (img *Image) Key() core.ImageKey { return img.key }

func (img *Image) NotifyProgress(u core.ProgressUpdate) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.updates++
	img.progress |= u.Progress
	img.metadata = u.Metadata
	img.invalid = img.invalid.Union(u.InvalidRect)
	img.frames = append(img.frames, u.Frames...)
}

func (img *Image) NotifyDecodeComplete(r core.DecodeResult) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.results = append(img.results, r)
	img.progress |= r.Progress
	if r.Metadata.HasSize {
		img.metadata = r.Metadata
	}
	if len(img.results) == img.decodes {
		close(img.done)
	}
}

// Done is closed once the expected number of decodes has completed.
func (img *Image) Done() <-chan struct{} { return img.done }

// Wait blocks until the image is done or ctx ends, and returns the last
// decode's result.
func (img *Image) Wait(ctx context.Context) (core.DecodeResult, error) {
	select {
	case <-img.done:
		return img.Result(), nil
	case <-ctx.Done():
		return core.DecodeResult{}, ctx.Err()
	}
}

// Result returns the most recent decode result.
func (img *Image) Result() core.DecodeResult {
	img.mu.Lock()
	defer img.mu.Unlock()
	if len(img.results) == 0 {
		return core.DecodeResult{}
	}
	return img.results[len(img.results)-1]
}

// Results returns every decode result in completion order.
func (img *Image) Results() []core.DecodeResult {
	img.mu.Lock()
	defer img.mu.Unlock()
	return append([]core.DecodeResult(nil), img.results...)
}

func (img *Image) Metadata() core.Metadata {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.metadata
}

// Progress returns every progress flag seen so far.
func (img *Image) Progress() core.Progress {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.progress
}

// Frames returns the completed frames in the order they were delivered.
func (img *Image) Frames() []*core.Frame {
	img.mu.Lock()
	defer img.mu.Unlock()
	return append([]*core.Frame(nil), img.frames...)
}

// Frame returns frame i, or nil.
func (img *Image) Frame(i int) *core.Frame {
	img.mu.Lock()
	defer img.mu.Unlock()
	for _, f := range img.frames {
		if f.Index == i {
			return f
		}
	}
	return nil
}

// Image returns frame 0 as an image.Image, or nil when it has not arrived.
func (img *Image) Image() image.Image {
	if f := img.Frame(0); f != nil {
		return f.Image()
	}
	return nil
}

// TakeInvalidRect returns and clears the area reported changed.
func (img *Image) TakeInvalidRect() image.Rectangle {
	img.mu.Lock()
	defer img.mu.Unlock()
	r := img.invalid
	img.invalid = image.Rectangle{}
	return r
}

// UpdateCount is the number of progress notifications received.
func (img *Image) UpdateCount() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.updates
}
