package core

import (
	"sync"
	"sync/atomic"
)

// ── Registry ──────────────────────────────────────────────────────────────────

// Registry maps DecoderType values to codec constructors and optional
// whole-image backends. It also hands out decoder ids and image keys, so two
// registries never share counters. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	constructors map[DecoderType]Constructor
	backends     map[DecoderType]ImageBackend

	nextDecoderID atomic.Uint64
	nextImageKey  atomic.Uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[DecoderType]Constructor),
		backends:     make(map[DecoderType]ImageBackend),
	}
}

func (r *Registry) RegisterCodec(t DecoderType, c Constructor) {
	r.mu.Lock()
	r.constructors[t] = c
	r.mu.Unlock()
}

func (r *Registry) RegisterBackend(t DecoderType, b ImageBackend) {
	r.mu.Lock()
	if b == nil {
		delete(r.backends, t)
	} else {
		r.backends[t] = b
	}
	r.mu.Unlock()
}

func (r *Registry) ConstructorFor(t DecoderType) (Constructor, bool) {
	r.mu.RLock()
	c, ok := r.constructors[t]
	r.mu.RUnlock()
	return c, ok
}

func (r *Registry) BackendFor(t DecoderType) (ImageBackend, bool) {
	r.mu.RLock()
	b, ok := r.backends[t]
	r.mu.RUnlock()
	return b, ok
}

// NewDecoder builds a Decoder for t with a fresh id, or returns nil when no
// codec is registered for t.
func (r *Registry) NewDecoder(t DecoderType) *Decoder {
	c, ok := r.ConstructorFor(t)
	if !ok {
		return nil
	}
	d := NewDecoder(t, c(), r.NextDecoderID())
	if b, ok := r.BackendFor(t); ok {
		d.SetBackend(b)
	}
	return d
}

// NextDecoderID returns a new decoder id. Ids start at 1.
func (r *Registry) NextDecoderID() uint64 { return r.nextDecoderID.Add(1) }

// NextImageKey returns a new image key. Keys start at 1.
func (r *Registry) NextImageKey() ImageKey { return ImageKey(r.nextImageKey.Add(1)) }
