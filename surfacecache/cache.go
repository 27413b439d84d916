// Package surfacecache stores decoded frames keyed by image and output
// parameters. A placeholder entry reserves a key while a decode for it is
// in flight, so at most one decoder ever works on the same output.
package surfacecache

import (
	"sync"

	"github.com/Skryldev/image-decoder/core"
)

// SurfaceKey identifies one output of an image.
type SurfaceKey struct {
	Size     core.Size
	Flags    core.SurfaceFlags
	FrameNum int
}

// InsertOutcome is the result of InsertPlaceholder.
type InsertOutcome int

const (
	InsertSuccess InsertOutcome = iota
	InsertFailureAlreadyPresent
)

func (o InsertOutcome) String() string {
	if o == InsertSuccess {
		return "success"
	}
	return "already-present"
}

// LookupResult classifies a cache entry.
type LookupResult int

const (
	Miss LookupResult = iota
	Placeholder
	Hit
)

func (r LookupResult) String() string {
	switch r {
	case Placeholder:
		return "placeholder"
	case Hit:
		return "hit"
	}
	return "miss"
}

type cacheKey struct {
	image   core.ImageKey
	surface SurfaceKey
}

// entry is a placeholder while frame is nil.
type entry struct {
	frame *core.Frame
}

// Cache is safe for concurrent use.
type Cache struct {
	entries sync.Map // cacheKey -> *entry
}

// New returns an empty Cache.
func New() *Cache { return &Cache{} }

// InsertPlaceholder atomically reserves (img, sk). It fails if the key holds a
// placeholder or a finished surface.
func (c *Cache) InsertPlaceholder(img core.ImageKey, sk SurfaceKey) InsertOutcome {
	if _, loaded := c.entries.LoadOrStore(cacheKey{img, sk}, &entry{}); loaded {
		return InsertFailureAlreadyPresent
	}
	return InsertSuccess
}

// Insert stores a finished frame under (img, sk), replacing a placeholder.
func (c *Cache) Insert(img core.ImageKey, sk SurfaceKey, frame *core.Frame) {
	c.entries.Store(cacheKey{img, sk}, &entry{frame: frame})
}

// RemovePlaceholder drops the reservation for (img, sk). Finished surfaces are
// left alone.
func (c *Cache) RemovePlaceholder(img core.ImageKey, sk SurfaceKey) {
	k := cacheKey{img, sk}
	v, ok := c.entries.Load(k)
	if !ok {
		return
	}
	if e := v.(*entry); e.frame == nil {
		c.entries.CompareAndDelete(k, e)
	}
}

// Lookup returns the frame stored under (img, sk), if finished.
func (c *Cache) Lookup(img core.ImageKey, sk SurfaceKey) (*core.Frame, LookupResult) {
	v, ok := c.entries.Load(cacheKey{img, sk})
	if !ok {
		return nil, Miss
	}
	e := v.(*entry)
	if e.frame == nil {
		return nil, Placeholder
	}
	return e.frame, Hit
}

// RemoveImage drops every entry belonging to img and returns how many were
// removed. In-flight decodes keep running but their results are no longer
// reachable.
func (c *Cache) RemoveImage(img core.ImageKey) int {
	n := 0
	c.entries.Range(func(k, _ any) bool {
		if k.(cacheKey).image == img {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Len returns the number of entries, placeholders included.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
