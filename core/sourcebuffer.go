package core

import (
	"context"
	"errors"
	"io"
	"sync"

	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/utils"
)

var errSourceComplete = errors.New("source buffer: write after Complete")

// SourceBuffer is an append-only store of encoded bytes, written by a loader
// and read by any number of decoders through iterators. It is safe for
// concurrent use.
type SourceBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int64
	complete bool
	err      error
	waiters  []func()
}

// NewSourceBuffer returns an empty SourceBuffer.
func NewSourceBuffer() *SourceBuffer { return &SourceBuffer{} }

// NewCompleteSourceBuffer returns a SourceBuffer holding data that is already
// complete.
func NewCompleteSourceBuffer(data []byte) *SourceBuffer {
	s := &SourceBuffer{}
	if len(data) > 0 {
		s.chunks = [][]byte{utils.CloneBytes(data)}
		s.size = int64(len(data))
	}
	s.complete = true
	return s
}

// Write appends a copy of p and wakes waiting iterators.
func (s *SourceBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return 0, errSourceComplete
	}
	s.chunks = append(s.chunks, utils.CloneBytes(p))
	s.size += int64(len(p))
	waiters := s.takeWaiters()
	s.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
	return len(p), nil
}

// ReadFrom streams r into the buffer in chunkSize pieces until EOF, an error
// or ctx cancellation. It does not mark the buffer complete.
func (s *SourceBuffer) ReadFrom(r io.Reader) (int64, error) {
	return s.ReadFromContext(context.Background(), r, 0)
}

// ReadFromContext is ReadFrom with cancellation and an explicit chunk size.
func (s *SourceBuffer) ReadFromContext(ctx context.Context, r io.Reader, chunkSize int) (int64, error) {
	return utils.CopyChunks(ctx, r, chunkSize, func(chunk []byte) error {
		_, err := s.Write(chunk)
		return err
	})
}

// Complete marks the end of the data. A non-nil err records why loading
// stopped early. Only the first call has an effect.
func (s *SourceBuffer) Complete(err error) {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	if err != nil {
		s.err = apperrors.Wrap(apperrors.CategoryInput, "source.complete", err)
	}
	waiters := s.takeWaiters()
	s.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// IsComplete reports whether Complete has been called.
func (s *SourceBuffer) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Err returns the error passed to Complete.
func (s *SourceBuffer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of bytes written so far.
func (s *SourceBuffer) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Bytes returns a contiguous copy of everything written so far.
func (s *SourceBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// Iterator returns a new iterator positioned at the start of the data.
func (s *SourceBuffer) Iterator() *SourceBufferIterator {
	return &SourceBufferIterator{src: s}
}

func (s *SourceBuffer) takeWaiters() []func() {
	w := s.waiters
	s.waiters = nil
	return w
}

// IterState is the result of SourceBufferIterator.AdvanceOrScheduleResume.
type IterState int

const (
	IterReady IterState = iota
	IterWaiting
	IterComplete
)

// SourceBufferIterator walks a SourceBuffer chunk by chunk. It is not safe
// for concurrent use.
type SourceBufferIterator struct {
	src    *SourceBuffer
	chunk  int
	offset int
	pos    int64
	data   []byte
}

// AdvanceOrScheduleResume moves to the next run of at most maxBytes bytes
// (0 means unlimited). If no data is available and the buffer is not
// complete, resume is registered to be called once more data or completion
// arrives, and IterWaiting is returned.
func (it *SourceBufferIterator) AdvanceOrScheduleResume(maxBytes int, resume func()) IterState {
	s := it.src
	s.mu.Lock()
	defer s.mu.Unlock()

	for it.chunk < len(s.chunks) && it.offset >= len(s.chunks[it.chunk]) {
		it.chunk++
		it.offset = 0
	}
	if it.chunk < len(s.chunks) {
		c := s.chunks[it.chunk][it.offset:]
		if maxBytes > 0 && len(c) > maxBytes {
			c = c[:maxBytes]
		}
		it.offset += len(c)
		it.pos += int64(len(c))
		it.data = c
		return IterReady
	}

	it.data = nil
	if s.complete {
		return IterComplete
	}
	if resume != nil {
		s.waiters = append(s.waiters, resume)
	}
	return IterWaiting
}

// Data returns the bytes made available by the last IterReady advance.
func (it *SourceBufferIterator) Data() []byte { return it.data }

// Position returns the number of bytes consumed so far.
func (it *SourceBufferIterator) Position() int64 { return it.pos }

// CompletionStatus returns the error the source was completed with.
func (it *SourceBufferIterator) CompletionStatus() error { return it.src.Err() }
