package core

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/Skryldev/image-decoder/lexer"
)

// Codec is the format-specific half of a decoder. Implementations live in
// adapters/decoder/. A Codec is driven by exactly one Decoder and is never
// used concurrently.
type Codec interface {
	// Init performs one-time setup. d is the Decoder that owns the codec and
	// stays valid for the codec's lifetime.
	Init(d *Decoder) error
	// Lex feeds the next chunk of input to the codec's state machine.
	Lex(data []byte) (lexer.TerminalState, bool)
	// Finish is called once no more input will arrive. Codecs that decode
	// the whole image at once do so here.
	Finish() error
}

// DownscaleCodec is implemented by codecs that can scale while decoding.
type DownscaleCodec interface {
	SupportsDownscale() bool
}

// Constructor builds a fresh Codec.
type Constructor func() Codec

// ImageBackend decodes a complete encoded image in one call. Codecs that
// defer pixel decoding to Finish use the backend registered for their type
// when there is one.
type ImageBackend interface {
	DecodeImage(ctx context.Context, data []byte) (image.Image, error)
}

// AnimationBackend is implemented by backends that can return every frame.
type AnimationBackend interface {
	DecodeAll(ctx context.Context, data []byte) ([]image.Image, []time.Duration, error)
}

// ImageSink is the image that owns a decode.
type ImageSink interface {
	Key() ImageKey
	NotifyProgress(ProgressUpdate)
	NotifyDecodeComplete(DecodeResult)
}

// ResourceFactory creates decoders for resources embedded in container
// formats. dataOffset is the byte offset of a BMP resource's pixel data
// within the resource and must be nil for every other type.
type ResourceFactory interface {
	CreateDecoderForICOResource(t DecoderType, source *SourceBuffer, parent *Decoder, dataOffset *uint32) *Decoder
}

// ICOResourceCodec is implemented by codecs whose data can appear inside an
// ICO file without its own file header. dataOffset is the offset of the
// pixel data, counted as if the missing file header were present.
type ICOResourceCodec interface {
	SetICOResource(dataOffset uint32)
}

// SourceStore loads encoded images by key.
// Implementations live in adapters/storage/.
type SourceStore interface {
	Get(ctx context.Context, key StorageKey) (io.ReadCloser, error)
	Exists(ctx context.Context, key StorageKey) (bool, error)
}

// StorageKey uniquely identifies a stored image.
type StorageKey struct {
	Bucket string
	Path   string
}

// MetricsCollector receives performance observations from decoding tasks.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordMemory(bytes int64)
	RecordError(stepName string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Hook is an optional observer invoked around decoding tasks.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, d *Decoder)
	AfterStep(ctx context.Context, stepName string, d *Decoder, elapsed time.Duration, err error)
}

// Task is a unit of work for the DecodePool.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}
