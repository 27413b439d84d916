package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	// CategoryDecoder is an internal failure unrelated to the input bytes:
	// library initialisation, resource exhaustion, contract violations.
	CategoryDecoder Category = "decoder"
	// CategoryData means the input bytes are malformed or exceed sane limits.
	CategoryData      Category = "data"
	CategoryPipeline  Category = "pipeline"
	CategoryCache     Category = "cache"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Data creates a data error: the input itself is bad.
func Data(op string, err error) *ProcessingError {
	return New(CategoryData, op, err)
}

// Decoder creates a fatal decoder error.
func Decoder(op string, err error) *ProcessingError {
	return New(CategoryDecoder, op, err)
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// Sentinel errors for common failure modes.
var (
	ErrUnknownDecoderType = errors.New("unknown decoder type")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrImageTooLarge      = errors.New("image dimensions exceed limits")
	ErrBadSignature       = errors.New("bad signature")
	ErrCorrupt            = errors.New("corrupt image data")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrTruncated          = errors.New("truncated image data")
	ErrUnsupported        = errors.New("unsupported image feature")
	ErrSizeChanged        = errors.New("image size changed during decode")
	ErrBufferLimit        = errors.New("lexer buffer limit exceeded")
	ErrInitFailed         = errors.New("decoder initialisation failed")
	ErrMetadataDecode     = errors.New("pixel data requested during a metadata decode")
	ErrFrameLimit         = errors.New("frame not wanted by a first-frame-only decode")
	ErrTargetSize         = errors.New("invalid downscale-during-decode target size")
	ErrPlaceholderExists  = errors.New("surface already cached or being decoded")
	ErrPipeConfig         = errors.New("invalid surface pipe configuration")
	ErrSurfaceFinished    = errors.New("surface already has every row")
	ErrEmptyInput         = errors.New("empty input")
	ErrAborted            = errors.New("decode abandoned")
	ErrPoolFull           = errors.New("decode pool queue full")
	ErrPoolStopped        = errors.New("decode pool stopped")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("object not found")
)
