package core

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// DecoderType identifies an image codec.
type DecoderType int

const (
	DecoderTypePNG DecoderType = iota
	DecoderTypeGIF
	DecoderTypeJPEG
	DecoderTypeBMP
	DecoderTypeICO
	DecoderTypeICON
	DecoderTypeWEBP
	DecoderTypeUnknown
)

func (t DecoderType) String() string {
	switch t {
	case DecoderTypePNG:
		return "png"
	case DecoderTypeGIF:
		return "gif"
	case DecoderTypeJPEG:
		return "jpeg"
	case DecoderTypeBMP:
		return "bmp"
	case DecoderTypeICO:
		return "ico"
	case DecoderTypeICON:
		return "icon"
	case DecoderTypeWEBP:
		return "webp"
	}
	return "unknown"
}

// DecoderFlags alter caching and redecode behaviour.
type DecoderFlags uint8

const (
	// FlagIsRedecode marks a decode of an image that has been decoded before.
	FlagIsRedecode DecoderFlags = 1 << iota
	// FlagFirstFrameOnly stops after the first frame even for animations.
	FlagFirstFrameOnly
	// FlagImageIsTransient means the output must never be cached.
	FlagImageIsTransient
	// FlagAsyncNotify delivers progress from the decode goroutine instead of
	// batching it until the task yields.
	FlagAsyncNotify
)

// Has reports whether all bits of f are set.
func (d DecoderFlags) Has(f DecoderFlags) bool { return d&f == f }

// SurfaceFlags alter pixel post-processing.
type SurfaceFlags uint8

const (
	SurfaceNoColorspaceConversion SurfaceFlags = 1 << iota
	SurfaceNoPremultiplyAlpha
)

// Has reports whether all bits of f are set.
func (s SurfaceFlags) Has(f SurfaceFlags) bool { return s&f == f }

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// IsEmpty reports whether either dimension is non-positive.
func (s Size) IsEmpty() bool { return s.Width <= 0 || s.Height <= 0 }

// Rect returns the rectangle (0,0)-(Width,Height).
func (s Size) Rect() image.Rectangle { return image.Rect(0, 0, s.Width, s.Height) }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// SurfaceFormat is the in-memory layout of a decoded frame. Both formats use
// four bytes per pixel in B, G, R, A order.
type SurfaceFormat int

const (
	FormatB8G8R8A8 SurfaceFormat = iota
	// FormatB8G8R8X8 is opaque; the fourth byte is always 0xFF.
	FormatB8G8R8X8
)

// BytesPerPixel is the same for every SurfaceFormat.
const BytesPerPixel = 4

func (f SurfaceFormat) String() string {
	if f == FormatB8G8R8X8 {
		return "B8G8R8X8"
	}
	return "B8G8R8A8"
}

// Progress is a bitset of decode events accumulated since the owning image
// was last notified.
type Progress uint8

const (
	ProgressSizeAvailable Progress = 1 << iota
	ProgressHasTransparency
	ProgressIsAnimated
	ProgressFrameComplete
	ProgressDecodeComplete
	ProgressHasError
)

// Has reports whether all bits of f are set.
func (p Progress) Has(f Progress) bool { return p&f == f }

// ImageKey identifies an owning image in the surface cache.
type ImageKey uint64

// Metadata is everything learned about an image without decoding pixels.
type Metadata struct {
	Size              Size
	HasSize           bool
	HasTransparency   bool
	IsAnimated        bool
	FrameCount        int
	LoopCount         int // -1 loops forever
	FirstFrameTimeout time.Duration
}

// Frame is one decoded surface. Pix holds Size.Height rows of Stride bytes.
type Frame struct {
	Index  int
	Size   Size
	Rect   image.Rectangle // area of Size covered by this frame's data
	Format SurfaceFormat
	Stride int
	Pix    []byte

	// Premultiplied is false when the decode asked for SurfaceNoPremultiplyAlpha.
	Premultiplied bool
	Timeout       time.Duration
	Complete      bool
}

// NewFrame allocates a zeroed frame.
func NewFrame(index int, size Size, rect image.Rectangle, format SurfaceFormat, premultiplied bool) *Frame {
	stride := size.Width * BytesPerPixel
	return &Frame{
		Index:         index,
		Size:          size,
		Rect:          rect,
		Format:        format,
		Stride:        stride,
		Pix:           make([]byte, stride*size.Height),
		Premultiplied: premultiplied,
	}
}

// Row returns row y of the frame.
func (f *Frame) Row(y int) []byte {
	return f.Pix[y*f.Stride : (y+1)*f.Stride]
}

// Image converts the frame to an *image.RGBA (premultiplied) or
// *image.NRGBA.
func (f *Frame) Image() image.Image {
	r := f.Size.Rect()
	var (
		pix    []byte
		stride = r.Dx() * 4
	)
	var img image.Image
	if f.Premultiplied {
		m := image.NewRGBA(r)
		pix, img = m.Pix, m
	} else {
		m := image.NewNRGBA(r)
		pix, img = m.Pix, m
	}
	for y := 0; y < f.Size.Height; y++ {
		src := f.Row(y)
		dst := pix[y*stride : (y+1)*stride]
		for x := 0; x < len(dst); x += 4 {
			dst[x+0] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x+0]
			if f.Format == FormatB8G8R8X8 {
				dst[x+3] = 0xFF
			} else {
				dst[x+3] = src[x+3]
			}
		}
	}
	return img
}

// At returns the colour of the pixel at (x, y).
func (f *Frame) At(x, y int) color.NRGBA {
	o := y*f.Stride + x*BytesPerPixel
	a := f.Pix[o+3]
	if f.Format == FormatB8G8R8X8 {
		a = 0xFF
	}
	return color.NRGBA{R: f.Pix[o+2], G: f.Pix[o+1], B: f.Pix[o], A: a}
}

// ProgressUpdate is delivered to an ImageSink whenever a decode makes
// observable progress.
type ProgressUpdate struct {
	Progress     Progress
	InvalidRect  image.Rectangle
	Frames       []*Frame // frames completed since the previous update
	Metadata     Metadata
	DecoderFlags DecoderFlags
	SurfaceFlags SurfaceFlags
}

// FinalStatus summarises how a decode ended.
type FinalStatus struct {
	WasAborted        bool
	HadError          bool
	ShouldReportError bool
}

// Telemetry is collected over the life of one decoder.
type Telemetry struct {
	BytesDecoded int64
	ChunkCount   int
	RowsWritten  int
	DecodeTime   time.Duration
}

// DecodeResult is delivered exactly once when a decoding task finishes.
type DecodeResult struct {
	Type      DecoderType
	Status    FinalStatus
	Metadata  Metadata
	Progress  Progress
	Telemetry Telemetry
	Err       error
}

// LexerResult tells the caller of Decoder.Decode what to do next.
type LexerResult int

const (
	// ResultNeedMoreData means the source ran dry; a resume callback has been
	// registered.
	ResultNeedMoreData LexerResult = iota
	// ResultYield means the decoder processed its quota of bytes and wants to
	// be rescheduled.
	ResultYield
	// ResultTerminal means decoding is over.
	ResultTerminal
)

func (r LexerResult) String() string {
	switch r {
	case ResultNeedMoreData:
		return "need-more-data"
	case ResultYield:
		return "yield"
	case ResultTerminal:
		return "terminal"
	}
	return fmt.Sprintf("LexerResult(%d)", int(r))
}

// Limits bounds the dimensions an image header may declare and the size of
// a single buffered lexer read. A zero MaxLexerBuffer means the lexer default.
type Limits struct {
	MaxWidth       int
	MaxHeight      int
	MaxPixels      int64
	MaxLexerBuffer int
}

// DefaultLimits matches config.Default().
var DefaultLimits = Limits{MaxWidth: 65535, MaxHeight: 65535, MaxPixels: 256 << 20, MaxLexerBuffer: 64 << 20}
