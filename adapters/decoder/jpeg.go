package decoder

import (
	"encoding/binary"
	"fmt"
	"image/jpeg"
	"math"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
)

type jpegState int

const (
	jpegSOI jpegState = iota
	jpegMarkerPrefix
	jpegMarker
	jpegSegmentLength
	jpegFrameHeader
	jpegSkip
	jpegAfterSkip
	jpegCollect
	jpegCollected
)

const (
	jpegFrameHeaderMin = 6 // precision, height, width, component count

	markerSOI = 0xD8
	markerEOI = 0xD9
	markerSOS = 0xDA
	markerTEM = 0x01
)

// JPEG walks markers until the frame header gives the size, then keeps
// the rest of the stream for image/jpeg at Finish. A sample size above one
// shrinks the output the way scaled IDCT would.
type JPEG struct {
	d      *core.Decoder
	lex    *lexer.Lexer[jpegState]
	acc    accumulator
	marker byte
}

// NewJPEG returns a codec for core.DecoderTypeJPEG.
func NewJPEG() core.Codec { return &JPEG{} }

func (c *JPEG) SupportsDownscale() bool { return true }

func (c *JPEG) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.To(jpegSOI, 2))
	return nil
}

func (c *JPEG) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *JPEG) handle(s jpegState, data []byte) lexer.Transition[jpegState] {
	if !c.d.IsMetadataDecode() {
		c.acc.write(data)
	}
	switch s {
	case jpegSOI:
		if data[0] != 0xFF || data[1] != markerSOI {
			return fail[jpegState](c.d, apperrors.ErrBadSignature)
		}
		return lexer.To(jpegMarkerPrefix, 1)
	case jpegMarkerPrefix:
		if data[0] != 0xFF {
			return fail[jpegState](c.d, fmt.Errorf("%w: expected marker, got 0x%02x", apperrors.ErrCorrupt, data[0]))
		}
		return lexer.To(jpegMarker, 1)
	case jpegMarker:
		return c.readMarker(data[0])
	case jpegSegmentLength:
		n := int(binary.BigEndian.Uint16(data))
		if n < 2 {
			return fail[jpegState](c.d, fmt.Errorf("%w: segment length %d", apperrors.ErrCorrupt, n))
		}
		n -= 2
		if isSOF(c.marker) {
			if n < jpegFrameHeaderMin {
				return fail[jpegState](c.d, fmt.Errorf("%w: frame header of %d bytes", apperrors.ErrCorrupt, n))
			}
			return lexer.To(jpegFrameHeader, n)
		}
		if n == 0 {
			return lexer.To(jpegMarkerPrefix, 1)
		}
		return lexer.ToUnbuffered(jpegAfterSkip, jpegSkip, n)
	case jpegFrameHeader:
		return c.readFrameHeader(data)
	case jpegSkip:
		return lexer.ContinueUnbuffered(jpegSkip)
	case jpegAfterSkip:
		return lexer.To(jpegMarkerPrefix, 1)
	case jpegCollect:
		return lexer.ContinueUnbuffered(jpegCollect)
	}
	return lexer.TerminateFailure[jpegState]()
}

func (c *JPEG) readMarker(m byte) lexer.Transition[jpegState] {
	switch {
	case m == 0xFF:
		// Fill byte.
		return lexer.To(jpegMarker, 1)
	case m == markerTEM || (m >= 0xD0 && m <= 0xD7):
		return lexer.To(jpegMarkerPrefix, 1)
	case m == markerEOI:
		return fail[jpegState](c.d, fmt.Errorf("%w: end of image before frame header", apperrors.ErrTruncated))
	case m == markerSOI || m == markerSOS:
		return fail[jpegState](c.d, fmt.Errorf("%w: marker 0x%02x before frame header", apperrors.ErrCorrupt, m))
	}
	c.marker = m
	return lexer.To(jpegSegmentLength, 2)
}

// isSOF reports whether m starts a frame; DHT, JPG and DAC share the range.
func isSOF(m byte) bool {
	return m >= 0xC0 && m <= 0xCF && m != 0xC4 && m != 0xC8 && m != 0xCC
}

func (c *JPEG) readFrameHeader(data []byte) lexer.Transition[jpegState] {
	h, w := binary.BigEndian.Uint16(data[1:]), binary.BigEndian.Uint16(data[3:])
	switch components := data[5]; components {
	case 1, 3, 4:
	default:
		return fail[jpegState](c.d, fmt.Errorf("%w: %d components", apperrors.ErrUnsupported, components))
	}
	if err := c.d.PostSize(int(w), int(h)); err != nil {
		return lexer.TerminateFailure[jpegState]()
	}
	if c.d.IsMetadataDecode() {
		return lexer.TerminateSuccess[jpegState]()
	}
	return lexer.ToUnbuffered(jpegCollected, jpegCollect, math.MaxInt)
}

// outputSize applies the sample size on top of the decoder's output size.
func (c *JPEG) outputSize() core.Size {
	out := c.d.OutputSize()
	s := c.d.SampleSize()
	if s <= 1 {
		return out
	}
	size := c.d.Size()
	sampled := core.Size{Width: (size.Width + s - 1) / s, Height: (size.Height + s - 1) / s}
	if sampled.Width < out.Width && sampled.Height < out.Height {
		return sampled
	}
	return out
}

func (c *JPEG) Finish() error {
	defer c.acc.release()
	if c.d.IsMetadataDecode() {
		return nil
	}
	img, err := decodeImage(c.d, c.acc.bytes(), jpeg.Decode)
	if err != nil {
		return err
	}
	size := c.d.Size()
	if err := writeFrame(c.d, img, frameSpec{canvas: size, rect: size.Rect(), output: c.outputSize()}); err != nil {
		return err
	}
	c.d.PostDecodeDone(0)
	return nil
}
