package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image/png"
	"math"
	"time"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
)

type pngState int

const (
	pngSignature pngState = iota
	pngChunkHeader
	pngIHDR
	pngACTL
	pngFCTL
	pngSkip
	pngAfterSkip
	pngCRC
)

var pngSignatureBytes = []byte("\x89PNG\r\n\x1a\n")

const (
	pngChunkHeaderLength = 8
	pngCRCLength         = 4
	pngIHDRLength        = 13
	pngACTLLength        = 8
	pngFCTLLength        = 26
)

// PNG walks the chunk stream to learn the size, transparency and animation
// of an image as early as possible, and decodes pixels at Finish with
// image/png. Animated PNGs yield their default image only.
type PNG struct {
	d   *core.Decoder
	lex *lexer.Lexer[pngState]
	acc accumulator

	chunk     [4]byte
	sawIHDR   bool
	sawIDAT   bool
	sawFCTL   bool
	animated  bool
	timeout   time.Duration
	loopCount int
}

// NewPNG returns a codec for core.DecoderTypePNG.
func NewPNG() core.Codec { return &PNG{} }

func (c *PNG) SupportsDownscale() bool { return true }

func (c *PNG) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.To(pngSignature, len(pngSignatureBytes)))
	return nil
}

func (c *PNG) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *PNG) handle(s pngState, data []byte) lexer.Transition[pngState] {
	if !c.d.IsMetadataDecode() {
		c.acc.write(data)
	}
	switch s {
	case pngSignature:
		if !bytes.Equal(data, pngSignatureBytes) {
			return fail[pngState](c.d, apperrors.ErrBadSignature)
		}
		return lexer.To(pngChunkHeader, pngChunkHeaderLength)
	case pngChunkHeader:
		return c.readChunkHeader(data)
	case pngIHDR:
		return c.readIHDR(data)
	case pngACTL:
		numFrames := binary.BigEndian.Uint32(data)
		c.animated = numFrames > 1
		c.loopCount = int(binary.BigEndian.Uint32(data[4:])) - 1
		return lexer.To(pngCRC, pngCRCLength)
	case pngFCTL:
		c.sawFCTL = true
		num, den := binary.BigEndian.Uint16(data[20:]), binary.BigEndian.Uint16(data[22:])
		if den == 0 {
			den = 100
		}
		c.timeout = time.Duration(num) * time.Second / time.Duration(den)
		return lexer.To(pngCRC, pngCRCLength)
	case pngSkip:
		return lexer.ContinueUnbuffered(pngSkip)
	case pngAfterSkip:
		return lexer.To(pngCRC, pngCRCLength)
	case pngCRC:
		if string(c.chunk[:]) == "IEND" {
			return lexer.TerminateSuccess[pngState]()
		}
		return lexer.To(pngChunkHeader, pngChunkHeaderLength)
	}
	return lexer.TerminateFailure[pngState]()
}

func (c *PNG) readChunkHeader(data []byte) lexer.Transition[pngState] {
	length := binary.BigEndian.Uint32(data)
	copy(c.chunk[:], data[4:8])
	if length > math.MaxInt32 {
		return fail[pngState](c.d, fmt.Errorf("%w: chunk length %d", apperrors.ErrCorrupt, length))
	}
	typ := string(c.chunk[:])
	if !c.sawIHDR && typ != "IHDR" {
		return fail[pngState](c.d, fmt.Errorf("%w: %q before IHDR", apperrors.ErrCorrupt, typ))
	}

	switch typ {
	case "IHDR":
		if c.sawIHDR || length != pngIHDRLength {
			return fail[pngState](c.d, fmt.Errorf("%w: bad IHDR", apperrors.ErrCorrupt))
		}
		// The CRC is read together with the body so it can be checked.
		return lexer.To(pngIHDR, pngIHDRLength+pngCRCLength)
	case "acTL":
		if !c.sawIDAT && length == pngACTLLength {
			return lexer.To(pngACTL, pngACTLLength)
		}
	case "fcTL":
		if !c.sawFCTL && !c.sawIDAT && length == pngFCTLLength {
			return lexer.To(pngFCTL, pngFCTLLength)
		}
	case "tRNS":
		if !c.sawIDAT {
			c.d.PostHasTransparency()
		}
	case "IDAT":
		if !c.sawIDAT {
			c.sawIDAT = true
			if c.animated {
				c.d.PostIsAnimated(c.timeout)
			}
			if c.d.IsMetadataDecode() {
				return lexer.TerminateSuccess[pngState]()
			}
		}
	}
	return c.skip(int(length))
}

func (c *PNG) skip(n int) lexer.Transition[pngState] {
	if n == 0 {
		return lexer.To(pngCRC, pngCRCLength)
	}
	return lexer.ToUnbuffered(pngAfterSkip, pngSkip, n)
}

func (c *PNG) readIHDR(data []byte) lexer.Transition[pngState] {
	sum := crc32.NewIEEE()
	sum.Write(c.chunk[:])
	sum.Write(data[:pngIHDRLength])
	if sum.Sum32() != binary.BigEndian.Uint32(data[pngIHDRLength:]) {
		return fail[pngState](c.d, fmt.Errorf("%w: IHDR", apperrors.ErrChecksum))
	}
	c.sawIHDR = true

	width, height := binary.BigEndian.Uint32(data), binary.BigEndian.Uint32(data[4:])
	depth, colorType := data[8], data[9]
	if !validPNGDepth(colorType, depth) {
		return fail[pngState](c.d, fmt.Errorf("%w: colour type %d with bit depth %d", apperrors.ErrCorrupt, colorType, depth))
	}
	if width > math.MaxInt32 || height > math.MaxInt32 {
		return fail[pngState](c.d, apperrors.ErrImageTooLarge)
	}
	if err := c.d.PostSize(int(width), int(height)); err != nil {
		return lexer.TerminateFailure[pngState]()
	}
	if colorType == 4 || colorType == 6 {
		c.d.PostHasTransparency()
	}
	return lexer.To(pngChunkHeader, pngChunkHeaderLength)
}

func validPNGDepth(colorType, depth byte) bool {
	switch colorType {
	case 0:
		return depth == 1 || depth == 2 || depth == 4 || depth == 8 || depth == 16
	case 3:
		return depth == 1 || depth == 2 || depth == 4 || depth == 8
	case 2, 4, 6:
		return depth == 8 || depth == 16
	}
	return false
}

func (c *PNG) Finish() error {
	defer c.acc.release()
	if c.d.IsMetadataDecode() {
		return nil
	}
	img, err := decodeImage(c.d, c.acc.bytes(), png.Decode)
	if err != nil {
		return err
	}
	size := c.d.Size()
	if err := writeFrame(c.d, img, frameSpec{
		canvas:  size,
		rect:    size.Rect(),
		output:  c.d.OutputSize(),
		timeout: c.timeout,
	}); err != nil {
		return err
	}
	c.d.PostDecodeDone(c.loopCount)
	return nil
}
