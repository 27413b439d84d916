package decoder

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/image/bmp"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/pipeline"
)

type bmpState int

const (
	bmpFileHeader bmpState = iota
	bmpInfoHeaderSize
	bmpInfoHeader
	bmpBitfields
	bmpGap
	bmpAfterGap
	bmpRow
	bmpCollect
	bmpCollected
)

const (
	bmpFileHeaderLength = 14
	bmpInfoV3Length     = 40
	bmpInfoV4Length     = 108
	bmpInfoV5Length     = 124
	bmpBitfieldsLength  = 12

	biRGB       = 0
	biBitfields = 3
)

// bmpHeader holds the fields of BITMAPINFOHEADER and its v4/v5 extensions
// that decoding needs.
type bmpHeader struct {
	infoSize    uint32
	width       int
	height      int
	topDown     bool
	bpp         int
	compression uint32
	colorsUsed  uint32
	masks       [4]uint32 // red, green, blue, alpha
}

// BMP decodes Windows bitmaps. Uncompressed 24 and 32 bit images are
// streamed row by row; every other variant is collected and decoded with
// golang.org/x/image/bmp at Finish.
type BMP struct {
	d   *core.Decoder
	lex *lexer.Lexer[bmpState]

	// withinICO marks a resource embedded in an ICO file. It has no file
	// header and its height also covers the AND mask.
	withinICO  bool
	dataOffset uint32

	h        bmpHeader
	pos      uint32
	header   []byte
	alpha    bool
	pipe     *pipeline.SurfacePipe
	rowBytes int
	row      []byte
	acc      accumulator
	deferred bool
}

// NewBMP returns a codec for core.DecoderTypeBMP.
func NewBMP() core.Codec { return &BMP{} }

// SetICOResource configures the codec for a headerless resource inside an
// ICO file.
func (c *BMP) SetICOResource(dataOffset uint32) {
	c.withinICO = true
	c.dataOffset = dataOffset
}

func (c *BMP) SupportsDownscale() bool { return true }

func (c *BMP) Init(d *core.Decoder) error {
	c.d = d
	start := lexer.To(bmpFileHeader, bmpFileHeaderLength)
	if c.withinICO {
		c.pos = bmpFileHeaderLength
		c.header = syntheticFileHeader(c.dataOffset)
		start = lexer.To(bmpInfoHeaderSize, 4)
	}
	c.lex = newLexer(d, start)
	return nil
}

func (c *BMP) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *BMP) handle(s bmpState, data []byte) lexer.Transition[bmpState] {
	c.pos += uint32(len(data))
	switch s {
	case bmpFileHeader:
		return c.readFileHeader(data)
	case bmpInfoHeaderSize:
		c.header = append(c.header, data...)
		size := binary.LittleEndian.Uint32(data)
		if size != bmpInfoV3Length && size != bmpInfoV4Length && size != bmpInfoV5Length {
			return fail[bmpState](c.d, fmt.Errorf("%w: info header of %d bytes", apperrors.ErrUnsupported, size))
		}
		c.h.infoSize = size
		return lexer.To(bmpInfoHeader, int(size)-4)
	case bmpInfoHeader:
		c.header = append(c.header, data...)
		return c.readInfoHeader(data)
	case bmpBitfields:
		c.header = append(c.header, data...)
		for i := 0; i < 3; i++ {
			c.h.masks[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		return c.beginPixels()
	case bmpGap:
		return lexer.ContinueUnbuffered(bmpGap)
	case bmpAfterGap:
		return lexer.To(bmpRow, c.rowBytes)
	case bmpRow:
		return c.readRow(data)
	case bmpCollect:
		c.acc.write(data)
		return lexer.ContinueUnbuffered(bmpCollect)
	}
	return lexer.TerminateFailure[bmpState]()
}

func (c *BMP) readFileHeader(data []byte) lexer.Transition[bmpState] {
	if data[0] != 'B' || data[1] != 'M' {
		return fail[bmpState](c.d, apperrors.ErrBadSignature)
	}
	c.dataOffset = binary.LittleEndian.Uint32(data[10:])
	c.header = append(c.header, data...)
	return lexer.To(bmpInfoHeaderSize, 4)
}

func (c *BMP) readInfoHeader(data []byte) lexer.Transition[bmpState] {
	le := binary.LittleEndian
	width := int64(int32(le.Uint32(data[0:])))
	height := int64(int32(le.Uint32(data[4:])))
	c.h.bpp = int(le.Uint16(data[10:]))
	c.h.compression = le.Uint32(data[12:])
	c.h.colorsUsed = le.Uint32(data[28:])
	if c.h.infoSize >= bmpInfoV4Length {
		for i := 0; i < 4; i++ {
			c.h.masks[i] = le.Uint32(data[36+i*4:])
		}
	}

	if height < 0 {
		c.h.topDown = true
		height = -height
	}
	if c.withinICO {
		height /= 2
	}
	switch c.h.bpp {
	case 1, 2, 4, 8, 16, 24, 32:
	default:
		return fail[bmpState](c.d, fmt.Errorf("%w: %d bits per pixel", apperrors.ErrCorrupt, c.h.bpp))
	}
	if width > math.MaxInt32 || height > math.MaxInt32 {
		return fail[bmpState](c.d, apperrors.ErrImageTooLarge)
	}
	if err := c.d.PostSize(int(width), int(height)); err != nil {
		return lexer.TerminateFailure[bmpState]()
	}
	c.h.width, c.h.height = int(width), int(height)

	c.alpha = c.h.bpp == 32 && (c.withinICO || c.h.masks[3] != 0)
	if c.alpha {
		c.d.PostHasTransparency()
	}
	if c.d.IsMetadataDecode() {
		return lexer.TerminateSuccess[bmpState]()
	}
	if c.h.compression == biBitfields && c.h.infoSize == bmpInfoV3Length {
		return lexer.To(bmpBitfields, bmpBitfieldsLength)
	}
	return c.beginPixels()
}

// streamable reports whether rows can go straight to the pipe: BGR or BGRA
// byte order with no palette or compression.
func (c *BMP) streamable() bool {
	if c.h.bpp != 24 && c.h.bpp != 32 {
		return false
	}
	switch c.h.compression {
	case biRGB:
		return true
	case biBitfields:
		return c.h.bpp == 32 && c.h.masks[0] == 0xFF0000 && c.h.masks[1] == 0xFF00 && c.h.masks[2] == 0xFF
	}
	return false
}

func (c *BMP) beginPixels() lexer.Transition[bmpState] {
	if !c.streamable() {
		c.deferred = true
		c.acc.write(c.header)
		return lexer.ToUnbuffered(bmpCollected, bmpCollect, math.MaxInt)
	}

	if c.dataOffset < c.pos {
		return fail[bmpState](c.d, fmt.Errorf("%w: pixel data at %d overlaps headers ending at %d",
			apperrors.ErrCorrupt, c.dataOffset, c.pos))
	}
	format := core.FormatB8G8R8X8
	if c.alpha {
		format = core.FormatB8G8R8A8
	}
	var flags pipeline.Flags
	if !c.h.topDown {
		flags |= pipeline.FlipVertically
	}
	size := c.d.Size()
	pipe, err := pipeline.CreateSurfacePipe(c.d, 0, size, c.d.OutputSize(), size.Rect(), format, flags)
	if err != nil {
		c.d.PostDecoderError(err)
		return lexer.TerminateFailure[bmpState]()
	}
	c.pipe = pipe
	c.rowBytes = (c.h.width*c.h.bpp + 31) / 32 * 4
	c.row = make([]byte, c.h.width*core.BytesPerPixel)

	if gap := int(c.dataOffset - c.pos); gap > 0 {
		return lexer.ToUnbuffered(bmpAfterGap, bmpGap, gap)
	}
	return lexer.To(bmpRow, c.rowBytes)
}

func (c *BMP) readRow(data []byte) lexer.Transition[bmpState] {
	switch c.h.bpp {
	case 24:
		for x := 0; x < c.h.width; x++ {
			copy(c.row[x*4:x*4+3], data[x*3:x*3+3])
			c.row[x*4+3] = 0xFF
		}
	case 32:
		copy(c.row, data[:len(c.row)])
		if c.alpha && !c.d.SurfaceFlags().Has(core.SurfaceNoPremultiplyAlpha) {
			pipeline.PremultiplyRow(c.row)
		}
	}
	if err := c.pipe.WriteRow(c.row); err != nil {
		c.d.PostDecoderError(err)
		return lexer.TerminateFailure[bmpState]()
	}
	if !c.pipe.IsSurfaceFinished() {
		return lexer.To(bmpRow, c.rowBytes)
	}
	c.d.PostFrameStop()
	c.d.PostDecodeDone(0)
	return lexer.TerminateSuccess[bmpState]()
}

func (c *BMP) Finish() error {
	defer c.acc.release()
	if !c.deferred || c.d.IsMetadataDecode() {
		return nil
	}
	data := c.acc.bytes()
	if c.withinICO && len(data) >= bmpFileHeaderLength+8 {
		// The AND mask follows the colour data; describe only the colour
		// rows to the decoder.
		h := int32(c.h.height)
		if c.h.topDown {
			h = -h
		}
		binary.LittleEndian.PutUint32(data[bmpFileHeaderLength+8:], uint32(h))
	}
	img, err := decodeImage(c.d, data, bmp.Decode)
	if err != nil {
		return err
	}
	size := c.d.Size()
	if err := writeFrame(c.d, img, frameSpec{canvas: size, rect: size.Rect(), output: c.d.OutputSize()}); err != nil {
		return err
	}
	c.d.PostDecodeDone(0)
	return nil
}

// syntheticFileHeader builds the file header an ICO resource lacks.
func syntheticFileHeader(dataOffset uint32) []byte {
	h := make([]byte, bmpFileHeaderLength)
	h[0], h[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(h[10:], dataOffset)
	return h
}
