package decoder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"time"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/utils"
)

type gifState int

const (
	gifHeader gifState = iota
	gifScreen
	gifBlockType
	gifExtensionLabel
	gifGraphicControl
	gifApplicationID
	gifNetscapeLoop
	gifImageDescriptor
	gifLZWMinCodeSize
	gifSubBlockLength
	gifSkip
	gifAfterSkip
)

const (
	gifHeaderLength          = 6
	gifScreenLength          = 7
	gifGraphicControlLength  = 6 // block size, packed fields, delay, index, terminator
	gifApplicationIDLength   = 12
	gifNetscapeLoopLength    = 3
	gifImageDescriptorLength = 9

	gifExtension = 0x21
	gifImage     = 0x2C
	gifTrailer   = 0x3B

	gifLabelGraphicControl = 0xF9
	gifLabelApplication    = 0xFF
)

// GIF walks the block structure to learn the screen size, transparency,
// loop count and whether there is more than one frame. Frames are decoded
// at Finish with image/gif and each is written through a pipe that places
// it at its frame rect.
type GIF struct {
	d   *core.Decoder
	lex *lexer.Lexer[gifState]
	acc accumulator

	images      int
	loopCount   int
	firstDelay  time.Duration
	delay       time.Duration
	transparent bool
	inNetscape  bool
	// afterSkip is where a skipped table or sub-block leads.
	afterSkip gifState
}

// NewGIF returns a codec for core.DecoderTypeGIF.
func NewGIF() core.Codec { return &GIF{} }

func (c *GIF) SupportsDownscale() bool { return true }

func (c *GIF) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.To(gifHeader, gifHeaderLength))
	return nil
}

func (c *GIF) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *GIF) handle(s gifState, data []byte) lexer.Transition[gifState] {
	if !c.d.IsMetadataDecode() {
		c.acc.write(data)
	}
	switch s {
	case gifHeader:
		if sig := string(data); sig != "GIF87a" && sig != "GIF89a" {
			return fail[gifState](c.d, apperrors.ErrBadSignature)
		}
		return lexer.To(gifScreen, gifScreenLength)
	case gifScreen:
		return c.readScreen(data)
	case gifBlockType:
		return c.readBlockType(data[0])
	case gifExtensionLabel:
		switch data[0] {
		case gifLabelGraphicControl:
			return lexer.To(gifGraphicControl, gifGraphicControlLength)
		case gifLabelApplication:
			return lexer.To(gifApplicationID, gifApplicationIDLength)
		}
		return lexer.To(gifSubBlockLength, 1)
	case gifGraphicControl:
		return c.readGraphicControl(data)
	case gifApplicationID:
		if data[0] != 11 {
			return fail[gifState](c.d, fmt.Errorf("%w: application block of %d bytes", apperrors.ErrCorrupt, data[0]))
		}
		id := string(data[1:])
		c.inNetscape = id == "NETSCAPE2.0" || id == "ANIMEXTS1.0"
		return lexer.To(gifSubBlockLength, 1)
	case gifNetscapeLoop:
		if data[0] == 1 {
			if n := int(binary.LittleEndian.Uint16(data[1:])); n == 0 {
				c.loopCount = -1
			} else {
				c.loopCount = n
			}
		}
		return lexer.To(gifSubBlockLength, 1)
	case gifImageDescriptor:
		return c.readImageDescriptor(data)
	case gifLZWMinCodeSize:
		if data[0] < 2 || data[0] > 11 {
			return fail[gifState](c.d, fmt.Errorf("%w: LZW minimum code size %d", apperrors.ErrCorrupt, data[0]))
		}
		return lexer.To(gifSubBlockLength, 1)
	case gifSubBlockLength:
		return c.readSubBlockLength(int(data[0]))
	case gifSkip:
		return lexer.ContinueUnbuffered(gifSkip)
	case gifAfterSkip:
		return lexer.To(c.afterSkip, 1)
	}
	return lexer.TerminateFailure[gifState]()
}

// skipTo skips n bytes, then reads the one-byte state next.
func (c *GIF) skipTo(next gifState, n int) lexer.Transition[gifState] {
	if n == 0 {
		return lexer.To(next, 1)
	}
	c.afterSkip = next
	return lexer.ToUnbuffered(gifAfterSkip, gifSkip, n)
}

func colorTableLength(flags byte) int {
	if flags&0x80 == 0 {
		return 0
	}
	return 3 << ((flags & 0x07) + 1)
}

func (c *GIF) readScreen(data []byte) lexer.Transition[gifState] {
	w, h := binary.LittleEndian.Uint16(data), binary.LittleEndian.Uint16(data[2:])
	if err := c.d.PostSize(int(w), int(h)); err != nil {
		return lexer.TerminateFailure[gifState]()
	}
	return c.skipTo(gifBlockType, colorTableLength(data[4]))
}

func (c *GIF) readBlockType(b byte) lexer.Transition[gifState] {
	switch b {
	case gifExtension:
		return lexer.To(gifExtensionLabel, 1)
	case gifImage:
		c.images++
		if c.images == 2 {
			c.d.PostIsAnimated(c.firstDelay)
			if c.d.IsMetadataDecode() {
				return lexer.TerminateSuccess[gifState]()
			}
		}
		return lexer.To(gifImageDescriptor, gifImageDescriptorLength)
	case gifTrailer:
		return lexer.TerminateSuccess[gifState]()
	}
	if c.images > 0 {
		// Junk after the last frame ends the image.
		return lexer.TerminateSuccess[gifState]()
	}
	return fail[gifState](c.d, fmt.Errorf("%w: block type 0x%02x", apperrors.ErrCorrupt, b))
}

func (c *GIF) readGraphicControl(data []byte) lexer.Transition[gifState] {
	if data[0] != 4 || data[5] != 0 {
		return fail[gifState](c.d, fmt.Errorf("%w: graphic control extension", apperrors.ErrCorrupt))
	}
	c.transparent = data[1]&0x01 != 0
	c.delay = time.Duration(binary.LittleEndian.Uint16(data[2:])) * 10 * time.Millisecond
	return lexer.To(gifBlockType, 1)
}

func (c *GIF) readImageDescriptor(data []byte) lexer.Transition[gifState] {
	le := binary.LittleEndian
	x, y := int(le.Uint16(data)), int(le.Uint16(data[2:]))
	w, h := int(le.Uint16(data[4:])), int(le.Uint16(data[6:]))
	rect := image.Rect(x, y, x+w, y+h)
	if c.transparent || rect != c.d.Size().Rect() {
		c.d.PostHasTransparency()
	}
	if c.images == 1 {
		c.firstDelay = c.delay
	}
	c.transparent, c.delay = false, 0
	return c.skipTo(gifLZWMinCodeSize, colorTableLength(data[8]))
}

func (c *GIF) readSubBlockLength(n int) lexer.Transition[gifState] {
	if n == 0 {
		c.inNetscape = false
		return lexer.To(gifBlockType, 1)
	}
	if c.inNetscape && n == gifNetscapeLoopLength {
		return lexer.To(gifNetscapeLoop, gifNetscapeLoopLength)
	}
	return c.skipTo(gifSubBlockLength, n)
}

func (c *GIF) Finish() error {
	defer c.acc.release()
	if c.d.IsMetadataDecode() {
		return nil
	}
	if c.d.Backend() != nil {
		return c.finishWithBackend()
	}

	g, err := gif.DecodeAll(utils.BytesReader(c.acc.bytes()))
	if err != nil {
		return apperrors.Data(op(c.d, "decode"), err)
	}
	canvas := c.d.Size()
	for i, frame := range g.Image {
		err := writeFrame(c.d, frame, frameSpec{
			num:     i,
			canvas:  canvas,
			rect:    frame.Bounds(),
			output:  c.d.OutputSize(),
			timeout: time.Duration(g.Delay[i]) * 10 * time.Millisecond,
		})
		if errors.Is(err, apperrors.ErrFrameLimit) {
			break
		}
		if err != nil {
			return err
		}
	}
	c.d.PostDecodeDone(c.loopCount)
	return nil
}

// finishWithBackend decodes through the registered backend. Backends return
// whole, composited frames.
func (c *GIF) finishWithBackend() error {
	data := c.acc.bytes()
	canvas := c.d.Size()
	fs := frameSpec{canvas: canvas, rect: canvas.Rect(), output: c.d.OutputSize()}

	ab, ok := c.d.Backend().(core.AnimationBackend)
	if !ok || c.d.IsFirstFrameDecode() {
		img, err := decodeImage(c.d, data, gif.Decode)
		if err != nil {
			return err
		}
		fs.timeout = c.firstDelay
		if err := writeFrame(c.d, img, fs); err != nil {
			return err
		}
		c.d.PostDecodeDone(c.loopCount)
		return nil
	}

	frames, delays, err := ab.DecodeAll(context.Background(), data)
	if err != nil {
		return apperrors.Data(op(c.d, "decode"), err)
	}
	for i, img := range frames {
		fs.num = i
		if i < len(delays) {
			fs.timeout = delays[i]
		}
		if err := writeFrame(c.d, img, fs); err != nil {
			return err
		}
	}
	c.d.PostDecodeDone(c.loopCount)
	return nil
}
