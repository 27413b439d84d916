package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/pipeline"
)

type icoState int

const (
	icoHeader icoState = iota
	icoDirEntry
	icoSkip
	icoResourceStart
	icoSniff
	icoBitmapHeader
	icoResource
	icoResourceDone
)

const (
	icoHeaderLength   = 6
	icoDirEntryLength = 16
	icoSniffLength    = 8

	icoTypeIcon   = 1
	icoTypeCursor = 2
)

// icoEntry is one directory entry.
type icoEntry struct {
	width, height int
	bpp           int
	length        uint32
	offset        uint32
}

func (e icoEntry) area() int { return e.width * e.height }

// ICO decodes Windows icon and cursor files. The directory is parsed by
// the lexer and the entry that best matches the output size is fed to a
// PNG or BMP decoder created through the decoder's core.ResourceFactory.
// That decoder's frame is then copied into this decoder's frame.
type ICO struct {
	d   *core.Decoder
	lex *lexer.Lexer[icoState]

	count   int
	entries []icoEntry
	best    icoEntry
	pos     uint32
	sniffed []byte

	src    *core.SourceBuffer
	sub    *core.Decoder
	copied bool
}

// NewICO returns a codec for core.DecoderTypeICO.
func NewICO() core.Codec { return &ICO{} }

func (c *ICO) SupportsDownscale() bool { return true }

func (c *ICO) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.To(icoHeader, icoHeaderLength))
	return nil
}

func (c *ICO) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *ICO) handle(s icoState, data []byte) lexer.Transition[icoState] {
	c.pos += uint32(len(data))
	switch s {
	case icoHeader:
		return c.readHeader(data)
	case icoDirEntry:
		return c.readDirEntry(data)
	case icoSkip:
		return lexer.ContinueUnbuffered(icoSkip)
	case icoResourceStart:
		return lexer.To(icoSniff, icoSniffLength)
	case icoSniff:
		return c.sniffResource(data)
	case icoBitmapHeader:
		return c.readBitmapHeader(data)
	case icoResource:
		if !c.feed(data) {
			return lexer.TerminateFailure[icoState]()
		}
		return lexer.ContinueUnbuffered(icoResource)
	case icoResourceDone:
		if !c.finishResource() {
			return lexer.TerminateFailure[icoState]()
		}
		return lexer.TerminateSuccess[icoState]()
	}
	return lexer.TerminateFailure[icoState]()
}

func (c *ICO) readHeader(data []byte) lexer.Transition[icoState] {
	le := binary.LittleEndian
	if reserved, typ := le.Uint16(data), le.Uint16(data[2:]); reserved != 0 || (typ != icoTypeIcon && typ != icoTypeCursor) {
		return fail[icoState](c.d, apperrors.ErrBadSignature)
	}
	c.count = int(le.Uint16(data[4:]))
	if c.count == 0 {
		return fail[icoState](c.d, fmt.Errorf("%w: empty directory", apperrors.ErrCorrupt))
	}
	return lexer.To(icoDirEntry, icoDirEntryLength)
}

func (c *ICO) readDirEntry(data []byte) lexer.Transition[icoState] {
	le := binary.LittleEndian
	e := icoEntry{
		width:  int(data[0]),
		height: int(data[1]),
		bpp:    int(le.Uint16(data[6:])),
		length: le.Uint32(data[8:]),
		offset: le.Uint32(data[12:]),
	}
	// Zero means 256.
	if e.width == 0 {
		e.width = 256
	}
	if e.height == 0 {
		e.height = 256
	}
	c.entries = append(c.entries, e)
	if len(c.entries) < c.count {
		return lexer.To(icoDirEntry, icoDirEntryLength)
	}
	return c.chooseResource()
}

// chooseResource picks the smallest entry at least as large as the target
// size, or the largest entry when there is no target or none is large
// enough. Ties go to the deeper colour depth.
func (c *ICO) chooseResource() lexer.Transition[icoState] {
	biggest := c.entries[0]
	for _, e := range c.entries[1:] {
		if e.area() > biggest.area() || (e.area() == biggest.area() && e.bpp > biggest.bpp) {
			biggest = e
		}
	}
	if err := c.d.PostSize(biggest.width, biggest.height); err != nil {
		return lexer.TerminateFailure[icoState]()
	}
	c.d.PostHasTransparency()
	if c.d.IsMetadataDecode() {
		return lexer.TerminateSuccess[icoState]()
	}

	c.best = biggest
	if target, ok := c.d.TargetSize(); ok {
		found := false
		for _, e := range c.entries {
			if e.width < target.Width || e.height < target.Height {
				continue
			}
			if !found || e.area() < c.best.area() || (e.area() == c.best.area() && e.bpp > c.best.bpp) {
				c.best, found = e, true
			}
		}
	}

	if c.best.offset < c.pos {
		return fail[icoState](c.d, fmt.Errorf("%w: resource at %d overlaps the directory", apperrors.ErrCorrupt, c.best.offset))
	}
	if c.best.length < icoSniffLength {
		return fail[icoState](c.d, fmt.Errorf("%w: resource of %d bytes", apperrors.ErrCorrupt, c.best.length))
	}
	if gap := int(c.best.offset - c.pos); gap > 0 {
		return lexer.ToUnbuffered(icoResourceStart, icoSkip, gap)
	}
	return lexer.To(icoSniff, icoSniffLength)
}

func (c *ICO) sniffResource(data []byte) lexer.Transition[icoState] {
	if bytes.Equal(data, pngSignatureBytes) {
		if !c.createSubDecoder(core.DecoderTypePNG, nil) || !c.feed(data) {
			return lexer.TerminateFailure[icoState]()
		}
		return c.readRest(icoSniffLength)
	}
	c.sniffed = append(c.sniffed[:0], data...)
	if c.best.length < bmpInfoV3Length {
		return fail[icoState](c.d, fmt.Errorf("%w: bitmap resource of %d bytes", apperrors.ErrCorrupt, c.best.length))
	}
	return lexer.To(icoBitmapHeader, bmpInfoV3Length-icoSniffLength)
}

// readBitmapHeader finds where the pixel data of a BMP resource starts, as
// the BMP decoder counts it with a file header in front.
func (c *ICO) readBitmapHeader(data []byte) lexer.Transition[icoState] {
	header := append(c.sniffed, data...)
	le := binary.LittleEndian
	infoSize := le.Uint32(header)
	bpp := uint32(le.Uint16(header[14:]))
	compression := le.Uint32(header[16:])
	colors := le.Uint32(header[32:])

	offset := bmpFileHeaderLength + infoSize
	if bpp <= 8 {
		if colors == 0 {
			colors = 1 << bpp
		}
		offset += 4 * colors
	}
	if compression == biBitfields && infoSize == bmpInfoV3Length {
		offset += bmpBitfieldsLength
	}

	if !c.createSubDecoder(core.DecoderTypeBMP, &offset) || !c.feed(header) {
		return lexer.TerminateFailure[icoState]()
	}
	return c.readRest(bmpInfoV3Length)
}

func (c *ICO) readRest(consumed int) lexer.Transition[icoState] {
	rest := int(c.best.length) - consumed
	if rest <= 0 {
		if !c.finishResource() {
			return lexer.TerminateFailure[icoState]()
		}
		return lexer.TerminateSuccess[icoState]()
	}
	return lexer.ToUnbuffered(icoResourceDone, icoResource, rest)
}

func (c *ICO) createSubDecoder(t core.DecoderType, dataOffset *uint32) bool {
	rf := c.d.ResourceFactory()
	if rf == nil {
		c.d.PostDecoderError(errors.New("no resource factory for embedded " + t.String()))
		return false
	}
	c.src = core.NewSourceBuffer()
	c.sub = rf.CreateDecoderForICOResource(t, c.src, c.d, dataOffset)
	if c.sub == nil {
		c.d.PostDecoderError(fmt.Errorf("%w: embedded %s", apperrors.ErrInitFailed, t))
		return false
	}
	return true
}

// feed hands resource bytes to the embedded decoder and runs it as far as
// they go.
func (c *ICO) feed(data []byte) bool {
	if _, err := c.src.Write(data); err != nil {
		c.d.PostDecoderError(err)
		return false
	}
	c.sub.Decode(context.Background(), nil)
	if c.sub.HasError() {
		c.d.PostError(c.sub.Err())
		return false
	}
	return true
}

// finishResource completes the embedded decode and copies its frame.
func (c *ICO) finishResource() bool {
	if c.copied {
		return true
	}
	c.copied = true
	c.src.Complete(nil)
	c.sub.Decode(context.Background(), nil)
	if c.sub.HasError() {
		c.d.PostError(c.sub.Err())
		return false
	}

	f := c.sub.CurrentFrame()
	if f == nil || !f.Complete {
		c.d.PostDataError(fmt.Errorf("%w: embedded %s produced no frame", apperrors.ErrTruncated, c.sub.Type()))
		return false
	}
	out := c.d.OutputSize()
	if f.Size.Width < out.Width || f.Size.Height < out.Height {
		c.d.PostDataError(fmt.Errorf("%w: resource is %v, directory says %v", apperrors.ErrCorrupt, f.Size, out))
		return false
	}

	pipe, err := pipeline.CreateSurfacePipe(c.d, 0, f.Size, out, f.Size.Rect(), f.Format, 0)
	if err != nil {
		c.d.PostDecoderError(err)
		return false
	}
	for y := 0; y < f.Size.Height; y++ {
		if err := pipe.WriteRow(f.Row(y)); err != nil {
			c.d.PostDecoderError(err)
			return false
		}
	}
	c.d.PostFrameStop()
	c.d.PostDecodeDone(0)
	return true
}

// Finish completes a resource whose bytes were cut short.
func (c *ICO) Finish() error {
	if c.sub == nil || c.copied || c.d.IsMetadataDecode() {
		return nil
	}
	c.finishResource()
	return nil
}
