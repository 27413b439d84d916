package decoder

import (
	"github.com/Skryldev/image-decoder/core"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/pipeline"
)

type iconState int

const (
	iconHeader iconState = iota
	iconRow
)

// iconHeaderLength covers one byte of width and one of height.
const iconHeaderLength = 2

// Icon decodes the internal icon format produced by platform icon
// services: a width byte, a height byte, then height rows of width BGRA
// pixels that are already in surface format.
type Icon struct {
	d        *core.Decoder
	lex      *lexer.Lexer[iconState]
	pipe     *pipeline.SurfacePipe
	rowBytes int
}

// NewIcon returns a codec for core.DecoderTypeICON.
func NewIcon() core.Codec { return &Icon{} }

func (c *Icon) SupportsDownscale() bool { return true }

func (c *Icon) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.To(iconHeader, iconHeaderLength))
	return nil
}

func (c *Icon) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *Icon) Finish() error { return nil }

func (c *Icon) handle(s iconState, data []byte) lexer.Transition[iconState] {
	switch s {
	case iconHeader:
		return c.readHeader(data)
	case iconRow:
		return c.readRow(data)
	}
	return lexer.TerminateFailure[iconState]()
}

func (c *Icon) readHeader(data []byte) lexer.Transition[iconState] {
	if err := c.d.PostSize(int(data[0]), int(data[1])); err != nil {
		return lexer.TerminateFailure[iconState]()
	}
	c.d.PostHasTransparency()
	if c.d.IsMetadataDecode() {
		return lexer.TerminateSuccess[iconState]()
	}

	size := c.d.Size()
	pipe, err := pipeline.CreateSurfacePipe(c.d, 0, size, c.d.OutputSize(), size.Rect(), core.FormatB8G8R8A8, 0)
	if err != nil {
		c.d.PostDecoderError(err)
		return lexer.TerminateFailure[iconState]()
	}
	c.pipe = pipe
	c.rowBytes = size.Width * core.BytesPerPixel
	return lexer.To(iconRow, c.rowBytes)
}

func (c *Icon) readRow(data []byte) lexer.Transition[iconState] {
	if err := c.pipe.WriteRow(data); err != nil {
		c.d.PostDecoderError(err)
		return lexer.TerminateFailure[iconState]()
	}
	if !c.pipe.IsSurfaceFinished() {
		return lexer.To(iconRow, c.rowBytes)
	}
	c.d.PostFrameStop()
	c.d.PostDecodeDone(0)
	return lexer.TerminateSuccess[iconState]()
}
