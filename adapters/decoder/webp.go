package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/image/webp"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
)

type webpState int

const (
	webpData webpState = iota
	webpFinished
)

const (
	webpRIFFHeaderLength = 12
	// webpMinHeaderLength is the shortest prefix that can hold a complete
	// VP8, VP8L or VP8X header.
	webpMinHeaderLength = 30
	webpVP8XAnimation   = 0x02
)

// WebP reads the whole stream through a single unbuffered window that never
// closes. The header is parsed with golang.org/x/image/webp as soon as
// enough bytes have arrived and pixels are decoded at Finish.
type WebP struct {
	d     *core.Decoder
	lex   *lexer.Lexer[webpState]
	acc   accumulator
	sized bool
}

// NewWebP returns a codec for core.DecoderTypeWEBP. It cannot downscale
// while decoding.
func NewWebP() core.Codec { return &WebP{} }

func (c *WebP) Init(d *core.Decoder) error {
	c.d = d
	c.lex = newLexer(d, lexer.ToUnbuffered(webpFinished, webpData, math.MaxInt))
	return nil
}

func (c *WebP) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *WebP) handle(s webpState, data []byte) lexer.Transition[webpState] {
	switch s {
	case webpData:
		c.acc.write(data)
		if !c.sized {
			return c.readHeader()
		}
		return lexer.ContinueUnbuffered(webpData)
	case webpFinished:
		// Unreachable: the window never closes.
		return lexer.TerminateFailure[webpState]()
	}
	return lexer.TerminateFailure[webpState]()
}

func (c *WebP) readHeader() lexer.Transition[webpState] {
	buf := c.acc.bytes()
	if len(buf) >= webpRIFFHeaderLength && (string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WEBP") {
		return fail[webpState](c.d, apperrors.ErrBadSignature)
	}
	if len(buf) < webpMinHeaderLength {
		return lexer.ContinueUnbuffered(webpData)
	}

	cfg, err := webp.DecodeConfig(bytes.NewReader(buf))
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return lexer.ContinueUnbuffered(webpData)
	}
	if err != nil {
		return fail[webpState](c.d, err)
	}
	if string(buf[12:16]) == "VP8X" && buf[20]&webpVP8XAnimation != 0 {
		return fail[webpState](c.d, fmt.Errorf("%w: animated WebP", apperrors.ErrUnsupported))
	}

	c.sized = true
	if err := c.d.PostSize(cfg.Width, cfg.Height); err != nil {
		return lexer.TerminateFailure[webpState]()
	}
	c.d.PostHasTransparency()
	if c.d.IsMetadataDecode() {
		return lexer.TerminateSuccess[webpState]()
	}
	return lexer.ContinueUnbuffered(webpData)
}

func (c *WebP) Finish() error {
	defer c.acc.release()
	if c.d.IsMetadataDecode() {
		return nil
	}
	if !c.sized {
		return apperrors.Data(op(c.d, "finish"), apperrors.ErrTruncated)
	}
	img, err := decodeImage(c.d, c.acc.bytes(), webp.Decode)
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
