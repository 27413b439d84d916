// Package decoder provides the format-specific codecs driven by core.Decoder.
//
// Every codec walks its container structure with a lexer.Lexer so headers
// are validated as soon as their bytes arrive. ICON and uncompressed BMP
// rows are streamed straight into a surface pipe; the other formats keep
// the encoded bytes and decode pixels once at Finish, using the registered
// core.ImageBackend when there is one.
package decoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/pipeline"
	"github.com/Skryldev/image-decoder/utils"
)

// Register installs every built-in codec in r.
func Register(r *core.Registry) {
	r.RegisterCodec(core.DecoderTypePNG, NewPNG)
	r.RegisterCodec(core.DecoderTypeGIF, NewGIF)
	r.RegisterCodec(core.DecoderTypeJPEG, NewJPEG)
	r.RegisterCodec(core.DecoderTypeBMP, NewBMP)
	r.RegisterCodec(core.DecoderTypeICO, NewICO)
	r.RegisterCodec(core.DecoderTypeICON, NewIcon)
	r.RegisterCodec(core.DecoderTypeWEBP, NewWebP)
}

func newLexer[S comparable](d *core.Decoder, start lexer.Transition[S]) *lexer.Lexer[S] {
	return lexer.New(start, lexer.WithMaxBufferSize(d.Limits().MaxLexerBuffer))
}

func op(d *core.Decoder, what string) string { return d.Type().String() + "." + what }

// fail posts a data error and ends lexing.
func fail[S comparable](d *core.Decoder, err error) lexer.Transition[S] {
	d.PostDataError(err)
	return lexer.TerminateFailure[S]()
}

// accumulator keeps the encoded bytes of codecs that decode at Finish.
type accumulator struct {
	buf *bytes.Buffer
}

func (a *accumulator) write(p []byte) {
	if len(p) == 0 {
		return
	}
	if a.buf == nil {
		a.buf = utils.AcquireBuffer()
	}
	a.buf.Write(p)
}

func (a *accumulator) bytes() []byte {
	if a.buf == nil {
		return nil
	}
	return a.buf.Bytes()
}

func (a *accumulator) release() {
	utils.ReleaseBuffer(a.buf)
	a.buf = nil
}

// decodeImage decodes a whole encoded image with the decoder's backend, or
// with std when none is registered. The result must have the size the
// header declared.
func decodeImage(d *core.Decoder, data []byte, std func(io.Reader) (image.Image, error)) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	if b := d.Backend(); b != nil {
		img, err = b.DecodeImage(context.Background(), data)
	} else {
		img, err = std(utils.BytesReader(data))
	}
	if err != nil {
		return nil, apperrors.Data(op(d, "decode"), err)
	}
	if b := img.Bounds(); b.Dx() != d.Size().Width || b.Dy() != d.Size().Height {
		return nil, apperrors.Data(op(d, "decode"),
			fmt.Errorf("%w: header says %v, pixels are %dx%d", apperrors.ErrSizeChanged, d.Size(), b.Dx(), b.Dy()))
	}
	return img, nil
}

// frameSpec places a decoded image on the output surface.
type frameSpec struct {
	num     int
	canvas  core.Size       // size rect is relative to
	rect    image.Rectangle // area img covers
	output  core.Size
	timeout time.Duration
}

// writeFrame allocates frame f.num, writes img through a surface pipe and
// stops the frame.
func writeFrame(d *core.Decoder, img image.Image, f frameSpec) error {
	format := core.FormatB8G8R8A8
	if isOpaque(img) && f.rect == f.canvas.Rect() {
		format = core.FormatB8G8R8X8
	} else {
		d.PostHasTransparency()
	}
	pipe, err := pipeline.CreateSurfacePipe(d, f.num, f.canvas, f.output, f.rect, format, 0)
	if err != nil {
		return err
	}
	if err := pipe.WriteImage(img); err != nil {
		return err
	}
	pipe.Frame().Timeout = f.timeout
	d.PostFrameStop()
	return nil
}

func isOpaque(img image.Image) bool {
	o, ok := img.(interface{ Opaque() bool })
	return ok && o.Opaque()
}
