package pipeline

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// filter is one stage of a surface pipe. Rows are packed BGRA, four bytes
// per pixel, and at least inputSize().Width pixels long.
type filter interface {
	name() string
	inputSize() core.Size
	writeRow(row []byte)
	// inputDone reports whether every input row has been written.
	inputDone() bool
}

func configError(stage string, format string, args ...any) error {
	return apperrors.New(apperrors.CategoryPipeline, stage,
		fmt.Errorf("%w: %s", apperrors.ErrPipeConfig, fmt.Sprintf(format, args...)))
}

// ── Surface sink ──────────────────────────────────────────────────────────────

// SurfaceConfig configures the final stage, which writes rows into a frame
// allocated from Decoder.
type SurfaceConfig struct {
	Decoder    *core.Decoder
	FrameNum   int
	OutputSize core.Size
	// FrameRect is the part of OutputSize covered by real data. The zero
	// rectangle means all of it.
	FrameRect      image.Rectangle
	Format         core.SurfaceFormat
	FlipVertically bool
}

func (c SurfaceConfig) configure(next filter) (filter, error) {
	if next != nil {
		return nil, configError("surface", "surface stage must be last")
	}
	if c.Decoder == nil {
		return nil, configError("surface", "no decoder")
	}
	if c.OutputSize.IsEmpty() {
		return nil, configError("surface", "output size %v", c.OutputSize)
	}
	rect := c.FrameRect
	if rect.Empty() {
		rect = c.OutputSize.Rect()
	}
	frame, err := c.Decoder.AllocateFrame(c.FrameNum, c.OutputSize, rect, c.Format)
	if err != nil {
		return nil, err
	}
	return &surfaceSink{decoder: c.Decoder, frame: frame, flip: c.FlipVertically}, nil
}

type surfaceSink struct {
	decoder *core.Decoder
	frame   *core.Frame
	flip    bool
	row     int
	invalid image.Rectangle
}

func (s *surfaceSink) name() string          { return "surface" }
func (s *surfaceSink) inputSize() core.Size  { return s.frame.Size }
func (s *surfaceSink) inputDone() bool       { return s.row >= s.frame.Size.Height }

func (s *surfaceSink) writeRow(row []byte) {
	if s.inputDone() {
		return
	}
	y := s.row
	if s.flip {
		y = s.frame.Size.Height - 1 - y
	}
	dst := s.frame.Row(y)
	copy(dst, row)
	if s.frame.Format == core.FormatB8G8R8X8 {
		for i := 3; i < len(dst); i += 4 {
			dst[i] = 0xFF
		}
	}
	r := image.Rect(0, y, s.frame.Size.Width, y+1)
	s.invalid = s.invalid.Union(r)
	s.decoder.Invalidate(r)
	s.decoder.RecordRows(1)
	s.row++
}

// ── Frame rect removal ────────────────────────────────────────────────────────

// RemoveFrameRectConfig pads or clips rows covering FrameRect to the full
// width and height of the next stage.
type RemoveFrameRectConfig struct {
	FrameRect image.Rectangle
}

func (c RemoveFrameRectConfig) configure(next filter) (filter, error) {
	if next == nil {
		return nil, configError("remove_frame_rect", "no next stage")
	}
	if c.FrameRect.Dx() <= 0 || c.FrameRect.Dy() <= 0 {
		return nil, configError("remove_frame_rect", "frame rect %v", c.FrameRect)
	}
	out := next.inputSize()
	return &frameRectRemover{
		next: next,
		rect: c.FrameRect,
		out:  out,
		buf:  make([]byte, out.Width*core.BytesPerPixel),
	}, nil
}

type frameRectRemover struct {
	next   filter
	rect   image.Rectangle
	out    core.Size
	row    int
	outRow int
	buf    []byte
}

func (f *frameRectRemover) name() string { return "remove_frame_rect" }

func (f *frameRectRemover) inputSize() core.Size {
	return core.Size{Width: f.rect.Dx(), Height: f.rect.Dy()}
}

func (f *frameRectRemover) inputDone() bool { return f.row >= f.rect.Dy() }

func (f *frameRectRemover) writeRow(row []byte) {
	if f.inputDone() {
		return
	}
	y := f.rect.Min.Y + f.row
	f.row++
	defer func() {
		if f.inputDone() {
			f.padTo(f.out.Height)
		}
	}()
	if y < 0 || y >= f.out.Height {
		return
	}
	f.padTo(y)

	clear(f.buf)
	x0, x1 := max(0, f.rect.Min.X), min(f.out.Width, f.rect.Max.X)
	if x0 < x1 {
		bpp := core.BytesPerPixel
		copy(f.buf[x0*bpp:x1*bpp], row[(x0-f.rect.Min.X)*bpp:(x1-f.rect.Min.X)*bpp])
	}
	f.next.writeRow(f.buf)
	f.outRow++
}

// padTo writes transparent rows until n rows have been written.
func (f *frameRectRemover) padTo(n int) {
	for f.outRow < n {
		clear(f.buf)
		f.next.writeRow(f.buf)
		f.outRow++
	}
}

// ── Downscaling ───────────────────────────────────────────────────────────────

// DownscalingConfig scales InputSize rows down to the next stage's size.
type DownscalingConfig struct {
	InputSize core.Size
	// Interpolator defaults to xdraw.CatmullRom.
	Interpolator xdraw.Interpolator
}

func (c DownscalingConfig) configure(next filter) (filter, error) {
	if next == nil {
		return nil, configError("downscale", "no next stage")
	}
	out := next.inputSize()
	if c.InputSize.IsEmpty() || out.IsEmpty() {
		return nil, configError("downscale", "%v to %v", c.InputSize, out)
	}
	if out.Width > c.InputSize.Width || out.Height > c.InputSize.Height {
		return nil, configError("downscale", "cannot upscale %v to %v", c.InputSize, out)
	}
	interp := c.Interpolator
	if interp == nil {
		interp = xdraw.CatmullRom
	}
	return &downscaler{
		next:   next,
		in:     c.InputSize,
		out:    out,
		interp: interp,
		src:    image.NewRGBA(c.InputSize.Rect()),
		dst:    image.NewRGBA(out.Rect()),
		band:   max(1, out.Height/16),
	}, nil
}

// downscaler keeps every input row and emits an output row once all the
// input rows its kernel can reach have arrived. The pixel data is BGRA, but
// the interpolation treats channels independently so it is stored in an
// image.RGBA unchanged.
type downscaler struct {
	next     filter
	in, out  core.Size
	interp   xdraw.Interpolator
	src, dst *image.RGBA
	received int
	emitted  int
	band     int
}

func (f *downscaler) name() string         { return "downscale" }
func (f *downscaler) inputSize() core.Size { return f.in }
func (f *downscaler) inputDone() bool      { return f.received >= f.in.Height }

func (f *downscaler) writeRow(row []byte) {
	if f.inputDone() {
		return
	}
	stride := f.src.Stride
	copy(f.src.Pix[f.received*stride:(f.received+1)*stride], row)
	f.received++

	ready := f.readyRows()
	if ready-f.emitted < f.band && !f.inputDone() {
		return
	}
	if ready <= f.emitted {
		return
	}
	sub := f.dst.SubImage(image.Rect(0, f.emitted, f.out.Width, ready)).(*image.RGBA)
	f.interp.Scale(sub, f.dst.Bounds(), f.src, f.src.Bounds(), xdraw.Src, nil)
	for y := f.emitted; y < ready; y++ {
		f.next.writeRow(f.dst.Pix[y*f.dst.Stride : (y+1)*f.dst.Stride])
	}
	f.emitted = ready
}

// readyRows is the number of leading output rows that no longer depend on
// missing input.
func (f *downscaler) readyRows() int {
	if f.inputDone() {
		return f.out.Height
	}
	scale := float64(f.in.Height) / float64(f.out.Height)
	support := 2 * scale // CatmullRom has support 2 in output space
	last := (float64(f.received)-support)/scale - 0.5
	if last < 0 {
		return 0
	}
	return min(int(last)+1, f.out.Height)
}

// ── Deinterlacing ─────────────────────────────────────────────────────────────

// DeinterlaceConfig reorders rows that arrive in four interlaced passes
// (every 8th row from 0, every 8th from 4, every 4th from 2, every 2nd
// from 1) into top-to-bottom order.
type DeinterlaceConfig struct{}

func (c DeinterlaceConfig) configure(next filter) (filter, error) {
	if next == nil {
		return nil, configError("deinterlace", "no next stage")
	}
	size := next.inputSize()
	return &deinterlacer{
		next: next,
		size: size,
		buf:  make([]byte, size.Width*core.BytesPerPixel*size.Height),
	}, nil
}

type deinterlacer struct {
	next filter
	size core.Size
	buf  []byte
	row  int
}

func (f *deinterlacer) name() string         { return "deinterlace" }
func (f *deinterlacer) inputSize() core.Size { return f.size }
func (f *deinterlacer) inputDone() bool      { return f.row >= f.size.Height }

func (f *deinterlacer) writeRow(row []byte) {
	if f.inputDone() {
		return
	}
	stride := f.size.Width * core.BytesPerPixel
	y := InterlacedRow(f.row, f.size.Height)
	copy(f.buf[y*stride:(y+1)*stride], row)
	f.row++
	if !f.inputDone() {
		return
	}
	for y := 0; y < f.size.Height; y++ {
		f.next.writeRow(f.buf[y*stride : (y+1)*stride])
	}
}

// InterlacedRow maps the i-th row of a four-pass interlaced image of the
// given height to its row in the final image.
func InterlacedRow(i, height int) int {
	for _, p := range interlacePasses {
		n := max(0, (height-p.start+p.step-1)/p.step)
		if i < n {
			return p.start + i*p.step
		}
		i -= n
	}
	return height - 1
}

var interlacePasses = [...]struct{ start, step int }{{0, 8}, {4, 8}, {2, 4}, {1, 2}}
