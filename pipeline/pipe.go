// Package pipeline composes the row filters a decoder writes pixels through:
// deinterlacing, frame rect removal and downscaling, ending in a surface
// sink that fills a decoder frame.
package pipeline

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// Flags select optional stages in CreateSurfacePipe.
type Flags uint8

const (
	// Deinterlace reorders rows that arrive in interlaced pass order.
	Deinterlace Flags = 1 << iota
	// FlipVertically writes the first input row to the bottom of the frame.
	FlipVertically
)

// Config describes one stage. Stages are listed first to last; the last must
// be a SurfaceConfig.
type Config interface {
	configure(next filter) (filter, error)
}

// SurfacePipe is a configured chain of filters ending in a decoder frame.
// It is not safe for concurrent use.
type SurfacePipe struct {
	head   filter
	sink   *surfaceSink
	stages []string
}

// MakePipe configures configs from the sink backwards, so every stage knows
// the size the stage after it expects. It fails if any stage rejects its
// configuration.
func MakePipe(configs ...Config) (*SurfacePipe, error) {
	if len(configs) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "make_pipe", apperrors.ErrPipeConfig)
	}
	var (
		next   filter
		sink   *surfaceSink
		stages = make([]string, len(configs))
	)
	for i := len(configs) - 1; i >= 0; i-- {
		f, err := configs[i].configure(next)
		if err != nil {
			return nil, err
		}
		if s, ok := f.(*surfaceSink); ok {
			sink = s
		}
		stages[i] = f.name()
		next = f
	}
	if sink == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, "make_pipe",
			fmt.Errorf("%w: no surface stage", apperrors.ErrPipeConfig))
	}
	return &SurfacePipe{head: next, sink: sink, stages: stages}, nil
}

// CreateSurfacePipe builds the pipe a codec writes frame frameNum through.
// Stages are added in a fixed order: deinterlace (when flags ask for it),
// frame rect removal (when frameRect is not the whole input), downscaling
// (when outputSize differs from inputSize), then the surface sink.
func CreateSurfacePipe(d *core.Decoder, frameNum int, inputSize, outputSize core.Size,
	frameRect image.Rectangle, format core.SurfaceFormat, flags Flags) (*SurfacePipe, error) {
	downscale := inputSize != outputSize
	removeFrameRect := frameRect != inputSize.Rect()

	var configs []Config
	if flags&Deinterlace != 0 {
		configs = append(configs, DeinterlaceConfig{})
	}
	if removeFrameRect {
		configs = append(configs, RemoveFrameRectConfig{FrameRect: frameRect})
	}
	if downscale {
		configs = append(configs, DownscalingConfig{InputSize: inputSize})
	}
	configs = append(configs, SurfaceConfig{
		Decoder:        d,
		FrameNum:       frameNum,
		OutputSize:     outputSize,
		FrameRect:      scaleRect(frameRect.Intersect(inputSize.Rect()), inputSize, outputSize),
		Format:         format,
		FlipVertically: flags&FlipVertically != 0,
	})
	return MakePipe(configs...)
}

// scaleRect maps r from an image of size from onto one of size to, rounding
// outwards.
func scaleRect(r image.Rectangle, from, to core.Size) image.Rectangle {
	if from == to || from.IsEmpty() {
		return r
	}
	lo := func(v, t, f int) int { return v * t / f }
	hi := func(v, t, f int) int { return (v*t + f - 1) / f }
	return image.Rect(
		lo(r.Min.X, to.Width, from.Width), lo(r.Min.Y, to.Height, from.Height),
		hi(r.Max.X, to.Width, from.Width), hi(r.Max.Y, to.Height, from.Height),
	).Intersect(to.Rect())
}

// Stages names the configured stages, first to last.
func (p *SurfacePipe) Stages() []string { return p.stages }

// InputSize is the size of the rows the pipe expects.
func (p *SurfacePipe) InputSize() core.Size { return p.head.inputSize() }

// Frame returns the frame the pipe writes into.
func (p *SurfacePipe) Frame() *core.Frame { return p.sink.frame }

// WriteRow pushes one input row of at least InputSize().Width BGRA pixels.
func (p *SurfacePipe) WriteRow(row []byte) error {
	if p.head.inputDone() {
		return apperrors.New(apperrors.CategoryPipeline, "write_row", apperrors.ErrSurfaceFinished)
	}
	if need := p.head.inputSize().Width * core.BytesPerPixel; len(row) < need {
		return apperrors.New(apperrors.CategoryPipeline, "write_row",
			fmt.Errorf("row has %d bytes, want %d", len(row), need))
	}
	p.head.writeRow(row)
	return nil
}

// WriteImage converts img to BGRA and writes every row. img must have the
// pipe's input size. Colours are premultiplied unless the frame was
// allocated for SurfaceNoPremultiplyAlpha.
func (p *SurfacePipe) WriteImage(img image.Image) error {
	in := p.InputSize()
	b := img.Bounds()
	if b.Dx() != in.Width || b.Dy() != in.Height {
		return apperrors.New(apperrors.CategoryPipeline, "write_image",
			fmt.Errorf("image is %dx%d, pipe expects %v", b.Dx(), b.Dy(), in))
	}

	var (
		pix    []byte
		stride int
	)
	if p.sink.frame.Premultiplied {
		m := image.NewRGBA(in.Rect())
		xdraw.Draw(m, m.Bounds(), img, b.Min, xdraw.Src)
		pix, stride = m.Pix, m.Stride
	} else {
		m := image.NewNRGBA(in.Rect())
		xdraw.Draw(m, m.Bounds(), img, b.Min, xdraw.Src)
		pix, stride = m.Pix, m.Stride
	}
	SwizzleRGBAToBGRA(pix)

	for y := 0; y < in.Height; y++ {
		if err := p.WriteRow(pix[y*stride : (y+1)*stride]); err != nil {
			return err
		}
	}
	return nil
}

// IsSurfaceFinished reports whether every row of the frame has been written.
func (p *SurfacePipe) IsSurfaceFinished() bool { return p.sink.inputDone() }

// TakeInvalidRect returns and clears the area written since the last call.
func (p *SurfacePipe) TakeInvalidRect() image.Rectangle {
	r := p.sink.invalid
	p.sink.invalid = image.Rectangle{}
	return r
}

// SwizzleRGBAToBGRA swaps the R and B channels of packed four-byte pixels in
// place. The same operation converts BGRA back to RGBA.
func SwizzleRGBAToBGRA(pix []byte) {
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}

// PremultiplyRow converts straight-alpha BGRA pixels to premultiplied alpha
// in place.
func PremultiplyRow(row []byte) {
	for i := 0; i+3 < len(row); i += 4 {
		a := uint32(row[i+3])
		if a == 0xFF {
			continue
		}
		row[i] = byte((uint32(row[i])*a + 127) / 255)
		row[i+1] = byte((uint32(row[i+1])*a + 127) / 255)
		row[i+2] = byte((uint32(row[i+2])*a + 127) / 255)
	}
}
