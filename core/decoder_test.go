package core_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
	"github.com/Skryldev/image-decoder/lexer"
	"github.com/Skryldev/image-decoder/utils"
)

// ── test codec ────────────────────────────────────────────────────────────────

// rawCodec decodes a toy format: one byte width, one byte height, then
// width*height BGRA pixels.
type rawState int

const (
	stHeader rawState = iota
	stRow
)

type rawCodec struct {
	d     *core.Decoder
	lex   *lexer.Lexer[rawState]
	frame *core.Frame
	row   int

	failInit  bool
	downscale bool
	finishErr error
	finished  int
}

func (c *rawCodec) Init(d *core.Decoder) error {
	if c.failInit {
		return errors.New("no library handle")
	}
	c.d = d
	c.lex = lexer.New(lexer.To(stHeader, 2))
	return nil
}

func (c *rawCodec) Lex(data []byte) (lexer.TerminalState, bool) { return c.lex.Lex(data, c.handle) }

func (c *rawCodec) Finish() error {
	c.finished++
	return c.finishErr
}

func (c *rawCodec) SupportsDownscale() bool { return c.downscale }

func (c *rawCodec) handle(s rawState, data []byte) lexer.Transition[rawState] {
	switch s {
	case stHeader:
		w, h := int(data[0]), int(data[1])
		if err := c.d.PostSize(w, h); err != nil {
			return lexer.TerminateFailure[rawState]()
		}
		if c.d.IsMetadataDecode() {
			return lexer.TerminateSuccess[rawState]()
		}
		f, err := c.d.AllocateFrame(0, c.d.Size(), c.d.Size().Rect(), core.FormatB8G8R8A8)
		if err != nil {
			return lexer.TerminateFailure[rawState]()
		}
		c.frame = f
		return lexer.To(stRow, w*core.BytesPerPixel)
	case stRow:
		copy(c.frame.Row(c.row), data)
		c.d.Invalidate(image.Rect(0, c.row, c.frame.Size.Width, c.row+1))
		c.d.RecordRows(1)
		c.row++
		if c.row < c.frame.Size.Height {
			return lexer.To(stRow, len(data))
		}
		c.d.PostFrameStop()
		c.d.PostDecodeDone(0)
		return lexer.TerminateSuccess[rawState]()
	}
	return lexer.TerminateFailure[rawState]()
}

func rawImage(w, h int) []byte {
	out := []byte{byte(w), byte(h)}
	for i := 0; i < w*h; i++ {
		out = append(out, byte(i), byte(i>>8), 0x7F, 0xFF)
	}
	return out
}

func newRawDecoder(t *testing.T, c *rawCodec) *core.Decoder {
	t.Helper()
	return core.NewDecoder(core.DecoderTypeICON, c, 1)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestDecoderDecodesWholeImage(t *testing.T) {
	for _, chunk := range []int{0, 1, 3, 7} {
		d := newRawDecoder(t, &rawCodec{})
		require.NoError(t, d.Init())

		w := &utils.ChunkedWriter{W: d, ChunkSize: chunk}
		_, err := w.Write(rawImage(3, 2))
		require.NoError(t, err)
		require.True(t, d.IsTerminal())
		require.NoError(t, d.Finish())

		p := d.TakeProgress()
		require.True(t, p.Has(core.ProgressSizeAvailable|core.ProgressFrameComplete|core.ProgressDecodeComplete))
		require.False(t, p.Has(core.ProgressHasError))

		frames := d.TakeCompleteFrames()
		require.Len(t, frames, 1)
		require.True(t, frames[0].Complete)
		require.Equal(t, core.Size{Width: 3, Height: 2}, frames[0].Size)
		require.Equal(t, uint8(5), frames[0].At(2, 1).B)
		require.Equal(t, image.Rect(0, 0, 3, 2), d.TakeInvalidRect())
		require.Equal(t, 2, d.Telemetry().RowsWritten)

		st := d.FinalStatus()
		require.False(t, st.HadError)
		require.False(t, st.ShouldReportError)
	}
}

func TestDecoderMetadataDecodeAllocatesNothing(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	d.SetMetadataDecode(true)
	require.NoError(t, d.Init())

	_, err := d.Write(rawImage(4, 4))
	require.NoError(t, err)
	require.NoError(t, d.Finish())

	require.Nil(t, d.CurrentFrame())
	require.Zero(t, d.Telemetry().RowsWritten)
	require.True(t, d.DecodeDone())
	require.Equal(t, core.Size{Width: 4, Height: 4}, d.Size())
}

func TestDecoderAllocateFrameInMetadataDecodeIsDecoderError(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	d.SetMetadataDecode(true)
	require.NoError(t, d.Init())
	require.NoError(t, d.PostSize(2, 2))

	_, err := d.AllocateFrame(0, d.Size(), d.Size().Rect(), core.FormatB8G8R8A8)
	require.Error(t, err)
	require.True(t, d.HasDecoderError())
	require.True(t, apperrors.Is(err, apperrors.ErrMetadataDecode))
}

func TestDecoderFirstFrameOnly(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	d.SetDecoderFlags(core.FlagFirstFrameOnly)
	require.NoError(t, d.Init())
	require.NoError(t, d.PostSize(2, 2))

	_, err := d.AllocateFrame(0, d.Size(), d.Size().Rect(), core.FormatB8G8R8A8)
	require.NoError(t, err)
	_, err = d.AllocateFrame(1, d.Size(), d.Size().Rect(), core.FormatB8G8R8A8)
	require.ErrorIs(t, err, apperrors.ErrFrameLimit)
	require.False(t, d.HasError())
}

func TestDecoderPostSize(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		want error
	}{
		{"zero width", 0, 5, apperrors.ErrInvalidDimensions},
		{"too wide", 70000, 1, apperrors.ErrImageTooLarge},
		{"too many pixels", 60000, 60000, apperrors.ErrImageTooLarge},
		{"ok", 100, 100, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newRawDecoder(t, &rawCodec{})
			require.NoError(t, d.Init())
			err := d.PostSize(tc.w, tc.h)
			if tc.want == nil {
				require.NoError(t, err)
				require.True(t, d.HasSize())
				return
			}
			require.ErrorIs(t, err, tc.want)
			require.True(t, d.HasDataError())
			require.True(t, apperrors.IsCategory(err, apperrors.CategoryData))
		})
	}

	t.Run("size changed", func(t *testing.T) {
		d := newRawDecoder(t, &rawCodec{})
		require.NoError(t, d.Init())
		require.NoError(t, d.PostSize(10, 10))
		require.NoError(t, d.PostSize(10, 10))
		require.ErrorIs(t, d.PostSize(10, 11), apperrors.ErrSizeChanged)
	})

	t.Run("custom limits", func(t *testing.T) {
		d := newRawDecoder(t, &rawCodec{})
		d.SetLimits(core.Limits{MaxWidth: 8, MaxHeight: 8, MaxPixels: 64})
		require.NoError(t, d.Init())
		require.ErrorIs(t, d.PostSize(9, 1), apperrors.ErrImageTooLarge)
	})
}

func TestDecoderInitFailureRefusesWrites(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{failInit: true})
	err := d.Init()
	require.ErrorIs(t, err, apperrors.ErrInitFailed)
	require.True(t, d.HasDecoderError())

	n, err := d.Write([]byte{1, 1})
	require.Zero(t, n)
	require.Error(t, err)
}

func TestDecoderLexFailureIsDataError(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.NoError(t, d.Init())
	_, err := d.Write([]byte{0, 0})
	require.Error(t, err)
	require.True(t, d.HasDataError())
	require.True(t, d.IsTerminal())

	require.Error(t, d.Finish())
	st := d.FinalStatus()
	require.True(t, st.HadError)
	require.True(t, st.ShouldReportError)
}

func TestDecoderFinishCompletesPartialFrame(t *testing.T) {
	c := &rawCodec{}
	d := newRawDecoder(t, c)
	require.NoError(t, d.Init())

	full := rawImage(2, 3)
	_, err := d.Write(full[:2+8+3]) // header, one row, part of another
	require.NoError(t, err)
	require.True(t, d.InFrame())

	require.NoError(t, d.Finish())
	require.Equal(t, 1, c.finished)
	frames := d.TakeCompleteFrames()
	require.Len(t, frames, 1)
	require.True(t, d.DecodeDone())
	require.True(t, d.Metadata().HasTransparency)
	require.True(t, d.FinalStatus().ShouldReportError)
	require.False(t, d.FinalStatus().HadError)

	require.NoError(t, d.Finish())
	require.Equal(t, 1, c.finished)
}

func TestDecoderFinishWithoutFramesReportsError(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.NoError(t, d.Init())
	_, err := d.Write([]byte{2})
	require.NoError(t, err)
	require.NoError(t, d.Finish())
	p := d.TakeProgress()
	require.True(t, p.Has(core.ProgressDecodeComplete|core.ProgressHasError))
}

func TestDecoderFinishErrorIsClassified(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{finishErr: apperrors.Data("png.finish", apperrors.ErrChecksum)})
	require.NoError(t, d.Init())
	require.ErrorIs(t, d.Finish(), apperrors.ErrChecksum)
	require.True(t, d.HasDataError())

	d = newRawDecoder(t, &rawCodec{finishErr: errors.New("out of memory")})
	require.NoError(t, d.Init())
	require.Error(t, d.Finish())
	require.True(t, d.HasDecoderError())
}

func TestDecoderZeroLengthWriteIsAdvisory(t *testing.T) {
	c := &rawCodec{}
	d := newRawDecoder(t, c)
	require.NoError(t, d.Init())

	n, err := d.Write(nil)
	require.Zero(t, n)
	require.NoError(t, err)
	require.True(t, d.SawEndOfStream())
	require.False(t, d.IsTerminal())
	require.Zero(t, c.finished)

	_, err = d.Write(rawImage(1, 1))
	require.NoError(t, err)
	require.True(t, d.DecodeDone())
}

func TestDecoderFirstErrorWins(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.NoError(t, d.Init())
	d.PostDataError(apperrors.ErrChecksum)
	d.PostDecoderError(errors.New("later"))
	require.ErrorIs(t, d.Err(), apperrors.ErrChecksum)
	require.True(t, d.HasDataError())
}

func TestDecoderSetTargetSize(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.ErrorIs(t, d.SetTargetSize(core.Size{Width: 4, Height: 4}), apperrors.ErrTargetSize)

	d = newRawDecoder(t, &rawCodec{downscale: true})
	require.ErrorIs(t, d.SetTargetSize(core.Size{}), apperrors.ErrTargetSize)
	require.NoError(t, d.SetTargetSize(core.Size{Width: 4, Height: 4}))
	require.NoError(t, d.Init())
	require.NoError(t, d.PostSize(8, 8))
	require.Equal(t, core.Size{Width: 4, Height: 4}, d.OutputSize())

	// A target larger than the image is ignored.
	d = newRawDecoder(t, &rawCodec{downscale: true})
	require.NoError(t, d.SetTargetSize(core.Size{Width: 16, Height: 16}))
	require.NoError(t, d.Init())
	require.NoError(t, d.PostSize(8, 8))
	require.Equal(t, core.Size{Width: 8, Height: 8}, d.OutputSize())
}

func TestDecoderConfigurationAfterInitPanics(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.NoError(t, d.Init())
	require.Panics(t, func() { d.SetMetadataDecode(true) })
	require.Panics(t, func() { _ = d.Init() })
}

func TestDecoderDecodeFromSource(t *testing.T) {
	src := core.NewSourceBuffer()
	d := newRawDecoder(t, &rawCodec{})
	d.SetIterator(src.Iterator())
	require.NoError(t, d.Init())

	data := rawImage(2, 2)
	resumed := make(chan struct{}, 4)
	resume := func() { resumed <- struct{}{} }

	require.Equal(t, core.ResultNeedMoreData, d.Decode(context.Background(), resume))

	_, err := src.Write(data[:5])
	require.NoError(t, err)
	<-resumed
	require.Equal(t, core.ResultNeedMoreData, d.Decode(context.Background(), resume))

	_, err = src.Write(data[5:])
	require.NoError(t, err)
	<-resumed
	require.Equal(t, core.ResultTerminal, d.Decode(context.Background(), resume))
	require.True(t, d.DecodeDone())
	require.False(t, d.HasError())
}

func TestDecoderDecodeYields(t *testing.T) {
	data := rawImage(4, 4)
	src := core.NewCompleteSourceBuffer(data)
	d := newRawDecoder(t, &rawCodec{})
	d.SetIterator(src.Iterator())
	d.SetDecodeBytesAtATime(16)
	require.NoError(t, d.Init())

	yields := 0
	for {
		r := d.Decode(context.Background(), nil)
		if r == core.ResultTerminal {
			break
		}
		require.Equal(t, core.ResultYield, r)
		yields++
	}
	require.Equal(t, len(data)/16, yields)
	require.True(t, d.DecodeDone())
}

func TestDecoderDecodeAbandonsOnCancel(t *testing.T) {
	src := core.NewSourceBuffer()
	_, err := src.Write(rawImage(4, 4)[:10])
	require.NoError(t, err)

	d := newRawDecoder(t, &rawCodec{})
	d.SetIterator(src.Iterator())
	require.NoError(t, d.Init())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, core.ResultTerminal, d.Decode(ctx, nil))
	require.True(t, d.WasAborted())
	require.True(t, d.FinalStatus().WasAborted)
	require.False(t, d.FinalStatus().ShouldReportError)
}

type recordingSink struct {
	updates []core.ProgressUpdate
}

func (s *recordingSink) Key() core.ImageKey                       { return 7 }
func (s *recordingSink) NotifyProgress(u core.ProgressUpdate)     { s.updates = append(s.updates, u) }
func (s *recordingSink) NotifyDecodeComplete(r core.DecodeResult) {}

func TestDecoderAsyncNotify(t *testing.T) {
	sink := &recordingSink{}
	src := core.NewCompleteSourceBuffer(rawImage(1, 3))
	d := newRawDecoder(t, &rawCodec{})
	d.SetImage(sink)
	d.SetIterator(src.Iterator())
	d.SetDecoderFlags(core.FlagAsyncNotify)
	d.SetDecodeBytesAtATime(2)
	require.NoError(t, d.Init())

	for d.Decode(context.Background(), nil) != core.ResultTerminal {
	}
	require.NotEmpty(t, sink.updates)
	require.True(t, sink.updates[0].Progress.Has(core.ProgressSizeAvailable))
	require.True(t, bytes.Equal(rawImage(1, 3)[2:6], sink.updates[len(sink.updates)-1].Frames[0].Row(0)))
}

func TestDecoderResultKeepsTakenProgress(t *testing.T) {
	d := newRawDecoder(t, &rawCodec{})
	require.NoError(t, d.Init())
	_, err := d.Write(rawImage(2, 2))
	require.NoError(t, err)
	require.NoError(t, d.Finish())

	require.True(t, d.TakeProgress().Has(core.ProgressDecodeComplete))
	require.Zero(t, d.TakeProgress())
	require.True(t, d.Result().Progress.Has(core.ProgressSizeAvailable|core.ProgressFrameComplete|core.ProgressDecodeComplete))

	failed := newRawDecoder(t, &rawCodec{})
	require.NoError(t, failed.Init())
	_, err = failed.Write([]byte{2})
	require.NoError(t, err)
	require.NoError(t, failed.Finish())
	failed.TakeProgress()
	require.True(t, failed.Result().Progress.Has(core.ProgressDecodeComplete|core.ProgressHasError))
}
