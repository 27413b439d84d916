package raster_test

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/image-decoder/core"
	"github.com/Skryldev/image-decoder/raster"
)

func frame(index int) *core.Frame {
	f := core.NewFrame(index, core.Size{Width: 2, Height: 1}, image.Rect(0, 0, 2, 1), core.FormatB8G8R8X8, true)
	f.Complete = true
	return f
}

func TestImageCollectsProgress(t *testing.T) {
	img := raster.New(7)
	require.EqualValues(t, 7, img.Key())

	md := core.Metadata{Size: core.Size{Width: 2, Height: 1}, HasSize: true}
	img.NotifyProgress(core.ProgressUpdate{Progress: core.ProgressSizeAvailable, Metadata: md})
	img.NotifyProgress(core.ProgressUpdate{
		Progress:    core.ProgressFrameComplete,
		InvalidRect: image.Rect(0, 0, 2, 1),
		Frames:      []*core.Frame{frame(0)},
		Metadata:    md,
	})

	require.Equal(t, 2, img.UpdateCount())
	require.True(t, img.Progress().Has(core.ProgressSizeAvailable|core.ProgressFrameComplete))
	require.Equal(t, md, img.Metadata())
	require.Len(t, img.Frames(), 1)
	require.NotNil(t, img.Frame(0))
	require.Nil(t, img.Frame(1))
	require.Equal(t, image.Rect(0, 0, 2, 1), img.TakeInvalidRect())
	require.True(t, img.TakeInvalidRect().Empty())
	require.Equal(t, image.Rect(0, 0, 2, 1), img.Image().Bounds())
}

func TestWaitForExpectedDecodes(t *testing.T) {
	img := raster.New(1)
	img.ExpectDecodes(2)

	img.NotifyDecodeComplete(core.DecodeResult{Type: core.DecoderTypePNG})
	select {
	case <-img.Done():
		t.Fatal("done after the first of two decodes")
	default:
	}

	var g errgroup.Group
	g.Go(func() error {
		res, err := img.Wait(context.Background())
		if err == nil && res.Err != nil {
			return res.Err
		}
		return err
	})
	img.NotifyDecodeComplete(core.DecodeResult{Type: core.DecoderTypeGIF})
	require.NoError(t, g.Wait())
	require.Equal(t, core.DecoderTypeGIF, img.Result().Type)
	require.Len(t, img.Results(), 2)
}

func TestWaitHonoursContext(t *testing.T) {
	img := raster.New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := img.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
