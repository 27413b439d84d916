package core_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/image-decoder/core"
)

func TestSourceBufferIterator(t *testing.T) {
	src := core.NewSourceBuffer()
	it := src.Iterator()

	var resumed atomic.Int32
	require.Equal(t, core.IterWaiting, it.AdvanceOrScheduleResume(0, func() { resumed.Add(1) }))

	_, err := src.Write([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 1, resumed.Load())

	require.Equal(t, core.IterReady, it.AdvanceOrScheduleResume(3, nil))
	require.Equal(t, "hel", string(it.Data()))
	require.Equal(t, core.IterReady, it.AdvanceOrScheduleResume(3, nil))
	require.Equal(t, "lo", string(it.Data()))
	require.EqualValues(t, 5, it.Position())

	require.Equal(t, core.IterWaiting, it.AdvanceOrScheduleResume(0, func() { resumed.Add(1) }))
	src.Complete(nil)
	require.EqualValues(t, 2, resumed.Load())
	require.Equal(t, core.IterComplete, it.AdvanceOrScheduleResume(0, nil))

	_, err = src.Write([]byte("late"))
	require.Error(t, err)
}

func TestSourceBufferCompletionError(t *testing.T) {
	src := core.NewSourceBuffer()
	src.Complete(errors.New("connection reset"))
	src.Complete(nil)
	require.True(t, src.IsComplete())
	require.Error(t, src.Iterator().CompletionStatus())
}

func TestSourceBufferReadFromWithConcurrentReaders(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 10_000)
	src := core.NewSourceBuffer()

	var g errgroup.Group
	results := make([][]byte, 4)
	for i := range results {
		i := i
		g.Go(func() error {
			it := src.Iterator()
			wake := make(chan struct{}, 1)
			for {
				switch it.AdvanceOrScheduleResume(0, func() { wake <- struct{}{} }) {
				case core.IterReady:
					results[i] = append(results[i], it.Data()...)
				case core.IterWaiting:
					<-wake
				case core.IterComplete:
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		_, err := src.ReadFromContext(context.Background(), bytes.NewReader(data), 777)
		src.Complete(err)
		return err
	})
	require.NoError(t, g.Wait())

	for _, r := range results {
		require.Equal(t, data, r)
	}
	require.Equal(t, data, src.Bytes())
	require.EqualValues(t, len(data), src.Len())
}
