package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-decoder/config"
	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

func TestDecodePoolRunsTasks(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerCount = 3
	p := core.NewDecodePool(cfg)
	p.Start()
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(core.TaskFunc(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})))
	}
	wg.Wait()
	require.Len(t, seen, 20)
	require.EqualValues(t, 20, p.RunCount())
}

func TestDecodePoolBackpressure(t *testing.T) {
	cfg := config.Default()
	cfg.QueueSize = 1
	p := core.NewDecodePool(cfg) // not started, so nothing drains the queue

	require.NoError(t, p.Submit(core.TaskFunc(func(context.Context) {})))
	err := p.Submit(core.TaskFunc(func(context.Context) {}))
	require.ErrorIs(t, err, apperrors.ErrPoolFull)
	require.True(t, apperrors.IsRetryable(err))

	p.Stop()
	require.ErrorIs(t, p.Submit(core.TaskFunc(func(context.Context) {})), apperrors.ErrPoolStopped)
}

func TestDecodePoolRecoversPanics(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerCount = 1
	p := core.NewDecodePool(cfg)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	require.NoError(t, p.Submit(core.TaskFunc(func(context.Context) { panic("contract violation") })))
	require.NoError(t, p.Submit(core.TaskFunc(func(context.Context) { close(done) })))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.EqualValues(t, 1, p.PanicCount())
}

func TestDecodePoolTimeoutAndStopCancel(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerCount = 1
	cfg.DecodeTimeout = 10 * time.Millisecond
	p := core.NewDecodePool(cfg)
	p.Start()

	errc := make(chan error, 1)
	require.NoError(t, p.Submit(core.TaskFunc(func(ctx context.Context) {
		<-ctx.Done()
		errc <- ctx.Err()
	})))
	require.ErrorIs(t, <-errc, context.DeadlineExceeded)
	p.Stop()
}

func TestDecodePoolRunSyncPropagatesPanics(t *testing.T) {
	p := core.NewDecodePool(config.Default())
	require.Panics(t, func() {
		p.RunSync(context.Background(), core.TaskFunc(func(context.Context) { panic("boom") }))
	})
}
