package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/image-decoder/config"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// DecodePool runs decoding tasks on a fixed set of workers. It is safe for
// concurrent use.
type DecodePool struct {
	cfg    config.Config
	logger Logger

	queue    chan Task
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
	shutdown chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	// Atomic counters for lightweight internal metrics.
	runCount   int64
	panicCount int64
}

// NewDecodePool creates a pool sized from cfg. Call Start before submitting
// tasks and Stop when done.
func NewDecodePool(cfg config.Config) *DecodePool {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DecodePool{
		cfg:      cfg,
		logger:   NopLogger,
		queue:    make(chan Task, queueSize),
		shutdown: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLogger attaches a structured logger.
func (p *DecodePool) SetLogger(l Logger) {
	if l == nil {
		l = NopLogger
	}
	p.logger = l
}

// Workers returns the number of goroutines Start launches.
func (p *DecodePool) Workers() int {
	if p.cfg.WorkerCount <= 0 {
		return runtime.NumCPU()
	}
	return p.cfg.WorkerCount
}

// Start launches the worker pool.  It is idempotent.
func (p *DecodePool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.Workers(); i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop cancels running tasks and shuts down all workers. Queued tasks that
// have not started are dropped.
func (p *DecodePool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.shutdown)
	})
	p.wg.Wait()
}

// Submit enqueues a task. It returns ErrPoolFull if the queue is full and
// ErrPoolStopped after Stop.
func (p *DecodePool) Submit(t Task) error {
	select {
	case <-p.shutdown:
		return apperrors.New(apperrors.CategoryTransient, "pool.submit", apperrors.ErrPoolStopped)
	default:
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return apperrors.Transient("pool.submit", apperrors.ErrPoolFull)
	}
}

// RunSync runs t on the calling goroutine. Panics propagate to the caller.
func (p *DecodePool) RunSync(ctx context.Context, t Task) {
	atomic.AddInt64(&p.runCount, 1)
	t.Run(ctx)
}

// RunCount returns the number of task runs, including resumptions.
func (p *DecodePool) RunCount() int64 { return atomic.LoadInt64(&p.runCount) }

// PanicCount returns the number of task runs that panicked.
func (p *DecodePool) PanicCount() int64 { return atomic.LoadInt64(&p.panicCount) }

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *DecodePool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.runWithTimeout(t)
		}
	}
}

func (p *DecodePool) runWithTimeout(t Task) {
	ctx := p.ctx
	if timeout := p.cfg.DecodeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	p.run(ctx, t)
}

// run executes t on a worker, logging and counting panics.
func (p *DecodePool) run(ctx context.Context, t Task) {
	atomic.AddInt64(&p.runCount, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicCount, 1)
			p.logger.Error("pool.task.panic", "panic", r)
		}
	}()
	t.Run(ctx)
}
