package storage

import (
	"context"
	"io"
	"time"

	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// Retrying wraps a SourceStore and retries transient failures.
type Retrying struct {
	store      core.SourceStore
	maxRetries int
	retryDelay time.Duration
}

// WithRetry returns store wrapped so that retryable errors are tried again
// up to maxRetries times, delay apart.
func WithRetry(store core.SourceStore, maxRetries int, delay time.Duration) *Retrying {
	return &Retrying{store: store, maxRetries: max(maxRetries, 0), retryDelay: delay}
}

func (r *Retrying) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "retry.get", func() error {
		var err error
		rc, err = r.store.Get(ctx, key)
		return err
	})
	return rc, err
}

func (r *Retrying) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	var ok bool
	err := r.do(ctx, "retry.exists", func() error {
		var err error
		ok, err = r.store.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	attempts := r.maxRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !apperrors.IsRetryable(err) || i == attempts-1 {
			return err
		}
		// Wait before retrying.
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CategoryStorage, op, ctx.Err())
		case <-time.After(r.retryDelay):
		}
	}
	return err
}
