// Package drain collects values from a channel in partially-timed-out
// batches: used by the SyncCoordinator to gather completed-batch results
// as they stream in from the concurrent dispatcher, so progress can be
// reported in small groups rather than one callback per batch or one
// callback only at the very end.
package drain

import (
	"context"
	"io"
	"time"
)

// Config tunes a single Collect call.
type Config struct {
	// MaxSize is the absolute maximum number of values to receive in one
	// call. A negative value disables the cap. Defaults to 16 if 0.
	MaxSize int

	// MinSize is the target minimum number of values to receive before
	// returning, unless PartialTimeout elapses first. Defaults to 4 if 0.
	MinSize int

	// PartialTimeout bounds how long to wait for MinSize values before
	// returning whatever has arrived so far. Defaults to 50ms if 0.
	PartialTimeout time.Duration
}

// Collect performs a bounded receive from ch, passing each value to
// handler, and returns once MaxSize values have been received, the
// PartialTimeout has elapsed past MinSize, ctx is cancelled, or ch is
// closed (in which case io.EOF is returned). A handler error aborts the
// collect and is returned as-is.
func Collect[T any](ctx context.Context, cfg Config, ch <-chan T, handler func(value T) error) error {
	if ctx == nil {
		panic(`drain: nil context`)
	}
	if ch == nil {
		panic(`drain: nil channel`)
	}
	if handler == nil {
		panic(`drain: nil handler`)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	maxSize := 16
	minSize := 4
	partialTimeout := 50 * time.Millisecond
	if cfg.MaxSize != 0 {
		maxSize = cfg.MaxSize
	}
	if cfg.MinSize != 0 {
		minSize = cfg.MinSize
	}
	if cfg.PartialTimeout != 0 {
		partialTimeout = cfg.PartialTimeout
	}

	var partialTimeoutCh <-chan time.Time
	if partialTimeout > 0 && minSize < 0 {
		timer := time.NewTimer(partialTimeout)
		defer timer.Stop()
		partialTimeoutCh = timer.C
	}

	var size int

minSizeLoop:
	for (maxSize < 0 || size < maxSize) && (size < minSize || (size == 0 && partialTimeoutCh != nil)) {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-partialTimeoutCh:
			if err := ctx.Err(); err != nil {
				return err
			}
			break minSizeLoop

		case value, ok := <-ch:
			if !ok {
				return io.EOF
			}

			size++

			if size == 1 && partialTimeout > 0 && partialTimeoutCh == nil {
				timer := time.NewTimer(partialTimeout)
				defer timer.Stop()
				partialTimeoutCh = timer.C
			}

			if err := handler(value); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

maxSizeLoop:
	for maxSize < 0 || size < maxSize {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case value, ok := <-ch:
			if !ok {
				return io.EOF
			}

			size++

			if err := handler(value); err != nil {
				return err
			}

		default:
			if err := ctx.Err(); err != nil {
				return err
			}
			break maxSizeLoop
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
