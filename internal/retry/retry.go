// Package retry provides a small bounded-attempt retry helper for
// transient Store/Bus errors, following a
// CompensationStack.executeWithRetry shape (fixed-count loop with a
// delay between attempts), narrowed here to a single-shot fn with no
// timeout-per-attempt wrapper since Store calls already carry their own
// context deadlines.
package retry

import (
	"context"
	"time"
)

// Do calls fn up to attempts times, sleeping delay between failures. It
// returns the last error if every attempt fails, or nil on the first
// success.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
