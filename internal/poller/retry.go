package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recircle-data/sortbridge/internal/monitoring"
	"github.com/recircle-data/sortbridge/internal/timeutil"
)

// ErrDispatchExhausted is returned by Dispatch once every attempt has failed.
var ErrDispatchExhausted = errors.New("dispatch retries exhausted")

// Dispatcher is the slice of the device manager the poller needs.
type Dispatcher interface {
	SendCommand(ctx context.Context, command string) error
}

// Dispatch sends a command with a bounded, fixed-delay retry: up to attempts
// tries with delay between them, surfacing the last failure on exhaustion.
// It is a stateless decorator; every invocation is independent.
func Dispatch(ctx context.Context, clock timeutil.Clock, d Dispatcher, command string, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if last = d.SendCommand(ctx, command); last == nil {
			return nil
		}
		monitoring.Debugf("dispatch attempt %d/%d for %q failed: %v", i+1, attempts, command, last)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDispatchExhausted, attempts, last)
}
