package utils

import (
	"context"
	"runtime"
	"time"

	"google.golang.org/grpc/status"
)

// Backoff drives a non-blocking step until it reports completion. The first
// Spins attempts only yield the processor; after that the delay between
// attempts doubles from Min up to Max.
type Backoff struct {
	Spins int
	Min   time.Duration
	Max   time.Duration
}

var DefaultBackoff = Backoff{
	Spins: 128,
	Min:   2 * time.Microsecond,
	Max:   time.Millisecond,
}

// Poll calls step until it returns true or an error. It returns the status
// of ctx if ctx ends first.
func (b Backoff) Poll(ctx context.Context, step func() (bool, error)) error {
	delay := b.Min
	for attempt := 0; ; attempt++ {
		done, err := step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		if attempt < b.Spins {
			runtime.Gosched()
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status.FromContextError(ctx.Err()).Err()
		case <-timer.C:
		}
		if delay *= 2; delay > b.Max {
			delay = b.Max
		}
	}
}

func Poll(ctx context.Context, step func() (bool, error)) error {
	return DefaultBackoff.Poll(ctx, step)
}
