// Package fileguard waits until files are free of exclusive locks held by
// other processes (a running game client, an antivirus scan, an unpacker).
//
// The guard is cooperative: it probes for contention but never keeps a lock
// of its own once a probe returns.
package fileguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("fileguard")

// ErrLockTimeout is returned by Wait when a path stays contended past the
// configured timeout.
var ErrLockTimeout = errors.New("timed out waiting for file to become available")

// Guard polls paths with capped exponential backoff.
type Guard struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration

	// probe defaults to IsAvailable; tests replace it.
	probe func(path string) bool
}

// New returns a Guard that gives up after timeout. A zero timeout waits
// until the context ends.
func New(timeout time.Duration) *Guard {
	return &Guard{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Timeout:      timeout,
		probe:        IsAvailable,
	}
}

// IsAvailable reports whether path can be opened for exclusive reading right
// now. A path that does not exist is available; one that is locked or cannot
// be opened for any other reason is not. The probe handle is always closed
// before returning.
func IsAvailable(path string) bool {
	return probe(path)
}

// Wait blocks until every path is available at the same time, the context
// is cancelled, or the timeout elapses.
func (g *Guard) Wait(ctx context.Context, paths ...string) error {
	probeFn := g.probe
	if probeFn == nil {
		probeFn = IsAvailable
	}

	parent := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	delay := g.InitialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	maxDelay := g.MaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for attempt := 0; ; attempt++ {
		busy := firstBusy(probeFn, paths)
		if busy == "" {
			if attempt > 0 {
				log.Debug("files available", "attempts", attempt+1)
			}
			return nil
		}
		if attempt == 0 {
			log.Info("waiting for file to be released", "path", busy)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err := parent.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrLockTimeout, busy)
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func firstBusy(probeFn func(string) bool, paths []string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !probeFn(p) {
			return p
		}
	}
	return ""
}
