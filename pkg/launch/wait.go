package launch

import (
	"context"
	"time"
)

// WaitAttached polls until process pid is traced, ctx is done, or the
// detection fails.
func WaitAttached(ctx context.Context, pid int, interval time.Duration) error {
	for {
		attached, err := Attached(pid)
		if attached || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
