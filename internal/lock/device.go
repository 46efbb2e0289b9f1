package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// DevicePath is the lock file guarding GPU index gpu under dir.
func DevicePath(dir string, gpu int) string {
	return filepath.Join(dir, fmt.Sprintf("gpu-%d.lock", gpu))
}

// AcquireDevice reserves GPU index gpu for this process, polling every poll
// interval while another rendergate process holds it. It gives up when ctx ends.
func AcquireDevice(ctx context.Context, dir string, gpu int, poll time.Duration) (*PIDLock, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock dir is empty")
	}
	if gpu < 0 {
		return nil, fmt.Errorf("invalid gpu index %d", gpu)
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}

	path := DevicePath(dir, gpu)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		l, err := AcquirePIDLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for gpu %d: %w", gpu, ctx.Err())
		case <-ticker.C:
		}
	}
}
