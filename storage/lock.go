package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

const (
	LoadLockTimeout  = 20 * time.Second
	SaveLockTimeout  = 10 * time.Second
	ServeLockTimeout = 5 * time.Second

	lockRetryDelay = 10 * time.Millisecond
)

var ErrLockTimeout = errors.New("timed out acquiring checkpoint lock")

// Lock serializes every reader and writer of the checkpoint artifacts.
// Goroutines of one process queue on a semaphore; processes exclude each
// other with flock on a lock file. Each holder opens its own descriptor, so
// two Lock values on the same path also exclude each other in one process.
type Lock struct {
	path string
	sem  chan struct{}
}

func NewLock(path string) *Lock {
	return &Lock{
		path: path,
		sem:  make(chan struct{}, 1),
	}
}

// Acquire waits up to timeout for the lock and returns its release func
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, l.timeoutErr(ctx, timeout)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		<-l.sem
		return nil, errors.Wrapf(err, "failed to create lock directory for %s", l.path)
	}

	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		<-l.sem
		if ctx.Err() != nil {
			return nil, l.timeoutErr(ctx, timeout)
		}
		return nil, errors.Wrapf(err, "failed to lock %s", l.path)
	}

	return func() {
		_ = fl.Unlock()
		<-l.sem
	}, nil
}

func (l *Lock) timeoutErr(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrLockTimeout, "%s after %v", l.path, timeout)
	}
	return ctx.Err()
}
