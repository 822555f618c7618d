package database

import (
	"context"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Locker guards the single writer assumption for the duration of a run.
// The engine itself performs no finer grained coordination.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

type NullLocker struct{}

func (NullLocker) Lock(_ context.Context) error { return nil }

func (NullLocker) Unlock() error { return nil }

const (
	defaultLockTimeout  = 30 * time.Second
	defaultLockInterval = 100 * time.Millisecond
)

// FileLocker serializes runs against the same database file through an
// advisory lock file placed next to it.
type FileLocker struct {
	fl      *flock.Flock
	timeout time.Duration
}

var _ Locker = (*FileLocker)(nil)

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{
		fl:      flock.New(path),
		timeout: defaultLockTimeout,
	}
}

func (l *FileLocker) Lock(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	locked, err := l.fl.TryLockContext(lockCtx, defaultLockInterval)
	if err != nil {
		return errors.Wrapf(err, "could not acquire file lock [%s]", l.fl.Path())
	}

	if !locked {
		return errors.Errorf("timed out acquiring file lock [%s]", l.fl.Path())
	}

	return nil
}

func (l *FileLocker) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return errors.Wrapf(err, "could not release file lock [%s]", l.fl.Path())
	}

	return nil
}
