package checkpoints

import (
	"fmt"

	"github.com/gofrs/flock"
)

// PathLock is an advisory lock guarding one checkpoint path.
type PathLock struct {
	lock *flock.Flock
}

// LockPath takes an exclusive lock on checkpointPath+".lock". It returns
// ErrLocked immediately when another process already holds it.
func LockPath(checkpointPath string) (*PathLock, error) {
	lockPath := checkpointPath + ".lock"
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire checkpoint lock %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}
	return &PathLock{lock: lock}, nil
}

// Path returns the lock file location.
func (l *PathLock) Path() string {
	return l.lock.Path()
}

func (l *PathLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
