package state

import (
	"github.com/gofrs/flock"

	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

// Lock is the process-wide exclusive lock preventing concurrent cycles on the
// same repository.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock at path without blocking. A held lock is a setup
// error and maps to a non-zero exit.
func AcquireLock(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("acquire repository lock", err)
	}
	if !locked {
		return nil, pkgmillerrors.NewSetupError("another instance is already running", nil)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
