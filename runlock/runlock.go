// Package runlock implements the host-wide pipeline mutual exclusion
// primitive. Two cooperating layers exist: this filesystem lock (a file
// containing the owning PID, acquired with exclusive create) and a database
// lock row inserted by the dispatcher inside the same transaction that
// promotes a job to running. Neither layer is trusted alone.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"oiat.dev/common"
)

// ErrHeld is returned by TryAcquire when another process owns the lock.
// Callers translate this into exit code 2 ("blocked by existing lock").
var ErrHeld = errors.New("run lock held")

// HeldError carries the PID recorded in an existing lock file.
type HeldError struct {
	PID int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("run lock held by pid %d", e.PID)
}

func (e *HeldError) Unwrap() error {
	return ErrHeld
}

// Lock is a filesystem lock at a well-known path.
type Lock struct {
	path string
}

// New returns a lock backed by the file at path
// (conventionally runtime/global_run.lock).
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire attempts to take the lock for the given PID. When the lock is
// already held it returns a HeldError (wrapping ErrHeld) with the holder's
// PID; the error is tagged KindLockHeld for log classification.
func (l *Lock) TryAcquire(pid int) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := l.Holder()
			return common.WithKind(common.KindLockHeld, &HeldError{PID: holder})
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	_, werr := fmt.Fprintf(f, "%d\n", pid)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}
	return nil
}

// Release removes the lock if it is owned by the given PID. Releasing a
// lock owned by someone else is refused; a missing lock file is not an
// error (the reaper may have cleaned up already).
func (l *Lock) Release(pid int) error {
	holder, err := l.Holder()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if holder != 0 && holder != pid {
		return fmt.Errorf("refusing to release lock owned by pid %d (we are %d)", holder, pid)
	}
	return l.remove()
}

// ForceRelease removes the lock regardless of owner. Used by the reaper
// after it has verified the holder is dead.
func (l *Lock) ForceRelease() error {
	return l.remove()
}

func (l *Lock) remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Holder returns the PID recorded in the lock file. A zero PID with a nil
// error means the file exists but its content is unparseable.
func (l *Lock) Holder() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// HolderAlive reports whether the lock exists and its recorded PID refers
// to a live process.
func (l *Lock) HolderAlive() (pid int, alive bool, err error) {
	pid, err = l.Holder()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if pid <= 0 {
		return pid, false, nil
	}
	alive, err = process.PidExists(int32(pid))
	if err != nil {
		// Probe failure is treated as alive so reaping stays conservative
		return pid, true, nil
	}
	return pid, alive, nil
}

// ReapIfStale removes the lock when its holder is dead and the lock file is
// older than staleAfter. Returns the reaped PID and whether a reap
// happened. PID reuse makes the liveness probe advisory; the age threshold
// keeps a racing fresh acquire from being reaped.
func (l *Lock) ReapIfStale(staleAfter time.Duration) (pid int, reaped bool, err error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if time.Since(info.ModTime()) < staleAfter {
		return 0, false, nil
	}

	pid, alive, err := l.HolderAlive()
	if err != nil {
		return pid, false, err
	}
	if alive {
		return pid, false, nil
	}

	if err := l.remove(); err != nil {
		return pid, false, err
	}
	return pid, true, nil
}
