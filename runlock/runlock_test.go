package runlock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oiat.dev/common"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "runtime", "global_run.lock"))
}

// TestLock_AcquireRelease tests the basic lifecycle
func TestLock_AcquireRelease(t *testing.T) {
	l := newTestLock(t)

	require.NoError(t, l.TryAcquire(1234))

	holder, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1234, holder)

	require.NoError(t, l.Release(1234))

	_, err = l.Holder()
	assert.True(t, os.IsNotExist(err))
}

// TestLock_SecondAcquireBlocked tests mutual exclusion
func TestLock_SecondAcquireBlocked(t *testing.T) {
	l := newTestLock(t)
	require.NoError(t, l.TryAcquire(1234))

	err := l.TryAcquire(5678)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Equal(t, common.KindLockHeld, common.KindOf(err))

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, 1234, held.PID)
}

// TestLock_ConcurrentAcquire tests that exactly one of many concurrent
// acquires succeeds
func TestLock_ConcurrentAcquire(t *testing.T) {
	l := newTestLock(t)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := l.TryAcquire(pid); err == nil {
				acquired.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrHeld)
			}
		}(1000 + i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}

// TestLock_ReleaseWrongOwner tests that releases are owner-checked
func TestLock_ReleaseWrongOwner(t *testing.T) {
	l := newTestLock(t)
	require.NoError(t, l.TryAcquire(1234))

	err := l.Release(9999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to release")

	holder, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, 1234, holder)
}

// TestLock_ReleaseMissingIsNoop tests idempotent release
func TestLock_ReleaseMissingIsNoop(t *testing.T) {
	l := newTestLock(t)
	assert.NoError(t, l.Release(1234))
	assert.NoError(t, l.ForceRelease())
}

// TestLock_HolderAlive tests the liveness probe
func TestLock_HolderAlive(t *testing.T) {
	l := newTestLock(t)

	// Our own PID is certainly alive
	require.NoError(t, l.TryAcquire(os.Getpid()))
	pid, alive, err := l.HolderAlive()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
	require.NoError(t, l.Release(os.Getpid()))

	// No lock file at all
	_, alive, err = l.HolderAlive()
	require.NoError(t, err)
	assert.False(t, alive)
}

// TestLock_ReapIfStale tests the stale-lock sweep
func TestLock_ReapIfStale(t *testing.T) {
	l := newTestLock(t)

	// PID 0 never refers to a live process we own; write the file directly
	// and age it past the threshold.
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("999999999\n"), 0o644))
	old := time.Now().Add(-5 * time.Hour)
	require.NoError(t, os.Chtimes(l.Path(), old, old))

	pid, reaped, err := l.ReapIfStale(4*time.Hour)
	require.NoError(t, err)
	assert.True(t, reaped)
	assert.Equal(t, 999999999, pid)

	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))
}

// TestLock_ReapIfStale_FreshLockKept tests the age guard
func TestLock_ReapIfStale_FreshLockKept(t *testing.T) {
	l := newTestLock(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("999999999\n"), 0o644))

	_, reaped, err := l.ReapIfStale(4 * time.Hour)
	require.NoError(t, err)
	assert.False(t, reaped, "fresh lock must not be reaped even with a dead PID")

	_, statErr := os.Stat(l.Path())
	assert.NoError(t, statErr)
}

// TestLock_ReapIfStale_LiveHolderKept tests that live holders survive
func TestLock_ReapIfStale_LiveHolderKept(t *testing.T) {
	l := newTestLock(t)
	require.NoError(t, l.TryAcquire(os.Getpid()))
	old := time.Now().Add(-5 * time.Hour)
	require.NoError(t, os.Chtimes(l.Path(), old, old))

	_, reaped, err := l.ReapIfStale(4 * time.Hour)
	require.NoError(t, err)
	assert.False(t, reaped)

	require.NoError(t, l.Release(os.Getpid()))
}

// TestLock_ReapIfStale_NoLock tests the empty case
func TestLock_ReapIfStale_NoLock(t *testing.T) {
	l := newTestLock(t)
	_, reaped, err := l.ReapIfStale(time.Hour)
	require.NoError(t, err)
	assert.False(t, reaped)
}
