package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	l := NewLock(path, time.Minute, 0, nil)

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
	assert.FileExists(t, l.Path())

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	assert.NoFileExists(t, l.Path())

	// release without holding is a no-op
	require.NoError(t, l.Release())
}

func TestLock_Contention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	first := NewLock(path, time.Minute, 0, nil)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewLock(path, time.Minute, 0, nil)
	err := second.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)

	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.PID)
	assert.False(t, second.Held())
}

func TestLock_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	first := NewLock(path, time.Minute, 0, nil)
	require.NoError(t, first.Acquire())

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Release()
	}()

	second := NewLock(path, time.Minute, 2*time.Second, nil)
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestLock_RecoversStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	abandoned := NewLock(path, time.Minute, 0, nil)
	require.NoError(t, abandoned.Acquire())

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(abandoned.Path(), old, old))

	l := NewLock(path, 5*time.Minute, 0, nil)
	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
	require.NoError(t, l.Release())
}

func TestLock_TouchKeepsLockFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	l := NewLock(path, time.Minute, 0, nil)
	require.NoError(t, l.Acquire())
	defer l.Release()

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(l.Path(), old, old))
	require.NoError(t, l.Touch())

	other := NewLock(path, time.Minute, 0, nil)
	assert.ErrorIs(t, other.Acquire(), ErrLockHeld)
}

func TestLock_StaleRecoveryHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		path := filepath.Join(t.TempDir(), "registry.json")
		abandoned := NewLock(path, time.Minute, 0, nil)
		require.NoError(t, abandoned.Acquire())
		old := time.Now().Add(-10 * time.Minute)
		require.NoError(t, os.Chtimes(abandoned.Path(), old, old))

		a := NewLock(path, 5*time.Minute, 0, nil)
		b := NewLock(path, 5*time.Minute, 0, nil)
		errs := make(chan error, 2)
		go func() { errs <- a.Acquire() }()
		go func() { errs <- b.Acquire() }()

		var acquired int
		for j := 0; j < 2; j++ {
			if err := <-errs; err == nil {
				acquired++
			} else {
				assert.ErrorIs(t, err, ErrLockHeld)
			}
		}
		assert.Equal(t, 1, acquired, "round %d", i)
		assert.FileExists(t, a.Path())
		_ = a.Release()
		_ = b.Release()
	}
}

func TestLock_ClaimStaleLeavesFreshLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	holder := NewLock(path, 5*time.Minute, 0, nil)
	require.NoError(t, holder.Acquire())
	defer holder.Release()

	// a contender that saw the old stale file renames the fresh one instead
	late := NewLock(path, 5*time.Minute, 0, nil)
	assert.False(t, late.claimStale())
	assert.FileExists(t, holder.Path())

	matches, err := filepath.Glob(holder.Path() + ".stale.*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
