package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_LockUnlock(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Busy())

	unlock, err := g.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Busy())

	unlock()
	assert.False(t, g.Busy())
}

func TestGate_TryLock(t *testing.T) {
	g := NewGate()
	unlock, ok := g.TryLock()
	require.True(t, ok)

	_, ok = g.TryLock()
	assert.False(t, ok)

	unlock()
	unlock2, ok := g.TryLock()
	require.True(t, ok)
	unlock2()
}

func TestGate_LockHonoursContext(t *testing.T) {
	g := NewGate()
	unlock, err := g.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_MutualExclusion(t *testing.T) {
	g := NewGate()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := g.Lock(context.Background())
			if err != nil {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}
