// Package syncutil holds small concurrency helpers.
package syncutil

import "context"

// Gate is a mutex whose Lock can be abandoned when a context ends. The zero
// value is not usable; create one with NewGate.
type Gate struct {
	ch chan struct{}
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// Lock waits for the gate. On success it returns the unlock function, which
// the caller must call exactly once.
func (g *Gate) Lock(ctx context.Context) (func(), error) {
	select {
	case <-g.ch:
		return g.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes the gate only if it is free.
func (g *Gate) TryLock() (func(), bool) {
	select {
	case <-g.ch:
		return g.unlock, true
	default:
		return nil, false
	}
}

// Busy reports whether the gate is currently held.
func (g *Gate) Busy() bool {
	return len(g.ch) == 0
}

func (g *Gate) unlock() {
	g.ch <- struct{}{}
}
