package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimer_RunsJob(t *testing.T) {
	var calls atomic.Int32
	timer := NewTimer("refresh", 10*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop on context cancel within 2 seconds")
	}
	assert.False(t, timer.Running())
	assert.GreaterOrEqual(t, timer.Runs(), int64(2))
}

func TestTimer_Stop(t *testing.T) {
	timer := NewTimer("ingest", time.Hour, func(context.Context) error { return nil }, quietLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	// Stop is a non-blocking send, so repeat it until the loop picks it up.
	assert.Eventually(t, func() bool {
		timer.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTimer_SurvivesPanicsAndErrors(t *testing.T) {
	var calls atomic.Int32
	timer := NewTimer("flaky", 5*time.Millisecond, func(context.Context) error {
		n := calls.Add(1)
		switch n {
		case 1:
			panic("boom")
		case 2:
			return errors.New("rpc down")
		}
		return nil
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewTimer_DefaultInterval(t *testing.T) {
	timer := NewTimer("x", 0, func(context.Context) error { return nil }, nil)
	assert.Equal(t, 5*time.Minute, timer.interval)
	assert.Equal(t, "x", timer.Name())
}
