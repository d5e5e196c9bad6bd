package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultLockStaleAfter is how old an untouched lock file must be before
	// it is treated as abandoned.
	DefaultLockStaleAfter = 5 * time.Minute
	lockRetry             = 50 * time.Millisecond
)

// LockHeldError reports who holds the registry lock.
type LockHeldError struct {
	Path       string
	PID        int
	Host       string
	AcquiredAt time.Time
}

func (e *LockHeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("registry: another run is in progress (lock %s)", e.Path)
	}
	return fmt.Sprintf("registry: another run is in progress (lock %s held by pid %d on %s since %s)",
		e.Path, e.PID, e.Host, e.AcquiredAt.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

type lockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is an advisory lock file guarding one registry file across
// processes. A lock whose mtime is older than StaleAfter is recovered.
type Lock struct {
	path       string
	staleAfter time.Duration
	wait       time.Duration
	now        func() time.Time
	logger     *slog.Logger
	held       bool
}

// NewLock creates a lock beside the registry file at registryPath. wait is
// how long Acquire keeps retrying on contention; zero fails immediately.
func NewLock(registryPath string, staleAfter, wait time.Duration, logger *slog.Logger) *Lock {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		path:       registryPath + ".lock",
		staleAfter: staleAfter,
		wait:       wait,
		now:        time.Now,
		logger:     logger,
	}
}

// Path is the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock or returns a *LockHeldError.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("registry: prepare lock directory: %w", err)
	}

	deadline := l.now().Add(l.wait)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			host, _ := os.Hostname()
			encoded, _ := json.Marshal(lockInfo{PID: os.Getpid(), Host: host, AcquiredAt: l.now().UTC()})
			_, _ = f.Write(append(encoded, '\n'))
			_ = f.Close()
			l.held = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("registry: acquire lock: %w", err)
		}

		if l.stale() {
			if l.claimStale() {
				l.logger.Warn("recovered stale registry lock", "path", l.path, "stale_after", l.staleAfter)
			}
			continue
		}

		if !l.now().Before(deadline) {
			return l.heldError()
		}
		time.Sleep(lockRetry)
	}
}

func (l *Lock) stale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// vanished between open and stat; retry the open
		return errors.Is(err, fs.ErrNotExist)
	}
	return l.now().Sub(info.ModTime()) > l.staleAfter
}

// claimStale moves the stale lock file aside under a name unique to this
// process. Only the contender whose rename succeeds deletes it; a loser
// finds the path gone or replaced by a fresh lock and goes back to O_EXCL.
func (l *Lock) claimStale() bool {
	aside := fmt.Sprintf("%s.stale.%d.%d", l.path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(l.path, aside); err != nil {
		return false
	}
	info, err := os.Stat(aside)
	if err == nil && l.now().Sub(info.ModTime()) <= l.staleAfter {
		// a fresh lock replaced the stale one between stat and rename; put it back
		if os.Link(aside, l.path) == nil {
			_ = os.Remove(aside)
		}
		return false
	}
	_ = os.Remove(aside)
	return true
}

func (l *Lock) heldError() error {
	e := &LockHeldError{Path: l.path}
	data, err := os.ReadFile(l.path)
	if err == nil {
		var info lockInfo
		if json.Unmarshal(data, &info) == nil {
			e.PID = info.PID
			e.Host = info.Host
			e.AcquiredAt = info.AcquiredAt
		}
	}
	return e
}

// Touch refreshes the lock mtime so a long run is not mistaken for a dead one.
func (l *Lock) Touch() error {
	if !l.held {
		return nil
	}
	now := l.now()
	return os.Chtimes(l.path, now, now)
}

// Release removes the lock file if this Lock holds it.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("registry: release lock: %w", err)
	}
	return nil
}

// Held reports whether this Lock currently holds the file.
func (l *Lock) Held() bool {
	return l.held
}
