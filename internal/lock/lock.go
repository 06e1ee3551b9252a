// Package lock guards a session directory with an advisory flock. The
// cache database and offline-action log tolerate exactly one engine
// writing them, so a second driftd pointed at the same session must be
// turned away at startup.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const fileName = "driftd.lock"

// owner is the record written into the lock file, for diagnostics only:
// the flock itself is what enforces exclusivity.
type owner struct {
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// HeldError reports the engine instance that already owns the session.
type HeldError struct {
	PID   int
	Since time.Time
	Path  string
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("engine already running: pid %d holds %s since %s",
			e.PID, e.Path, e.Since.Format(time.RFC3339))
	}
	return fmt.Sprintf("engine already running: %s is locked", e.Path)
}

// Guard is a held session lock.
type Guard struct {
	f    *os.File
	path string
}

// Acquire takes the exclusive lock for a session directory, creating the
// directory when missing. A *HeldError means another engine owns it.
func Acquire(dir string) (*Guard, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		held := &HeldError{Path: path}
		var o owner
		if data, readErr := os.ReadFile(path); readErr == nil && json.Unmarshal(data, &o) == nil {
			held.PID = o.PID
			held.Since = o.Started
		}
		_ = f.Close()
		return nil, held
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	record, err := json.Marshal(owner{PID: os.Getpid(), Started: time.Now().UTC()})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Write(append(record, '\n')); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Guard{f: f, path: path}, nil
}

// Release drops the lock and removes the file. Nil-safe and idempotent.
func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	// Remove before closing so a crashed reader never sees a stale record
	// without a live flock behind it.
	_ = os.Remove(g.path)
	err := g.f.Close()
	g.f = nil
	return err
}
