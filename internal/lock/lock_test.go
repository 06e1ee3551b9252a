package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWritesOwnerRecord(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = g.Release() }()

	data, err := os.ReadFile(filepath.Join(dir, "driftd.lock"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	var o owner
	if err := json.Unmarshal(data, &o); err != nil {
		t.Fatalf("lock file is not a valid owner record: %v", err)
	}
	if o.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", o.PID, os.Getpid())
	}
	if o.Started.IsZero() {
		t.Error("owner started time is zero")
	}
}

func TestSecondAcquireReportsOwner(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = g.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second Acquire() should fail while the lock is held")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error type = %T, want *HeldError: %v", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held pid = %d, want %d", held.PID, os.Getpid())
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := g.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "driftd.lock")); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	// Releasing again, or releasing a nil guard, is a no-op.
	if err := g.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	var nilGuard *Guard
	if err := nilGuard.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	g, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	g2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = g2.Release()
}
