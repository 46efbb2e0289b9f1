package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "rendergate.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected PID %d in lock file, got %q", os.Getpid(), b)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquirePIDLockIsExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "rendergate.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}

	_, err = AcquirePIDLock(lockPath)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second AcquirePIDLock should fail with ErrHeld, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.PID != os.Getpid() {
		t.Fatalf("expected holder pid %d, got %v", os.Getpid(), err)
	}
	if !strings.Contains(err.Error(), "held by pid") {
		t.Fatalf("unexpected message: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock after release: %v", err)
	}
	_ = l2.Release()
}

func TestAcquireDeviceWaitsForRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	held, err := AcquireDevice(context.Background(), dir, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDevice: %v", err)
	}
	if held.Path() != DevicePath(dir, 0) {
		t.Fatalf("Path() = %q", held.Path())
	}

	// A different GPU index is independent.
	other, err := AcquireDevice(context.Background(), dir, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDevice gpu 1: %v", err)
	}
	_ = other.Release()

	got := make(chan error, 1)
	go func() {
		l, err := AcquireDevice(context.Background(), dir, 0, 10*time.Millisecond)
		if err == nil {
			_ = l.Release()
		}
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("AcquireDevice returned while gpu 0 held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_ = held.Release()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("AcquireDevice after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireDevice did not acquire after release")
	}
}

func TestAcquireDeviceHonoursContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	held, err := AcquireDevice(context.Background(), dir, 2, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireDevice: %v", err)
	}
	t.Cleanup(func() { _ = held.Release() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = AcquireDevice(ctx, dir, 2, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
