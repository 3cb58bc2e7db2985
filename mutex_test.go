package testserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileMutexExcludes(t *testing.T) {
	dir := t.TempDir()
	a := NewFileMutex(dir, MutexName(5050))
	b := NewFileMutex(dir, MutexName(5050))

	ctx := context.Background()

	ok, err := a.TryLock(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v; want true, nil", ok, err)
	}
	if !a.Locked() {
		t.Error("holder should report Locked")
	}

	start := time.Now()
	ok, err = b.TryLock(ctx, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("contended TryLock returned error: %v", err)
	}
	if ok {
		t.Fatal("second mutex acquired a held lock")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("contended TryLock returned after %v, want it to wait for the timeout", elapsed)
	}

	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}
	ok, err = b.TryLock(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v; want true, nil", ok, err)
	}
	if err := b.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestFileMutexDistinctPorts(t *testing.T) {
	dir := t.TempDir()
	a := NewFileMutex(dir, MutexName(5050))
	b := NewFileMutex(dir, MutexName(5051))

	for _, m := range []*FileMutex{a, b} {
		ok, err := m.TryLock(context.Background(), 100*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("%s TryLock = %v, %v", m.Name(), ok, err)
		}
		defer func() { _ = m.Unlock() }()
	}
}

func TestFileMutexCanceled(t *testing.T) {
	dir := t.TempDir()
	holder := NewFileMutex(dir, "testserver_1")
	if ok, _ := holder.TryLock(context.Background(), time.Second); !ok {
		t.Fatal("holder failed to lock")
	}
	defer func() { _ = holder.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	waiter := NewFileMutex(dir, "testserver_1")
	ok, err := waiter.TryLock(ctx, 10*time.Second)
	if ok {
		t.Fatal("canceled TryLock acquired the lock")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("TryLock error = %v, want context.Canceled", err)
	}
}

func TestFileMutexPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "locks")
	m := NewFileMutex(dir, MutexName(8080))

	if got, want := m.Path(), filepath.Join(dir, "testserver_8080.lock"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	ok, err := m.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = m.Unlock() }()

	if _, err := os.Stat(m.Path()); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}

func TestFileMutexUnlockUnheld(t *testing.T) {
	m := NewFileMutex(t.TempDir(), "testserver_2")
	if err := m.Unlock(); err != nil {
		t.Errorf("Unlock on unheld mutex = %v, want nil", err)
	}
}

func TestOwnerRecord(t *testing.T) {
	dir := t.TempDir()
	name := MutexName(6060)
	rec := OwnerRecord{
		PID:       os.Getpid(),
		ServerPID: 4242,
		HandleID:  "h-1",
		BaseURL:   "http://localhost:6060",
		Command:   "node",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := writeOwnerRecord(dir, name, rec); err != nil {
		t.Fatal(err)
	}
	got, err := ReadOwnerRecord(dir, 6060)
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != rec.PID || got.ServerPID != rec.ServerPID || !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("ReadOwnerRecord = %+v, want %+v", got, rec)
	}

	if err := removeOwnerRecord(dir, name); err != nil {
		t.Fatal(err)
	}
	if err := removeOwnerRecord(dir, name); err != nil {
		t.Errorf("removing a missing record = %v, want nil", err)
	}
	if _, err := ReadOwnerRecord(dir, 6060); !os.IsNotExist(err) {
		t.Errorf("ReadOwnerRecord after remove = %v, want not exist", err)
	}
}
