package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeStarter) StartRun(wo *domain.WorkOrder, sourceOverride string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, wo.ID)
	return &domain.Run{ID: "run-" + wo.ID, WorkOrderID: wo.ID}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

const orderBody = `---
id: wo-1
title: Do the thing
---

It works.
`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestObserver_PicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	starter := &fakeStarter{}
	obs := New(dir, starter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := obs.Start(ctx); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "wo-1.md")
	if err := os.WriteFile(path, []byte(orderBody), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "run start", func() bool { return starter.count() == 1 })

	// File moved out of the queue so it is never reprocessed
	waitFor(t, "archive", func() bool {
		_, err := os.Stat(filepath.Join(dir, archiveDir, "wo-1.md"))
		return err == nil
	})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("work order still in queue after processing")
	}
}

func TestObserver_SweepsPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wo-1.md"), []byte(orderBody), 0644); err != nil {
		t.Fatal(err)
	}

	starter := &fakeStarter{}
	obs := New(dir, starter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := obs.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "sweep", func() bool { return starter.count() == 1 })
}

func TestObserver_WaitsForCompleteWrite(t *testing.T) {
	dir := t.TempDir()
	starter := &fakeStarter{}
	obs := New(dir, starter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := obs.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// A slow writer: the Create event fires while the file is still empty
	path := filepath.Join(dir, "wo-1.md")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := starter.count(); n != 0 {
		t.Fatalf("started %d runs from an empty file", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("empty file was archived before its content arrived")
	}

	// The content lands; the Write event picks the order up
	if err := os.WriteFile(path, []byte(orderBody), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run start", func() bool { return starter.count() == 1 })
}

func TestObserver_IgnoresNonMarkdown(t *testing.T) {
	dir := t.TempDir()
	starter := &fakeStarter{}
	obs := New(dir, starter, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := obs.Start(ctx); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a work order"), 0644)
	os.WriteFile(filepath.Join(dir, "wo-1.md"), []byte(orderBody), 0644)

	waitFor(t, "run start", func() bool { return starter.count() == 1 })

	time.Sleep(100 * time.Millisecond)
	if starter.count() != 1 {
		t.Errorf("started %d runs, want 1", starter.count())
	}
}
