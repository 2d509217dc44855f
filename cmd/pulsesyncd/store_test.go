package main

import (
	"path/filepath"
	"testing"
)

func TestConfigStore_PhaseShiftRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.db")

	store, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// Absent key falls back to the default.
	got, err := store.LoadPhaseShift(42)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if got != 42 {
		t.Errorf("expected default 42, got %d", got)
	}

	if err := store.SavePhaseShift(-350); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = store.LoadPhaseShift(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != -350 {
		t.Errorf("expected -350, got %d", got)
	}

	// Upsert overwrites.
	if err := store.SavePhaseShift(125); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err = store.LoadPhaseShift(0)
	if err != nil {
		t.Fatalf("load again: %v", err)
	}
	if got != 125 {
		t.Errorf("expected 125, got %d", got)
	}
}

func TestConfigStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")

	store, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SavePhaseShift(800); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadPhaseShift(0)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got != 800 {
		t.Errorf("expected 800 after reopen, got %d", got)
	}
}

func TestOpenConfigStore_EmptyPath(t *testing.T) {
	if _, err := OpenConfigStore(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
