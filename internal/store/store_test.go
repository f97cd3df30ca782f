package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkeller/termmux/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func info(id string) registry.SessionInfo {
	return registry.SessionInfo{
		ID:        registry.SessionID(id),
		Shell:     "/bin/bash",
		Cwd:       "/tmp",
		Cols:      80,
		Rows:      24,
		CreatedAt: time.Now(),
	}
}

func TestPaneMapping(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordSession(info("s1")); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := s.RegisterPane("pane-a", "s1"); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}
	if err := s.RegisterPane("pane-b", "s1"); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}

	mapping, err := s.SessionMapping()
	if err != nil {
		t.Fatalf("SessionMapping: %v", err)
	}
	if len(mapping) != 2 || mapping["pane-a"] != "s1" || mapping["pane-b"] != "s1" {
		t.Fatalf("mapping = %v", mapping)
	}

	// Re-registering a pane moves it.
	if err := s.RecordSession(info("s2")); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := s.RegisterPane("pane-a", "s2"); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}
	mapping, err = s.SessionMapping()
	if err != nil {
		t.Fatalf("SessionMapping: %v", err)
	}
	if mapping["pane-a"] != "s2" {
		t.Fatalf("pane-a = %q, want s2", mapping["pane-a"])
	}
}

func TestMarkDestroyedDropsPanes(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordSession(info("s1")); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := s.RegisterPane("pane-a", "s1"); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}
	if err := s.MarkDestroyed("s1"); err != nil {
		t.Fatalf("MarkDestroyed: %v", err)
	}
	mapping, err := s.SessionMapping()
	if err != nil {
		t.Fatalf("SessionMapping: %v", err)
	}
	if len(mapping) != 0 {
		t.Fatalf("mapping = %v, want empty", mapping)
	}
}

func TestReconcileMarksOrphans(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"alive", "orphan1", "orphan2"} {
		if err := s.RecordSession(info(id)); err != nil {
			t.Fatalf("RecordSession(%s): %v", id, err)
		}
	}
	if err := s.RegisterPane("pane-x", "orphan1"); err != nil {
		t.Fatalf("RegisterPane: %v", err)
	}

	n, err := s.Reconcile([]registry.SessionID{"alive"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("orphans = %d, want 2", n)
	}

	// Orphan pane mappings are gone, alive session untouched.
	mapping, err := s.SessionMapping()
	if err != nil {
		t.Fatalf("SessionMapping: %v", err)
	}
	if len(mapping) != 0 {
		t.Fatalf("mapping = %v, want empty", mapping)
	}
	n, err = s.Reconcile([]registry.SessionID{"alive"})
	if err != nil || n != 0 {
		t.Fatalf("second Reconcile = (%d, %v), want (0, nil)", n, err)
	}
}

func TestMarkExitedKeepsRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordSession(info("s1")); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := s.MarkExited("s1", 137); err != nil {
		t.Fatalf("MarkExited: %v", err)
	}
	// Exited sessions with no live counterpart are cleaned up by Reconcile.
	n, err := s.Reconcile(nil)
	if err != nil || n != 1 {
		t.Fatalf("Reconcile = (%d, %v), want (1, nil)", n, err)
	}
}
