package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/backcompat/internal/result"
)

// createTestStore creates a new temporary store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestTree builds a compatibility run tree with one node per status.
func createTestTree(statuses ...result.Status) *result.Node {
	root := result.New("status", result.StatusOK, nil)
	run := result.New("API-Backwards check", result.StatusOK, map[string]string{
		"api-release": "images/mesa-2024.03-1.tar.gz",
	})
	for i, st := range statuses {
		run.AddChild(result.New("backwards-check-"+string(rune('a'+i)), st, nil))
	}
	root.AddChild(run)
	return root
}

// createTestRun builds a run started at the given offset from a fixed epoch.
func createTestRun(t *testing.T, kind Kind, offset time.Duration, tree *result.Node) Run {
	t.Helper()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset)
	run, err := NewRun(kind, start, start.Add(90*time.Second), "images/mesa-2024.03-1.tar.gz", tree)
	if err != nil {
		t.Fatalf("NewRun() failed: %v", err)
	}
	return run
}
