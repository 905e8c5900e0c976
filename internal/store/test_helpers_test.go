package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fibersync/internal/registry"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store bound to the default registry.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.MustDefault()
	if err := s.EnsureMirror(t.Context(), reg.Entities(), testNow); err != nil {
		t.Fatalf("EnsureMirror() failed: %v", err)
	}
	return s
}
