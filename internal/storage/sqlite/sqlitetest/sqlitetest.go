// Package sqlitetest opens throwaway SQLite stores for tests.
package sqlitetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mmynk/partypay/internal/storage/sqlite"
)

// New returns a migrated store in a temporary directory, closed when the test ends.
func New(t testing.TB) *sqlite.SQLiteStore {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "partypay.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Clock is a settable time source.
type Clock struct {
	T int64
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return time.Unix(c.T, 0) }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.T += int64(d / time.Second) }
