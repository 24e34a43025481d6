package sql

import (
	"fmt"
	"testing"

	"github.com/samresearch/sam-server/internal/storage/conformance"
)

// TestSQLiteConformance runs the shared conformance suite against a
// throwaway SQLite3 database per subtest, mirroring dexidp-dex's
// storage/sql/sqlite_test.go. Requires CGO (go-sqlite3), consistent with the
// rest of the repository's SQLite support.
func TestSQLiteConformance(t *testing.T) {
	n := 0
	conformance.RunTests(t, func() conformance.Stores {
		n++
		dsn := fmt.Sprintf("file:sam-conformance-%d?mode=memory&cache=shared", n)
		db, err := Open("sqlite3", dsn)
		if err != nil {
			t.Fatalf("open sqlite3: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		s := New(db)
		return conformance.Stores{Accounts: s, Devices: s, Keys: s, Messages: s}
	})
}
