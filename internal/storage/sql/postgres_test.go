package sql

import (
	"os"
	"testing"

	"github.com/samresearch/sam-server/internal/storage/conformance"
)

// TestPostgresConformance runs the shared conformance suite against a real
// Postgres instance when SAM_POSTGRES_DSN is set, mirroring dexidp-dex's
// env-var-gated storage/sql/postgres_test.go.
func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("SAM_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SAM_POSTGRES_DSN not set, skipping")
	}

	conformance.RunTests(t, func() conformance.Stores {
		db, err := Open("postgres", dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		s := New(db)
		return conformance.Stores{Accounts: s, Devices: s, Keys: s, Messages: s}
	})
}
