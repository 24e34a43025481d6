package memory

import (
	"log/slog"
	"testing"

	"github.com/samresearch/sam-server/internal/storage/conformance"
)

func TestMemoryStoreConformance(t *testing.T) {
	logger := slog.Default()
	conformance.RunTests(t, func() conformance.Stores {
		s := New(logger)
		return conformance.Stores{Accounts: s, Devices: s, Keys: s, Messages: s}
	})
}
