// Package telemetry wires prometheus metrics and go-sundheit health checks
// onto a dedicated listener, grounded in dexidp-dex's cmd/dex/serve.go
// (prometheus registry + gosundheithttp.HandleHealthJSON) and storage/health.go.
package telemetry

import (
	"context"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samresearch/sam-server/internal/model"
	"github.com/samresearch/sam-server/internal/storage"
)

// NewRegistry builds a prometheus registry carrying the default Go and
// process collectors, matching cmd/dex/serve.go's setup.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

// NewHealthChecker registers a storage round-trip check: writing and
// deleting a throwaway used-link-token row against the account store,
// adapted from storage/health.go's create/delete probe.
func NewHealthChecker(accounts storage.AccountStore) gosundheit.Health {
	h := gosundheit.New()
	_ = h.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "account-store",
			CheckFunc: storageRoundTripCheck(accounts),
		},
		ExecutionPeriod: 30 * time.Second,
	})
	return h
}

func storageRoundTripCheck(accounts storage.AccountStore) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		tokenID := "healthcheck-" + model.NewAccountID().String()
		now := time.Now()
		if err := accounts.AddUsedLinkToken(ctx, tokenID, now.Add(-2*time.Hour)); err != nil {
			return nil, err
		}
		if _, err := accounts.GC(ctx, now); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// Handler serves /metrics and /healthz on the telemetry listener.
func Handler(reg *prometheus.Registry, health gosundheit.Health) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", gosundheithttp.HandleHealthJSON(health))
	return mux
}
