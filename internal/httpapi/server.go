// Package httpapi implements the HTTP surface of spec §6: account
// registration/deletion, key publication/fetch, device provisioning/linking/
// unlinking, and the websocket upgrade, grounded in dexidp-dex's
// server/server.go router/CORS/instrumentation pattern.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samresearch/sam-server/internal/router"
	"github.com/samresearch/sam-server/internal/service"
	"github.com/samresearch/sam-server/internal/storage"
)

type contextKey string

// RequestKeyRemoteIP and RequestKeyRequestID name the context values this
// server injects on every request, read back by cmd/samserver's slog
// handler to attach remote_ip/request_id to log lines written with that
// request's context (mirrors dexidp-dex's server.RequestKeyRemoteIP).
const (
	RequestKeyRemoteIP contextKey = "remote_ip"
	RequestKeyRequestID contextKey = "request_id"
)

// Config configures the HTTP server's dependencies and cross-cutting
// behavior.
type Config struct {
	Accounts       *service.AccountService
	Devices        *service.DeviceService
	Keys           *service.KeyService
	AccountStore   storage.AccountStore
	Router         *router.Router
	AllowedOrigins []string
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
}

// Server holds the mux router and dependencies for spec §6's endpoints.
type Server struct {
	mux    *mux.Router
	cfg    Config
	logger *slog.Logger
}

// New builds the HTTP server, registering every route of spec §6.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger}
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	// Registered via Router.Use rather than wrapped around the whole mux:
	// middleware added here runs after route matching, so mux.CurrentRoute
	// resolves to the matched route instead of always nil.
	r.Use(s.instrumentMiddleware)

	r.Handle("/api/v1/account", s.withAuthOptional(s.handleRegister)).Methods(http.MethodPost)
	r.Handle("/api/v1/account", s.withAuth(s.handleDeleteAccount)).Methods(http.MethodDelete)
	r.Handle("/api/v1/keys/{accountId}", s.withAuth(s.handleGetKeys)).Methods(http.MethodGet)
	r.Handle("/api/v1/keys", s.withAuth(s.handlePublishKeys)).Methods(http.MethodPut)
	r.Handle("/api/v1/devices/provision", s.withAuth(s.handleProvision)).Methods(http.MethodGet)
	r.Handle("/api/v1/devices/link", s.withAuthOptional(s.handleLinkDevice)).Methods(http.MethodPost)
	r.Handle("/api/v1/device/{id}", s.withAuth(s.handleUnlinkDevice)).Methods(http.MethodDelete)
	r.Handle("/api/v1/websocket", s.withAuth(s.handleWebSocket)).Methods(http.MethodGet)

	s.mux = r
	return s
}

// ServeHTTP makes Server an http.Handler, wrapping the mux with CORS the way
// dexidp-dex's server.go does. Request-context and metrics instrumentation
// is registered on the mux itself (see instrumentMiddleware) so it runs
// after route matching.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := http.Handler(s.mux)
	if len(s.cfg.AllowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		)(handler)
	}
	handler.ServeHTTP(w, r)
}

// instrumentMiddleware is registered via mux.Router.Use, which runs the
// handler chain after routing has matched, so mux.CurrentRoute(r) resolves
// to the matched route template instead of always returning nil.
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), RequestKeyRemoteIP, remoteIP(r))
		ctx = context.WithValue(ctx, RequestKeyRequestID, newRequestID())
		r = r.WithContext(ctx)

		route := requestRouteLabel(r)
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(route))
		defer timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(route).Inc()

		next.ServeHTTP(w, r)
	})
}

func requestRouteLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return r.Method + " " + tmpl
		}
	}
	return r.Method + " " + r.URL.Path
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newRequestID() string {
	return time.Now().UTC().Format("20060102T150405.000000000Z")
}
