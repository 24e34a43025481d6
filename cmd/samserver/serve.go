package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/samresearch/sam-server/internal/httpapi"
	"github.com/samresearch/sam-server/internal/router"
	"github.com/samresearch/sam-server/internal/samauth"
	"github.com/samresearch/sam-server/internal/service"
	"github.com/samresearch/sam-server/internal/storage"
	"github.com/samresearch/sam-server/internal/storage/memory"
	redisstore "github.com/samresearch/sam-server/internal/storage/redis"
	sqlstore "github.com/samresearch/sam-server/internal/storage/sql"
	"github.com/samresearch/sam-server/internal/telemetry"
)

type serveOptions struct {
	config        string
	listenAddr    string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the SAM server",
		Example: "samserver serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.listenAddr, "listen-addr", "", "public HTTP listen address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "telemetry (metrics/health) listen address")

	return cmd
}

// serverRunner coordinates one HTTP listener's lifecycle under an
// oklog/run.Group, grounded in cmd/dex/serve.go's serverRunner.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger *slog.Logger
}

func newServerRunner(name string, srv *http.Server, logger *slog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt, s.tlsKey = crt, key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Info("listening", "server", s.name, "addr", s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.logger.Debug("starting graceful shutdown", "server", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful shutdown failed", "server", s.name, "error", err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", options.config, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return fmt.Errorf("error expanding environment overrides: %w", err)
	}

	if options.listenAddr != "" {
		c.ListenAddr = options.listenAddr
	}
	if options.telemetryAddr != "" {
		c.Telemetry.HTTP = options.telemetryAddr
	}

	level := slog.LevelInfo
	switch strings.ToLower(c.Logger.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger, err := newLogger(level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return err
	}
	logger.Info("config loaded", "listen_addr", c.ListenAddr, "storage", c.Storage.Type)

	accounts, devices, keys, messages, closeStorage, err := openStorage(c.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage()

	linkTokens := samauth.NewLinkTokenAuthenticator([]byte(c.LinkSecret))

	keyService := &service.KeyService{Devices: devices, Keys: keys}
	deviceService := &service.DeviceService{
		Accounts:   accounts,
		Devices:    devices,
		Keys:       keys,
		Messages:   messages,
		KeyService: keyService,
		LinkTokens: linkTokens,
		Logger:     logger,
	}
	accountService := &service.AccountService{Accounts: accounts, Devices: deviceService, Logger: logger}
	msgRouter := router.New(devices, messages)

	reg := telemetry.NewRegistry()
	httpapi.MustRegister(reg)
	health := telemetry.NewHealthChecker(accounts)

	api := httpapi.New(httpapi.Config{
		Accounts:       accountService,
		Devices:        deviceService,
		Keys:           keyService,
		AccountStore:   accounts,
		Router:         msgRouter,
		AllowedOrigins: c.AllowedOrigins,
		Logger:         logger,
		Registerer:     reg,
	})

	var gr run.Group

	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetry.Handler(reg, health)}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	publicSrv := &http.Server{Addr: c.ListenAddr, Handler: api}
	defer publicSrv.Close()
	runner := newServerRunner("http", publicSrv, logger)
	if c.TLS.Cert != "" {
		runner = runner.WithTLS(c.TLS.Cert, c.TLS.Key)
	}
	if err := runner.RunAndShutdownGracefully(&gr); err != nil {
		return err
	}

	if gcFreq := c.GCFrequency; gcFreq > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		gr.Add(func() error {
			ticker := time.NewTicker(gcFreq)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					if n, err := accounts.GC(ctx, now); err != nil {
						logger.Warn("link-token gc failed", "error", err)
					} else if n > 0 {
						logger.Debug("link-token gc swept records", "count", n)
					}
				}
			}
		}, func(error) { cancel() })
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutdown signal received", "signal", err)
	}
	return nil
}

// openStorage constructs the four storage interfaces from c, returning a
// close function for any backend holding real connections.
func openStorage(c Storage, logger *slog.Logger) (storage.AccountStore, storage.DeviceStore, storage.KeyStore, storage.MessageStore, func(), error) {
	switch cfg := c.Config.(type) {
	case *MemoryStorage:
		store := memory.New(logger)
		return store, store, store, store, func() {}, nil
	case *SQLStorage:
		db, err := sqlstore.Open(cfg.Driver, cfg.ConnectionString)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		store := sqlstore.New(db)
		return store, store, store, store, func() { _ = db.Close() }, nil
	case *RedisStorage:
		// Redis covers only the message queue; account/device/key storage
		// always uses the in-memory backend here.
		mem := memory.New(logger)
		msgStore, err := redisstore.New(redisstore.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return mem, mem, mem, msgStore, func() { _ = msgStore.Close() }, nil
	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unsupported storage type %q", c.Type)
	}
}
