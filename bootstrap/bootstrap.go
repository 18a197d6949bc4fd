// Package bootstrap is the shared service startup path: environment, the
// service database, the bus connection, tracing, the HTTP listener, and
// signal-driven shutdown with the documented exit codes.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltgrid/voltgrid/config"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/observability"
	"github.com/voltgrid/voltgrid/rtdb"
)

// Exit codes shared by every service.
const (
	ExitOK            = 0
	ExitConfigMissing = 1 // config database absent: run `monarch sync` first
	ExitInitFailure   = 2 // unrecoverable initialization error
)

// System is the assembled runtime a service main builds on.
type System struct {
	Log     logging.Logger
	DB      *sql.DB
	Config  *config.ServiceConfig
	Client  rtdb.Client
	Monitor *rtdb.WarningMonitor

	shutdownTracer func(context.Context) error
}

// Init assembles the system for the named service. On failure it returns
// the exit code the process should terminate with.
func Init(ctx context.Context, service string) (*System, int, error) {
	config.LoadEnvFile()
	log := logging.New(service)

	db, err := config.Open(service)
	if err != nil {
		if errors.Is(err, config.ErrDatabaseMissing) {
			log.Error("config_database_missing", "error", err.Error())
			return nil, ExitConfigMissing, err
		}
		log.Error("config_database_open_failed", "error", err.Error())
		return nil, ExitInitFailure, err
	}

	cfg, err := config.Load(db, service)
	if err != nil {
		log.Error("service_config_load_failed", "error", err.Error())
		return nil, ExitInitFailure, err
	}

	client, err := rtdb.Dial(ctx, cfg.RedisURL(), rtdb.DefaultRetryConfig(), log)
	if err != nil {
		log.Error("rtdb_connect_failed", "url", cfg.RedisURL(), "error", err.Error())
		return nil, ExitInitFailure, err
	}

	shutdownTracer, err := observability.InitTracer(service)
	if err != nil {
		log.Warn("tracer_init_failed", "error", err.Error())
		shutdownTracer = func(context.Context) error { return nil }
	}

	monitor := rtdb.NewWarningMonitor(client, log)
	if err := monitor.Start(ctx); err != nil {
		log.Warn("warning_monitor_start_failed", "error", err.Error())
	}

	log.Info("service_initialized", "service", service, "db", config.DBPath(service))
	return &System{
		Log:            log,
		DB:             db,
		Config:         cfg,
		Client:         client,
		Monitor:        monitor,
		shutdownTracer: shutdownTracer,
	}, ExitOK, nil
}

// Serve runs the HTTP listener (management API plus /metrics) until the
// context is cancelled, then shuts it down gracefully.
func (s *System) Serve(ctx context.Context, port int, api http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("http_listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SignalContext returns a context cancelled on SIGINT/SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Close releases the system resources in reverse dependency order.
func (s *System) Close(ctx context.Context) {
	s.Monitor.Stop()
	if err := s.Client.Close(); err != nil {
		s.Log.Warn("rtdb_close_failed", "error", err.Error())
	}
	if err := s.DB.Close(); err != nil {
		s.Log.Warn("db_close_failed", "error", err.Error())
	}
	if err := s.shutdownTracer(ctx); err != nil {
		s.Log.Warn("tracer_shutdown_failed", "error", err.Error())
	}
}
