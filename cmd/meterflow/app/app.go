// Package app wires the meterflow components into one process: the store,
// the registration collaborator, ingress, the worker pool, the maintenance
// driver and the querier, behind a single HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridwatt/meterflow/modules/ingress"
	"github.com/gridwatt/meterflow/modules/maintenance"
	"github.com/gridwatt/meterflow/modules/querier"
	"github.com/gridwatt/meterflow/modules/registry"
	"github.com/gridwatt/meterflow/modules/worker"
	"github.com/gridwatt/meterflow/pkg/meterstore"
	"github.com/gridwatt/meterflow/pkg/util/log"
)

type App struct {
	cfg    Config
	logger kitlog.Logger

	store    *meterstore.Store
	registry *registry.Registry
	state    *maintenance.State
	ingress  *ingress.Ingress
	worker   *worker.Worker
	driver   *maintenance.Driver
	querier  *querier.Querier

	router *mux.Router
}

func New(cfg Config) (*App, error) {
	logger := log.Logger

	store, err := meterstore.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising store: %w", err)
	}

	reg, err := registry.New(cfg.Registry, store, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising registry: %w", err)
	}

	state := maintenance.NewState(store)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		state:    state,
		ingress:  ingress.New(cfg.Ingress, store, reg, state, logger),
		worker:   worker.New(cfg.Worker, store, logger),
		driver:   maintenance.NewDriver(cfg.Maintenance, store, state, logger),
		querier:  querier.New(cfg.Querier, store, reg, logger),
	}
	a.router = a.buildRouter()

	return a, nil
}

// Paths that stay reachable during maintenance: the control surface, reads
// of backups and logs, and both ingress endpoints so meters keep reporting
// (their readings quarantine to pending).
var maintenanceAllowlist = map[string]struct{}{
	"/stopserver":          {},
	"/get_backup":          {},
	"/get_logs":            {},
	"/meter/reading":       {},
	"/meter/bulk_readings": {},
	"/metrics":             {},
	"/ready":               {},
}

func (a *App) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(maintenanceMiddleware(a.state, maintenanceAllowlist))

	r.HandleFunc("/meter/reading", a.ingress.SubmitHandler).Methods(http.MethodPost)
	r.HandleFunc("/meter/bulk_readings", a.ingress.BulkHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/user/query", a.querier.QueryHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/billing", a.querier.BillingHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/user/register", a.registry.RegisterHandler).Methods(http.MethodPost)
	r.HandleFunc("/stopserver", a.driver.TriggerHandler).Methods(http.MethodGet)
	r.HandleFunc("/get_backup", a.BackupHandler).Methods(http.MethodGet)
	r.HandleFunc("/get_logs", a.LogsHandler).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	return r
}

// Run starts the background services and serves HTTP until a signal or a
// service failure stops the process.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sm, err := services.NewManager(a.worker, a.driver)
	if err != nil {
		return fmt.Errorf("creating service manager: %w", err)
	}
	watcher := services.NewFailureWatcher()
	watcher.WatchManager(sm)

	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.HTTPListenAddress, a.cfg.HTTPListenPort),
		Handler: a.router,
	}

	serverErr := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "http server listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "shutting down")
	case err := <-watcher.Chan():
		level.Error(a.logger).Log("msg", "service failure", "err", err)
	case err := <-serverErr:
		level.Error(a.logger).Log("msg", "http server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := services.StopManagerAndAwaitStopped(shutdownCtx, sm); err != nil {
		level.Warn(a.logger).Log("msg", "failed to stop services cleanly", "err", err)
	}
	return a.store.Close()
}
