package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aqueduct-db/aqueduct/pkg/engine"
)

func main() {
	var (
		params     engine.Params
		listenAddr string
		serverName string
		roleName   string
		logLevel   string
	)
	fs := flag.NewFlagSet("aqueduct", flag.ExitOnError)
	params.RegisterFlags(fs)
	fs.StringVar(&listenAddr, "http-listen-addr", ":7700", "HTTP listen address.")
	fs.StringVar(&serverName, "server-name", "aqueduct-1", "Name this server is known by to its peers.")
	fs.StringVar(&roleName, "role", "single", "Server role: single, coordinator, or dbserver.")
	fs.StringVar(&logLevel, "log-level", "info", "Minimum log level: debug, info, warn, error.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logger := newLogger(logLevel)
	role, err := parseRole(roleName)
	if err != nil {
		level.Error(logger).Log("msg", "invalid role", "err", err)
		os.Exit(1)
	}

	if err := run(logger, params, role, serverName, listenAddr); err != nil {
		level.Error(logger).Log("msg", "aqueduct exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func parseRole(name string) (engine.ServerRole, error) {
	switch name {
	case "single":
		return engine.RoleSingle, nil
	case "coordinator":
		return engine.RoleCoordinator, nil
	case "dbserver":
		return engine.RoleDBServer, nil
	}
	return 0, fmt.Errorf("unknown role %q", name)
}

func run(logger log.Logger, params engine.Params, role engine.ServerRole, serverName, listenAddr string) error {
	reg := prometheus.DefaultRegisterer

	transport := engine.NewInProcessTransport()
	deps := engine.Dependencies{
		Transactions: engine.NewMemoryTransactions(),
		Resolver:     engine.NewStaticResolver(),
		Transport:    transport,
		Store:        engine.NewMemoryStore(),
	}
	eng, err := engine.New(logger, params, role, serverName, deps, reg)
	if err != nil {
		return err
	}
	transport.Register(serverName, eng)

	manager, err := services.NewManager(eng.Service())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.StartManagerAndAwaitHealthy(ctx, manager); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	level.Info(logger).Log("msg", "aqueduct up", "server", serverName, "role", role, "addr", listenAddr)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: routes(logger, eng),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		manager.StopAsync()
		return manager.AwaitStopped(shutdownCtx)
	})
	return g.Wait()
}

func routes(logger log.Logger, eng *engine.Engine) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	router.HandleFunc("/aqueduct/api/v1/{database}/queries", func(w http.ResponseWriter, r *http.Request) {
		database := mux.Vars(r)["database"]
		fanout := r.URL.Query().Get("all") == "true"
		status, err := eng.Status(r.Context(), database, fanout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			level.Warn(logger).Log("msg", "encoding status response", "err", err)
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/aqueduct/api/v1/{database}/queries/{id}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, err := strconv.ParseUint(vars["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid query id", http.StatusBadRequest)
			return
		}
		if err := eng.Cancel(r.Context(), vars["database"], engine.QueryID(id)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodDelete)

	return router
}
