// Package main provides the local sync server for desktop shells.
// The shell talks to it over REST and WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/cmd/desktop/handlers"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/offline"
	"github.com/kimhsiao/offlinesync/internal/transport/httpexec"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "offlinesync-desktop",
		Short:        "Local offline sync server for desktop clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ./offlinesync.yaml)")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging.Level, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logger.Close()

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, 0)
		if err != nil {
			return err
		}
		watcher.OnReload(func(old, updated *config.Config) { applyReload(logger, old, updated) })
		watcher.Start()
		defer watcher.Stop()
	}

	executor, err := httpexec.New(cfg.Backend.BaseURL, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	session, err := offline.Open(ctx, offline.Options{
		Config:     cfg,
		Execute:    executor.Execute,
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	hub := NewWSHub()
	unwire := wireEvents(session, hub)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      newRouter(session, hub, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Desktop sync server starting", map[string]interface{}{"address": server.Addr})
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		logging.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if shutErr := server.Shutdown(shutdownCtx); shutErr != nil {
		logging.Error("HTTP server shutdown failed", shutErr)
	}
	unwire()
	hub.Stop()
	if closeErr := session.Close(shutdownCtx); closeErr != nil {
		logging.Error("Offline session close failed", closeErr)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newRouter mounts health, sync, metrics and WebSocket routes.
func newRouter(service handlers.SyncService, hub *WSHub, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"offlinesync-desktop"}`))
	}).Methods(http.MethodGet)

	syncHandler := handlers.NewSyncHandler(service)
	syncHandler.SetWebSocketHub(hub)
	syncHandler.RegisterRoutes(router)

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/ws", HandleWebSocket(hub))
	return router
}

// applyReload applies the settings that can change while running. Everything
// else is picked up on restart.
func applyReload(logger *logging.Logger, old, updated *config.Config) {
	if old.Logging.Level != updated.Logging.Level {
		logger.SetLevel(logging.ParseLevel(updated.Logging.Level))
		logging.Info("Log level changed", map[string]interface{}{"level": updated.Logging.Level})
	}
	o, u := *old, *updated
	o.Logging.Level, u.Logging.Level = "", ""
	if o != u {
		logging.Warn("Configuration changed; restart to apply")
	}
}

// wireEvents forwards session notifications to WebSocket clients.
func wireEvents(session *offline.Session, hub *WSHub) (unwire func()) {
	unsubs := []func(){
		session.SubscribeStatus(hub.BroadcastSyncStatus),
		session.OnConflicts(hub.BroadcastSyncConflictDetected),
		session.OnFailure(hub.BroadcastSyncFailed),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
