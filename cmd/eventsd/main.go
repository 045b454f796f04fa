package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/narwhalmedia/backbone/pkg/backbone"
	"github.com/narwhalmedia/backbone/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := backbone.InitializeRuntime(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize runtime: %v", err))
	}
	defer cleanup()

	log := rt.Logger.Zap()
	log.Info("starting service",
		zap.String("environment", cfg.Service.Environment),
		zap.String("broker", cfg.Broker.Type),
		zap.String("store", cfg.Store.Type),
	)

	audit := newAuditHandler(log)
	for _, name := range subscriptions(cfg.Service.Subscriptions) {
		if err := rt.Bus.Subscribe(name, audit); err != nil {
			log.Fatal("failed to subscribe", zap.String("event_name", name), zap.Error(err))
		}
	}
	if err := rt.Bus.Start(ctx); err != nil {
		log.Fatal("failed to start event bus", zap.Error(err))
	}

	go func() {
		for err := range rt.Dispatcher.Errors() {
			log.Warn("handler gave up", zap.Error(err))
		}
	}()

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.Prometheus, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := rt.Health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		httpServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down service")

	// The drain timeout bounds handler shutdown; allow the rest a little extra.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.DrainTimeout+5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}

	log.Info("service stopped")
}
