// The relay server brokers battleship matches: room rendezvous, the
// signaling exchange over two interchangeable backends (HTTP polling and
// the websocket hub), TURN credential handout, and a fallback payload
// path for peers that cannot connect directly.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/hub"
	"github.com/jeeyo/battleship-p2p/internal/logging"
	"github.com/jeeyo/battleship-p2p/internal/registry"
	"github.com/jeeyo/battleship-p2p/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)
	logger := slog.Default().With("service", cfg.Service.Name)

	store := registry.NewMemoryStore()
	defer store.Close()

	reg := registry.New(store)
	roomLog := relay.NewLog(store)
	metrics := relay.NewCollector(prometheus.DefaultRegisterer)

	h := hub.New(logger, metrics)
	go h.Run()

	mux := http.NewServeMux()
	relay.NewHandler(reg, roomLog, store, cfg.ICE, metrics, logger).Register(mux)
	mux.HandleFunc("GET /ws/{roomCode}", hub.ServeWS(h, logger))
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("relay listening",
			"address", cfg.HTTP.Address, "environment", cfg.Service.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
