package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tile-table/internal/app"
	"github.com/DoyleJ11/tile-table/internal/history"
	"github.com/DoyleJ11/tile-table/internal/httpapi"
	"github.com/DoyleJ11/tile-table/internal/hub"
	"github.com/DoyleJ11/tile-table/internal/metrics"
	"github.com/DoyleJ11/tile-table/internal/room"
	"github.com/DoyleJ11/tile-table/internal/ws"
)

func main() {
	cfg := app.LoadConfig()
	log, err := app.NewLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg app.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rec history.Recorder = history.Nop{}
	if cfg.DatabaseURL != "" {
		store, openErr := history.Open(ctx, cfg.DatabaseURL, log.Named("history"))
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, store.Close()) }()
		rec = store
	}

	h := hub.NewHub(ctx, hub.Options{
		RoomTTL:      cfg.RoomTTL,
		ReapInterval: cfg.ReapInterval,
		Room:         room.Options{MaxPlayers: cfg.MaxPlayers},
		Logger:       log,
		Metrics:      m,
		History:      rec,
	})

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, httpapi.Options{
		WS: ws.Options{
			OutboxSize:     cfg.OutboxSize,
			WriteTimeout:   cfg.WriteTimeout,
			PingInterval:   cfg.PingInterval,
			OriginPatterns: cfg.OriginPatterns,
			Logger:         log,
			Metrics:        m,
		},
		CORSAllow: cfg.CORSAllow,
		Metrics:   metrics.HandlerFor(reg),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return h.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		h.Close()
		<-h.Done()
		return err
	})

	return g.Wait()
}
