package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callstorm/callstorm/internal/api"
	"github.com/callstorm/callstorm/internal/api/middleware"
	"github.com/callstorm/callstorm/internal/apps"
	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/config"
	"github.com/callstorm/callstorm/internal/dialer"
	"github.com/callstorm/callstorm/internal/metrics"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/callstorm/callstorm/internal/pool"
	"github.com/callstorm/callstorm/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callstorm",
		"servers", cfg.Servers,
		"http_port", cfg.HTTPPort,
		"rate", cfg.Rate,
		"limit", cfg.Limit,
		"store_backend", cfg.StoreBackend,
	)

	// Open the measurement store and start the background writer.
	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	storer := store.NewDataStorer(apps.CDRSchema(), st, store.StorerOptions{Logger: logger})

	// Build one loop/listener/client trio per server.
	addrs, err := cfg.ServerList()
	if err != nil {
		slog.Error("failed to parse servers", "error", err)
		os.Exit(1)
	}
	nodes := make([]*pool.Node, 0, len(addrs))
	for _, addr := range addrs {
		loop := node.NewEventLoop(addr.Host, addr.Port, cfg.Password, node.LoopOptions{Logger: logger})
		listener, err := node.NewListener(loop, node.ListenerOptions{
			CallTrackingHeader: cfg.CallTrackingHeader,
			MaxLimit:           cfg.MaxCallsPerNode,
			Logger:             logger,
		})
		if err != nil {
			slog.Error("failed to create listener", "host", addr.Host, "error", err)
			os.Exit(1)
		}
		nodes = append(nodes, &pool.Node{
			Client:   client.New(listener, client.Options{Logger: logger}),
			Listener: listener,
		})
	}
	p := pool.New(nodes, logger)

	orig := dialer.New(p, dialer.Options{
		Logger:     logger,
		Rate:       cfg.Rate,
		Limit:      cfg.Limit,
		MaxOffered: cfg.MaxOffered,
		Duration:   cfg.Duration(),
		Debug:      cfg.Debug(),
		Measure: func() client.App {
			return apps.NewCDR(p, storer, logger)
		},
	})

	// Application context for connect and shutdown deadlines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	connectCtx, cancel := context.WithTimeout(appCtx, 30*time.Second)
	if err := orig.Connect(connectCtx); err != nil {
		cancel()
		slog.Error("failed to connect to servers", "error", err)
		os.Exit(1)
	}
	cancel()

	if err := p.Start(); err != nil {
		slog.Error("failed to start listeners", "error", err)
		os.Exit(1)
	}

	// Cache the originate command on every node and load the bundled app.
	if cfg.DestURL != "" {
		spec := client.OriginateSpec{
			DestURL: cfg.DestURL,
			Profile: cfg.Profile,
			Gateway: cfg.Gateway,
			Proxy:   cfg.Proxy,
		}
		if err := p.EachClient(func(c *client.Client) error {
			return c.SetOriginate(spec)
		}); err != nil {
			slog.Error("failed to set originate command", "error", err)
			os.Exit(1)
		}

		if _, err := orig.LoadApp("toneplay", func() client.App {
			return apps.NewTonePlay(logger)
		}, 1); err != nil {
			slog.Error("failed to load app", "error", err)
			os.Exit(1)
		}

		if err := orig.Start(); err != nil {
			slog.Error("failed to start originator", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no dest-url configured, originator idle until configured over the api")
	}

	// Metrics registry with the cluster collector.
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(orig, p, storer, time.Now()))
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	handler := api.NewServer(orig, limiter, metricsHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: stop dialing and sweep calls, drain the CDR
	// buffer, then close the API.
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("shutting down")
	if err := orig.Shutdown(ctx); err != nil {
		slog.Error("originator shutdown error", "error", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		slog.Error("pool shutdown error", "error", err)
	}
	if err := storer.Stop(); err != nil {
		slog.Error("storer shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	limiter.Stop()

	slog.Info("callstorm stopped")
}

// openStore builds the measurement store backend selected in the config.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.OpenSQLite(cfg.DataDir)
	case "pg":
		return store.OpenPG(cfg.PGDSN)
	default:
		return store.NewCSVStore(cfg.DataDir)
	}
}
