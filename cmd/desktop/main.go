// Package main provides the local HTTP server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/scanvault/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/scanvault/backend/internal/config"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/services"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:          "scanvault-desktop",
		Short:        "ScanVault desktop server",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Desktop.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Log.Format == "console" {
		logging.InitConsole(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	} else {
		logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	}
	logger := logging.Component("desktop")

	var reg *prometheus.Registry
	opts := services.Options{}
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registry = reg
	}

	core, err := services.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer core.Close()

	hub := NewWSHub()
	defer hub.Close()
	unsubscribe := core.Subscribe(hub)
	defer unsubscribe()

	router, err := newRouter(core, hub, reg, cfg.Desktop.ValidateRate)
	if err != nil {
		return err
	}

	if err := core.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Desktop.Listen,
		Handler:           handlers.RequestLogger(logging.Component("http"))(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", Version).Msg("desktop server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter wires the REST API. reg may be nil, in which case /metrics is
// not served.
func newRouter(core *services.Core, hub *WSHub, reg *prometheus.Registry, validateRate string) (http.Handler, error) {
	v := handlers.NewValidationHandler(core)
	s := handlers.NewSyncHandler(core)
	c := handlers.NewCacheHandler(core)

	limit, err := handlers.NewRateLimiter(validateRate)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", healthHandler(core))
	mux.Handle("POST /api/validate", limit(http.HandlerFunc(v.Validate)))
	mux.HandleFunc("DELETE /api/validations", v.ClearCache)
	mux.HandleFunc("POST /api/sync", s.SyncAll)
	mux.HandleFunc("POST /api/sync/{id}", s.SyncOne)
	mux.HandleFunc("GET /api/sync/stats", s.Stats)
	mux.HandleFunc("GET /api/sync/history", s.History)
	mux.HandleFunc("PUT /api/network", s.SetNetwork)
	mux.HandleFunc("GET /api/cache", c.Stats)
	mux.HandleFunc("GET /api/templates", c.ListTemplates)
	mux.HandleFunc("GET /api/templates/{id}/content", c.Content)
	mux.HandleFunc("GET /api/templates/{id}/thumbnail", c.Thumbnail)
	mux.HandleFunc("PUT /api/templates/{id}/pin", c.Pin)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux, nil
}

func healthHandler(core *services.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := false
		select {
		case <-core.Ready():
			ready = true
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if ready {
			w.Write([]byte(`{"status":"ok","service":"scanvault-desktop"}`))
			return
		}
		w.Write([]byte(`{"status":"starting","service":"scanvault-desktop"}`))
	}
}
