package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/kalendr/kalendr/internal/api/http"
	"github.com/kalendr/kalendr/internal/cache"
	"github.com/kalendr/kalendr/internal/config"
	"github.com/kalendr/kalendr/internal/expand"
	"github.com/kalendr/kalendr/internal/factory"
	"github.com/kalendr/kalendr/internal/gateway/caldav"
	"github.com/kalendr/kalendr/internal/health"
	"github.com/kalendr/kalendr/internal/ledger"
	"github.com/kalendr/kalendr/internal/mutate"
	"github.com/kalendr/kalendr/internal/platform/logger"
	"github.com/kalendr/kalendr/internal/undo"
)

func main() {
	root := &cobra.Command{
		Use:          "kalendrd",
		Short:        "Calendar sync cache with audit history and undo",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	log := logger.New("kalendrd")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("ledger_driver", cfg.LedgerDriver).
		Int("http_port", cfg.HTTPPort).
		Msg("kalendrd starting")

	// -------- Collection policy ------------
	policies, err := config.LoadCollectionPolicies(cfg.CollectionsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.CollectionsFile).Msg("cannot load collection policy")
	}

	// -------- Ledger -----------------------
	store, err := factory.NewLedger(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("audit ledger unavailable")
	}
	defer func() { _ = store.Close() }()
	recorder := ledger.NewRecorder(store, log)

	// -------- Remote gateway ---------------
	gw, err := caldav.New(cfg.CalDAVEndpoint, cfg.CalDAVUsername, cfg.CalDAVPassword, log)
	if err != nil {
		log.Fatal().Err(err).Msg("caldav gateway unavailable")
	}

	// -------- Cache & services -------------
	cacheStore := cache.New(gw, expand.New(log), policies, cfg.CacheTTL, log)
	coordinator := mutate.New(gw, cacheStore, recorder, log)
	undoer := undo.New(coordinator, store, cacheStore, log)

	refresher, err := cache.NewRefresher(cacheStore, cfg.RefreshSchedule, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid refresh schedule")
	}
	refresher.Start()
	defer refresher.Stop()

	// -------- Health monitor ---------------
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	healthSvc := health.NewService(log,
		health.NewProbe("ledger", 2*time.Second, log, func(ctx context.Context) error {
			_, err := store.EventHistory(ctx, "__health__", 1)
			return err
		}),
		health.NewProbe("caldav", 5*time.Second, log, func(ctx context.Context) error {
			_, err := gw.ListCollections(ctx)
			return err
		}),
	)
	healthSvc.Start(monitorCtx, 30*time.Second)

	// -------- Router & server --------------
	router := httpapi.NewRouter(
		httpapi.NewEventHandler(cacheStore, coordinator, undoer),
		httpapi.NewHistoryHandler(store),
		httpapi.NewHealthHandler(healthSvc),
		log,
	)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server exited")
	return nil
}
