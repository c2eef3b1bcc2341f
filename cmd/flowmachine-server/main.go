// Command flowmachine-server runs the query lifecycle and cache management
// API described by the system's external interface: content-addressed
// query submission, state polling, and streamed result retrieval.
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

	"github.com/greenape/flowmachine-server/internal/cachemanager"
	"github.com/greenape/flowmachine-server/internal/catalog"
	"github.com/greenape/flowmachine-server/internal/config"
	"github.com/greenape/flowmachine-server/internal/coordination"
	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/server"
	"github.com/greenape/flowmachine-server/internal/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "flowmachine-server",
	Short: "Query lifecycle and cache management server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logging.SetEnabled(cfg.Debug)

	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Exporter:     telemetry.Exporter(cfg.OTelExporter),
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	catalogStore, err := catalog.Open(cfg.WarehouseDSN, cfg.WarehouseDatabase)
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer catalogStore.Close()

	existingCacheCfg, err := catalogStore.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("reading cache configuration: %w", err)
	}
	if existingCacheCfg.MaxCacheSizeBytes == 0 {
		if err := catalogStore.SetConfig(ctx, catalog.Config{
			MaxCacheSizeBytes: cfg.CacheMaxSizeBytes,
			HalfLifeTouches:   cfg.CacheHalfLifeTouches,
		}); err != nil {
			return fmt.Errorf("seeding cache configuration: %w", err)
		}
	}

	coordStore := coordination.New(coordination.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.RedisKeyTTL,
	})
	defer coordStore.Close()

	if err := coordStore.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to coordination store: %w", err)
	}

	cacheMgr := cachemanager.New(catalogStore, coordStore)

	// The worker pool needs a plain *sql.DB handle for materialization
	// queries; catalog.Store does not expose its own handle, so the server
	// opens a second handle against the same DSN for query execution.
	// This mirrors the teacher's separation of the bookkeeping connection
	// from the data-plane connection in internal/storage/dolt.
	execDB, err := catalog.OpenRaw(cfg.WarehouseDSN)
	if err != nil {
		return fmt.Errorf("opening execution connection: %w", err)
	}
	defer execDB.Close()

	pool := server.NewWorkerPool(cfg.WorkerPoolSize, catalogStore, coordStore, cacheMgr, execDB)
	defer pool.Close()

	srvCtx := &server.Context{
		Catalog:      catalogStore,
		Coord:        coordStore,
		Pool:         pool,
		CacheManager: cacheMgr,
		DB:           execDB,
		PollInterval: 250 * time.Millisecond,
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srvCtx.Mux(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("server: listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		logging.Infof("server: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
