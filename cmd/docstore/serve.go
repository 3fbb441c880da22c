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

	"github.com/cuemby/docstore/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a docstore process: WAL, transaction manager, subscription engine, and maintenance loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath(cmd))
		if err != nil {
			return err
		}

		inst, err := buildInstance(cfg)
		if err != nil {
			return fmt.Errorf("build instance: %w", err)
		}
		inst.Start()
		fmt.Println("✓ docstore started")
		for name := range inst.collections {
			fmt.Printf("  - collection: %s\n", name)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", inst.monitor.MetricsHandler())
		mux.HandleFunc("/health", inst.monitor.HealthHandler())
		mux.HandleFunc("/ready", inst.monitor.ReadinessHandler([]string{"wal", "txn"}))
		mux.HandleFunc("/live", inst.monitor.LivenessHandler())
		mux.HandleFunc("/stats", inst.monitor.StatsHandler())

		server := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		fmt.Printf("✓ HTTP endpoints: http://%s/{health,ready,live,metrics,stats}\n", cfg.Server.HTTPAddr)
		fmt.Println("docstore is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			log.WithComponent("docstore").Error().Err(err).Msg("http server error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		inst.Stop()
		fmt.Println("✓ shutdown complete")
		return nil
	},
}
