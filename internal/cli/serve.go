package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/pantry/internal/config"
	"github.com/lazypower/pantry/internal/server"
	"github.com/lazypower/pantry/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	reg.StartRelearnTimer(cfg.Memory.RelearnInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Watch.Enabled && cfg.Data.Backend == config.BackendFile {
		w, err := watch.New(cfg.Data.Dir, cfg.Watch.Debounce, reg)
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		go w.Run(ctx)
		log.Info().Str("dir", cfg.Data.Dir).Dur("debounce", cfg.Watch.Debounce).Msg("watching for external edits")
	}

	srv := server.New(reg, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("backend", cfg.Data.Backend).
			Dur("relearnInterval", cfg.Memory.RelearnInterval).
			Msg("pantry serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}
