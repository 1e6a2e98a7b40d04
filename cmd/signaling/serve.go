package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/handlers"
	"github.com/mossy-p/roomrelay/internal/logging"
	"github.com/mossy-p/roomrelay/internal/redis"
	"github.com/mossy-p/roomrelay/internal/registry"
	"github.com/mossy-p/roomrelay/internal/relay"
	"github.com/mossy-p/roomrelay/internal/session"
)

const shutdownTimeout = 5 * time.Second

var flagServePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		if flagServePort != "" {
			cfg.Port = flagServePort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagServePort, "port", "p", "", "listen port (overrides PORT)")
}

func serve(cfg *config.Config) error {
	logger := logging.Init(cfg.LogLevel, !cfg.IsProduction())
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []relay.Option{relay.WithLogger(logger)}

	// Must stay a nil interface when Redis is off.
	var presence handlers.PresenceLoader
	if cfg.Redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		mirror := redis.NewPresence(client, cfg.Redis.PresenceTTL)
		go mirror.Run(ctx)
		opts = append(opts, relay.WithPresence(mirror))
		presence = mirror
		logger.Info().Str("host", cfg.Redis.Host).Msg("Redis presence mirror enabled")
	}

	router := relay.NewRouter(registry.New(), session.NewDirectory(), opts...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewEngine(cfg, router, presence),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	logger.Info().Msg("Server exited")
	return nil
}
