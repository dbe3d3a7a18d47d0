// Command chomp runs the ingestion fleet: by default a worker process
// claiming and polling ingesters from the configured YAML document; with
// --server, a retriever/forwarder process bridging the coordination
// store's pub/sub to authenticated WebSocket subscribers instead.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"chomp/internal/auth"
	"chomp/internal/bootstrap"
	"chomp/internal/cache"
	"chomp/internal/coordination/redis"
	"chomp/internal/forwarder"
	"chomp/internal/logging"
	"chomp/internal/ratelimit"

	"github.com/spf13/cobra"
)

var version = "dev"

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.NewComponentFilterHandler(baseHandler, level))
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "chomp",
		Short:   "Horizontally scalable ingestion fleet",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := resolveOptions(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(opts.Verbose)

			if err := bootstrap.LoadEnv(opts.Env); err != nil {
				return fmt.Errorf("load env: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			var code int
			if opts.Server {
				code = runServer(ctx, opts, logger)
			} else {
				code = bootstrap.Run(ctx, opts, logger)
			}
			os.Exit(code)
			return nil
		},
	}

	rootCmd.Flags().String("env", ".env", "path to the dotenv file")
	rootCmd.Flags().Bool("verbose", bootstrap.EnvOrBool("VERBOSE", false), "enable debug logging")
	rootCmd.Flags().String("proc_id", bootstrap.EnvOr("PROC_ID", ""), "stable process id (default: random)")
	rootCmd.Flags().Int("max_retries", bootstrap.EnvOrInt("MAX_RETRIES", 5), "max retries for RPC/websocket operations")
	rootCmd.Flags().Duration("retry_cooldown", time.Duration(bootstrap.EnvOrInt("RETRY_COOLDOWN", 2))*time.Second, "base cooldown between retries")
	rootCmd.Flags().Bool("threaded", bootstrap.EnvOrBool("THREADED", true), "size the shared worker pool to the CPU count (otherwise 2 workers)")
	rootCmd.Flags().Int("max_jobs", bootstrap.EnvOrInt("MAX_JOBS", 16), "max ingesters this worker claims")
	rootCmd.Flags().String("tsdb_adapter", bootstrap.EnvOr("TSDB_ADAPTER", "clickhouse"), "TSDB adapter name")
	rootCmd.Flags().String("config_path", bootstrap.EnvOr("CONFIG_PATH", "chomp.yaml"), "path to the ingester config YAML")
	rootCmd.Flags().Bool("perpetual_indexing", bootstrap.EnvOrBool("PERPETUAL_INDEXING", false), "EVM logger follow-mode: publish every log, not just the latest per tick")
	rootCmd.Flags().Bool("server", bootstrap.EnvOrBool("SERVER", false), "run in retriever/forwarder mode instead of ingesting")
	rootCmd.Flags().String("host", bootstrap.EnvOr("HOST", "0.0.0.0"), "forwarder listen host")
	rootCmd.Flags().Int("port", bootstrap.EnvOrInt("PORT", 8080), "forwarder listen port")
	rootCmd.Flags().Duration("ws_ping_interval", time.Duration(bootstrap.EnvOrInt("WS_PING_INTERVAL", 30))*time.Second, "forwarder WebSocket ping interval")
	rootCmd.Flags().Duration("ws_ping_timeout", time.Duration(bootstrap.EnvOrInt("WS_PING_TIMEOUT", 60))*time.Second, "forwarder WebSocket pong timeout")

	if err := rootCmd.Execute(); err != nil {
		newLogger(false).Error("fatal error", "error", err)
		os.Exit(bootstrap.ExitConfigInvalid)
	}
}

func resolveOptions(cmd *cobra.Command) (bootstrap.Options, error) {
	f := cmd.Flags()
	var opts bootstrap.Options
	var err error

	if opts.Env, err = f.GetString("env"); err != nil {
		return opts, err
	}
	if opts.Verbose, err = f.GetBool("verbose"); err != nil {
		return opts, err
	}
	if opts.ProcID, err = f.GetString("proc_id"); err != nil {
		return opts, err
	}
	if opts.MaxRetries, err = f.GetInt("max_retries"); err != nil {
		return opts, err
	}
	if opts.RetryCooldown, err = f.GetDuration("retry_cooldown"); err != nil {
		return opts, err
	}
	if opts.Threaded, err = f.GetBool("threaded"); err != nil {
		return opts, err
	}
	if opts.MaxJobs, err = f.GetInt("max_jobs"); err != nil {
		return opts, err
	}
	if opts.TSDBAdapter, err = f.GetString("tsdb_adapter"); err != nil {
		return opts, err
	}
	if opts.ConfigPath, err = f.GetString("config_path"); err != nil {
		return opts, err
	}
	if opts.PerpetualIndexing, err = f.GetBool("perpetual_indexing"); err != nil {
		return opts, err
	}
	if opts.Server, err = f.GetBool("server"); err != nil {
		return opts, err
	}
	if opts.Host, err = f.GetString("host"); err != nil {
		return opts, err
	}
	if opts.Port, err = f.GetInt("port"); err != nil {
		return opts, err
	}
	if opts.WSPingInterval, err = f.GetDuration("ws_ping_interval"); err != nil {
		return opts, err
	}
	if opts.WSPingTimeout, err = f.GetDuration("ws_ping_timeout"); err != nil {
		return opts, err
	}
	return opts, nil
}

// runServer starts the retriever/forwarder boundary (spec.md §6's
// --server mode): a WebSocket bridge over the coordination store's
// pub/sub, gated by JWT subscriber tokens and throttled per-subscriber.
func runServer(ctx context.Context, opts bootstrap.Options, logger *slog.Logger) int {
	store, err := redis.New(ctx, redis.Config{
		Host:           bootstrap.EnvOr("REDIS_HOST", "localhost"),
		Port:           bootstrap.EnvOrInt("REDIS_PORT", 6379),
		DB:             bootstrap.EnvOrInt("REDIS_DB", 0),
		MaxConnections: bootstrap.EnvOrInt("REDIS_MAX_CONNECTIONS", 10),
		Namespace:      bootstrap.EnvOr("REDIS_NS", "chomp"),
		User:           os.Getenv("DB_RW_USER"),
		Password:       os.Getenv("DB_RW_PASS"),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("coordination store connect failed", "error", err)
		return bootstrap.ExitAdapterInitError
	}
	defer store.Close()

	c := cache.New(store, bootstrap.EnvOr("REDIS_NS", "chomp"), logger)
	limiter := ratelimit.New(5, 10)

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Error("JWT_SECRET is required in --server mode")
		return bootstrap.ExitConfigInvalid
	}
	tokens := auth.NewTokenService([]byte(secret), 7*24*time.Hour)

	srv := forwarder.NewServer(forwarder.Config{
		Cache:        c,
		Tokens:       tokens,
		Limiter:      limiter,
		PingInterval: opts.WSPingInterval,
		PingTimeout:  opts.WSPingTimeout,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forwarder listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("forwarder server error", "error", err)
		return bootstrap.ExitAdapterInitError
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forwarder shutdown error", "error", err)
	}
	return bootstrap.ExitOK
}
