package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/cli"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/db"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/httpapi"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/logging"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/metrics"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	skipInitial := fs.Bool("skip-initial-refresh", false, "Do not refresh at startup; reads return 503 until the first scheduled or manual refresh")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCtx, dbCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	m := metrics.New()
	coordinator, err := newCoordinator(cfg, pool, m, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure refresh: %v\n", err)
		return 1
	}

	go func() {
		if !*skipInitial {
			if _, err := coordinator.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("initial refresh failed; serving without a generation")
			}
		}
		coordinator.Loop(ctx, cfg.RefreshInterval)
	}()

	srv := httpapi.NewServer(coordinator, m.Gatherer(), logging.Component(logger, "httpapi"), httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		AllowOrigins:    cfg.CORSAllowedOriginsList(),
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}
