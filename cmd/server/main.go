package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mhorvath/bulkpg/internal/config"
	"github.com/mhorvath/bulkpg/internal/importer"
	"github.com/mhorvath/bulkpg/internal/logging"
	"github.com/mhorvath/bulkpg/internal/pool"
	"github.com/mhorvath/bulkpg/internal/security"
	"github.com/mhorvath/bulkpg/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"auto_create", cfg.Import.AutoCreate,
	)

	dial, err := pool.PostgresDialer(cfg.Database)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	mgr := pool.New(pool.Config{
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		AcquireAttempts: cfg.Database.AcquireAttempts,
		AcquireBackoff:  cfg.Database.AcquireBackoff,
	}, dial)
	defer mgr.Close()

	if err := mgr.Warm(ctx); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	validator := security.New(cfg.Security.CriticalFields, cfg.Security.MaxValueLength)

	engine := importer.NewEngine(mgr, validator, importer.Config{
		Thresholds: importer.Thresholds{
			SingleRowMax: cfg.Import.SingleRowMax,
			BatchedMax:   cfg.Import.BatchedMax,
			BatchSize:    cfg.Import.BatchSize,
		},
		AutoCreate:    cfg.Import.AutoCreate,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWaitTime:   cfg.Import.MaxWaitTime,
		HistorySize:   cfg.Import.HistorySize,
	})

	server := web.NewServer(engine, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if active := engine.ActiveImports(); active > 0 {
			slog.Info("waiting for imports to complete", "active", active)
			if err := engine.WaitForImports(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
