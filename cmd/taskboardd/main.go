// Command taskboardd is the taskboard server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/taskboard/comms"
	"github.com/GoCodeAlone/taskboard/config"
	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/internal/metrics"
	"github.com/GoCodeAlone/taskboard/internal/version"
	"github.com/GoCodeAlone/taskboard/notify"
	"github.com/GoCodeAlone/taskboard/server"
	"github.com/GoCodeAlone/taskboard/server/ws"
	"github.com/GoCodeAlone/taskboard/storage"
	"github.com/GoCodeAlone/taskboard/task"
)

var configPath = flag.String("config", "taskboard.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting taskboardd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskboardd failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// loadConfig reads path, falling back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	if cfg.Database.Driver == string(storage.SQLite) && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := identity.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}
	tasks, err := task.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}
	if err := seed(ctx, cfg.Seed, users, tasks, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	m := metrics.New()
	bus := comms.NewInMemoryBus(comms.DefaultHistory)
	hub := ws.NewHub(logger)
	defer hub.Attach(bus)()

	engine := task.NewEngine(tasks, users, logger)
	engine.SetMetrics(m)

	var notifier *notify.BusNotifier
	if cfg.Notify.Enabled {
		mailer := notify.NewMailer(users, notify.NewSender(cfg.Notify.SMTP, logger), cfg.Notify, logger)
		mailer.SetMetrics(m)
		defer mailer.Subscribe(bus)()

		notifier = notify.NewBusNotifier(bus, cfg.Notify.Timeout, logger)
		engine.SetNotifier(notifier)
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetEngine(engine)
	srv.SetDirectory(users)
	srv.SetBus(bus)
	srv.SetHub(hub)
	srv.SetMetrics(m)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", slog.Any("err", err))
	}
	if notifier != nil {
		notifier.Wait()
	}
	return nil
}
