package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/eteran/cask/internal/journal"
	"github.com/eteran/cask/pkg/storage"
	"github.com/eteran/cask/pkg/storage/local"

	"github.com/charmbracelet/log"
)

// NewLogger builds the slog logger the command line reports through.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	return slog.New(handler), nil
}

// App owns an open storage and everything behind it.
type App struct {
	Config  Config
	Storage storage.ObjectStorage

	// Journal is nil unless a journal path is configured.
	Journal *journal.Journal

	driver storage.Driver
}

// NewApp opens the local driver described by cfg and, when configured,
// wraps it with the multipart journal.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	opts, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, local.WithLogger(logger))

	driver, err := storage.Open(local.DriverID, opts)
	if err != nil {
		return nil, fmt.Errorf("open storage driver: %w", err)
	}

	store, err := driver.Make()
	if err != nil {
		driver.Shutdown()
		return nil, fmt.Errorf("make storage: %w", err)
	}

	app := &App{Config: cfg, Storage: store, driver: driver}

	if cfg.Journal != "" {
		j, err := journal.Open(ctx, cfg.Journal, store, journal.WithLogger(logger))
		if err != nil {
			driver.Shutdown()
			return nil, err
		}
		app.Journal = j
		app.Storage = j
	}

	return app, nil
}

// Close waits for in-flight work and releases the driver and journal.
func (a *App) Close() error {
	a.driver.Shutdown()

	if a.Journal != nil {
		return a.Journal.Close()
	}
	return nil
}
