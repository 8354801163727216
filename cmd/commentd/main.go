// Package main runs the commentd dashboard: the web UI, the session
// workers and the memory watchdog in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/commentd/pkg/auth"
	"github.com/entrhq/commentd/pkg/browser"
	appconfig "github.com/entrhq/commentd/pkg/config"
	"github.com/entrhq/commentd/pkg/logging"
	"github.com/entrhq/commentd/pkg/secret"
	"github.com/entrhq/commentd/pkg/server"
	"github.com/entrhq/commentd/pkg/session"
	"github.com/entrhq/commentd/pkg/store"
	"github.com/entrhq/commentd/pkg/watchdog"
)

const (
	version = "0.1.0" // Version of commentd

	shutdownTimeout   = 15 * time.Second // Grace period for requests and workers on exit
	readHeaderTimeout = 10 * time.Second
)

// Config holds the command line options
type Config struct {
	ConfigPath  string
	Addr        string
	DataDir     string
	Debug       bool
	ShowVersion bool
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("commentd v%s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config); err != nil {
		cancel()
		log.Fatalf("Application error: %v", err)
	}
}

// parseFlags parses command line flags
func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.ConfigPath, "config", os.Getenv("COMMENTD_CONFIG"), "Path to the YAML configuration file (or set COMMENTD_CONFIG)")
	flag.StringVar(&config.Addr, "addr", "", "Listen address, overrides server.addr")
	flag.StringVar(&config.DataDir, "data-dir", "", "Data directory, overrides storage.data_dir")
	flag.BoolVar(&config.Debug, "debug", false, "Enable debug logging and gin debug mode")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "commentd - comment automation dashboard\n\n")
		fmt.Fprintf(os.Stderr, "Usage: commentd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  COMMENTD_ADDR           Listen address (PORT is also honoured)\n")
		fmt.Fprintf(os.Stderr, "  COMMENTD_DATA_DIR       Data directory\n")
		fmt.Fprintf(os.Stderr, "  COMMENTD_MASTER_SECRET  Token signing secret\n")
		fmt.Fprintf(os.Stderr, "  COMMENTD_DEBUG          Enable debug mode\n")
	}

	flag.Parse()
	return config
}

// load reads the configuration file and applies the flag overrides.
func (c *Config) load() (*appconfig.Config, error) {
	cfg, err := appconfig.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.DataDir != "" {
		cfg.Storage.DataDir = c.DataDir
	}
	if c.Debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the components and serves until ctx is cancelled
func run(ctx context.Context, config *Config) error {
	cfg, err := config.load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logging.SetDirectory(cfg.LogDir())
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logger := logging.MustLogger("commentd")
	defer logger.Close()

	logger.Infof("commentd v%s starting, data directory %s", version, cfg.Storage.DataDir)

	box, err := secret.LoadOrCreate(cfg.Resolve(cfg.Storage.KeyPath))
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	masterSecret := cfg.Server.MasterSecret
	if masterSecret == "" {
		masterSecret, err = auth.LoadOrCreateSecret(cfg.Resolve(cfg.Storage.SecretPath))
		if err != nil {
			return err
		}
	}
	tokens, err := auth.NewTokenManager(masterSecret, cfg.Server.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}

	db, err := store.Open(cfg.Resolve(cfg.Storage.DatabasePath), box, logger.With("store"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Nothing survives a restart, so no user has automation running.
	if err := db.ResetAutomationFlags(); err != nil {
		logger.Warnf("Failed to reset automation flags: %v", err)
	}

	browsers := browser.NewManager(browser.Options{
		Headless:        cfg.Browser.Headless,
		Install:         cfg.Browser.Install,
		ExecutablePaths: cfg.Browser.ExecutablePaths,
		UserAgent:       cfg.Browser.UserAgent,
		Viewport: browser.Viewport{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
		Timeout: cfg.Browser.Timeout,
	}, logger.With("browser"))
	defer func() {
		if err := browsers.Shutdown(); err != nil {
			logger.Warnf("Browser shutdown: %v", err)
		}
	}()

	targets, err := cfg.TargetMatchers()
	if err != nil {
		return err
	}
	registry, err := session.NewRegistry(session.Options{
		SnapshotPath:   cfg.Resolve(cfg.Storage.RegistryPath),
		LogDir:         cfg.Resolve(cfg.Storage.SessionLogs),
		MaxLogs:        cfg.Automation.MaxLogs,
		MaxRetries:     cfg.Automation.MaxRetries,
		BaseURL:        cfg.Automation.BaseURL,
		AllowedTargets: targets,
		Timings:        cfg.Automation.Timings,
		Launcher:       browsers,
		Logger:         logger.With("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to load session registry: %w", err)
	}

	dog := watchdog.New(watchdog.Options{
		Interval:    cfg.Watchdog.Interval,
		ThresholdMB: cfg.Watchdog.ThresholdMB,
		Logger:      logger.With("watchdog"),
	})
	if cfg.Watchdog.Enabled {
		dog.Start(ctx)
		defer dog.Stop()
	}

	srv, err := server.New(server.Deps{
		Config:   cfg,
		Store:    db,
		Registry: registry,
		Tokens:   tokens,
		Watchdog: dog,
		Logger:   logger.With("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Dashboard listening on %s", cfg.Server.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Infof("Shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Session shutdown: %v", err)
	}
	logger.Infof("Stopped")
	return nil
}
