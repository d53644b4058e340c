package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pairbot/backend/internal/app"
	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
	"github.com/pairbot/backend/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	port := pflag.Int("port", 0, "Override server port")
	mockMode := pflag.Bool("mock", false, "Use the built-in fake network client")
	devMode := pflag.Bool("dev", false, "Development mode (debug logging, serve the page from the filesystem)")
	pflag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *mockMode {
		cfg.Client.Mode = "mock"
	}
	if *devMode {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	opts := []app.Option{app.WithClock(clk)}
	if *devMode {
		dir := devStaticDir()
		log.Infof("Serving frontend from filesystem: %s", dir)
		opts = append(opts, app.WithStaticDir(dir))
	}

	log.Infow("starting", "mode", cfg.Client.Mode, "port", cfg.Server.Port)
	bot := app.New(cfg, app.NewClient(cfg, clk, log), log, opts...)

	runErr := bot.Run(ctx)
	if runErr != nil {
		log.Errorw("bot stopped", "error", runErr)
	}

	code := bot.Shutdown(context.Background())
	// Run only fails on startup or runtime errors (listen, HTTP server,
	// supervisor.ErrRetriesExhausted); those exit non-zero even after a
	// clean teardown.
	if runErr != nil && code == 0 {
		code = 1
	}
	return code
}

// devStaticDir finds the page sources when running from the repo root or
// from cmd/server.
func devStaticDir() string {
	cwd, _ := os.Getwd()
	for _, dir := range []string{
		filepath.Join(cwd, "internal", "frontend", "static"),
		filepath.Join(cwd, "..", "..", "internal", "frontend", "static"),
	} {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return filepath.Join(cwd, "internal", "frontend", "static")
}
