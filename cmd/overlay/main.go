// overlay is the core daemon: it watches the game's telemetry file, tracks
// custom-game lobbies, decides when the overlay window should be visible and
// serves the content layer over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agent-racer/overlay/internal/app"
	"github.com/agent-racer/overlay/internal/config"
	"github.com/agent-racer/overlay/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		mockMode      bool
		mockInterval  time.Duration
		port          int
		logLevel      string
		telemetryPath string
		generateToken bool
	)

	flags := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	flags.BoolVar(&mockMode, "mock", false, "write scripted telemetry instead of reading the game's")
	flags.DurationVar(&mockInterval, "mock-interval", 0, "tick interval for --mock (default 500ms)")
	flags.IntVarP(&port, "port", "p", 0, "override server port")
	flags.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&telemetryPath, "telemetry-path", "", "override telemetry file path")
	flags.BoolVar(&generateToken, "generate-token", false, "print a random content-layer token and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if generateToken {
		token, err := config.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	config.LoadDotEnv()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if telemetryPath != "" {
		cfg.Telemetry.Path = telemetryPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Server.AuthToken == "" {
		logger.Warn("No auth token configured; the content-layer API accepts any local client")
	}

	a, err := app.New(cfg, app.Options{
		Mock:         mockMode,
		MockInterval: mockInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutting down...")
		// Quit notifies clients and closes the lobby before Run returns; a
		// repeat after a content-layer quit is a no-op.
		a.Quit("signal")
	}()

	return a.Run(context.Background())
}
