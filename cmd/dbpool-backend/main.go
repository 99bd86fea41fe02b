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
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/tbxark/dbpool/pkg/dbpool/backend"
	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/version"
)

const binaryName = "dbpool-backend"

type flags struct {
	logLevel string
	cfg      *backend.Config
}

func main() {
	f, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := common.NewLoggerFromString(f.logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := f.cfg
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	logger.Info("Backend starting",
		zap.String("version", version.GetVersion()),
		zap.String("listen", cfg.ListenAddr),
		zap.String("username", cfg.Username),
		zap.Strings("databases", cfg.Databases),
		zap.Int("max_clients", cfg.MaxClients),
		zap.Int("max_auth_failures", cfg.MaxAuthFailures),
		zap.Duration("auth_block_duration", cfg.AuthBlockDuration),
		zap.Int("max_streams_per_session", cfg.MaxStreamsPerSession))

	srv := backend.NewServer(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Server error", zap.Error(err))
			_ = logger.Sync()
			os.Exit(1)
		}
	}

	logger.Info("Backend stopped")
}

func parseFlags() (*flags, error) {
	defaults, err := loadEnvDefaults()
	if err != nil {
		return nil, err
	}

	var (
		listenAddr           string
		username             string
		password             string
		databases            string
		maxClients           int
		maxAuthFailures      int
		authBlockDuration    time.Duration
		maxStreamsPerSession int
		logLevel             string
		showVersion          bool
	)

	pflag.StringVar(&listenAddr, "listen", defaults.ListenAddr, "Address to listen for pool connections")
	pflag.StringVar(&username, "username", defaults.Username, "Username clients must present")
	pflag.StringVar(&password, "password", defaults.Password, "Password clients must present (generated if empty)")
	pflag.StringVar(&databases, "databases", defaults.Databases, "Databases to serve (comma-separated)")
	pflag.IntVar(&maxClients, "max-clients", defaults.MaxClients, "Maximum number of concurrent client connections")
	pflag.IntVar(&maxAuthFailures, "max-auth-failures", defaults.MaxAuthFailures, "Maximum authentication failures before blocking a host")
	pflag.DurationVar(&authBlockDuration, "auth-block-duration", defaults.AuthBlockDuration, "Duration to block a host after max auth failures")
	pflag.IntVar(&maxStreamsPerSession, "max-streams-per-session", defaults.MaxStreamsPerSession, "Maximum concurrent streams on one multiplexed session")
	pflag.StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion(binaryName))
		os.Exit(0)
	}

	if password == "" {
		generated, err := common.GeneratePassword(16)
		if err != nil {
			return nil, fmt.Errorf("failed to generate password: %w", err)
		}
		password = generated
		fmt.Printf("\nNo password provided. Generated password:\n")
		fmt.Printf("   %s\n", generated)
		fmt.Printf("\nUse it with: --password=%q\n\n", generated)
	}

	return &flags{
		logLevel: logLevel,
		cfg: &backend.Config{
			ListenAddr:           listenAddr,
			Username:             username,
			Password:             password,
			Databases:            backend.ParseDatabases(databases),
			MaxClients:           maxClients,
			MaxAuthFailures:      maxAuthFailures,
			AuthBlockDuration:    authBlockDuration,
			MaxStreamsPerSession: maxStreamsPerSession,
		},
	}, nil
}
