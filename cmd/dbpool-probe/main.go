package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/driver"
	_ "github.com/tbxark/dbpool/pkg/dbpool/netdriver"
	"github.com/tbxark/dbpool/pkg/dbpool/pool"
	"github.com/tbxark/dbpool/pkg/dbpool/version"
)

const binaryName = "dbpool-probe"

type probeConfig struct {
	pool     *pool.Config
	workers  int
	duration time.Duration
	query    string
	logLevel string
}

type counters struct {
	ok        atomic.Int64
	failed    atomic.Int64
	waitNanos atomic.Int64
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := common.NewLoggerFromString(cfg.logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := cfg.pool.Validate(); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	logger.Info("Probe starting",
		zap.String("version", version.GetVersion()),
		zap.String("driver", cfg.pool.Driver),
		zap.String("url", cfg.pool.URL),
		zap.Int("pool_size", cfg.pool.PoolSize),
		zap.Int("workers", cfg.workers),
		zap.Duration("duration", cfg.duration))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	p, err := pool.New(ctx, cfg.pool, pool.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to open pool", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	start := time.Now()
	c, err := run(ctx, p, cfg)
	elapsed := time.Since(start)

	stats := p.Stats()
	if closeErr := p.Close(); closeErr != nil {
		logger.Warn("Pool closed with errors", zap.Error(closeErr))
	}

	total := c.ok.Load() + c.failed.Load()
	var avgWait time.Duration
	if total > 0 {
		avgWait = time.Duration(c.waitNanos.Load() / total)
	}

	logger.Info("Probe finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("round_trips", c.ok.Load()),
		zap.Int64("failures", c.failed.Load()),
		zap.Duration("avg_acquire_wait", avgWait),
		zap.Int("pool_size", stats.Size),
		zap.Int("free", stats.Free),
		zap.Int("in_use", stats.InUse))

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Probe failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run keeps cfg.workers goroutines cycling acquire, round trip and release
// until cfg.duration elapses or ctx is cancelled.
func run(ctx context.Context, p *pool.Pool, cfg *probeConfig) (*counters, error) {
	c := &counters{}

	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				err := probeOnce(ctx, p, []byte(cfg.query), c)
				switch {
				case err == nil:
				case ctx.Err() != nil:
					return nil
				case errors.Is(err, pool.ErrPoolClosed):
					return err
				case errors.Is(err, pool.ErrInterrupted):
					// AcquireTimeout elapsed
					c.failed.Add(1)
				}
			}
			return nil
		})
	}
	return c, g.Wait()
}

func probeOnce(ctx context.Context, p *pool.Pool, query []byte, c *counters) error {
	waitStart := time.Now()
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	c.waitNanos.Add(int64(time.Since(waitStart)))
	defer func() {
		_ = conn.Close()
	}()

	rt, ok := conn.Raw().(driver.RoundTripper)
	if !ok {
		c.ok.Add(1)
		return nil
	}

	resp, err := rt.RoundTrip(ctx, query)
	if err != nil {
		if ctx.Err() == nil {
			c.failed.Add(1)
		}
		return err
	}
	if string(resp) != string(query) {
		c.failed.Add(1)
		return fmt.Errorf("unexpected response on connection %s", conn.ID())
	}
	c.ok.Add(1)
	return nil
}

func parseFlags() (*probeConfig, error) {
	var (
		driverName     string
		url            string
		username       string
		password       string
		poolSize       int
		acquireTimeout time.Duration
		workers        int
		duration       time.Duration
		query          string
		logLevel       string
		showVersion    bool
	)

	pflag.StringVar(&driverName, "driver", "tcp", "Driver name (tcp or mux)")
	pflag.StringVar(&url, "url", "", "Connection URL, e.g. tcp://127.0.0.1:5499/default (required)")
	pflag.StringVar(&username, "username", "dbpool", "Username for every pooled connection")
	pflag.StringVar(&password, "password", "", "Password for every pooled connection")
	pflag.IntVar(&poolSize, "pool-size", 4, "Number of pooled connections")
	pflag.DurationVar(&acquireTimeout, "acquire-timeout", 0, "Maximum wait for a free connection (0 waits indefinitely)")
	pflag.IntVar(&workers, "workers", 8, "Concurrent workers sharing the pool")
	pflag.DurationVar(&duration, "duration", 10*time.Second, "How long to run")
	pflag.StringVar(&query, "query", "SELECT 1", "Payload sent on every round trip")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion(binaryName))
		os.Exit(0)
	}

	if url == "" {
		return nil, fmt.Errorf("--url is required")
	}
	if workers < 1 {
		return nil, fmt.Errorf("--workers must be at least 1")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("--duration must be positive")
	}

	return &probeConfig{
		pool: &pool.Config{
			PoolSize:       poolSize,
			Driver:         driverName,
			URL:            url,
			Username:       username,
			Password:       password,
			AcquireTimeout: acquireTimeout,
		},
		workers:  workers,
		duration: duration,
		query:    query,
		logLevel: logLevel,
	}, nil
}
