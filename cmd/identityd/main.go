// Command identityd serves the identity engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	identity "github.com/cropai/identity"
	"github.com/cropai/identity/internal/config"
	"github.com/cropai/identity/internal/httpapi"
	"github.com/cropai/identity/internal/jobs"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/rbac"
	"github.com/cropai/identity/store"
	"github.com/cropai/identity/store/memory"
	"github.com/cropai/identity/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to identity.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Development())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("identityd failed", zap.Error(err))
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	st, closeStore, err := openStore(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var email notify.Sender
	if cfg.SMTP.Host != "" {
		email = notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
		})
	} else {
		logger.Warn("smtp host not configured, email codes are logged only")
		email = notify.NewLogEmailSender(logger)
	}

	engine, err := identity.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithStore(st).
		WithLogger(logger).
		WithMetrics(metrics.New(reg)).
		WithEmailSender(email).
		WithSMSSender(notify.NewLogSMSSender(logger)).
		Build()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	seed, err := loadSeed(cfg.Identity.SeedFile)
	if err != nil {
		return err
	}
	if err := engine.Resolver().Apply(ctx, seed); err != nil {
		return fmt.Errorf("apply rbac seed: %w", err)
	}

	sweeper := jobs.NewSweeper(engine, cfg.Identity.SweepSchedule, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	srv := httpapi.NewServer(httpapi.Config{
		Address: cfg.HTTP.Address,
		Timeout: cfg.HTTP.Timeout,
	}, engine, reg, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	sweeper.Stop(shutdownCtx)

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	logger.Info("identityd exited")
	return nil
}

func openStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("postgres dsn not configured, using the in-memory store")
		return memory.New(nil), func() {}, nil
	}
	pg, err := postgres.Open(ctx, cfg.DSN, postgres.Options{
		MaxOpen:         cfg.MaxOpen,
		MaxIdle:         cfg.MaxIdle,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func loadSeed(path string) (rbac.Seed, error) {
	if path == "" {
		return rbac.DefaultSeed(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return rbac.Seed{}, fmt.Errorf("open rbac seed: %w", err)
	}
	defer f.Close()
	return rbac.LoadSeed(f)
}
