package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/config"
	"github.com/shineum/alias-forwarder/internal/flags"
	"github.com/shineum/alias-forwarder/internal/forwarder"
	"github.com/shineum/alias-forwarder/internal/logger"
	"github.com/shineum/alias-forwarder/internal/metrics"
	"github.com/shineum/alias-forwarder/internal/ops"
	"github.com/shineum/alias-forwarder/internal/provider"
	"github.com/shineum/alias-forwarder/internal/provider/graph"
	"github.com/shineum/alias-forwarder/internal/provider/ses"
	"github.com/shineum/alias-forwarder/internal/provider/smtprelay"
	"github.com/shineum/alias-forwarder/internal/provider/stdout"
	"github.com/shineum/alias-forwarder/internal/rewrite"
	"github.com/shineum/alias-forwarder/internal/store"
	"github.com/shineum/alias-forwarder/internal/store/gormstore"
	"github.com/shineum/alias-forwarder/internal/store/memory"
	"github.com/shineum/alias-forwarder/internal/store/redisstore"
)

// app holds the wired components shared by serve and process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	provider provider.Provider
	metrics  *metrics.Metrics
	handler  *forwarder.Handler
	// pingers are the backends reported on /ready.
	pingers map[string]ops.Pinger
}

// newApp builds every component from cfg. out receives stdout provider
// output.
func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSize:     cfg.Logging.MaxSize,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAge:      cfg.Logging.MaxAge,
		Compress:    cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(),
		pingers: make(map[string]ops.Pinger),
	}
	a.metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStore(); err != nil {
		return nil, err
	}

	if err := a.openProvider(ctx, out); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.handler = forwarder.New(forwarder.Options{
		Store:    a.store,
		Provider: a.provider,
		Rewriter: rewrite.New(cfg.Forwarding.ServiceName, cfg.Forwarding.NoReplyAddress),
		Flags:    flags.NewChecker(cfg.FlagDefaults()),
		Logger:   log,
		Metrics:  a.metrics,
	})
	return a, nil
}

func (a *app) openStore() error {
	cfg := a.cfg.Store

	var s store.Store
	switch cfg.Type {
	case config.StoreMemory:
		if cfg.SeedFile == "" {
			a.logger.Warn("memory store has no seed file; every recipient will be unknown")
			s = memory.New()
			break
		}
		m, err := memory.Load(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("loading seed file: %w", err)
		}
		s = m

	case config.StorePostgres, config.StoreMySQL:
		opts := gormstore.DefaultOptions()
		opts.MaxOpenConns = cfg.MaxOpenConns
		opts.AutoMigrate = cfg.AutoMigrate

		open := gormstore.NewPostgres
		if cfg.Type == config.StoreMySQL {
			open = gormstore.NewMySQL
		}
		g, err := open(cfg.DSN, opts)
		if err != nil {
			return fmt.Errorf("opening %s store: %w", cfg.Type, err)
		}
		a.pingers[cfg.Type] = g
		s = g

	default:
		return fmt.Errorf("unknown store type %q", cfg.Type)
	}

	if a.cfg.MetricsStore.Type == config.MetricsRedis {
		mc := a.cfg.MetricsStore
		counters, err := redisstore.New(redisstore.Config{
			Address:  mc.Address,
			Password: mc.Password,
			DB:       mc.DB,
			Prefix:   mc.Prefix,
		})
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("opening redis counters: %w", err)
		}
		a.pingers["redis"] = counters
		s = store.WithMetrics(s, counters)
	}

	a.store = s
	a.logger.Info("store ready",
		zap.String("type", cfg.Type),
		zap.String("metrics_store", a.cfg.MetricsStore.Type),
	)
	return nil
}

func (a *app) openProvider(ctx context.Context, out io.Writer) error {
	cfg := a.cfg

	var p provider.Provider
	switch cfg.Provider {
	case config.ProviderStdout:
		p = stdout.NewWithWriter(out)

	case config.ProviderSES:
		sp, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("creating SES provider: %w", err)
		}
		p = sp

	case config.ProviderGraph:
		p = graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Mailbox:      cfg.Graph.Mailbox,
		}, a.logger)

	case config.ProviderRelay:
		p = smtprelay.New(smtprelay.Config{
			Address:            cfg.Relay.Address,
			Username:           cfg.Relay.Username,
			Password:           cfg.Relay.Password,
			Security:           cfg.Relay.Security,
			InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		}, a.logger)

	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if cfg.Breaker.Enabled {
		bc := provider.DefaultBreakerConfig()
		if cfg.Breaker.MaxFailures > 0 {
			bc.MaxFailures = cfg.Breaker.MaxFailures
		}
		if cfg.Breaker.Timeout > 0 {
			bc.Timeout = cfg.Breaker.Timeout
		}
		p = provider.WithBreaker(p, bc, a.logger)
	}

	a.provider = p
	a.logger.Info("provider ready",
		zap.String("provider", p.Name()),
		zap.Bool("breaker", cfg.Breaker.Enabled),
	)
	return nil
}

// Close releases the store and flushes the logger.
func (a *app) Close() error {
	// Sync on stdout returns EINVAL on some platforms; ignore it.
	defer func() { _ = a.logger.Sync() }()
	return a.store.Close()
}
