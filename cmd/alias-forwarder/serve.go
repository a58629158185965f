package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/alias-forwarder/internal/ops"
	"github.com/shineum/alias-forwarder/internal/smtp"
	smtptls "github.com/shineum/alias-forwarder/internal/tls"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP ingress and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	srvCfg := smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        a.handler,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
		Logger:         a.logger,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := smtptls.Load(smtptls.Config{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			Hosts:    []string{cfg.SMTP.Hostname},
		}, a.logger)
		if err != nil {
			return fmt.Errorf("setting up TLS: %w", err)
		}
		srvCfg.TLSConfig = tlsConfig
	}

	a.logger.Info("starting alias-forwarder",
		zap.String("listen", cfg.SMTP.Listen),
		zap.String("provider", a.provider.Name()),
		zap.Bool("auth_enabled", cfg.AuthEnabled()),
		zap.Bool("tls_enabled", cfg.TLS.Enabled),
		zap.String("ops_listen", cfg.Ops.Listen),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return smtp.New(srvCfg).ListenAndServe(ctx)
	})

	if cfg.Ops.Listen != "" {
		opsSrv := ops.New(a.metrics.Handler(), a.logger)
		for name, p := range a.pingers {
			opsSrv.AddReadinessCheck(name, p)
		}
		g.Go(func() error {
			return opsSrv.ListenAndServe(ctx, cfg.Ops.Listen)
		})
	}

	err = g.Wait()
	a.logger.Info("alias-forwarder stopped", zap.Error(err))
	return err
}
