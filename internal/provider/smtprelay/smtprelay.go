// Package smtprelay implements a Provider that hands forwarded mail to an
// upstream SMTP server.
package smtprelay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/email"
	"github.com/shineum/alias-forwarder/internal/provider"
)

// maxRetries bounds retries of temporary (4xx) upstream failures.
const maxRetries = 3

// Security modes.
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

// Config describes the upstream relay.
type Config struct {
	// Address is host:port of the upstream server.
	Address  string
	Username string
	Password string
	// Security is one of none, starttls or tls. Empty means starttls.
	Security           string
	InsecureSkipVerify bool
	// RetryDelay is the initial backoff between attempts. Defaults to 1s.
	RetryDelay time.Duration
}

// Provider relays messages over SMTP. Each Send opens its own connection.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a relay provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.With(zap.String("provider", "smtp"))}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send delivers msg with the no-reply address as envelope sender and the
// single outbound recipient as envelope recipient.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	raw, err := provider.BuildMIME(msg)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryDelay << (attempt - 1)
			p.logger.Debug("retrying upstream SMTP delivery",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry wait: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = p.deliver(ctx, msg.From.Address, msg.To.Address, raw)
		if lastErr == nil {
			return nil
		}

		var smtpErr *gosmtp.SMTPError
		if errors.As(lastErr, &smtpErr) && !smtpErr.Temporary() {
			return lastErr
		}
		p.logger.Warn("upstream SMTP error",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}

	return fmt.Errorf("upstream SMTP delivery failed after %d retries: %w", maxRetries, lastErr)
}

func (p *Provider) deliver(ctx context.Context, from, to string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := p.dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", p.cfg.Address, err)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("authenticating to %s: %w", p.cfg.Address, err)
		}
	}

	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return err
	}
	return c.Quit()
}

func (p *Provider) dial() (*gosmtp.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: p.cfg.InsecureSkipVerify}

	switch p.cfg.Security {
	case SecurityTLS:
		return gosmtp.DialTLS(p.cfg.Address, tlsConfig)
	case SecurityNone:
		return gosmtp.Dial(p.cfg.Address)
	default:
		return gosmtp.DialStartTLS(p.cfg.Address, tlsConfig)
	}
}
