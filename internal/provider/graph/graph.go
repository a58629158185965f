// Package graph delivers mail through the Microsoft Graph sendMail API using
// OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/email"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Mailbox is the user whose sendMail endpoint is called. It must be
	// allowed to send as the forwarding no-reply address.
	Mailbox string
}

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	loginBaseURL = "https://login.microsoftonline.com"

	// maxRetries bounds the attempts after the first one.
	maxRetries = 3
	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 64 << 10
)

// Provider sends mail through one mailbox's sendMail endpoint.
type Provider struct {
	sendURL   string
	client    *http.Client
	tokens    *tokenSource
	baseDelay time.Duration
	logger    *zap.Logger
}

// New creates a Provider for the public Graph cloud.
func New(cfg Config, logger *zap.Logger) *Provider {
	client := &http.Client{Timeout: 30 * time.Second}
	return newProvider(cfg, graphBaseURL, loginBaseURL, client, logger)
}

// newProvider lets tests point the provider at local servers.
func newProvider(cfg Config, graphBase, loginBase string, client *http.Client, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", loginBase, url.PathEscape(cfg.TenantID))
	return &Provider{
		sendURL:   fmt.Sprintf("%s/users/%s/sendMail", graphBase, url.PathEscape(cfg.Mailbox)),
		client:    client,
		tokens:    newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		baseDelay: time.Second,
		logger:    logger.With(zap.String("provider", "msgraph")),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// Send posts msg to sendMail. 5xx responses back off exponentially, 429 and
// 503 honour Retry-After, and a 401 refreshes the token once.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("graph: encoding message: %w", err)
	}

	reauthed := false
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := p.post(ctx, body)
		if err == nil {
			p.logger.Debug("message accepted", zap.Int("attempt", attempt+1))
			return nil
		}
		lastErr = err

		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return err
		}

		var wait time.Duration
		switch apiErr.policy {
		case retryReauth:
			if reauthed {
				return err
			}
			reauthed = true
			p.logger.Info("access token rejected, refreshing")
			continue
		case retryThrottled:
			wait = apiErr.retryAfter
			if wait <= 0 {
				wait = p.backoff(attempt)
			}
		case retryBackoff:
			wait = p.backoff(attempt)
		default:
			return err
		}

		if attempt == maxRetries {
			break
		}
		p.logger.Info("sendMail failed, retrying",
			zap.Int("status", apiErr.status),
			zap.Duration("delay", wait),
			zap.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("graph: waiting to retry: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("graph: giving up after %d attempts: %w", maxRetries+1, lastErr)
}

// post makes one sendMail call. A rejected token is dropped from the cache
// before the error is returned.
func (p *Provider) post(ctx context.Context, body payload) error {
	tok, err := p.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("graph: acquiring token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewReader(body.body))
	if err != nil {
		return fmt.Errorf("graph: creating request: %w", err)
	}
	req.Header.Set("Content-Type", body.contentType)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("graph: %w", ctx.Err())
		}
		return &apiError{message: err.Error(), policy: retryBackoff}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := classify(resp.StatusCode, resp.Header, raw)
	if apiErr.policy == retryReauth {
		p.tokens.Invalidate(tok)
	}
	return apiErr
}

func (p *Provider) backoff(attempt int) time.Duration {
	return p.baseDelay << attempt
}
