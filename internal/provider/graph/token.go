package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultScope = "https://graph.microsoft.com/.default"
	// expiryMargin is subtracted from the advertised lifetime so a token is
	// never used in the last minutes before it lapses mid-request.
	expiryMargin = 5 * time.Minute
)

// tokenSource issues client-credentials access tokens and caches the current
// one. Callers that miss the cache at the same time share one token request.
type tokenSource struct {
	endpoint     string
	clientID     string
	clientSecret string
	scope        string
	client       *http.Client
	now          func() time.Time

	mu      sync.RWMutex
	current string
	expiry  time.Time

	group singleflight.Group
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        defaultScope,
		client:       client,
		now:          time.Now,
	}
}

// Token returns a valid access token.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}

	v, err, _ := ts.group.Do("token", func() (interface{}, error) {
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		tok, lifetime, err := ts.request(ctx)
		if err != nil {
			return "", err
		}
		ts.mu.Lock()
		ts.current = tok
		ts.expiry = ts.now().Add(lifetime - expiryMargin)
		ts.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops tok from the cache. A token that has already been
// replaced is left alone.
func (ts *tokenSource) Invalidate(tok string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.current == tok {
		ts.current = ""
		ts.expiry = time.Time{}
	}
}

func (ts *tokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.current == "" || !ts.now().Before(ts.expiry) {
		return "", false
	}
	return ts.current, true
}

// tokenReply covers both the success and the error shape of the token
// endpoint.
type tokenReply struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (ts *tokenSource) request(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
		"scope":         {ts.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var reply tokenReply
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply)

	if resp.StatusCode != http.StatusOK {
		if reply.Error != "" {
			return "", 0, fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, reply.Error, reply.ErrorDescription)
		}
		return "", 0, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", decodeErr)
	}
	if reply.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}

	return reply.AccessToken, time.Duration(reply.ExpiresIn) * time.Second, nil
}
