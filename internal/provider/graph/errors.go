package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryPolicy says how Send reacts to a failed attempt.
type retryPolicy int

const (
	noRetry retryPolicy = iota
	retryBackoff
	// retryReauth drops the cached token and retries at once.
	retryReauth
	// retryThrottled waits for Retry-After when the server sent one.
	retryThrottled
)

// apiError is one failed sendMail attempt.
type apiError struct {
	status     int
	code       string
	message    string
	policy     retryPolicy
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.status == 0 {
		return "graph: " + e.message
	}
	if e.code != "" {
		return fmt.Sprintf("graph: HTTP %d %s: %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("graph: HTTP %d: %s", e.status, e.message)
}

// Temporary reports whether a later attempt may succeed.
func (e *apiError) Temporary() bool {
	return e.policy != noRetry
}

// classify turns a non-2xx sendMail response into an apiError.
func classify(status int, header http.Header, body []byte) *apiError {
	e := &apiError{status: status}

	var reply struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err == nil && reply.Error.Message != "" {
		e.code = reply.Error.Code
		e.message = reply.Error.Message
	} else {
		e.message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized:
		e.policy = retryReauth
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		e.policy = retryThrottled
		e.retryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case status >= 500:
		e.policy = retryBackoff
	default:
		e.policy = noRetry
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
