package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/alias-forwarder/internal/email"
)

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func forwarded() *email.Email {
	return &email.Email{
		From:     email.Address{Name: "Jane (via Relay)", Address: "noreply@relay.test"},
		ReplyTo:  email.Address{Name: "Jane", Address: "jane@example.com"},
		To:       email.Address{Name: "shop@relay.test", Address: "owner@example.com"},
		Subject:  "Order 42",
		TextBody: "Where is my order?",
	}
}

// fakeGraph serves both the token and the sendMail endpoints. Each sendMail
// call is answered by the next entry of replies; the last one repeats.
type fakeGraph struct {
	srv     *httptest.Server
	replies []func(w http.ResponseWriter)
	sends   atomic.Int32
	tokens  atomic.Int32

	mu       sync.Mutex
	lastType string
	lastAuth string
	lastBody []byte
}

func newFakeGraph(t *testing.T, replies ...func(w http.ResponseWriter)) *fakeGraph {
	t.Helper()
	f := &fakeGraph{replies: replies}
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokens.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	})
	mux.HandleFunc("/users/sender@relay.test/sendMail", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.sends.Add(1))
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastType = r.Header.Get("Content-Type")
		f.lastAuth = r.Header.Get("Authorization")
		f.lastBody = body
		f.mu.Unlock()
		if n > len(f.replies) {
			n = len(f.replies)
		}
		f.replies[n-1](w)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// last returns the content type, authorization and body of the latest send.
func (f *fakeGraph) last() (string, string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastType, f.lastAuth, f.lastBody
}

func (f *fakeGraph) provider() *Provider {
	p := newProvider(Config{
		TenantID:     "tenant-1",
		ClientID:     "cid",
		ClientSecret: "secret",
		Mailbox:      "sender@relay.test",
	}, f.srv.URL, f.srv.URL, f.srv.Client(), nil)
	p.baseDelay = time.Millisecond
	return p
}

func status(code int, body string, headers ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(headers); i += 2 {
			w.Header().Set(headers[i], headers[i+1])
		}
		w.WriteHeader(code)
		fmt.Fprint(w, body)
	}
}

var accepted = status(http.StatusAccepted, "")

func TestProvider_Name(t *testing.T) {
	t.Parallel()
	if got := New(Config{}, nil).Name(); got != "msgraph" {
		t.Errorf("Name: got %q, want %q", got, "msgraph")
	}
}

func TestSend_JSONMessage(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, accepted)
	msg := forwarded()
	msg.Headers = map[string]string{"X-Original-To": "shop@relay.test", "Received": "dropped"}
	msg.Attachments = []email.Attachment{{Filename: "a.txt", ContentType: "text/plain", Content: []byte("hi")}}

	if err := g.provider().Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	contentType, auth, body := g.last()
	if contentType != "application/json" {
		t.Errorf("Content-Type: got %q, want %q", contentType, "application/json")
	}
	if auth != "Bearer tok-1" {
		t.Errorf("Authorization: got %q, want %q", auth, "Bearer tok-1")
	}

	var req sendMailRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("body is not a sendMail request: %v", err)
	}
	m := req.Message
	if m.Subject != "Order 42" || m.Body.ContentType != "text" || m.Body.Content != "Where is my order?" {
		t.Errorf("subject/body: got %+v", m)
	}
	if m.From == nil || m.From.EmailAddress != (mailbox{Name: "Jane (via Relay)", Address: "noreply@relay.test"}) {
		t.Errorf("From: got %+v", m.From)
	}
	if len(m.ReplyTo) != 1 || m.ReplyTo[0].EmailAddress.Address != "jane@example.com" {
		t.Errorf("ReplyTo: got %+v", m.ReplyTo)
	}
	if len(m.ToRecipients) != 1 || m.ToRecipients[0].EmailAddress != (mailbox{Name: "shop@relay.test", Address: "owner@example.com"}) {
		t.Errorf("ToRecipients: got %+v", m.ToRecipients)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ContentBytes != base64.StdEncoding.EncodeToString([]byte("hi")) {
		t.Errorf("Attachments: got %+v", m.Attachments)
	}
	if len(m.InternetMessageHeaders) != 1 || m.InternetMessageHeaders[0].Name != "X-Original-To" {
		t.Errorf("InternetMessageHeaders: got %+v", m.InternetMessageHeaders)
	}
	if req.SaveToSentItems {
		t.Error("forwarded mail should not be saved to sent items")
	}
}

func TestSend_NoReplyToOmitted(t *testing.T) {
	t.Parallel()

	msg := forwarded()
	msg.ReplyTo = email.Address{}
	b, err := json.Marshal(newMessage(msg))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "replyTo") {
		t.Errorf("replyTo should be omitted: %s", b)
	}
}

func TestSend_HTMLOnlyUsesHTMLBody(t *testing.T) {
	t.Parallel()

	msg := forwarded()
	msg.TextBody = ""
	msg.HtmlBody = "<p>hi</p>"
	m := newMessage(msg)
	if m.Body.ContentType != "html" || m.Body.Content != "<p>hi</p>" {
		t.Errorf("Body: got %+v", m.Body)
	}
}

func TestSend_BothBodiesGoAsMIME(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, accepted)
	msg := forwarded()
	msg.HtmlBody = "<p>Where is my order?</p>"

	if err := g.provider().Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	contentType, _, body := g.last()
	if contentType != "text/plain" {
		t.Errorf("Content-Type: got %q, want %q", contentType, "text/plain")
	}
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		t.Fatalf("body is not base64: %v", err)
	}
	for _, want := range []string{"multipart/alternative", "Subject: Order 42", "Reply-To:"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("MIME body missing %q", want)
		}
	}
}

func TestSend_PermanentErrors(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			g := newFakeGraph(t, status(code, `{"error":{"code":"ErrorInvalidRecipients","message":"nope"}}`))

			err := g.provider().Send(context.Background(), forwarded())
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *apiError, got %v", err)
			}
			if apiErr.Temporary() {
				t.Error("error should not be temporary")
			}
			if apiErr.code != "ErrorInvalidRecipients" || apiErr.message != "nope" {
				t.Errorf("error detail: got %q %q", apiErr.code, apiErr.message)
			}
			if got := g.sends.Load(); got != 1 {
				t.Errorf("attempts: got %d, want 1", got)
			}
		})
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, status(500, "boom"), status(502, "boom"), accepted)
	if err := g.provider().Send(context.Background(), forwarded()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := g.sends.Load(); got != 3 {
		t.Errorf("attempts: got %d, want 3", got)
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, status(503, "down"))
	err := g.provider().Send(context.Background(), forwarded())
	if err == nil || !strings.Contains(err.Error(), "giving up after 4 attempts") {
		t.Fatalf("expected give-up error, got %v", err)
	}
	if got := g.sends.Load(); got != maxRetries+1 {
		t.Errorf("attempts: got %d, want %d", got, maxRetries+1)
	}
}

func TestSend_RefreshesTokenOnceOn401(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, status(401, "expired"), accepted)
	if err := g.provider().Send(context.Background(), forwarded()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := g.tokens.Load(); got != 2 {
		t.Errorf("token requests: got %d, want 2", got)
	}
	if _, auth, _ := g.last(); auth != "Bearer tok-2" {
		t.Errorf("Authorization after refresh: got %q, want %q", auth, "Bearer tok-2")
	}

	g2 := newFakeGraph(t, status(401, "still no"))
	if err := g2.provider().Send(context.Background(), forwarded()); err == nil {
		t.Fatal("expected error after second 401")
	}
	if got := g2.sends.Load(); got != 2 {
		t.Errorf("attempts with repeated 401: got %d, want 2", got)
	}
}

func TestSend_ThrottledHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, status(429, "slow down", "Retry-After", "1"), accepted)

	start := time.Now()
	if err := g.provider().Send(context.Background(), forwarded()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retry happened after %v, want at least 1s", elapsed)
	}
}

func TestSend_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	g := newFakeGraph(t, status(429, "slow down", "Retry-After", "30"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.provider().Send(ctx, forwarded())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   retryPolicy
	}{
		{http.StatusBadRequest, noRetry},
		{http.StatusForbidden, noRetry},
		{http.StatusUnauthorized, retryReauth},
		{http.StatusTooManyRequests, retryThrottled},
		{http.StatusServiceUnavailable, retryThrottled},
		{http.StatusInternalServerError, retryBackoff},
		{http.StatusGatewayTimeout, retryBackoff},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			got := classify(tt.status, http.Header{}, []byte("plain text"))
			if got.policy != tt.want {
				t.Errorf("policy: got %d, want %d", got.policy, tt.want)
			}
			if got.message != "plain text" {
				t.Errorf("message: got %q, want %q", got.message, "plain text")
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAPIError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *apiError
		want string
	}{
		{&apiError{status: 400, code: "BadRequest", message: "bad"}, "graph: HTTP 400 BadRequest: bad"},
		{&apiError{status: 500, message: "boom"}, "graph: HTTP 500: boom"},
		{&apiError{message: "dial tcp: refused"}, "graph: dial tcp: refused"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error(): got %q, want %q", got, tt.want)
		}
	}
}
