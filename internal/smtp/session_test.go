package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/alias-forwarder/internal/forwarder"
	"github.com/shineum/alias-forwarder/internal/job"
)

// recordingHandler captures the jobs handed over by DATA.
type recordingHandler struct {
	mu   sync.Mutex
	jobs []*job.Job
	err  error
}

func (h *recordingHandler) Handle(_ context.Context, j *job.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, j)
	return h.err
}

func (h *recordingHandler) last() *job.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.jobs) == 0 {
		return nil
	}
	return h.jobs[len(h.jobs)-1]
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session against h and returns the client side with
// the greeting already consumed.
func startSession(t *testing.T, auth *Authenticator, h JobHandler, opts SessionOptions) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	if opts.Hostname == "" {
		opts.Hostname = "mail.test.com"
	}
	sess := NewSession(server, auth, h, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expect sends cmd and checks the reply code prefix.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, code string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, code+" ") {
		t.Errorf("%s: got %q, want prefix '%s '", cmd, resp, code)
	}
	return resp
}

// ehlo sends EHLO and returns all capability lines.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

// sendMessage runs MAIL, RCPT and DATA and returns the final reply.
func sendMessage(t *testing.T, conn net.Conn, reader *bufio.Reader, from string, rcpts []string, body string) string {
	t.Helper()
	expect(t, conn, reader, "MAIL FROM:<"+from+">", "250")
	for _, rcpt := range rcpts {
		expect(t, conn, reader, "RCPT TO:<"+rcpt+">", "250")
	}
	expect(t, conn, reader, "DATA", "354")
	if _, err := conn.Write([]byte(body + "\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

const testMessage = "From: sender@example.com\r\n" +
	"To: shop@relay.test\r\n" +
	"Subject: Test Email\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello, this is a test email."

func TestSession_GreetingNamesHost(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{Hostname: "mail.test.com"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Handle(ctx)

	greeting := readLine(t, bufio.NewReader(client))
	if greeting != "220 mail.test.com ESMTP alias-forwarder" {
		t.Errorf("greeting: got %q", greeting)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &recordingHandler{}, SessionOptions{MaxMessageSize: 1024})
	lines := ehlo(t, client, reader)

	joined := strings.Join(lines, "\n")
	for _, want := range []string{"AUTH PLAIN LOGIN", "SIZE 1024", "8BITMIME"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Error("STARTTLS advertised without a TLS config")
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  string
		code string
	}{
		{cmd: "HELO client.test.com", code: "250"},
		{cmd: "NOOP", code: "250"},
		{cmd: "INVALID", code: "500"},
		{cmd: "EHLO", code: "501"},
		{cmd: "STARTTLS", code: "454"},
		{cmd: "QUIT", code: "221"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{})
			expect(t, client, reader, tt.cmd, tt.code)
		})
	}
}

func TestSession_MailTransaction_NoAuth(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	client, reader := startSession(t, NewAuthenticator("", ""), h, SessionOptions{})
	ehlo(t, client, reader)

	resp := sendMessage(t, client, reader, "sender@example.com",
		[]string{"shop@relay.test", "news@relay.test"}, testMessage)
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}

	j := h.last()
	if j == nil {
		t.Fatal("handler did not receive a job")
	}
	if j.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", j.From, "sender@example.com")
	}
	if got := strings.Join(j.To, ","); got != "shop@relay.test,news@relay.test" {
		t.Errorf("To: got %q", got)
	}
	if !strings.Contains(string(j.Data), "Subject: Test Email") {
		t.Errorf("Data missing subject header: %q", j.Data)
	}
	if !strings.Contains(resp, j.ID) {
		t.Errorf("reply %q should carry job id %q", resp, j.ID)
	}
}

func TestSession_DotUnstuffing(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	client, reader := startSession(t, NewAuthenticator("", ""), h, SessionOptions{})
	ehlo(t, client, reader)

	resp := sendMessage(t, client, reader, "a@example.com", []string{"b@relay.test"},
		"Subject: dots\r\n\r\n..leading dot")
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q", resp)
	}
	if !strings.Contains(string(h.last().Data), "\r\n.leading dot") {
		t.Errorf("dot-stuffing not removed: %q", h.last().Data)
	}
}

func TestSession_HandlerOutcomeCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "done", err: nil, code: "250"},
		{name: "retryable", err: &forwarder.Error{JobID: "j", Retryable: true, Err: errors.New("store down")}, code: "451"},
		{name: "permanent", err: &forwarder.Error{JobID: "j", Err: errors.New("malformed")}, code: "554"},
		{name: "unclassified", err: errors.New("boom"), code: "451"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{err: tt.err}, SessionOptions{})
			ehlo(t, client, reader)

			resp := sendMessage(t, client, reader, "a@example.com", []string{"b@relay.test"}, testMessage)
			if !strings.HasPrefix(resp, tt.code+" ") {
				t.Errorf("got %q, want prefix '%s '", resp, tt.code)
			}

			// The transaction is reset either way.
			expect(t, client, reader, "RCPT TO:<b@relay.test>", "503")
		})
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	client, reader := startSession(t, NewAuthenticator("", ""), h, SessionOptions{MaxMessageSize: 64})
	ehlo(t, client, reader)

	resp := sendMessage(t, client, reader, "a@example.com", []string{"b@relay.test"},
		testMessage+"\r\n"+strings.Repeat("x", 200))
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized DATA: got %q, want prefix '552 '", resp)
	}
	if h.last() != nil {
		t.Error("oversized message reached the handler")
	}

	// The session stays usable.
	expect(t, client, reader, "NOOP", "250")
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250")
	expect(t, client, reader, "RSET", "250")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &recordingHandler{}, SessionOptions{})

	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "503")
	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "530")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503")
	expect(t, client, reader, "DATA", "503")
}

func TestSession_NullReversePath(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	client, reader := startSession(t, NewAuthenticator("", ""), h, SessionOptions{})
	ehlo(t, client, reader)

	resp := sendMessage(t, client, reader, "", []string{"shop@relay.test"}, testMessage)
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}
	j := h.last()
	if j == nil {
		t.Fatal("handler did not receive a job")
	}
	if j.From != "" {
		t.Errorf("From: got %q, want empty", j.From)
	}
}

func TestSession_EmptyPaths(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:", "501")
	expect(t, client, reader, "MAIL FROM:<bounce@example.com", "501")
	expect(t, client, reader, "MAIL FROM:<> SIZE=100", "250")
	expect(t, client, reader, "RCPT TO:<>", "501")
}

func TestSession_NestedMail(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<a@example.com>", "250")
	expect(t, client, reader, "MAIL FROM:<b@example.com>", "503")
}

func TestSession_AuthBeforeEHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &recordingHandler{}, SessionOptions{})
	expect(t, client, reader, "AUTH PLAIN dGVzdA==", "503")
}

func TestSession_AuthPlainThenSend(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	client, reader := startSession(t, NewAuthenticator("user", "pass"), h, SessionOptions{})
	ehlo(t, client, reader)

	creds := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	expect(t, client, reader, "AUTH PLAIN "+creds, "235")
	expect(t, client, reader, "AUTH PLAIN "+creds, "503")

	resp := sendMessage(t, client, reader, "a@example.com", []string{"b@relay.test"}, testMessage)
	if !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA after AUTH: got %q", resp)
	}
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "AUTH LOGIN", "334")
	expect(t, client, reader, base64.StdEncoding.EncodeToString([]byte("user")), "334")
	expect(t, client, reader, base64.StdEncoding.EncodeToString([]byte("wrong")), "535")
}

func TestSession_AuthCancelled(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "AUTH PLAIN", "334")
	expect(t, client, reader, "*", "501")
}

func TestSession_TooManyRecipients(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("", ""), &recordingHandler{}, SessionOptions{})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<a@example.com>", "250")
	for i := 0; i < maxRecipients; i++ {
		expect(t, client, reader, "RCPT TO:<b@relay.test>", "250")
	}
	expect(t, client, reader, "RCPT TO:<b@relay.test>", "452")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{"<user@example.com>", "user@example.com", true},
		{"  <user@example.com>  ", "user@example.com", true},
		{"<user@example.com> SIZE=1000", "user@example.com", true},
		{"user@example.com BODY=8BITMIME", "user@example.com", true},
		{"<user@example.com", "", false},
		{"<>", "", true},
		{"<> SIZE=1000", "", true},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, ok := extractAddress(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("extractAddress(%q): got (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
