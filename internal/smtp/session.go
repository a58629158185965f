package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/forwarder"
	"github.com/shineum/alias-forwarder/internal/job"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when SessionOptions.MaxMessageSize is zero.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// maxRecipients caps RCPT TO commands per transaction.
const maxRecipients = 100

// JobHandler processes one accepted message. The returned error is
// classified with forwarder.IsRetryable.
type JobHandler interface {
	Handle(ctx context.Context, j *job.Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, j *job.Job) error

// Handle calls f.
func (f JobHandlerFunc) Handle(ctx context.Context, j *job.Job) error {
	return f(ctx, j)
}

// SessionOptions carries per-server settings shared by all sessions.
type SessionOptions struct {
	Hostname       string
	TLSConfig      *tls.Config
	MaxMessageSize int
	Logger         *zap.Logger
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   int
	auth    *Authenticator
	handler JobHandler
	opts    SessionOptions
	log     *zap.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, handler JobHandler, opts SessionOptions) *Session {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		auth:    auth,
		handler: handler,
		opts:    opts,
		log:     logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP alias-forwarder", s.opts.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", zap.Error(err))
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", zap.Error(err))
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.opts.Hostname, arg)
	if s.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.opts.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.opts.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", zap.Error(err))
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.resetTransaction()
	s.state = stateConnected
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case err == errAuthCancelled:
		s.writeLine("501 Authentication cancelled")
	case err != nil:
		s.log.Info("authentication failed", zap.String("mechanism", mechanism), zap.Error(err))
		s.writeLine("535 Authentication failed")
	default:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	}
}

var errAuthCancelled = fmt.Errorf("authentication cancelled")

// authPlain runs AUTH PLAIN with an optional initial response.
func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		s.writeLine("334")
		line, err := s.readAuthLine()
		if err != nil {
			return err
		}
		encoded = line
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

// authLogin runs the AUTH LOGIN username and password challenges.
func (s *Session) authLogin() error {
	s.writeLine("334 VXNlcm5hbWU6")
	user, err := s.readAuthLine()
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, err := s.readAuthLine()
	if err != nil {
		return err
	}
	if pass == "*" {
		return errAuthCancelled
	}

	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) readAuthLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading AUTH response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	// "<>" is the null reverse-path used by bounces.
	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message and runs it through the job handler.
// Handler outcomes map to 250 (done), 451 (retry later) and 554 (rejected).
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	data, tooBig, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", zap.Error(err))
		return
	}
	if tooBig {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	j := job.New(s.mailFrom, s.rcptTo, data)
	log := s.log.With(zap.String("job_id", j.ID))

	err = s.handler.Handle(ctx, j)
	switch {
	case err == nil:
		log.Info("message accepted", zap.Int("recipients", len(j.To)), zap.Int("size", len(data)))
		s.writeLine("250 OK queued as %s", j.ID)
	case forwarder.IsRetryable(err):
		log.Warn("message deferred", zap.Error(err))
		s.writeLine("451 Temporary failure, please try again later")
	default:
		log.Warn("message rejected", zap.Error(err))
		s.writeLine("554 Message could not be processed")
	}
	s.resetTransaction()
}

// readData reads dot-stuffed message content up to the terminating line.
// Content past the size limit is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf strings.Builder
	tooBig := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooBig {
			continue
		}
		if buf.Len()+len(line) > s.opts.MaxMessageSize {
			tooBig = true
			continue
		}
		buf.WriteString(line)
	}

	return []byte(buf.String()), tooBig, nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.log.Debug("failed to write to client", zap.Error(err))
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", zap.Error(err))
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts the path from a MAIL or RCPT parameter, ignoring
// trailing ESMTP parameters. ok is false when no path is present; "<>"
// yields an empty address with ok true.
func extractAddress(s string) (addr string, ok bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	addr, _, _ = strings.Cut(s, " ")
	return addr, addr != ""
}
