package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Handler receives every accepted message as a job.
	Handler JobHandler

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize bounds DATA in bytes. Zero means DefaultMaxMessageSize.
	MaxMessageSize int

	// MaxConnections bounds concurrent sessions. Zero means unlimited.
	MaxConnections int

	Logger *zap.Logger
}

// Server accepts SMTP connections and hands each message to the job handler.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	log    *zap.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
	// slots limits concurrent sessions when MaxConnections is set.
	slots chan struct{}
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		log:    cfg.Logger.Named("smtp"),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. On
// cancellation it stops accepting and waits up to 30 seconds for in-flight
// sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("SMTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auth_enabled", s.auth.Enabled()),
		zap.Bool("tls_enabled", s.config.TLSConfig != nil),
		zap.Int("max_message_size", s.sessionOptions().MaxMessageSize),
	)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				s.log.Error("accept error", zap.Error(err))
				continue
			}
		}

		if !s.acquire() {
			s.log.Warn("connection limit reached", zap.String("remote", conn.RemoteAddr().String()))
			conn.Write([]byte("421 Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			NewSession(conn, s.auth, s.config.Handler, s.sessionOptions()).Handle(ctx)
		}()
	}
}

func (s *Server) sessionOptions() SessionOptions {
	size := s.config.MaxMessageSize
	if size <= 0 {
		size = DefaultMaxMessageSize
	}
	return SessionOptions{
		Hostname:       s.config.Hostname,
		TLSConfig:      s.config.TLSConfig,
		MaxMessageSize: size,
		Logger:         s.log,
	}
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.log.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
