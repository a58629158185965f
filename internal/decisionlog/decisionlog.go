// Package decisionlog writes the per-user forwarding decision lines.
//
// Output is opt-in per user: a Logger built from a zero Config writes
// nothing at all.
package decisionlog

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/flags"
)

// Config is the verbosity resolved for one user.
type Config struct {
	// Logging enables the one-line decision summaries.
	Logging bool
	// Verbose additionally dumps the raw message. It implies Logging.
	Verbose bool
}

// Enabled reports whether any output is produced.
func (c Config) Enabled() bool {
	return c.Logging || c.Verbose
}

// Resolve reads the logging flags for user.
func Resolve(c *flags.Checker, user *account.User) Config {
	cfg := Config{
		Logging: c.IsEnabled(flags.Logging, user),
		Verbose: c.IsEnabled(flags.EmailDataLogging, user),
	}
	if cfg.Verbose {
		cfg.Logging = true
	}
	return cfg
}

// Logger writes decision lines for one user.
type Logger struct {
	log     *zap.Logger
	verbose bool
}

// New returns a Logger writing to base when cfg enables output, and a no-op
// Logger otherwise.
func New(base *zap.Logger, cfg Config) *Logger {
	if !cfg.Enabled() || base == nil {
		return &Logger{log: zap.NewNop()}
	}
	return &Logger{log: base, verbose: cfg.Verbose}
}

// Forwarding logs a Forward decision.
func (l *Logger) Forwarding(sender, userEmail, aliasAddress string, raw []byte) {
	l.log.Info(fmt.Sprintf("Forwarding email from %s to %s (via %s)", sender, userEmail, aliasAddress))
	l.emailData(raw)
}

// Blocking logs a BlockSender decision.
func (l *Logger) Blocking(sender, userEmail string, raw []byte) {
	l.log.Info(fmt.Sprintf("Blocking email to %s because the sender (%s) is blocked", userEmail, sender))
	l.emailData(raw)
}

// Discarding logs a DiscardDisabled decision.
func (l *Logger) Discarding(sender, aliasAddress string, raw []byte) {
	l.log.Info(fmt.Sprintf("Discarding email from %s to disabled alias %s", sender, aliasAddress))
	l.emailData(raw)
}

func (l *Logger) emailData(raw []byte) {
	if !l.verbose {
		return
	}
	l.log.Info("Email data: " + string(raw))
}
