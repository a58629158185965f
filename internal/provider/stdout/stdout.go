// Package stdout prints forwarded mail instead of delivering it. It backs
// local runs and dry runs of the process command.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shineum/alias-forwarder/internal/email"
)

const separator = "========================================\n"

// Provider writes each message as a header block followed by its body.
type Provider struct {
	mu  sync.Mutex
	out io.Writer
}

// New returns a Provider on os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter returns a Provider on w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{out: w}
}

// Send renders msg and writes it in one call so that concurrent jobs never
// interleave.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	text := render(msg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.out, text); err != nil {
		return fmt.Errorf("stdout: writing message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func render(msg *email.Email) string {
	var b strings.Builder
	line := func(name, value string) {
		b.WriteString(name + ": " + value + "\n")
	}

	b.WriteString(separator)
	line("From", msg.From.String())
	if !msg.ReplyTo.IsZero() {
		line("Reply-To", msg.ReplyTo.String())
	}
	line("To", msg.To.String())

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line(name, msg.Headers[name])
	}

	line("Subject", msg.Subject)
	b.WriteString("Body:\n")
	if msg.TextBody != "" {
		b.WriteString(msg.TextBody + "\n")
	} else {
		b.WriteString(msg.HtmlBody + "\n")
	}

	if n := len(msg.Attachments); n > 0 {
		parts := make([]string, n)
		for i, att := range msg.Attachments {
			parts[i] = att.Filename + " (" + formatSize(len(att.Content)) + ")"
		}
		line("Attachments", strings.Join(parts, ", "))
	}
	b.WriteString(separator)
	return b.String()
}

// formatSize renders a byte count with one decimal for KB and MB.
func formatSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
