// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/alias-forwarder/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a rewritten message to an external transport
// (stdout, AWS SES, Microsoft Graph, an upstream SMTP relay).
type Provider interface {
	// Send delivers an email message through this provider.
	// Errors are transport errors: the caller may retry the whole job.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
