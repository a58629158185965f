// Package rewrite builds the outbound message for a forwarded alias.
//
// The real sender is exposed to the alias owner only through Reply-To; the
// owner's real address appears only in To and is never revealed to the
// sender. Each outbound message names exactly one recipient so that a message
// sent to several aliases never leaks one owner to another.
package rewrite

import (
	"strings"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/email"
)

// Rewriter holds the service identity stamped on forwarded mail.
type Rewriter struct {
	// ServiceName appears in the From label as "(via ServiceName)".
	ServiceName string
	// NoReplyAddress is the From mailbox of every forwarded message.
	NoReplyAddress string
}

// New creates a Rewriter.
func New(serviceName, noReplyAddress string) *Rewriter {
	return &Rewriter{ServiceName: serviceName, NoReplyAddress: noReplyAddress}
}

// maxReferences bounds the References header carried onto a forward.
const maxReferences = 10

// Build rewrites msg for delivery to user through alias. A missing From
// header falls back to the first Reply-To address, then to the envelope
// sender.
func (r *Rewriter) Build(msg *email.Message, sender string, alias *account.Alias, user *account.User) *email.Email {
	original := msg.From
	if original.IsZero() && len(msg.ReplyTo) > 0 {
		original = msg.ReplyTo[0]
	}
	if original.IsZero() {
		original = email.Address{Address: sender}
	}

	headers := map[string]string{"X-Original-To": alias.Address}
	if refs := references(msg); refs != "" {
		headers["References"] = refs
	}

	return &email.Email{
		From: email.Address{
			Name:    original.Label() + " (via " + r.ServiceName + ")",
			Address: r.NoReplyAddress,
		},
		ReplyTo:     original,
		To:          email.Address{Name: recipientLabel(msg, alias.Address), Address: user.Email},
		Subject:     msg.Subject,
		TextBody:    msg.TextBody,
		HtmlBody:    msg.HtmlBody,
		Attachments: msg.Attachments,
		Headers:     headers,
	}
}

// recipientLabel returns the display name the sender used for the alias, or
// the alias address when none was given.
func recipientLabel(msg *email.Message, aliasAddress string) string {
	for _, rcpt := range msg.Recipients() {
		if email.SameAddress(rcpt.Address, aliasAddress) && rcpt.Name != "" {
			return rcpt.Name
		}
	}
	return aliasAddress
}

// references threads the forward with the original conversation: the
// original's own references followed by its Message-ID, newest last.
func references(msg *email.Message) string {
	ids := append([]string(nil), msg.References...)
	if msg.MessageID != "" {
		ids = append(ids, msg.MessageID)
	}
	if len(ids) > maxReferences {
		ids = ids[len(ids)-maxReferences:]
	}
	return strings.Join(ids, " ")
}
