// Package email defines the message data model shared by the parser, the
// rewriter and the delivery providers.
package email

import (
	"mime"
	"net/mail"
	"strings"
)

// Address is a display name and mailbox pair.
type Address struct {
	Name    string
	Address string
}

// String formats the address for a header field. Non-ASCII display names are
// emitted as RFC 2047 encoded words.
func (a Address) String() string {
	if a.Address == "" {
		return ""
	}
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Label returns the display name if present, otherwise the bare address.
func (a Address) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Address
}

// IsZero reports whether the address carries no mailbox.
func (a Address) IsZero() bool {
	return a.Address == ""
}

// Message is a decoded inbound message. It is produced once per job by the
// parser and never mutated afterwards. An empty TextBody or HtmlBody means the
// message carried no part of that kind.
type Message struct {
	From        Address
	ReplyTo     []Address
	To          []Address
	Cc          []Address
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	// MessageID and References carry the thread identity of the message,
	// angle brackets included.
	MessageID  string
	References []string
}

// Recipients returns the To and Cc addresses in header order.
func (m *Message) Recipients() []Address {
	out := make([]Address, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// Email is an outbound message handed to a delivery provider. Each Email
// targets exactly one recipient.
type Email struct {
	From        Address
	ReplyTo     Address
	To          Address
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	Headers     map[string]string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// EncodeHeader Q-encodes a header value unless it is printable ASCII. Decoded
// subjects may carry CR or LF, and those must never reach the header block
// as raw bytes.
func EncodeHeader(value string) string {
	return mime.QEncoding.Encode("UTF-8", value)
}

// SameAddress compares two mailbox strings ignoring case and surrounding
// angle brackets.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.Trim(strings.TrimSpace(a), "<>"), strings.Trim(strings.TrimSpace(b), "<>"))
}
