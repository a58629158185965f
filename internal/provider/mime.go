package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/alias-forwarder/internal/email"
)

// BuildMIME renders msg as an RFC 5322 message. Text and HTML bodies become
// a multipart/alternative; attachments wrap everything in multipart/mixed.
func BuildMIME(msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", msg.From.String())
	if !msg.ReplyTo.IsZero() {
		writeHeader(&buf, "Reply-To", msg.ReplyTo.String())
	}
	writeHeader(&buf, "To", msg.To.String())
	writeHeader(&buf, "Subject", email.EncodeHeader(msg.Subject))
	writeHeader(&buf, "Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID(msg.From.Address))

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, textproto.CanonicalMIMEHeaderKey(k), email.EncodeHeader(msg.Headers[k]))
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		if err := writeBody(&buf, msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	if msg.TextBody != "" || msg.HtmlBody != "" {
		var inner bytes.Buffer
		if err := writeBody(&inner, msg); err != nil {
			return nil, err
		}
		header, body, _ := strings.Cut(inner.String(), "\r\n\r\n")
		part, err := mixed.CreatePart(parseHeader(header))
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := part.Write([]byte(body)); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Type", contentType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

		part, err := mixed.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBody writes the Content-Type header, blank line and body for the
// text parts of msg.
func writeBody(buf *bytes.Buffer, msg *email.Email) error {
	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		alt := multipart.NewWriter(buf)
		fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", alt.Boundary())
		if err := writeTextPart(alt, "text/plain", msg.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(alt, "text/html", msg.HtmlBody); err != nil {
			return err
		}
		return alt.Close()
	case msg.HtmlBody != "":
		return writeSinglePart(buf, "text/html", msg.HtmlBody)
	default:
		return writeSinglePart(buf, "text/plain", msg.TextBody)
	}
}

func writeSinglePart(buf *bytes.Buffer, contentType, body string) error {
	writeHeader(buf, "Content-Type", contentType+"; charset=UTF-8")
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	return writeQuotedPrintable(buf, body)
}

func writeTextPart(w *multipart.Writer, contentType, body string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType+"; charset=UTF-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	var qp bytes.Buffer
	if err := writeQuotedPrintable(&qp, body); err != nil {
		return err
	}
	_, err = part.Write(qp.Bytes())
	return err
}

func writeQuotedPrintable(buf *bytes.Buffer, body string) error {
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// headerBreaks turns any line break left in a header value into a space so
// that one value can never start a new header line.
var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, headerBreaks.Replace(value))
}

func parseHeader(block string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	for _, line := range strings.Split(block, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h
}

func messageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
