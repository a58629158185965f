// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/decode"
	"github.com/shineum/alias-forwarder/internal/email"
)

// ErrMalformed marks input whose structure cannot be parsed. Retrying such a
// message can never succeed.
var ErrMalformed = errors.New("malformed message")

// Parser decodes raw messages. Recoverable problems, such as a part that
// cannot be decoded, are logged and parsing continues.
type Parser struct {
	logger *zap.Logger
}

// New returns a Parser that reports skipped content to logger. A nil logger
// discards those reports.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger.With(zap.String("component", "parser"))}
}

// Parse parses raw with a Parser that logs nothing.
func Parse(raw []byte) (*email.Message, error) {
	return New(nil).Parse(raw)
}

// Parse parses a raw RFC 5322 email message into a Message.
// Header values are RFC 2047 decoded and bodies are transfer- and
// charset-decoded to UTF-8. A message with neither a text nor an HTML part is
// valid and yields empty bodies.
func (p *Parser) Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse headers: %v", ErrMalformed, err)
	}

	result := &email.Message{}
	result.Subject = decode.EncodedWords(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.References = referenceList(msg.Header.Get("References"))
	result.From = parseAddress(msg.Header.Get("From"))
	result.ReplyTo = parseAddressList(msg.Header.Get("Reply-To"))
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	transferEncoding := msg.Header.Get("Content-Transfer-Encoding")

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		p.logger.Warn("failed to parse content type, treating as plain text",
			zap.String("content_type", contentType),
			zap.Error(err),
		)
		body, readErr := p.text(msg.Body, "text/plain", transferEncoding, "")
		if readErr != nil {
			return nil, fmt.Errorf("%w: failed to read message body: %v", ErrMalformed, readErr)
		}
		result.TextBody = body
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart message missing boundary", ErrMalformed)
		}
		if err := p.parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return result, nil
	}

	body, err := p.text(msg.Body, mediaType, transferEncoding, params["charset"])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read message body: %v", ErrMalformed, err)
	}
	switch mediaType {
	case "text/html":
		result.HtmlBody = body
	case "text/plain":
		result.TextBody = body
	default:
		p.logger.Warn("unrecognized top-level content type",
			zap.String("content_type", mediaType),
		)
		result.TextBody = body
	}

	return result, nil
}

// text reads a text body. A payload whose transfer encoding cannot be
// reversed is kept as its undecoded text. Only a failed read is an error.
func (p *Parser) text(r io.Reader, mediaType, transferEncoding, charset string) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	body, err := decode.Body(bytes.NewReader(raw), transferEncoding, charset)
	if err != nil {
		p.logger.Warn("failed to decode body, keeping undecoded text",
			zap.String("content_type", mediaType),
			zap.String("transfer_encoding", transferEncoding),
			zap.Error(err),
		)
		return decode.Charset(raw, charset), nil
	}
	return body, nil
}

// parseMultipart processes a multipart MIME body, extracting the first
// text/plain and text/html parts and collecting attachments. A body that
// never produces a part is reported as an error; failures inside nested parts
// are logged and skipped.
func (p *Parser) parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)
	parts := 0

	for {
		part, err := reader.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if parts == 0 {
				return fmt.Errorf("failed to read multipart body: %w", err)
			}
			p.logger.Warn("truncated multipart body", zap.Error(err))
			break
		}
		parts++

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			p.logger.Warn("failed to parse part content type, skipping",
				zap.String("content_type", partContentType),
				zap.Error(err),
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(strings.ToLower(disposition), "attachment")

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				p.logger.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := p.parseMultipart(part, nestedBoundary, result); err != nil {
				p.logger.Warn("failed to parse nested multipart", zap.Error(err))
			}
			continue
		}

		transferEncoding := part.Header.Get("Content-Transfer-Encoding")

		if !isAttachment && (mediaType == "text/plain" || mediaType == "text/html") {
			text, err := p.text(part, mediaType, transferEncoding, params["charset"])
			if err != nil {
				p.logger.Warn("failed to read part content",
					zap.String("content_type", mediaType),
					zap.Error(err),
				)
				continue
			}
			if mediaType == "text/plain" && result.TextBody == "" {
				result.TextBody = text
			}
			if mediaType == "text/html" && result.HtmlBody == "" {
				result.HtmlBody = text
			}
			continue
		}

		content, err := readPartContent(part, transferEncoding)
		if err != nil {
			p.logger.Warn("failed to read part content",
				zap.String("content_type", mediaType),
				zap.Error(err),
			)
			continue
		}

		filename := extractFilename(part, params)
		if !isAttachment && filename == "" {
			p.logger.Warn("unrecognized MIME part, skipping",
				zap.String("content_type", mediaType),
				zap.String("disposition", disposition),
			)
			continue
		}
		if filename == "" {
			filename = fallbackFilename(mediaType)
		}
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Content:     content,
		})
	}

	if parts == 0 {
		return fmt.Errorf("multipart body has no parts")
	}
	return nil
}

// readPartContent reads the raw bytes of a non-text part, reversing base64
// and quoted-printable transfer encodings.
func readPartContent(part *multipart.Part, transferEncoding string) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return decode.Base64(raw)
	case "quoted-printable":
		return []byte(decode.QuotedPrintable(raw, "")), nil
	default:
		return raw, nil
	}
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decode.EncodedWords(fn)
	}
	if name, ok := params["name"]; ok && name != "" {
		return decode.EncodedWords(name)
	}
	return ""
}

func fallbackFilename(mediaType string) string {
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) == 2 {
		return "attachment." + parts[1]
	}
	return "attachment"
}

// parseAddress decodes a single address header. Unparseable values are kept
// as a bare address so the sender is never lost.
func parseAddress(raw string) email.Address {
	if strings.TrimSpace(raw) == "" {
		return email.Address{}
	}
	list := parseAddressList(raw)
	if len(list) == 0 {
		return email.Address{}
	}
	return list[0]
}

// parseAddressList decodes an address list header, including encoded-word
// display names.
func parseAddressList(raw string) []email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parser := mail.AddressParser{WordDecoder: &mime.WordDecoder{CharsetReader: charsetReader}}
	addresses, err := parser.ParseList(raw)
	if err != nil {
		// Fall back to a comma split when RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.Trim(strings.TrimSpace(p), "<>")
			if trimmed != "" {
				result = append(result, email.Address{Address: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{
			Name:    decode.EncodedWords(addr.Name),
			Address: addr.Address,
		})
	}
	return result
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return strings.NewReader(decode.Charset(raw, charset)), nil
}

// referenceList extracts the message ids of a References header. Anything
// that is not an angle-bracketed id is dropped.
func referenceList(raw string) []string {
	var ids []string
	for _, field := range strings.Fields(raw) {
		if len(field) > 2 && strings.HasPrefix(field, "<") && strings.HasSuffix(field, ">") {
			ids = append(ids, field)
		}
	}
	return ids
}
