// Package decode turns RFC 2047 encoded words and MIME transfer-encoded
// bodies into UTF-8 text. Every function here is total: input that cannot be
// decoded is passed through rather than reported as an error.
package decode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// EncodedWords decodes every RFC 2047 encoded word in text. Adjacent encoded
// words separated only by folding whitespace are joined without a gap.
// Malformed words are left as they appear.
func EncodedWords(text string) string {
	if !strings.Contains(text, "=?") {
		return text
	}
	decoded, err := wordDecoder.DecodeHeader(text)
	if err != nil {
		return text
	}
	return decoded
}

// QuotedPrintable decodes =XX escapes and soft line breaks, then converts the
// resulting bytes from charset to UTF-8. An escape that is not followed by two
// hex digits is kept literally.
func QuotedPrintable(b []byte, charset string) string {
	return Charset(unquote(b), charset)
}

// Charset converts b from the named charset to UTF-8. Empty, UTF-8 and ASCII
// labels return b unchanged, as do charsets unknown to x/text and byte
// sequences the decoder rejects.
func Charset(b []byte, charset string) string {
	enc := lookup(charset)
	if enc == nil {
		return string(b)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// Body reads r, reverses the Content-Transfer-Encoding and converts the
// payload to UTF-8. Only a corrupt base64 payload yields an error.
func Body(r io.Reader, transferEncoding, charset string) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		return QuotedPrintable(raw, charset), nil
	case "base64":
		decoded, err := Base64(raw)
		if err != nil {
			return "", err
		}
		return Charset(decoded, charset), nil
	default:
		// 7bit, 8bit, binary or absent
		return Charset(raw, charset), nil
	}
}

// Base64 decodes a MIME base64 payload, ignoring line breaks and accepting
// missing padding.
func Base64(raw []byte) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, string(raw))

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func unquote(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		switch {
		case i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n':
			i += 2
		case i+1 < len(b) && b[i+1] == '\n':
			i++
		case i+1 == len(b):
			// trailing soft break
		case i+2 < len(b) && isHex(b[i+1]) && isHex(b[i+2]):
			out = append(out, unhex(b[i+1])<<4|unhex(b[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// lookup resolves a charset label to an x/text encoding. It returns nil when
// no conversion is needed or none is available.
func lookup(charset string) encoding.Encoding {
	name := strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`))
	switch name {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return nil
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc
	}
	if enc, err := htmlindex.Get(name); err == nil {
		return enc
	}
	return nil
}

// charsetReader feeds mime.WordDecoder. Unknown charsets are passed through
// so a single odd label never fails the whole header.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := lookup(charset)
	if enc == nil {
		return input, nil
	}
	raw, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader([]byte(Charset(raw, charset))), nil
}
