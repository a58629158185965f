// Package smtp implements the SMTP ingress: a small ESMTP server that turns
// each accepted message into a forwarding job.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

var errAuthFailed = errors.New("authentication failed")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain checks a base64 AUTH PLAIN response
// (authzid NUL authcid NUL password). The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	server := sasl.NewPlainServer(func(_, username, password string) error {
		return a.check(username, password)
	})
	if decoded == nil {
		decoded = []byte{}
	}
	_, done, err := server.Next(decoded)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("incomplete AUTH PLAIN exchange")
	}
	return nil
}

// VerifyLogin verifies AUTH LOGIN credentials after the challenge-response flow.
// Both username and password should be base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}
