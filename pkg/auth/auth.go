package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks SMTP AUTH PLAIN credentials presented to the relay.
type Authenticator interface {
	Check(username, password string) bool
}

// AuthenticatorPlaintext compares against passwords stored as-is in the config.
type AuthenticatorPlaintext struct {
	credentials map[string]string
}

func (a *AuthenticatorPlaintext) Check(username, password string) bool {
	pw, found := a.credentials[username]
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pw), []byte(password)) == 1
}

func NewAuthenticatorPlaintext(creds map[string]string) *AuthenticatorPlaintext {
	return &AuthenticatorPlaintext{
		credentials: creds,
	}
}

// AuthenticatorHashed compares against bcrypt hashes.
type AuthenticatorHashed struct {
	credentials map[string][]byte
}

func (a *AuthenticatorHashed) Check(username, password string) bool {
	hash, found := a.credentials[username]
	if !found {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// NewAuthenticatorHashed rejects entries that are not bcrypt hashes so a plaintext
// password pasted into a bcrypt config fails at startup instead of at login.
func NewAuthenticatorHashed(creds map[string]string) (*AuthenticatorHashed, error) {
	hashed := make(map[string][]byte, len(creds))
	for username, hash := range creds {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user '%s': password is not a bcrypt hash: %w", username, err)
		}
		hashed[username] = []byte(hash)
	}
	return &AuthenticatorHashed{credentials: hashed}, nil
}

// AuthenticatorAlwaysAllow accepts any username/password combination (for testing purposes only).
type AuthenticatorAlwaysAllow struct{}

func (a *AuthenticatorAlwaysAllow) Check(username, password string) bool {
	return true
}

func NewAuthenticatorAlwaysAllow() *AuthenticatorAlwaysAllow {
	return &AuthenticatorAlwaysAllow{}
}
