package token

import (
	"math"
	"time"
)

const (
	// CacheKey is the single key the service reads and writes. One tenant per process.
	CacheKey = "microsoft_graph_token"

	// Scope requests every application permission granted to the app registration.
	Scope = "https://graph.microsoft.com/.default"

	// SafetyMargin is subtracted from the reported lifetime so a token never expires mid-request.
	SafetyMargin = 300 * time.Second

	// DefaultExpiresIn applies when the token endpoint omits expires_in.
	DefaultExpiresIn = 3600
)

const maxLifetimeSeconds = math.MaxInt64 / int64(time.Second)

// CachedToken is the value stored under CacheKey.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token may still be handed out at now.
func (t CachedToken) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// tokenResponse covers both the success and error shapes of the v2.0 token endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        *int   `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (r tokenResponse) errorMessage() string {
	switch {
	case r.ErrorDescription != "":
		return r.ErrorDescription
	case r.Error != "":
		return r.Error
	default:
		return "Unknown error"
	}
}

func (r tokenResponse) lifetime() time.Duration {
	expiresIn := DefaultExpiresIn
	if r.ExpiresIn != nil {
		expiresIn = *r.ExpiresIn
	}
	// Clamp so absurd values cannot overflow the Duration.
	secs := min(max(int64(expiresIn), -maxLifetimeSeconds), maxLifetimeSeconds)
	return time.Duration(secs) * time.Second
}
