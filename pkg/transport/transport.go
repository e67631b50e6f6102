package transport

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Doer is the HTTP client abstraction consumed by the token service and the sender.
// *http.Client satisfies it; tests substitute their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient builds the client shared by token exchange and sendMail. It is constructed
// once at startup and reused for the process lifetime.
func NewHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // only reachable outside production
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}
}
