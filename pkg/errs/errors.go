package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure raised by the token service or the Graph sender.
type Kind string

const (
	KindConfiguration   Kind = "configuration"    // missing or invalid credentials, never retried
	KindAuthentication  Kind = "authentication"   // token acquisition failed while delivering
	KindDelivery        Kind = "delivery"         // sendMail rejected the message or could not be reached
	KindNetwork         Kind = "network"          // transport failure talking to the identity provider
	KindInvalidResponse Kind = "invalid_response" // token endpoint returned something other than JSON
	KindProvider        Kind = "provider"         // token endpoint reported an error
	KindUnexpected      Kind = "unexpected"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrDelivery        = &Error{Kind: KindDelivery}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrProvider        = &Error{Kind: KindProvider}
	ErrUnexpected      = &Error{Kind: KindUnexpected}
)

// Error is the single error type crossing the token/sender boundary.
type Error struct {
	Kind    Kind
	Message string
	Status  int    // HTTP status, if the failure came from a response
	Code    string // provider error code, if any
	Err     error
}

func (e *Error) Error() string {
	parts := []string{string(e.Kind)}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Status == 0 && t.Kind == e.Kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

func Authentication(cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: "unable to authenticate with Microsoft Graph", Err: cause}
}

func Network(msg string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: msg, Err: cause}
}

func InvalidResponse(cause error) *Error {
	return &Error{Kind: KindInvalidResponse, Message: "invalid response format", Err: cause}
}

func Provider(status int, msg string) *Error {
	return &Error{Kind: KindProvider, Status: status, Message: "failed to fetch Graph token: " + msg}
}

func Unexpected(cause error) *Error {
	return &Error{Kind: KindUnexpected, Message: "unexpected error", Err: cause}
}

func Delivery(msg string) *Error {
	return &Error{Kind: KindDelivery, Message: msg}
}

// DeliveryStatus builds the failure for a non-202 sendMail response.
func DeliveryStatus(status int, code, msg string) *Error {
	return &Error{
		Kind:    KindDelivery,
		Status:  status,
		Code:    code,
		Message: fmt.Sprintf("Microsoft Graph sendMail failed with status %d: %s", status, msg),
	}
}

func DeliveryNetwork(cause error) *Error {
	return &Error{Kind: KindDelivery, Message: "network error sending email", Err: cause}
}
