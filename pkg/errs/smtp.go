package errs

import (
	"errors"
	"net/http"

	"github.com/emersion/go-smtp"
)

var (
	ErrInvalidEmail = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 7},
		Message:      "Invalid email address",
	}

	ErrFromDisallowed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 8},
		Message:      "Sender address is not allowed",
	}

	ErrToDisallowed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient address is not allowed",
	}

	ErrTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "Too many recipients",
	}

	ErrSourceIPDisallowed = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Access denied by IP policy",
	}

	ErrSourceIPInvalid = &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "Source IP address is invalid",
	}

	ErrNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}

	ErrMalformedMessage = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}

	ErrRelayNotConfigured = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 5},
		Message:      "Relay is not configured",
	}

	ErrUpstreamAuth = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Temporary authentication failure with upstream",
	}

	ErrUpstreamUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Upstream mail service unavailable",
	}

	ErrLocal = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local error in processing",
	}
)

// SMTPError converts a delivery failure into the reply returned to the SMTP client.
// Anything the client could succeed with later is a 4xx; rejections by Graph are 5xx.
func SMTPError(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		return serr
	}

	var e *Error
	if !errors.As(err, &e) {
		return ErrLocal
	}

	switch e.Kind {
	case KindConfiguration:
		return ErrRelayNotConfigured
	case KindAuthentication, KindNetwork, KindInvalidResponse, KindProvider:
		return ErrUpstreamAuth
	case KindDelivery:
		switch {
		case e.Status == 0 && e.Err != nil:
			return ErrUpstreamUnavailable
		case e.Status == 0:
			return ErrInvalidEmail
		case e.Status == http.StatusTooManyRequests || e.Status == http.StatusUnauthorized || e.Status >= 500:
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 4, 2},
				Message:      e.Message,
			}
		default:
			return &smtp.SMTPError{
				Code:         554,
				EnhancedCode: smtp.EnhancedCode{5, 0, 0},
				Message:      e.Message,
			}
		}
	}
	return ErrLocal
}
