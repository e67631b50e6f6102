package receiver

import (
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/errs"
	"github.com/goodieshq/graphmailer/pkg/message"
	"github.com/goodieshq/graphmailer/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	resultRelayed  = "relayed"
	resultRejected = "rejected"
)

// Session implements smtp.Session and smtp.AuthSession for one client connection.
type Session struct {
	ctx           context.Context
	log           zerolog.Logger
	id            uuid.UUID
	listener      *Listener
	remote        net.Addr
	authenticated bool
	emailFrom     string
	emailTo       []string
}

// Return the allowed authentication mechanisms for this service
func (s *Session) AuthMechanisms() []string {
	var mechanisms []string

	if !s.listener.config.RequireAuth {
		return mechanisms
	}

	switch s.listener.configGlobal.Auth.Mode {
	case config.AuthDisabled:
		// No authentication required, so no mechanisms to offer
	case config.AuthPlain, config.AuthPlainAny, config.AuthPlainBcrypt:
		mechanisms = append(mechanisms, sasl.Plain)
	case config.AuthAnonymous:
		mechanisms = append(mechanisms, sasl.Anonymous)
	default:
		s.log.Warn().Str("auth_mode", string(s.listener.configGlobal.Auth.Mode)).Msg("Unsupported authentication mode configured")
	}

	return mechanisms
}

func (s *Session) authPlain(identity, username, password string) error {
	log := s.log.With().Str("username", username).Logger()

	if s.listener.configGlobal.Authenticator.Check(username, password) {
		s.authenticated = true
		log.Info().Msg("User authenticated successfully")
		return nil
	}
	log.Info().Msg("Failed to authenticate user")
	return smtp.ErrAuthFailed
}

func (s *Session) authAnonymous(identity string) error {
	s.log.Info().Str("identity", identity).Msg("Authenticating anonymous user")
	s.authenticated = true
	return nil
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.ctx.Err() != nil {
		s.log.Warn().Msg("Session context has been cancelled")
		return nil, smtp.ErrServerClosed
	}

	if !slices.Contains(s.AuthMechanisms(), mech) {
		s.log.Debug().Msgf("Requested authentication mechanism '%s' is not supported", mech)
		return nil, smtp.ErrAuthUnsupported
	}

	switch mech {
	case sasl.Anonymous:
		return sasl.NewAnonymousServer(s.authAnonymous), nil
	case sasl.Plain:
		return sasl.NewPlainServer(s.authPlain), nil
	}
	return nil, smtp.ErrAuthUnsupported
}

// check runs before every mail transaction command.
func (s *Session) check() error {
	if s.listener.config.RequireAuth && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	if s.ctx.Err() != nil {
		s.log.Warn().Msg("Session context has been cancelled")
		return smtp.ErrServerClosed
	}
	return nil
}

// Mail handles the MAIL command from the SMTP client.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	if err := s.check(); err != nil {
		return err
	}

	from = strings.Trim(from, "<>")
	if len(from) == 0 {
		s.log.Warn().Msg("Mail from address is empty")
		return errs.ErrInvalidEmail
	}

	if !s.listener.configGlobal.ValidFrom.Allows(from) {
		s.log.Warn().Str("from", from).Msg("Sender address is not allowed by configuration")
		return errs.ErrFromDisallowed
	}
	s.emailFrom = from
	s.log.Info().Str("from", from).Msg("Mail from")
	return nil
}

// Rcpt handles the RCPT command from the SMTP client.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.check(); err != nil {
		return err
	}

	to = strings.Trim(to, "<>")
	if len(to) == 0 {
		s.log.Warn().Msg("Mail to address is empty")
		return errs.ErrInvalidEmail
	}

	if !s.listener.configGlobal.ValidTo.Allows(to) {
		s.log.Warn().Str("to", to).Msg("Recipient address is not allowed by configuration")
		return errs.ErrToDisallowed
	}

	if len(s.emailTo) >= s.listener.configGlobal.Limits.MaxRecipients {
		s.log.Warn().Int("max_recipients", s.listener.configGlobal.Limits.MaxRecipients).Msg("Too many recipients")
		return errs.ErrTooManyRecipients
	}

	s.emailTo = append(s.emailTo, to)
	s.log.Info().Strs("to", s.emailTo).Msg("Added recipient successfully")
	return nil
}

// Data parses the message and relays it through the deliverer before replying.
func (s *Session) Data(r io.Reader) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(s.emailTo) == 0 {
		return errs.ErrNoRecipients
	}

	maxSize := s.listener.configGlobal.Limits.MaxSize
	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return err
	}
	if len(data) > maxSize {
		s.log.Warn().Int("max_size", maxSize).Int("data_size", len(data)).Msg("Email data exceeds maximum allowed size")
		return smtp.ErrDataTooLarge
	}

	msg, err := message.Parse(bytes.NewReader(data))
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse email message")
		s.reject()
		return errs.ErrMalformedMessage
	}
	if err := s.prepare(msg); err != nil {
		s.reject()
		return err
	}

	log := s.log.With().
		Str("subject", msg.Subject).
		Strs("from", msg.From).
		Strs("to", s.emailTo).
		Int("attachments", len(msg.Attachments)).
		Logger()

	if s.listener.deliverer == nil {
		log.Error().Msg("No outbound sender is configured")
		s.reject()
		return errs.ErrRelayNotConfigured
	}

	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.listener.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.listener.timeout)
	}
	defer cancel()

	log.Info().Msg("Relaying email through Microsoft Graph")
	receipt, err := s.listener.deliverer.Deliver(ctx, msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to send email")
		s.reject()
		return errs.SMTPError(err)
	}

	metrics.IncSMTPMessage(s.listener.config.Name, resultRelayed)
	if receipt != nil {
		log = log.With().Str("request_id", receipt.RequestID).Logger()
	}
	log.Info().Msg("Email relayed successfully")
	return nil
}

// prepare fills gaps the client left in the headers from the SMTP envelope.
func (s *Session) prepare(msg *message.Message) error {
	if len(msg.From) == 0 || strings.TrimSpace(msg.From[0]) == "" {
		msg.From = []string{s.emailFrom}
	}
	if s.listener.mailbox == "" && !s.listener.configGlobal.ValidFrom.Allows(strings.TrimSpace(msg.From[0])) {
		s.log.Warn().Str("from", msg.From[0]).Msg("Header sender address is not allowed by configuration")
		return errs.ErrFromDisallowed
	}
	// Only envelope recipients receive the message.
	msg.To = s.inEnvelope(msg.To)
	msg.Cc = s.inEnvelope(msg.Cc)
	msg.Bcc = s.inEnvelope(msg.Bcc)
	for _, rcpt := range s.emailTo {
		if !msg.HasRecipient(rcpt) {
			msg.Bcc = append(msg.Bcc, rcpt)
		}
	}
	if mailbox := s.listener.mailbox; mailbox != "" {
		if !strings.EqualFold(strings.TrimSpace(msg.From[0]), mailbox) {
			s.log.Debug().
				Str("original", msg.From[0]).
				Str("mailbox", mailbox).
				Msg("Using configured mailbox as sender address")
		}
		msg.From = []string{mailbox}
	}
	return nil
}

func (s *Session) inEnvelope(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if slices.ContainsFunc(s.emailTo, func(rcpt string) bool { return strings.EqualFold(rcpt, a) }) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) reject() {
	metrics.IncSMTPMessage(s.listener.config.Name, resultRejected)
}

// Reset resets the session state for a new email transaction.
func (s *Session) Reset() {
	s.emailFrom = ""
	s.emailTo = nil
}

// Logout handles the logout of the SMTP session.
func (s *Session) Logout() error {
	return nil
}
