// Package sender delivers generic messages through the Microsoft Graph sendMail API.
package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/errs"
	"github.com/goodieshq/graphmailer/pkg/message"
	"github.com/goodieshq/graphmailer/pkg/metrics"
	"github.com/goodieshq/graphmailer/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const maxResponseBody = 1 << 20 // 1MB

// TokenProvider supplies bearer tokens. *token.Service satisfies it.
type TokenProvider interface {
	TokenSource(ctx context.Context) oauth2.TokenSource
	Invalidate(ctx context.Context) error
}

// GraphSender makes exactly one sendMail call per Deliver. It never retries; a second
// Deliver of the same message sends a second email.
type GraphSender struct {
	cfg    config.GraphConfig
	tokens TokenProvider
	client transport.Doer
	log    zerolog.Logger
}

type Option func(*GraphSender)

func WithLogger(l zerolog.Logger) Option {
	return func(gs *GraphSender) {
		gs.log = l
	}
}

// NewGraphSender checks the credentials once; Deliver does not check them again.
func NewGraphSender(cfg config.GraphConfig, tokens TokenProvider, client transport.Doer, opts ...Option) (*GraphSender, error) {
	gs := &GraphSender{
		cfg:    cfg,
		tokens: tokens,
		client: client,
		log:    log.Logger,
	}
	for _, opt := range opts {
		opt(gs)
	}
	gs.log = gs.log.With().Str("component", "sender").Logger()

	if !cfg.Ready() {
		gs.log.Error().Msg("Microsoft Graph credentials are not configured")
		return nil, errs.Configuration("tenant_id, client_id and client_secret must be configured")
	}
	if tokens == nil {
		return nil, errs.Configuration("a token provider is required")
	}
	if gs.client == nil {
		gs.client = transport.NewHTTPClient(config.DefaultSendTimeout, true)
	}
	return gs, nil
}

// Deliver sends msg from its first From address. Every failure is an *errs.Error.
func (gs *GraphSender) Deliver(ctx context.Context, msg *message.Message) (*Receipt, error) {
	start := time.Now()
	receipt, err := gs.deliver(ctx, msg)

	result, status := "sent", 0
	if receipt != nil {
		status = receipt.StatusCode
	}
	if err != nil {
		result = string(errs.KindOf(err))
		var e *errs.Error
		if errors.As(err, &e) {
			status = e.Status
		}
	}
	metrics.ObserveDelivery(result, status, time.Since(start))
	return receipt, err
}

func (gs *GraphSender) deliver(ctx context.Context, msg *message.Message) (*Receipt, error) {
	if msg == nil {
		return nil, errs.Delivery("no message to deliver")
	}

	from := senderAddress(msg)
	if from == "" {
		gs.log.Error().Msg("No sender (From) address specified in the email")
		return nil, errs.Delivery("no sender (From) address specified")
	}
	l := gs.log.With().Str("from", from).Str("subject", msg.Subject).Logger()

	tok, err := gs.tokens.TokenSource(ctx).Token()
	if err != nil {
		l.Error().Err(err).Msg("Failed to get Microsoft Graph token")
		return nil, errs.Authentication(err)
	}

	payload, err := json.Marshal(&SendMailRequest{
		Message:         buildMessage(msg, from),
		SaveToSentItems: true,
	})
	if err != nil {
		l.Error().Err(err).Msg("Failed to marshal sendMail request")
		return nil, errs.Unexpected(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gs.cfg.SendMailURL(from), bytes.NewReader(payload))
	if err != nil {
		l.Error().Err(err).Msg("Failed to build sendMail request")
		return nil, errs.Unexpected(err)
	}
	clientRequestID := uuid.NewString()
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client-request-id", clientRequestID)
	l = l.With().Str("client_request_id", clientRequestID).Logger()

	resp, err := gs.client.Do(req)
	if err != nil {
		l.Error().Err(err).Msg("Network error sending email")
		return nil, errs.DeliveryNetwork(err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && resp.StatusCode != http.StatusAccepted {
		l.Error().Err(err).Int("status", resp.StatusCode).Msg("Network error reading sendMail response")
		return nil, errs.DeliveryNetwork(err)
	}

	if resp.StatusCode != http.StatusAccepted {
		code, errMsg := parseError(respData)
		l.Error().
			Int("status", resp.StatusCode).
			Str("code", code).
			Str("body", string(respData)).
			Msg("Microsoft Graph sendMail failed")

		if resp.StatusCode == http.StatusUnauthorized {
			// The cached token was rejected; force a fresh exchange for the next delivery.
			_ = gs.tokens.Invalidate(context.WithoutCancel(ctx))
		}
		return nil, errs.DeliveryStatus(resp.StatusCode, code, errMsg)
	}

	receipt := newReceipt(resp, clientRequestID)
	l.Info().Str("request_id", receipt.RequestID).Msg("Email sent successfully via Microsoft Graph")
	return receipt, nil
}

func senderAddress(msg *message.Message) string {
	if len(msg.From) == 0 {
		return ""
	}
	return strings.TrimSpace(msg.From[0])
}

func buildMessage(msg *message.Message, from string) EmailMessage {
	return EmailMessage{
		Subject:       msg.Subject,
		Body:          buildBody(msg),
		From:          EmailAddress{EmailAddress: Address{Address: from}},
		ToRecipients:  buildRecipients(msg.To),
		CcRecipients:  buildRecipients(msg.Cc),
		BccRecipients: buildRecipients(msg.Bcc),
		ReplyTo:       buildRecipients(msg.ReplyTo),
		Attachments:   buildAttachments(msg.Attachments),
	}
}

// buildBody prefers HTML over text for multipart messages.
func buildBody(msg *message.Message) EmailBody {
	if msg.Multipart {
		switch {
		case msg.HTMLPart != nil:
			return EmailBody{ContentType: ContentTypeHTML, Content: string(msg.HTMLPart.Content)}
		case msg.TextPart != nil:
			return EmailBody{ContentType: ContentTypeText, Content: string(msg.TextPart.Content)}
		default:
			return EmailBody{ContentType: ContentTypeText}
		}
	}

	ct := ContentTypeText
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(msg.ContentType)), "text/html") {
		ct = ContentTypeHTML
	}
	return EmailBody{ContentType: ct, Content: string(msg.Body)}
}

// buildRecipients returns nil when no non-blank address remains.
func buildRecipients(addrs []string) []EmailAddress {
	var out []EmailAddress
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		out = append(out, EmailAddress{EmailAddress: Address{Address: addr}})
	}
	return out
}

func buildAttachments(atts []message.Attachment) []FileAttachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]FileAttachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, FileAttachment{
			ODataType:    fileAttachmentType,
			Name:         a.Filename,
			ContentType:  a.MIMEType,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Content),
		})
	}
	return out
}

func parseError(data []byte) (code, msg string) {
	var errResp SendMailErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil || errResp.Error.Message == "" {
		return errResp.Error.Code, "Unknown error"
	}
	return errResp.Error.Code, errResp.Error.Message
}

func newReceipt(resp *http.Response, clientRequestID string) *Receipt {
	r := &Receipt{
		StatusCode:      resp.StatusCode,
		RequestID:       resp.Header.Get("request-id"),
		ClientRequestID: resp.Header.Get("client-request-id"),
		Header:          resp.Header.Clone(),
	}
	if r.ClientRequestID == "" {
		r.ClientRequestID = clientRequestID
	}
	if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		r.Date = date
	}
	return r
}
