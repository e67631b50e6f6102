package sender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/errs"
	"github.com/goodieshq/graphmailer/pkg/logger"
	"github.com/goodieshq/graphmailer/pkg/message"
	"github.com/goodieshq/graphmailer/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeTokens struct {
	token       string
	err         error
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (f *fakeTokens) TokenSource(context.Context) oauth2.TokenSource {
	return f
}

func (f *fakeTokens) Token() (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: f.token, TokenType: "Bearer"}, nil
}

func (f *fakeTokens) Invalidate(context.Context) error {
	f.invalidated.Add(1)
	return nil
}

// graphServer fakes the sendMail endpoint and records the last request.
type graphServer struct {
	*httptest.Server
	calls  atomic.Int32
	path   string
	header http.Header
	body   []byte
}

func newGraphServer(t *testing.T, status int, respBody string) *graphServer {
	t.Helper()
	s := &graphServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		s.path = r.URL.EscapedPath()
		s.header = r.Header.Clone()
		s.body, _ = io.ReadAll(r.Body)
		w.Header().Set("request-id", "req-123")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *graphServer) payload(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(s.body, &out))
	return out
}

func graphConfig(graphURL string) config.GraphConfig {
	return config.GraphConfig{
		TenantID:     "tenant-id",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		GraphURL:     graphURL,
	}
}

func newSender(t *testing.T, srv *graphServer, tokens TokenProvider) *GraphSender {
	t.Helper()
	gs, err := NewGraphSender(graphConfig(srv.URL), tokens, srv.Client(), WithLogger(logger.Nop()))
	require.NoError(t, err)
	return gs
}

func simpleMessage() *message.Message {
	return &message.Message{
		From:        []string{" sender@example.com "},
		To:          []string{"a@x.com", "  "},
		Subject:     "Hello",
		ContentType: "text/plain",
		Body:        []byte("hi there"),
	}
}

func TestNewGraphSender_Configuration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.GraphConfig)
	}{
		{name: "missing tenant", mutate: func(c *config.GraphConfig) { c.TenantID = "" }},
		{name: "missing client id", mutate: func(c *config.GraphConfig) { c.ClientID = "" }},
		{name: "blank secret", mutate: func(c *config.GraphConfig) { c.ClientSecret = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := graphConfig("http://127.0.0.1:1")
			tt.mutate(&cfg)
			tokens := &fakeTokens{token: "tok"}

			_, err := NewGraphSender(cfg, tokens, nil, WithLogger(logger.Nop()))
			assert.ErrorIs(t, err, errs.ErrConfiguration)
			assert.Zero(t, tokens.calls.Load())
		})
	}
}

func TestDeliver_Success(t *testing.T) {
	srv := newGraphServer(t, http.StatusAccepted, "")
	tokens := &fakeTokens{token: "tok"}
	gs := newSender(t, srv, tokens)

	receipt, err := gs.Deliver(context.Background(), simpleMessage())
	require.NoError(t, err)
	require.NotNil(t, receipt)

	assert.Equal(t, http.StatusAccepted, receipt.StatusCode)
	assert.Equal(t, "req-123", receipt.RequestID)
	assert.Equal(t, srv.header.Get("client-request-id"), receipt.ClientRequestID)
	assert.False(t, receipt.Date.IsZero())

	assert.EqualValues(t, 1, srv.calls.Load())
	assert.Equal(t, "/users/sender@example.com/sendMail", srv.path)
	assert.Equal(t, "Bearer tok", srv.header.Get("Authorization"))
	assert.Equal(t, "application/json", srv.header.Get("Content-Type"))

	body := srv.payload(t)
	assert.Equal(t, true, body["saveToSentItems"])

	msg := body["message"].(map[string]any)
	assert.Equal(t, "Hello", msg["subject"])
	assert.Equal(t, map[string]any{"contentType": "Text", "content": "hi there"}, msg["body"])
	assert.Equal(t, map[string]any{"emailAddress": map[string]any{"address": "sender@example.com"}}, msg["from"])
	assert.Equal(t, []any{
		map[string]any{"emailAddress": map[string]any{"address": "a@x.com"}},
	}, msg["toRecipients"])

	for _, key := range []string{"ccRecipients", "bccRecipients", "replyTo", "attachments"} {
		assert.NotContains(t, msg, key)
	}
}

func TestDeliver_WithTokenService(t *testing.T) {
	var exchanges atomic.Int32
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"from-identity","token_type":"Bearer","expires_in":3600}`))
	}))
	defer identity.Close()

	srv := newGraphServer(t, http.StatusAccepted, "")
	cfg := graphConfig(srv.URL)
	cfg.AuthorityURL = identity.URL

	tokens := token.New(cfg, nil, identity.Client(), token.WithLogger(logger.Nop()))
	gs, err := NewGraphSender(cfg, tokens, srv.Client(), WithLogger(logger.Nop()))
	require.NoError(t, err)

	for range 2 {
		_, err := gs.Deliver(context.Background(), simpleMessage())
		require.NoError(t, err)
		assert.Equal(t, "Bearer from-identity", srv.header.Get("Authorization"))
	}
	assert.EqualValues(t, 1, exchanges.Load())
	assert.EqualValues(t, 2, srv.calls.Load())
}

func TestDeliver_SenderEscapedInPath(t *testing.T) {
	srv := newGraphServer(t, http.StatusAccepted, "")
	gs := newSender(t, srv, &fakeTokens{token: "tok"})

	msg := simpleMessage()
	msg.From = []string{"first last/ops@example.com"}

	_, err := gs.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "/users/first%20last%2Fops@example.com/sendMail", srv.path)
}

func TestDeliver_AllRecipientListsAndAttachments(t *testing.T) {
	srv := newGraphServer(t, http.StatusAccepted, "")
	gs := newSender(t, srv, &fakeTokens{token: "tok"})

	msg := simpleMessage()
	msg.Cc = []string{" c@x.com"}
	msg.Bcc = []string{"", "d@x.com "}
	msg.ReplyTo = []string{"r@x.com"}
	msg.Attachments = []message.Attachment{
		{Filename: "report.pdf", MIMEType: "application/pdf", Content: []byte("%PDF-1.4")},
	}

	_, err := gs.Deliver(context.Background(), msg)
	require.NoError(t, err)

	got := srv.payload(t)["message"].(map[string]any)
	addr := func(a string) map[string]any {
		return map[string]any{"emailAddress": map[string]any{"address": a}}
	}
	assert.Equal(t, []any{addr("c@x.com")}, got["ccRecipients"])
	assert.Equal(t, []any{addr("d@x.com")}, got["bccRecipients"])
	assert.Equal(t, []any{addr("r@x.com")}, got["replyTo"])
	assert.Equal(t, []any{map[string]any{
		"@odata.type":  "#microsoft.graph.fileAttachment",
		"name":         "report.pdf",
		"contentType":  "application/pdf",
		"contentBytes": "JVBERi0xLjQ=",
	}}, got["attachments"])
}

func TestBuildBody(t *testing.T) {
	html := &message.Part{ContentType: "text/html", Content: []byte("<b>hi</b>")}
	text := &message.Part{ContentType: "text/plain", Content: []byte("hi")}

	tests := []struct {
		name string
		msg  *message.Message
		want EmailBody
	}{
		{
			name: "multipart prefers html",
			msg:  &message.Message{Multipart: true, HTMLPart: html, TextPart: text},
			want: EmailBody{ContentType: "HTML", Content: "<b>hi</b>"},
		},
		{
			name: "multipart text only",
			msg:  &message.Message{Multipart: true, TextPart: text},
			want: EmailBody{ContentType: "Text", Content: "hi"},
		},
		{
			name: "multipart without body parts",
			msg:  &message.Message{Multipart: true},
			want: EmailBody{ContentType: "Text", Content: ""},
		},
		{
			name: "single part plain",
			msg:  &message.Message{ContentType: "text/plain", Body: []byte("plain")},
			want: EmailBody{ContentType: "Text", Content: "plain"},
		},
		{
			name: "single part html with params",
			msg:  &message.Message{ContentType: "text/html; charset=utf-8", Body: []byte("<p>x</p>")},
			want: EmailBody{ContentType: "HTML", Content: "<p>x</p>"},
		},
		{
			name: "single part without content type",
			msg:  &message.Message{Body: []byte("raw")},
			want: EmailBody{ContentType: "Text", Content: "raw"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildBody(tt.msg))
		})
	}
}

func TestDeliver_NoSender(t *testing.T) {
	for _, from := range [][]string{nil, {}, {"   "}} {
		srv := newGraphServer(t, http.StatusAccepted, "")
		tokens := &fakeTokens{token: "tok"}
		gs := newSender(t, srv, tokens)

		msg := simpleMessage()
		msg.From = from

		_, err := gs.Deliver(context.Background(), msg)
		require.ErrorIs(t, err, errs.ErrDelivery)
		assert.Contains(t, err.Error(), "sender")
		assert.Zero(t, srv.calls.Load())
		assert.Zero(t, tokens.calls.Load())
	}
}

func TestDeliver_TokenFailure(t *testing.T) {
	srv := newGraphServer(t, http.StatusAccepted, "")
	tokens := &fakeTokens{err: errs.Provider(http.StatusUnauthorized, "invalid_client")}
	gs := newSender(t, srv, tokens)

	_, err := gs.Deliver(context.Background(), simpleMessage())
	require.ErrorIs(t, err, errs.ErrAuthentication)
	assert.ErrorIs(t, err, errs.ErrProvider)
	assert.Contains(t, err.Error(), "invalid_client")
	assert.Zero(t, srv.calls.Load())
	assert.EqualValues(t, 1, tokens.calls.Load())
}

func TestDeliver_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error":{"code":"ErrorInvalidRecipients","message":"Bad Request"}}`,
			wantCode: "ErrorInvalidRecipients",
			wantMsg:  "Bad Request",
		},
		{
			name:    "not json",
			status:  http.StatusBadGateway,
			body:    `<html>bad gateway</html>`,
			wantMsg: "Unknown error",
		},
		{
			name:     "missing message",
			status:   http.StatusForbidden,
			body:     `{"error":{"code":"ErrorAccessDenied"}}`,
			wantCode: "ErrorAccessDenied",
			wantMsg:  "Unknown error",
		},
		{
			name:    "ok is not accepted",
			status:  http.StatusOK,
			body:    `{}`,
			wantMsg: "Unknown error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newGraphServer(t, tt.status, tt.body)
			tokens := &fakeTokens{token: "tok"}
			gs := newSender(t, srv, tokens)

			receipt, err := gs.Deliver(context.Background(), simpleMessage())
			require.ErrorIs(t, err, errs.ErrDelivery)
			assert.Nil(t, receipt)

			var e *errs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Contains(t, err.Error(), strconv.Itoa(tt.status))

			assert.EqualValues(t, 1, srv.calls.Load())
			assert.Zero(t, tokens.invalidated.Load())
		})
	}
}

func TestDeliver_UnauthorizedInvalidatesToken(t *testing.T) {
	srv := newGraphServer(t, http.StatusUnauthorized, `{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired"}}`)
	tokens := &fakeTokens{token: "stale"}
	gs := newSender(t, srv, tokens)

	_, err := gs.Deliver(context.Background(), simpleMessage())
	require.ErrorIs(t, err, errs.ErrDelivery)
	assert.Contains(t, err.Error(), "Access token has expired")

	assert.EqualValues(t, 1, tokens.invalidated.Load())
	assert.EqualValues(t, 1, srv.calls.Load(), "the failed delivery is not retried")
}

func TestDeliver_NetworkError(t *testing.T) {
	srv := newGraphServer(t, http.StatusAccepted, "")
	gs := newSender(t, srv, &fakeTokens{token: "tok"})
	srv.Close()

	_, err := gs.Deliver(context.Background(), simpleMessage())
	require.ErrorIs(t, err, errs.ErrDelivery)
	assert.Contains(t, err.Error(), "network error sending email")

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Zero(t, e.Status)
	assert.Error(t, errors.Unwrap(err))
}
