package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestParse_MultipartWithAttachment(t *testing.T) {
	raw := crlf(`From: "Alerts" <alerts@example.com>
To: a@example.com, "Bee" <b@example.com>
Cc: c@example.com
Reply-To: support@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_report?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

plain body
--inner
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: quoted-printable

<p>html =3D body</p>
--inner--
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--outer--
`)

	msg, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"alerts@example.com"}, msg.From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.To)
	assert.Equal(t, []string{"c@example.com"}, msg.Cc)
	assert.Empty(t, msg.Bcc)
	assert.Equal(t, []string{"support@example.com"}, msg.ReplyTo)
	assert.Equal(t, "Café report", msg.Subject)

	assert.True(t, msg.Multipart)
	require.NotNil(t, msg.HTMLPart)
	assert.Equal(t, "<p>html = body</p>", strings.TrimSpace(string(msg.HTMLPart.Content)))
	require.NotNil(t, msg.TextPart)
	assert.Equal(t, "plain body", strings.TrimSpace(string(msg.TextPart.Content)))

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MIMEType)
	assert.Equal(t, "%PDF-1.4", string(msg.Attachments[0].Content))
}

func TestParse_SinglePart(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
	}{
		{name: "html", contentType: "text/html; charset=utf-8", want: "text/html"},
		{name: "plain", contentType: "text/plain", want: "text/plain"},
		{name: "missing", contentType: "", want: "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n"
			if tt.contentType != "" {
				raw += "Content-Type: " + tt.contentType + "\r\n"
			}
			raw += "\r\nhello"

			msg, err := Parse(strings.NewReader(raw))
			require.NoError(t, err)
			assert.False(t, msg.Multipart)
			assert.Equal(t, tt.want, msg.ContentType)
			assert.Equal(t, "hello", string(msg.Body))
			assert.Nil(t, msg.HTMLPart)
			assert.Nil(t, msg.TextPart)
		})
	}
}

func TestParse_MissingFrom(t *testing.T) {
	msg, err := Parse(strings.NewReader("To: b@example.com\r\nSubject: hi\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Empty(t, msg.From)
	assert.Equal(t, []string{"b@example.com"}, msg.To)
}

func TestParse_UnparseableAddressesFallBack(t *testing.T) {
	msg, err := Parse(strings.NewReader("From: a@example.com\r\nTo: <b@example.com>, not an address\r\n\r\nbody"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b@example.com", "not an address"}, msg.To)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse(strings.NewReader("this header has no colon\r\n\r\nbody"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHasRecipient(t *testing.T) {
	msg := &Message{To: []string{"a@example.com"}, Bcc: []string{" B@Example.com "}}

	assert.True(t, msg.HasRecipient("a@example.com"))
	assert.True(t, msg.HasRecipient("b@example.com"))
	assert.False(t, msg.HasRecipient("c@example.com"))
}
