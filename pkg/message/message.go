// Package message defines the generic outbound email consumed by the Graph sender and
// parses RFC 5322 data into it.
package message

import "strings"

// Message is a decoded email. Address lists may contain blanks; consumers trim and drop them.
type Message struct {
	From    []string
	To      []string
	Cc      []string
	Bcc     []string
	ReplyTo []string
	Subject string

	// Multipart selects HTMLPart/TextPart; otherwise ContentType and Body describe the single part.
	Multipart   bool
	HTMLPart    *Part
	TextPart    *Part
	ContentType string
	Body        []byte

	Attachments []Attachment
}

// Part is one decoded body alternative of a multipart message.
type Part struct {
	ContentType string
	Content     []byte
}

type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// HasRecipient reports whether addr appears in To, Cc or Bcc, ignoring case.
func (m *Message) HasRecipient(addr string) bool {
	addr = strings.TrimSpace(addr)
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			if strings.EqualFold(strings.TrimSpace(a), addr) {
				return true
			}
		}
	}
	return false
}
