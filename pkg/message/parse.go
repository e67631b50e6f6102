package message

import (
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var ErrMalformed = errors.New("message: malformed")

// Parse reads RFC 5322 data into a Message. Transfer encodings and charsets are decoded;
// parts in an unknown charset are kept as raw bytes.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer mr.Close()

	msg := &Message{
		From:    addressList(mr.Header, "From"),
		To:      addressList(mr.Header, "To"),
		Cc:      addressList(mr.Header, "Cc"),
		Bcc:     addressList(mr.Header, "Bcc"),
		ReplyTo: addressList(mr.Header, "Reply-To"),
	}

	if msg.Subject, err = mr.Header.Subject(); err != nil {
		msg.Subject = mr.Header.Get("Subject")
	}

	mediaType, _, err := mr.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	msg.Multipart = strings.HasPrefix(mediaType, "multipart/")
	if !msg.Multipart {
		msg.ContentType = mediaType
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p == nil {
			continue
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading part: %v", ErrMalformed, err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			if ct == "" {
				ct = "text/plain"
			}
			if !msg.Multipart {
				msg.Body = body
				continue
			}
			switch {
			case ct == "text/html" && msg.HTMLPart == nil:
				msg.HTMLPart = &Part{ContentType: ct, Content: body}
			case ct == "text/plain" && msg.TextPart == nil:
				msg.TextPart = &Part{ContentType: ct, Content: body}
			case !strings.HasPrefix(ct, "text/"):
				// inline images and the like
				msg.Attachments = append(msg.Attachments, Attachment{
					Filename: inlineName(params),
					MIMEType: ct,
					Content:  body,
				})
			}
		case *mail.AttachmentHeader:
			ct, _, _ := h.ContentType()
			if ct == "" {
				ct = "application/octet-stream"
			}
			name, err := h.Filename()
			if err != nil || name == "" {
				name = "attachment"
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: name,
				MIMEType: ct,
				Content:  body,
			})
		}
	}

	return msg, nil
}

// addressList falls back to splitting the raw header on commas when it does not parse.
func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		return out
	}

	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(raw, ",") {
		a = strings.Trim(strings.TrimSpace(a), "<>")
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func inlineName(params map[string]string) string {
	if name := params["name"]; name != "" {
		return name
	}
	return "inline"
}
