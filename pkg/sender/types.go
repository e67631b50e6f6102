package sender

import (
	"net/http"
	"time"
)

const (
	ContentTypeHTML = "HTML"
	ContentTypeText = "Text"

	fileAttachmentType = "#microsoft.graph.fileAttachment"
)

// SendMailRequest is the JSON body of POST /users/{id}/sendMail.
type SendMailRequest struct {
	Message         EmailMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type SendMailErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EmailMessage omits empty recipient and attachment lists rather than sending [].
type EmailMessage struct {
	Subject       string           `json:"subject"`
	Body          EmailBody        `json:"body"`
	From          EmailAddress     `json:"from"`
	ToRecipients  []EmailAddress   `json:"toRecipients,omitempty"`
	CcRecipients  []EmailAddress   `json:"ccRecipients,omitempty"`
	BccRecipients []EmailAddress   `json:"bccRecipients,omitempty"`
	ReplyTo       []EmailAddress   `json:"replyTo,omitempty"`
	Attachments   []FileAttachment `json:"attachments,omitempty"`
}

type EmailBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type EmailAddress struct {
	EmailAddress Address `json:"emailAddress"`
}

type Address struct {
	Address string `json:"address"`
}

type FileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// Receipt carries the metadata of an accepted sendMail response.
type Receipt struct {
	StatusCode      int
	RequestID       string
	ClientRequestID string
	Date            time.Time
	Header          http.Header
}
