package graph

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shineum/alias-forwarder/internal/email"
	"github.com/shineum/alias-forwarder/internal/provider"
)

// payload is a ready-to-post sendMail body.
type payload struct {
	contentType string
	body        []byte
}

// encode picks the sendMail form for msg. The JSON form carries a single
// body, so a message with both text and HTML goes out as base64 MIME.
func encode(msg *email.Email) (payload, error) {
	if msg.TextBody != "" && msg.HtmlBody != "" {
		raw, err := provider.BuildMIME(msg)
		if err != nil {
			return payload{}, err
		}
		return payload{
			contentType: "text/plain",
			body:        []byte(base64.StdEncoding.EncodeToString(raw)),
		}, nil
	}

	b, err := json.Marshal(sendMailRequest{Message: newMessage(msg)})
	if err != nil {
		return payload{}, err
	}
	return payload{contentType: "application/json", body: b}, nil
}

type sendMailRequest struct {
	Message         message `json:"message"`
	SaveToSentItems bool    `json:"saveToSentItems"`
}

type message struct {
	Subject                string         `json:"subject"`
	Body                   itemBody       `json:"body"`
	From                   *recipient     `json:"from,omitempty"`
	ReplyTo                []recipient    `json:"replyTo,omitempty"`
	ToRecipients           []recipient    `json:"toRecipients"`
	Attachments            []attachment   `json:"attachments,omitempty"`
	InternetMessageHeaders []headerRecord `json:"internetMessageHeaders,omitempty"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress mailbox `json:"emailAddress"`
}

type mailbox struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type headerRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func toRecipient(addr email.Address) recipient {
	return recipient{EmailAddress: mailbox{Name: addr.Name, Address: addr.Address}}
}

func newMessage(msg *email.Email) message {
	m := message{
		Subject:      msg.Subject,
		Body:         itemBody{ContentType: "text", Content: msg.TextBody},
		ToRecipients: []recipient{toRecipient(msg.To)},
	}
	if msg.HtmlBody != "" {
		m.Body = itemBody{ContentType: "html", Content: msg.HtmlBody}
	}

	from := toRecipient(msg.From)
	m.From = &from
	if !msg.ReplyTo.IsZero() {
		m.ReplyTo = []recipient{toRecipient(msg.ReplyTo)}
	}

	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, attachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	// Graph only accepts custom x- headers here.
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		if strings.HasPrefix(strings.ToLower(name), "x-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		m.InternetMessageHeaders = append(m.InternetMessageHeaders, headerRecord{Name: name, Value: msg.Headers[name]})
	}

	return m
}
