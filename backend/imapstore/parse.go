package imapstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/popbridge/backend"
)

// parseMessage extracts the fields the gateway renders from a raw RFC 5322
// message. Headers and parts in an unknown charset are kept undecoded.
func parseMessage(raw []byte) (*backend.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &backend.Message{Kind: backend.KindMessage}
	msg.Subject, err = h.Subject()
	if err != nil {
		msg.Subject = h.Get("Subject")
	}
	if from := addressList(h, "From"); len(from) > 0 {
		msg.Sender = &from[0]
	} else if sender := addressList(h, "Sender"); len(sender) > 0 {
		msg.Sender = &sender[0]
	}
	msg.ReplyTo = addressList(h, "Reply-To")
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	msg.Bcc = addressList(h, "Bcc")

	var text, html *string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		if p == nil {
			continue
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read body: %w", err)
			}
			s := string(body)
			switch {
			case (ct == "" || ct == "text/plain") && text == nil:
				text = &s
			case ct == "text/html" && html == nil:
				html = &s
			}
		case *mail.AttachmentHeader:
			ct, _, _ := ph.ContentType()
			name, _ := ph.Filename()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %q: %w", name, err)
			}
			msg.Attachments = append(msg.Attachments, backend.Attachment{Name: name, ContentType: ct, Content: content})
		}
	}

	msg.TextBody = text
	if html != nil {
		msg.Body = &backend.Body{Content: *html, HTML: true}
	}
	return msg, nil
}

func addressList(h mail.Header, key string) []backend.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		if raw := strings.TrimSpace(h.Get(key)); raw != "" && err != nil {
			return []backend.Address{{Email: raw}}
		}
		return nil
	}
	out := make([]backend.Address, 0, len(list))
	for _, a := range list {
		out = append(out, backend.Address{Name: a.Name, Email: a.Address})
	}
	return out
}
