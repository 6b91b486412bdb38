// Package message turns remote mailbox items into RFC 5322 messages suitable
// for transmission over POP3.
package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/migadu/popbridge/backend"
)

// Options controls rendering.
type Options struct {
	// ConvertHTML renders HTML-only bodies as plain text instead of sending text/html.
	ConvertHTML bool
	// Location is the zone the Date header is expressed in. Defaults to time.Local.
	Location *time.Location
}

// SelectBody returns the body text a message is rendered from: the plain text
// body if present, otherwise the stored body, otherwise the empty string.
func SelectBody(msg *backend.Message) (text string, html bool) {
	if msg.TextBody != nil {
		return *msg.TextBody, false
	}
	if msg.Body != nil {
		return msg.Body.Content, msg.Body.HTML
	}
	return "", false
}

// MessageID derives the message identifier from the body text, so the same
// body always yields the same id.
func MessageID(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// FormatAddress renders one address with its display name, if any.
func FormatAddress(a backend.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// FormatAddressList renders addresses as a comma separated list. An empty list yields "".
func FormatAddressList(addrs []backend.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, FormatAddress(a))
	}
	return strings.Join(parts, ", ")
}

// attachmentContentType reduces a backend content type to "type/subtype".
// Malformed values and multipart types, which the writer would expand into a
// boundary-delimited body, become application/octet-stream.
func attachmentContentType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	mainType, subType, ok := strings.Cut(strings.TrimSpace(ct), "/")
	mainType = strings.ToLower(strings.TrimSpace(mainType))
	subType = strings.ToLower(strings.TrimSpace(subType))
	if !ok || mainType == "" || subType == "" || strings.ContainsAny(mainType+subType, "/ \t") || mainType == "multipart" {
		return "application/octet-stream"
	}
	return mainType + "/" + subType
}

func buildHeader(msg *backend.Message, bodyText string, loc *time.Location) mail.Header {
	var h mail.Header

	// Fields are emitted in reverse order of insertion.
	h.SetSubject(msg.Subject)
	h.SetDate(msg.Received.In(loc))
	if len(msg.ReplyTo) > 0 {
		h.Set("Reply-To", FormatAddressList(msg.ReplyTo))
	}
	from := ""
	if msg.Sender != nil {
		from = FormatAddress(*msg.Sender)
	}
	h.Set("From", from)
	// Absent recipient lists are still written, with an empty value.
	h.Set("Bcc", FormatAddressList(msg.Bcc))
	h.Set("Cc", FormatAddressList(msg.Cc))
	h.Set("To", FormatAddressList(msg.To))
	h.SetMessageID(MessageID(bodyText))
	return h
}

// Render builds the message with CRLF line endings. The result is not dot-stuffed.
func Render(msg *backend.Message, opts Options) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	bodyText, isHTML := SelectBody(msg)
	h := buildHeader(msg, bodyText, loc)

	content, contentType := bodyText, "text/plain"
	if isHTML {
		if opts.ConvertHTML {
			content = html2text.HTML2Text(bodyText)
		} else {
			contentType = "text/html"
		}
	}
	textParams := map[string]string{"charset": "utf-8"}

	var buf bytes.Buffer
	if len(msg.Attachments) == 0 {
		h.SetContentType(contentType, textParams)
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		if err := writeAndClose(w, []byte(content)); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		return normalizeCRLF(buf.Bytes()), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	var ih mail.InlineHeader
	ih.SetContentType(contentType, textParams)
	tw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if err := writeAndClose(tw, []byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}

	for i, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		var params map[string]string
		if att.Name != "" {
			params = map[string]string{"name": att.Name}
		}
		ah.SetContentType(attachmentContentType(att.ContentType), params)
		if att.Name != "" {
			ah.SetFilename(att.Name)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part %d: %w", i+1, err)
		}
		if err := writeAndClose(aw, att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return normalizeCRLF(buf.Bytes()), nil
}

// Materialize renders msg and dot-stuffs it for a POP3 multi-line response.
// The result always ends with CRLF.
func Materialize(msg *backend.Message, opts Options) (string, error) {
	raw, err := Render(msg, opts)
	if err != nil {
		return "", err
	}
	return DotStuff(withTrailingCRLF(string(raw))), nil
}

// Top returns the header block, the blank separator line and the first n body
// lines of msg, dot-stuffed.
func Top(msg *backend.Message, opts Options, n int) (string, error) {
	raw, err := Render(msg, opts)
	if err != nil {
		return "", err
	}
	text := string(raw)

	header, body, found := strings.Cut(text, "\r\n\r\n")
	if !found {
		return DotStuff(withTrailingCRLF(text)), nil
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\r\n\r\n")
	if n > 0 && body != "" {
		lines := strings.SplitAfter(body, "\r\n")
		if n < len(lines) {
			lines = lines[:n]
		}
		for _, l := range lines {
			b.WriteString(l)
		}
	}
	return DotStuff(withTrailingCRLF(b.String())), nil
}

// DotStuff prefixes every line that starts with '.' with another '.'.
func DotStuff(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	lineStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if lineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		lineStart = c == '\n'
	}
	return b.String()
}

func writeAndClose(w io.WriteCloser, p []byte) error {
	if _, err := w.Write(p); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// normalizeCRLF rewrites bare LF and bare CR line breaks to CRLF.
func normalizeCRLF(b []byte) []byte {
	if !bytes.ContainsAny(b, "\r\n") {
		return b
	}
	out := make([]byte, 0, len(b)+len(b)/32)
	for i := 0; i < len(b); i++ {
		switch c := b[i]; c {
		case '\r':
			out = append(out, '\r', '\n')
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, c)
		}
	}
	return out
}

func withTrailingCRLF(s string) string {
	if strings.HasSuffix(s, "\r\n") {
		return s
	}
	return s + "\r\n"
}
