// Package backend defines the contract between the POP3 gateway and the
// remote mailbox service it fronts.
//
// A Backend authenticates a user and returns a Mailbox, a handle scoped to
// that user's inbox. Items are addressed by Ref values obtained from
// ListUnread; the full content is loaded on demand with Fetch.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned by Authenticate when the service rejects the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBackend wraps failures reported by the remote service.
	ErrBackend = errors.New("mailbox service error")
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Backend opens authenticated mailbox sessions.
type Backend interface {
	Authenticate(ctx context.Context, username, password string) (Mailbox, error)
}

// Mailbox is an authenticated handle to one user's inbox. It is used by a
// single POP3 session and need not be safe for concurrent use.
type Mailbox interface {
	// ListUnread returns all unread items, most recently received first.
	ListUnread(ctx context.Context) ([]Ref, error)
	// UnreadCount asks the service for the current number of unread items.
	UnreadCount(ctx context.Context) (int, error)
	Fetch(ctx context.Context, ref Ref) (*Message, error)
	MarkRead(ctx context.Context, msg *Message) error
	AcceptInvitation(ctx context.Context, msg *Message) error
	TentativelyAccept(ctx context.Context, msg *Message, comment string) error
	Close() error
}

// Ref identifies an item in the remote store.
type Ref struct {
	ID        string
	ChangeKey string // EWS only
	Size      int64
	Received  time.Time
}

// Kind discriminates the item variants a Mailbox can return.
type Kind int

const (
	KindMessage Kind = iota
	KindMeetingRequest
)

func (k Kind) String() string {
	switch k {
	case KindMeetingRequest:
		return "meeting_request"
	default:
		return "message"
	}
}

// InformationalUpdate is the meeting request type that needs no response.
const InformationalUpdate = "InformationalUpdate"

// Invitation carries the fields only meeting requests have.
type Invitation struct {
	Type          string // e.g. "NewMeetingRequest", "FullUpdate", "InformationalUpdate"
	ConflictCount int
}

// NeedsResponse reports whether the organizer expects an answer.
func (i *Invitation) NeedsResponse() bool {
	return i != nil && i.Type != InformationalUpdate
}

// Address is a mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Body is a message body as stored by the service.
type Body struct {
	Content string
	HTML    bool
}

// Message is the full content of one remote item.
type Message struct {
	Ref      Ref
	Kind     Kind
	Subject  string
	Sender   *Address
	ReplyTo  []Address
	To       []Address
	Cc       []Address
	Bcc      []Address
	Received time.Time

	// TextBody is the plain text rendition, when the service provides one.
	TextBody *string
	// Body is the stored body, which may be HTML.
	Body *Body

	Attachments []Attachment

	// Invitation is set if and only if Kind is KindMeetingRequest.
	Invitation *Invitation
}
