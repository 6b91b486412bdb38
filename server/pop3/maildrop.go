package pop3

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/consts"
	"github.com/migadu/popbridge/helpers"
	"github.com/migadu/popbridge/message"
	"github.com/migadu/popbridge/pkg/metrics"
	"lukechampine.com/blake3"
)

// maildrop binds one authenticated mailbox to a POP3 session. Message numbers
// resolve against a snapshot of unread items taken the first time they are
// needed and kept for the rest of the session, so a number keeps pointing at
// the same item even after DELE marks it read.
type maildrop struct {
	mbox        backend.Mailbox
	backendName string
	render      message.Options
	comment     string

	snapshot []backend.Ref
	loaded   bool
}

// openMaildrop authenticates against the backend. Any failure is reported as consts.ErrAuthFailed.
func openMaildrop(ctx context.Context, be backend.Backend, backendName string, identity, secret []byte, render message.Options, comment string) (*maildrop, error) {
	username := helpers.SanitizeCredential(identity)
	password := helpers.SanitizeCredential(secret)
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", consts.ErrAuthFailed)
	}

	start := time.Now()
	mbox, err := be.Authenticate(ctx, username, password)
	metrics.ObserveBackend(backendName, "authenticate", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrAuthFailed, err)
	}

	if comment == "" {
		comment = consts.TentativeAcceptComment
	}
	return &maildrop{mbox: mbox, backendName: backendName, render: render, comment: comment}, nil
}

func (m *maildrop) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObserveBackend(m.backendName, op, start, err)
	return err
}

// unreadCount asks the backend every time; the snapshot is not consulted.
func (m *maildrop) unreadCount(ctx context.Context) (int, error) {
	var n int
	err := m.observe("count", func() (err error) {
		n, err = m.mbox.UnreadCount(ctx)
		return err
	})
	return n, err
}

func (m *maildrop) messages(ctx context.Context) ([]backend.Ref, error) {
	if m.loaded {
		return m.snapshot, nil
	}
	var refs []backend.Ref
	err := m.observe("list", func() (err error) {
		refs, err = m.mbox.ListUnread(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.snapshot = refs
	m.loaded = true
	return m.snapshot, nil
}

func (m *maildrop) ref(ctx context.Context, n int) (backend.Ref, error) {
	refs, err := m.messages(ctx)
	if err != nil {
		return backend.Ref{}, err
	}
	if n < 1 || n > len(refs) {
		return backend.Ref{}, fmt.Errorf("%w: %d (maildrop has %d)", consts.ErrNoSuchMessage, n, len(refs))
	}
	return refs[n-1], nil
}

func (m *maildrop) fetch(ctx context.Context, n int) (*backend.Message, error) {
	ref, err := m.ref(ctx, n)
	if err != nil {
		return nil, err
	}
	var msg *backend.Message
	err = m.observe("fetch", func() (err error) {
		msg, err = m.mbox.Fetch(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if msg.Ref.ID == "" {
		msg.Ref = ref
	}
	return msg, nil
}

// retrieve returns message n ready to be sent as a multi-line response.
func (m *maildrop) retrieve(ctx context.Context, n int) (string, error) {
	msg, err := m.fetch(ctx, n)
	if err != nil {
		return "", err
	}
	return message.Materialize(msg, m.render)
}

func (m *maildrop) top(ctx context.Context, n, lines int) (string, error) {
	msg, err := m.fetch(ctx, n)
	if err != nil {
		return "", err
	}
	return message.Top(msg, m.render, lines)
}

// remove answers a pending meeting request and marks message n read. The
// snapshot entry stays in place.
func (m *maildrop) remove(ctx context.Context, n int) (*backend.Message, error) {
	msg, err := m.fetch(ctx, n)
	if err != nil {
		return nil, err
	}

	if msg.Kind == backend.KindMeetingRequest && msg.Invitation.NeedsResponse() {
		if msg.Invitation.ConflictCount > 0 {
			err = m.observe("accept", func() error {
				return m.mbox.AcceptInvitation(ctx, msg)
			})
		} else {
			err = m.observe("tentative_accept", func() error {
				return m.mbox.TentativelyAccept(ctx, msg, m.comment)
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to respond to meeting request: %w", err)
		}
	}

	if err := m.observe("mark_read", func() error {
		return m.mbox.MarkRead(ctx, msg)
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

// uniqueID derives a stable UIDL value from the backend item id.
func uniqueID(ref backend.Ref) string {
	sum := blake3.Sum256([]byte(ref.ID))
	return hex.EncodeToString(sum[:])
}

func (m *maildrop) close() error {
	if m == nil || m.mbox == nil {
		return nil
	}
	err := m.mbox.Close()
	m.mbox = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
