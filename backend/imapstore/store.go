// Package imapstore implements backend.Backend on top of an IMAP server.
//
// Unread means not \Seen. Items are always plain messages: IMAP has no
// meeting request objects, so the calendar operations are unsupported.
package imapstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/consts"
	"github.com/migadu/popbridge/logger"
)

// Options configures the IMAP backend.
type Options struct {
	Addr               string
	TLS                bool // implicit TLS
	InsecureSkipVerify bool
	Mailbox            string
	Timeout            time.Duration
}

type Backend struct {
	addr      string
	mailbox   string
	timeout   time.Duration
	tlsConfig *tls.Config
}

func New(opts Options) (*Backend, error) {
	if opts.Addr == "" {
		return nil, errors.New("imap: addr is required")
	}
	b := &Backend{
		addr:    opts.Addr,
		mailbox: opts.Mailbox,
		timeout: opts.Timeout,
	}
	if b.mailbox == "" {
		b.mailbox = consts.DefaultMailbox
	}
	if opts.TLS {
		host, _, err := net.SplitHostPort(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("imap: invalid addr %q: %w", opts.Addr, err)
		}
		b.tlsConfig = &tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}
	return b, nil
}

func (b *Backend) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: b.timeout}
	if b.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: b.tlsConfig}
		return td.DialContext(ctx, "tcp", b.addr)
	}
	return d.DialContext(ctx, "tcp", b.addr)
}

// Authenticate logs in, preferring AUTHENTICATE PLAIN, and selects the mailbox.
func (b *Backend) Authenticate(ctx context.Context, username, password string) (backend.Mailbox, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", backend.ErrBackend, b.addr, err)
	}

	m := &mailbox{
		conn:    conn,
		c:       imapclient.New(conn, &imapclient.Options{}),
		name:    b.mailbox,
		user:    username,
		timeout: b.timeout,
	}
	m.setDeadline(ctx)

	if m.c.Caps().Has(imap.AuthCap(sasl.Plain)) {
		err = m.c.Authenticate(sasl.NewPlainClient("", username, password))
	} else {
		err = m.c.Login(username, password).Wait()
	}
	if err != nil {
		m.c.Close()
		if isNo(err) {
			return nil, fmt.Errorf("%w: %w", backend.ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("%w: login: %w", backend.ErrBackend, err)
	}

	data, err := m.c.Select(b.mailbox, nil).Wait()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("%w: select %s: %w", backend.ErrBackend, b.mailbox, err)
	}
	m.uidValidity = data.UIDValidity
	logger.Debug("IMAP: authenticated", "user", username, "addr", b.addr, "mailbox", b.mailbox, "messages", data.NumMessages)
	return m, nil
}

func isNo(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo
}

type mailbox struct {
	conn        net.Conn
	c           *imapclient.Client
	name        string
	user        string
	timeout     time.Duration
	uidValidity uint32
}

// setDeadline bounds the next commands by ctx, since imapclient commands take no context.
func (m *mailbox) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok && m.timeout > 0 {
		deadline, ok = time.Now().Add(m.timeout), true
	}
	if !ok {
		deadline = time.Time{}
	}
	_ = m.conn.SetDeadline(deadline)
}

func (m *mailbox) UnreadCount(ctx context.Context) (int, error) {
	m.setDeadline(ctx)
	data, err := m.c.Status(m.name, &imap.StatusOptions{NumUnseen: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("%w: status: %w", backend.ErrBackend, err)
	}
	if data.NumUnseen == nil {
		return 0, fmt.Errorf("%w: status: server omitted UNSEEN", backend.ErrBackend)
	}
	return int(*data.NumUnseen), nil
}

func (m *mailbox) ListUnread(ctx context.Context) ([]backend.Ref, error) {
	m.setDeadline(ctx)
	search, err := m.c.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", backend.ErrBackend, err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	msgs, err := m.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", backend.ErrBackend, err)
	}

	refs := make([]backend.Ref, 0, len(msgs))
	for _, msg := range msgs {
		refs = append(refs, backend.Ref{
			ID:       m.itemID(msg.UID),
			Size:     msg.RFC822Size,
			Received: msg.InternalDate,
		})
	}
	sortNewestFirst(refs)
	logger.Debug("IMAP: listed unread messages", "user", m.user, "count", len(refs))
	return refs, nil
}

// sortNewestFirst orders by received time, then by UID, both descending.
func sortNewestFirst(refs []backend.Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		if !refs[i].Received.Equal(refs[j].Received) {
			return refs[i].Received.After(refs[j].Received)
		}
		_, ui, _ := parseItemID(refs[i].ID)
		_, uj, _ := parseItemID(refs[j].ID)
		return ui > uj
	})
}

// itemID combines UIDVALIDITY and UID so ids never repeat after a mailbox is recreated.
func (m *mailbox) itemID(uid imap.UID) string {
	return fmt.Sprintf("%d.%d", m.uidValidity, uid)
}

func parseItemID(id string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed item id %q", id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed item id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("malformed item id %q", id)
	}
	return uint32(validity), imap.UID(uid), nil
}

func (m *mailbox) uid(id string) (imap.UID, error) {
	validity, uid, err := parseItemID(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", backend.ErrBackend, err)
	}
	if validity != m.uidValidity {
		return 0, fmt.Errorf("%w: item %s is from another UIDVALIDITY (%d)", backend.ErrBackend, id, m.uidValidity)
	}
	return uid, nil
}

func (m *mailbox) Fetch(ctx context.Context, ref backend.Ref) (*backend.Message, error) {
	uid, err := m.uid(ref.ID)
	if err != nil {
		return nil, err
	}

	m.setDeadline(ctx)
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := m.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", backend.ErrBackend, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: message %s no longer exists", backend.ErrBackend, ref.ID)
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("%w: fetch: server returned no body for %s", backend.ErrBackend, ref.ID)
	}
	msg, err := parseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", backend.ErrBackend, ref.ID, err)
	}

	// Received is the delivery time, not the sender's Date header.
	msg.Ref = backend.Ref{ID: ref.ID, Size: msgs[0].RFC822Size, Received: msgs[0].InternalDate}
	msg.Received = msgs[0].InternalDate
	return msg, nil
}

func (m *mailbox) MarkRead(ctx context.Context, msg *backend.Message) error {
	uid, err := m.uid(msg.Ref.ID)
	if err != nil {
		return err
	}
	m.setDeadline(ctx)
	err = m.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("%w: store: %w", backend.ErrBackend, err)
	}
	return nil
}

func (m *mailbox) AcceptInvitation(ctx context.Context, msg *backend.Message) error {
	return fmt.Errorf("%w: accepting meeting requests over IMAP", backend.ErrUnsupported)
}

func (m *mailbox) TentativelyAccept(ctx context.Context, msg *backend.Message, comment string) error {
	return fmt.Errorf("%w: accepting meeting requests over IMAP", backend.ErrUnsupported)
}

func (m *mailbox) Close() error {
	if m.c == nil {
		return nil
	}
	_ = m.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := m.c.Logout().Wait(); err != nil {
		logger.Debug("IMAP: logout failed", "user", m.user, "error", err)
	}
	err := m.c.Close()
	m.c = nil
	return err
}
