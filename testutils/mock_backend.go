package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/popbridge/backend"
)

// MockBackend is a thread-safe in-memory implementation of backend.Backend.
type MockBackend struct {
	mu       sync.Mutex
	users    map[string]string
	messages map[string][]*mockItem // newest first
	calls    []string

	// FailOps makes the named operation ("list", "count", "fetch", "mark_read",
	// "accept", "tentative", "authenticate") return the given error.
	FailOps map[string]error
	// PanicOps makes the named operation panic.
	PanicOps map[string]bool
}

type mockItem struct {
	msg  *backend.Message
	read bool
}

// NewMockBackend creates an empty backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		users:    make(map[string]string),
		messages: make(map[string][]*mockItem),
		FailOps:  make(map[string]error),
		PanicOps: make(map[string]bool),
	}
}

// NewTextMessage builds an ordinary message with a plain text body.
func NewTextMessage(id, subject, body string) *backend.Message {
	return &backend.Message{
		Ref:      backend.Ref{ID: id, Size: int64(len(body)), Received: time.Now()},
		Kind:     backend.KindMessage,
		Subject:  subject,
		Sender:   &backend.Address{Name: "Sender", Email: "sender@example.com"},
		To:       []backend.Address{{Email: "user@example.com"}},
		Received: time.Now(),
		TextBody: &body,
	}
}

// NewMeetingRequest builds a meeting request item.
func NewMeetingRequest(id, subject, requestType string, conflicts int) *backend.Message {
	msg := NewTextMessage(id, subject, "Please attend")
	msg.Kind = backend.KindMeetingRequest
	msg.Invitation = &backend.Invitation{Type: requestType, ConflictCount: conflicts}
	return msg
}

func (b *MockBackend) AddUser(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[username] = password
}

// AddMessage appends msg as the oldest unread message of username.
func (b *MockBackend) AddMessage(username string, msg *backend.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[username] = append(b.messages[username], &mockItem{msg: msg})
}

// DeliverNewest inserts msg as the most recently received message.
func (b *MockBackend) DeliverNewest(username string, msg *backend.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[username] = append([]*mockItem{{msg: msg}}, b.messages[username]...)
}

// Calls returns the recorded side effects, e.g. "mark_read:id-1" or "tentative:id-2:comment".
func (b *MockBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CountCalls returns how many recorded calls start with prefix.
func (b *MockBackend) CountCalls(prefix string) int {
	n := 0
	for _, c := range b.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// IsRead reports whether the message with id has been marked read.
func (b *MockBackend) IsRead(username, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range b.messages[username] {
		if it.msg.Ref.ID == id {
			return it.read
		}
	}
	return false
}

func (b *MockBackend) hook(op string) error {
	if b.PanicOps[op] {
		panic(fmt.Sprintf("mock backend: %s exploded", op))
	}
	if err := b.FailOps[op]; err != nil {
		return err
	}
	return nil
}

func (b *MockBackend) Authenticate(ctx context.Context, username, password string) (backend.Mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "authenticate:"+username)
	if err := b.hook("authenticate"); err != nil {
		return nil, err
	}
	if want, ok := b.users[username]; !ok || want != password {
		return nil, backend.ErrInvalidCredentials
	}
	return &mockMailbox{b: b, user: username}, nil
}

type mockMailbox struct {
	b      *MockBackend
	user   string
	closed bool
}

func (m *mockMailbox) record(op string) error {
	m.b.calls = append(m.b.calls, op)
	if m.closed {
		return fmt.Errorf("mailbox closed")
	}
	return nil
}

func (m *mockMailbox) ListUnread(ctx context.Context) ([]backend.Ref, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("list"); err != nil {
		return nil, err
	}
	if err := m.b.hook("list"); err != nil {
		return nil, err
	}
	var refs []backend.Ref
	for _, it := range m.b.messages[m.user] {
		if !it.read {
			refs = append(refs, it.msg.Ref)
		}
	}
	return refs, nil
}

func (m *mockMailbox) UnreadCount(ctx context.Context) (int, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("count"); err != nil {
		return 0, err
	}
	if err := m.b.hook("count"); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range m.b.messages[m.user] {
		if !it.read {
			n++
		}
	}
	return n, nil
}

func (m *mockMailbox) find(id string) (*mockItem, error) {
	for _, it := range m.b.messages[m.user] {
		if it.msg.Ref.ID == id {
			return it, nil
		}
	}
	return nil, fmt.Errorf("%w: item %s not found", backend.ErrBackend, id)
}

func (m *mockMailbox) Fetch(ctx context.Context, ref backend.Ref) (*backend.Message, error) {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("fetch:" + ref.ID); err != nil {
		return nil, err
	}
	if err := m.b.hook("fetch"); err != nil {
		return nil, err
	}
	it, err := m.find(ref.ID)
	if err != nil {
		return nil, err
	}
	cp := *it.msg
	return &cp, nil
}

func (m *mockMailbox) MarkRead(ctx context.Context, msg *backend.Message) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("mark_read:" + msg.Ref.ID); err != nil {
		return err
	}
	if err := m.b.hook("mark_read"); err != nil {
		return err
	}
	it, err := m.find(msg.Ref.ID)
	if err != nil {
		return err
	}
	it.read = true
	return nil
}

func (m *mockMailbox) AcceptInvitation(ctx context.Context, msg *backend.Message) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("accept:" + msg.Ref.ID); err != nil {
		return err
	}
	return m.b.hook("accept")
}

func (m *mockMailbox) TentativelyAccept(ctx context.Context, msg *backend.Message, comment string) error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if err := m.record("tentative:" + msg.Ref.ID + ":" + comment); err != nil {
		return err
	}
	return m.b.hook("tentative")
}

func (m *mockMailbox) Close() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	m.b.calls = append(m.b.calls, "close:"+m.user)
	m.closed = true
	return nil
}
