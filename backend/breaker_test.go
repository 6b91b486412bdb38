package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/migadu/popbridge/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBackend struct {
	authErr error
	listErr error
	calls   int
}

func (f *flakyBackend) Authenticate(ctx context.Context, username, password string) (Mailbox, error) {
	f.calls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &flakyMailbox{b: f}, nil
}

type flakyMailbox struct {
	b      *flakyBackend
	closed bool
}

func (m *flakyMailbox) ListUnread(ctx context.Context) ([]Ref, error) {
	m.b.calls++
	if m.b.listErr != nil {
		return nil, m.b.listErr
	}
	return []Ref{{ID: "1"}}, nil
}
func (m *flakyMailbox) UnreadCount(ctx context.Context) (int, error)         { m.b.calls++; return 1, nil }
func (m *flakyMailbox) Fetch(ctx context.Context, ref Ref) (*Message, error) { return &Message{Ref: ref}, nil }
func (m *flakyMailbox) MarkRead(ctx context.Context, msg *Message) error     { return nil }
func (m *flakyMailbox) AcceptInvitation(ctx context.Context, msg *Message) error {
	return ErrUnsupported
}
func (m *flakyMailbox) TentativelyAccept(ctx context.Context, msg *Message, comment string) error {
	return ErrUnsupported
}
func (m *flakyMailbox) Close() error { m.closed = true; return nil }

func newBreaker(threshold uint32) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:             "test",
		FailureThreshold: threshold,
		Timeout:          time.Hour,
		IsSuccessful:     func(err error) bool { return !ServiceFailure(err) },
	})
}

func TestServiceFailure(t *testing.T) {
	assert.False(t, ServiceFailure(nil))
	assert.False(t, ServiceFailure(fmt.Errorf("%w: GetFolder", ErrInvalidCredentials)))
	assert.False(t, ServiceFailure(fmt.Errorf("%w: accept over IMAP", ErrUnsupported)))
	assert.False(t, ServiceFailure(fmt.Errorf("read: %w", context.Canceled)))
	assert.True(t, ServiceFailure(fmt.Errorf("%w: HTTP 503", ErrBackend)))
	assert.True(t, ServiceFailure(context.DeadlineExceeded))
}

func TestWithBreakerFailsFastWhileServiceIsDown(t *testing.T) {
	inner := &flakyBackend{authErr: fmt.Errorf("%w: dial tcp: connection refused", ErrBackend)}
	cb := newBreaker(2)
	b := WithBreaker(inner, cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Authenticate(ctx, "u", "p")
		require.ErrorIs(t, err, ErrBackend)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	_, err := b.Authenticate(ctx, "u", "p")
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the service")
}

func TestWithBreakerIgnoresRejectedCredentials(t *testing.T) {
	inner := &flakyBackend{authErr: ErrInvalidCredentials}
	cb := newBreaker(1)
	b := WithBreaker(inner, cb)

	for i := 0; i < 5; i++ {
		_, err := b.Authenticate(context.Background(), "u", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Equal(t, 5, inner.calls)
}

func TestWithBreakerGuardsMailboxCalls(t *testing.T) {
	inner := &flakyBackend{}
	cb := newBreaker(1)
	b := WithBreaker(inner, cb)
	ctx := context.Background()

	mbox, err := b.Authenticate(ctx, "u", "p")
	require.NoError(t, err)

	refs, err := mbox.ListUnread(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.ErrorIs(t, mbox.AcceptInvitation(ctx, &Message{}), ErrUnsupported)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	inner.listErr = fmt.Errorf("%w: FindItem: HTTP 500", ErrBackend)
	_, err = mbox.ListUnread(ctx)
	require.ErrorIs(t, err, ErrBackend)
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	_, err = mbox.UnreadCount(ctx)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))

	require.NoError(t, mbox.Close(), "Close bypasses the breaker")
}
