package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/popbridge/pkg/circuitbreaker"
)

// WithBreaker routes every call to the remote service through cb. While the
// breaker is open, calls fail at once with an error wrapping ErrBackend.
func WithBreaker(b Backend, cb *circuitbreaker.CircuitBreaker) Backend {
	return &guardedBackend{next: b, cb: cb}
}

// ServiceFailure reports whether err should count against the remote
// service's health. Rejected credentials, unsupported operations and
// cancelled sessions say nothing about whether the service is up.
func ServiceFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrInvalidCredentials) &&
		!errors.Is(err, ErrUnsupported) &&
		!errors.Is(err, context.Canceled)
}

type guardedBackend struct {
	next Backend
	cb   *circuitbreaker.CircuitBreaker
}

func (g *guardedBackend) Authenticate(ctx context.Context, username, password string) (Mailbox, error) {
	mbox, err := guard(g.cb, func() (Mailbox, error) {
		return g.next.Authenticate(ctx, username, password)
	})
	if err != nil {
		return nil, err
	}
	return &guardedMailbox{next: mbox, cb: g.cb}, nil
}

type guardedMailbox struct {
	next Mailbox
	cb   *circuitbreaker.CircuitBreaker
}

func (m *guardedMailbox) ListUnread(ctx context.Context) ([]Ref, error) {
	return guard(m.cb, func() ([]Ref, error) { return m.next.ListUnread(ctx) })
}

func (m *guardedMailbox) UnreadCount(ctx context.Context) (int, error) {
	return guard(m.cb, func() (int, error) { return m.next.UnreadCount(ctx) })
}

func (m *guardedMailbox) Fetch(ctx context.Context, ref Ref) (*Message, error) {
	return guard(m.cb, func() (*Message, error) { return m.next.Fetch(ctx, ref) })
}

func (m *guardedMailbox) MarkRead(ctx context.Context, msg *Message) error {
	_, err := guard(m.cb, func() (struct{}, error) { return struct{}{}, m.next.MarkRead(ctx, msg) })
	return err
}

func (m *guardedMailbox) AcceptInvitation(ctx context.Context, msg *Message) error {
	_, err := guard(m.cb, func() (struct{}, error) { return struct{}{}, m.next.AcceptInvitation(ctx, msg) })
	return err
}

func (m *guardedMailbox) TentativelyAccept(ctx context.Context, msg *Message, comment string) error {
	_, err := guard(m.cb, func() (struct{}, error) { return struct{}{}, m.next.TentativelyAccept(ctx, msg, comment) })
	return err
}

// Close releases local resources and is never refused.
func (m *guardedMailbox) Close() error {
	return m.next.Close()
}

func guard[T any](cb *circuitbreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := circuitbreaker.Call(cb, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return v, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return v, err
}
