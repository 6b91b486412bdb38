// Package ews implements backend.Backend on top of Exchange Web Services.
//
// Every authenticated mailbox owns its own HTTP transport, so connections
// and NTLM state are never shared between POP3 sessions.
package ews

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/consts"
	"github.com/migadu/popbridge/logger"
)

const (
	defaultServerVersion = "Exchange2013_SP1"
	defaultPageSize      = 200
	maxResponseSize      = 256 << 20
)

// Options configures the EWS backend.
type Options struct {
	URL                string
	ServerVersion      string
	PageSize           int
	Timeout            time.Duration
	InsecureSkipVerify bool
	// Transport overrides the HTTP transport. It is shared by all mailboxes when set.
	Transport http.RoundTripper
}

// Backend authenticates users against an EWS endpoint.
type Backend struct {
	url      string
	version  string
	pageSize int
	timeout  time.Duration
	base     http.RoundTripper
}

// New returns an EWS backend for opts.URL.
func New(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, errors.New("ews: url is required")
	}
	b := &Backend{
		url:      opts.URL,
		version:  opts.ServerVersion,
		pageSize: opts.PageSize,
		timeout:  opts.Timeout,
		base:     opts.Transport,
	}
	if b.version == "" {
		b.version = defaultServerVersion
	}
	if b.pageSize <= 0 {
		b.pageSize = defaultPageSize
	}
	if b.base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		b.base = tr
	}
	return b, nil
}

// Authenticate checks the credentials by reading the inbox folder.
func (b *Backend) Authenticate(ctx context.Context, username, password string) (backend.Mailbox, error) {
	rt := b.base
	if tr, ok := rt.(*http.Transport); ok {
		rt = tr.Clone()
	}
	m := &mailbox{
		c: &client{
			url:       b.url,
			version:   b.version,
			username:  username,
			password:  password,
			transport: rt,
			http: &http.Client{
				Transport: ntlmssp.Negotiator{RoundTripper: rt},
				Timeout:   b.timeout,
			},
		},
		pageSize: b.pageSize,
	}
	if _, err := m.UnreadCount(ctx); err != nil {
		m.Close()
		return nil, err
	}
	logger.Debug("EWS: authenticated", "user", username, "url", b.url)
	return m, nil
}

type client struct {
	url       string
	version   string
	username  string
	password  string
	transport http.RoundTripper
	http      *http.Client
}

func (c *client) closeIdleConnections() {
	if ci, ok := c.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}

// call sends one SOAP operation and decodes the body element into out.
func (c *client) call(ctx context.Context, op string, req, out any) error {
	payload, err := xml.Marshal(newEnvelope(c.version, req))
	if err != nil {
		return fmt.Errorf("ews %s: failed to encode request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return fmt.Errorf("ews %s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("Accept", "text/xml")
	httpReq.SetBasicAuth(c.username, c.password)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", backend.ErrBackend, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: %s: failed to read response: %w", backend.ErrBackend, op, err)
	}
	logger.Debug("EWS: call", "op", op, "status", resp.StatusCode, "bytes", len(body), "duration", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", backend.ErrInvalidCredentials, op)
	}

	var env responseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s: HTTP %d", backend.ErrBackend, op, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: malformed response: %w", backend.ErrBackend, op, err)
	}
	if env.Body.Fault != nil {
		return fmt.Errorf("%w: %s: %w", backend.ErrBackend, op, env.Body.Fault)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", backend.ErrBackend, op, resp.StatusCode)
	}
	if err := xml.Unmarshal(env.Body.Inner, out); err != nil {
		return fmt.Errorf("%w: %s: malformed response body: %w", backend.ErrBackend, op, err)
	}
	return nil
}

// inbox addresses the inbox of the authenticated user's SMTP address. Logon
// names that are not addresses (DOMAIN\user) get the caller's own inbox.
func (c *client) inbox() folderIDs {
	id := distinguishedFolderID{ID: consts.EWSInboxFolderID}
	if strings.Contains(c.username, "@") {
		id.Mailbox = &emailMailbox{EmailAddress: c.username}
	}
	return folderIDs{Distinguished: id}
}
