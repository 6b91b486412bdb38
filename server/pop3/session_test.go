package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/server"
	"github.com/migadu/popbridge/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "a@b.com"
	testPassword = "right"
)

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	require.True(c.t, strings.HasSuffix(line, "\r\n"), "line %q not CRLF terminated", line)
	return strings.TrimSuffix(line, "\r\n")
}

// readMultiline returns the status line and the body lines up to, not
// including, the terminator.
func (c *testClient) readMultiline() (string, []string) {
	c.t.Helper()
	status := c.readLine()
	var lines []string
	for {
		l := c.readLine()
		if l == "." {
			return status, lines
		}
		lines = append(lines, l)
	}
}

func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

func (c *testClient) login() {
	c.t.Helper()
	require.Equal(c.t, "+OK", c.cmd("USER "+testUser))
	require.Equal(c.t, "+OK Password accepted", c.cmd("PASS "+testPassword))
}

func newTestServer(t *testing.T, be backend.Backend, opts POP3ServerOptions) *POP3Server {
	t.Helper()
	if opts.BackendName == "" {
		opts.BackendName = "mock"
	}
	srv, err := New(context.Background(), "test", "localhost", "127.0.0.1:0", be, opts)
	require.NoError(t, err)
	srv.shutdownGrace = 10 * time.Millisecond
	t.Cleanup(srv.cancel)
	return srv
}

// startSession runs one session over an in-memory pipe and returns the
// client end with the greeting already consumed. The returned channel is
// closed when the session ends.
func startSession(t *testing.T, srv *POP3Server) (*testClient, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	session := srv.newSession(serverConn)
	srv.addSession(session)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.handleConnection()
	}()

	c := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	require.Equal(t, "+OK POP3 server ready", c.readLine())
	return c, done
}

func newMockWithUser() *testutils.MockBackend {
	be := testutils.NewMockBackend()
	be.AddUser(testUser, testPassword)
	return be
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestEndToEndExchange(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "Hello", "first line\n.hidden\nlast line"))
	be.AddMessage(testUser, testutils.NewTextMessage("id-2", "Older", "older body"))

	srv := newTestServer(t, be, POP3ServerOptions{})
	c, done := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS wrong"))
	assert.Equal(t, "+OK Password accepted", c.cmd("PASS right"))
	assert.Equal(t, "+OK 2", c.cmd("STAT"))

	c.send("RETR 1")
	status, lines := c.readMultiline()
	assert.Equal(t, "+OK message follows", status)
	assert.Contains(t, lines, "Subject: Hello")
	assert.Contains(t, lines, "..hidden")
	assert.NotContains(t, lines, ".")

	assert.Equal(t, "+OK 1 deleted", c.cmd("DELE 1"))
	assert.Equal(t, "+OK Goodbye", c.cmd("QUIT"))
	waitDone(t, done)

	assert.True(t, be.IsRead(testUser, "id-1"))
	assert.False(t, be.IsRead(testUser, "id-2"))
	assert.Equal(t, 1, be.CountCalls("close:"))
	assert.Equal(t, int64(0), srv.GetTotalConnections())
	assert.Equal(t, int64(0), srv.GetAuthenticatedConnections())
}

func TestMailboxCommandsSilentBeforeAuthentication(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "Hello", "body"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)

	for _, cmd := range []string{"STAT", "RETR 1", "DELE 1", "LIST", "UIDL", "TOP 1 0", "XYZZY"} {
		c.send(cmd)
	}
	// The first reply on the wire belongs to NOOP.
	assert.Equal(t, "+OK", c.cmd("NOOP"))

	c.send("USER " + testUser)
	assert.Equal(t, "+OK", c.readLine())
	c.send("STAT")
	assert.Equal(t, "+OK", c.cmd("NOOP"))

	assert.Empty(t, be.Calls())
	assert.False(t, be.IsRead(testUser, "id-1"))
}

func TestUnknownCommandAfterAuthentication(t *testing.T) {
	srv := newTestServer(t, newMockWithUser(), POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()
	assert.Equal(t, "-ERR Unknown command", c.cmd("RSET"))
	assert.Equal(t, "+OK", c.cmd("NOOP"))
}

func TestPassWithoutUser(t *testing.T) {
	srv := newTestServer(t, newMockWithUser(), POP3ServerOptions{})
	c, _ := startSession(t, srv)
	assert.Equal(t, "-ERR Must provide USER first", c.cmd("PASS right"))
	assert.Equal(t, "-ERR Missing username", c.cmd("USER"))
}

func TestPassRetryAfterFailure(t *testing.T) {
	be := newMockWithUser()
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS nope"))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS still-nope"))
	// Still not authenticated: silence.
	c.send("STAT")
	assert.Equal(t, "+OK", c.cmd("NOOP"))
	assert.Equal(t, "+OK Password accepted", c.cmd("PASS "+testPassword))
	assert.Equal(t, "+OK 0", c.cmd("STAT"))
	assert.Equal(t, 3, be.CountCalls("authenticate:"))
}

func TestPasswordWithSpaces(t *testing.T) {
	be := testutils.NewMockBackend()
	be.AddUser(testUser, "correct horse battery")
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "+OK Password accepted", c.cmd("PASS correct horse battery"))
}

func TestReauthenticationReleasesMailbox(t *testing.T) {
	be := newMockWithUser()
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)

	c.login()
	assert.Equal(t, int64(1), srv.GetAuthenticatedConnections())
	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, 1, be.CountCalls("close:"))
	assert.Equal(t, int64(0), srv.GetAuthenticatedConnections())

	c.send("STAT")
	assert.Equal(t, "+OK", c.cmd("NOOP"))
}

func TestCapaInEveryState(t *testing.T) {
	srv := newTestServer(t, newMockWithUser(), POP3ServerOptions{})
	c, _ := startSession(t, srv)

	want := []string{"USER", "LOGIN-DELAY 900", "EXPIRE NEVER", "UIDL", "TOP"}
	c.send("CAPA")
	status, lines := c.readMultiline()
	assert.Equal(t, "+OK Capability list follows", status)
	assert.Equal(t, want, lines)

	c.login()
	c.send("capa")
	_, lines = c.readMultiline()
	assert.Equal(t, want, lines)
}

func TestStatIsLive(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "One", "1"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	c.send("LIST")
	status, _ := c.readMultiline()
	assert.Equal(t, "+OK 1 messages", status)

	be.DeliverNewest(testUser, testutils.NewTextMessage("id-0", "Zero", "0"))
	assert.Equal(t, "+OK 2", c.cmd("STAT"))

	// The snapshot is not refreshed.
	c.send("LIST")
	status, _ = c.readMultiline()
	assert.Equal(t, "+OK 1 messages", status)
	assert.Equal(t, 1, be.CountCalls("list"))
}

func TestRetrAndDeleResolveSameMessage(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "First", "one"))
	be.AddMessage(testUser, testutils.NewTextMessage("id-2", "Second", "two"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	c.send("RETR 2")
	_, lines := c.readMultiline()
	assert.Contains(t, lines, "Subject: Second")

	be.DeliverNewest(testUser, testutils.NewTextMessage("id-new", "New", "new"))
	assert.Equal(t, "+OK 2 deleted", c.cmd("DELE 2"))
	assert.True(t, be.IsRead(testUser, "id-2"))
	assert.False(t, be.IsRead(testUser, "id-1"))

	// Numbers stay stable after DELE.
	c.send("RETR 2")
	_, lines = c.readMultiline()
	assert.Contains(t, lines, "Subject: Second")
}

func TestMessageNumberErrors(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "One", "1"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	assert.Equal(t, "-ERR Missing message number", c.cmd("RETR"))
	assert.Equal(t, "-ERR Invalid message number", c.cmd("RETR abc"))
	assert.Equal(t, "-ERR No such message", c.cmd("RETR 0"))
	assert.Equal(t, "-ERR No such message", c.cmd("RETR 2"))
	assert.Equal(t, "-ERR No such message", c.cmd("DELE 5"))
	assert.Equal(t, "-ERR Missing message number", c.cmd("TOP 1"))
	assert.Equal(t, "-ERR Invalid message number", c.cmd("TOP 1 -3"))
	assert.Equal(t, "+OK", c.cmd("NOOP"))
	assert.Equal(t, 0, be.CountCalls("mark_read"))
}

func TestListAndUidl(t *testing.T) {
	be := newMockWithUser()
	m1 := testutils.NewTextMessage("id-1", "One", "1")
	m1.Ref.Size = 120
	m2 := testutils.NewTextMessage("id-2", "Two", "2")
	m2.Ref.Size = 340
	be.AddMessage(testUser, m1)
	be.AddMessage(testUser, m2)
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	c.send("LIST")
	status, lines := c.readMultiline()
	assert.Equal(t, "+OK 2 messages", status)
	assert.Equal(t, []string{"1 120", "2 340"}, lines)
	assert.Equal(t, "+OK 2 340", c.cmd("LIST 2"))

	c.send("UIDL")
	status, lines = c.readMultiline()
	assert.Equal(t, "+OK", status)
	require.Len(t, lines, 2)
	assert.Equal(t, "1 "+uniqueID(m1.Ref), lines[0])
	assert.Equal(t, "2 "+uniqueID(m2.Ref), lines[1])
	assert.Equal(t, "+OK 1 "+uniqueID(m1.Ref), c.cmd("UIDL 1"))
}

func TestTop(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "One", "line one\nline two\nline three"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	c.send("TOP 1 1")
	status, lines := c.readMultiline()
	assert.Equal(t, "+OK", status)
	assert.Contains(t, lines, "Subject: One")
	assert.Contains(t, lines, "line one")
	assert.NotContains(t, lines, "line two")

	c.send("TOP 1 0")
	_, lines = c.readMultiline()
	assert.Equal(t, "", lines[len(lines)-1])
	assert.NotContains(t, lines, "line one")
}

func TestDeleMeetingRequests(t *testing.T) {
	tests := []struct {
		name      string
		msg       *backend.Message
		wantCalls []string
	}{
		{
			name:      "plain message",
			msg:       testutils.NewTextMessage("m", "Hi", "body"),
			wantCalls: []string{"mark_read:m"},
		},
		{
			name:      "conflicting invitation is accepted",
			msg:       testutils.NewMeetingRequest("m", "Sync", "NewMeetingRequest", 2),
			wantCalls: []string{"accept:m", "mark_read:m"},
		},
		{
			name:      "free slot is tentatively accepted",
			msg:       testutils.NewMeetingRequest("m", "Sync", "NewMeetingRequest", 0),
			wantCalls: []string{"tentative:m:Meeting conflict, will review", "mark_read:m"},
		},
		{
			name:      "informational update is only marked read",
			msg:       testutils.NewMeetingRequest("m", "Moved", backend.InformationalUpdate, 3),
			wantCalls: []string{"mark_read:m"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newMockWithUser()
			be.AddMessage(testUser, tt.msg)
			srv := newTestServer(t, be, POP3ServerOptions{})
			c, _ := startSession(t, srv)
			c.login()

			assert.Equal(t, "+OK 1 deleted", c.cmd("DELE 1"))

			var got []string
			for _, call := range be.Calls() {
				if strings.HasPrefix(call, "accept:") || strings.HasPrefix(call, "tentative:") || strings.HasPrefix(call, "mark_read:") {
					got = append(got, call)
				}
			}
			assert.Equal(t, tt.wantCalls, got)
		})
	}
}

func TestTentativeCommentOverride(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewMeetingRequest("m", "Sync", "NewMeetingRequest", 0))
	srv := newTestServer(t, be, POP3ServerOptions{TentativeComment: "Auto reply"})
	c, _ := startSession(t, srv)
	c.login()

	assert.Equal(t, "+OK 1 deleted", c.cmd("DELE 1"))
	assert.Equal(t, 1, be.CountCalls("tentative:m:Auto reply"))
}

func TestBackendFailuresKeepSessionAlive(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewTextMessage("id-1", "One", "1"))
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	be.FailOps["count"] = fmt.Errorf("%w: service unavailable", backend.ErrBackend)
	assert.Equal(t, "-ERR problem talking to mailbox service", c.cmd("STAT"))

	be.FailOps["list"] = errors.New("boom")
	assert.Equal(t, "-ERR problem talking to mailbox service", c.cmd("RETR 1"))

	// A failed listing is not cached.
	delete(be.FailOps, "list")
	be.PanicOps["fetch"] = true
	assert.Equal(t, "-ERR problem talking to mailbox service", c.cmd("RETR 1"))

	delete(be.PanicOps, "fetch")
	be.FailOps["mark_read"] = errors.New("denied")
	assert.Equal(t, "-ERR problem talking to mailbox service", c.cmd("DELE 1"))
	assert.False(t, be.IsRead(testUser, "id-1"))

	delete(be.FailOps, "mark_read")
	delete(be.FailOps, "count")
	assert.Equal(t, "+OK 1 deleted", c.cmd("DELE 1"))
	assert.Equal(t, "+OK 0", c.cmd("STAT"))
}

func TestFailedInvitationResponseSkipsMarkRead(t *testing.T) {
	be := newMockWithUser()
	be.AddMessage(testUser, testutils.NewMeetingRequest("m", "Sync", "NewMeetingRequest", 1))
	be.FailOps["accept"] = errors.New("calendar unavailable")
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)
	c.login()

	assert.Equal(t, "-ERR problem talking to mailbox service", c.cmd("DELE 1"))
	assert.False(t, be.IsRead(testUser, "m"))
}

func TestAuthenticationBackendFailure(t *testing.T) {
	be := newMockWithUser()
	be.FailOps["authenticate"] = fmt.Errorf("%w: dial tcp: refused", backend.ErrBackend)
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS "+testPassword))
}

func TestIdleTimeoutSendsError(t *testing.T) {
	srv := newTestServer(t, newMockWithUser(), POP3ServerOptions{CommandTimeout: 200 * time.Millisecond})
	c, done := startSession(t, srv)

	assert.Equal(t, "-ERR Connection timed out due to inactivity", c.readLine())
	waitDone(t, done)

	_, err := c.reader.ReadString('\n')
	assert.Error(t, err)
}

func TestClientDisconnectReleasesMailbox(t *testing.T) {
	be := newMockWithUser()
	srv := newTestServer(t, be, POP3ServerOptions{})
	c, done := startSession(t, srv)
	c.login()

	c.conn.Close()
	waitDone(t, done)
	assert.Equal(t, 1, be.CountCalls("close:"))
	assert.Equal(t, int64(0), srv.GetAuthenticatedConnections())
}

func TestAuthRateLimitBlocksRepeatedFailures(t *testing.T) {
	be := newMockWithUser()
	srv := newTestServer(t, be, POP3ServerOptions{
		AuthRateLimit: server.AuthRateLimiterConfig{
			Enabled:             true,
			FastBlockThreshold:  2,
			FastBlockDuration:   time.Minute,
			DelayStartThreshold: 100,
		},
	})
	c, _ := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS wrong"))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS wrong"))

	// Blocked clients are refused without asking the backend.
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS "+testPassword))
	assert.Equal(t, 2, be.CountCalls("authenticate:"))
}

func TestAuthRateLimitIgnoresBackendOutages(t *testing.T) {
	be := newMockWithUser()
	be.FailOps["authenticate"] = fmt.Errorf("%w: service unavailable", backend.ErrBackend)
	srv := newTestServer(t, be, POP3ServerOptions{
		AuthRateLimit: server.AuthRateLimiterConfig{
			Enabled:            true,
			FastBlockThreshold: 1,
			FastBlockDuration:  time.Minute,
		},
	})
	c, _ := startSession(t, srv)

	assert.Equal(t, "+OK", c.cmd("USER "+testUser))
	assert.Equal(t, "-ERR Authentication failed", c.cmd("PASS "+testPassword))

	delete(be.FailOps, "authenticate")
	assert.Equal(t, "+OK Password accepted", c.cmd("PASS "+testPassword))
}
