package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/consts"
	"github.com/migadu/popbridge/helpers"
	"github.com/migadu/popbridge/message"
	"github.com/migadu/popbridge/pkg/metrics"
	"github.com/migadu/popbridge/server"
)

type authPhase int

const (
	phaseUnauthenticated authPhase = iota
	phaseUserGiven
	phaseAuthenticated
)

func (p authPhase) String() string {
	switch p {
	case phaseUserGiven:
		return "user_given"
	case phaseAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Commands reported to metrics under their own name; everything else is "unknown".
var knownCommands = map[string]bool{
	"CAPA": true, "NOOP": true, "QUIT": true, "USER": true, "PASS": true,
	"STAT": true, "RETR": true, "DELE": true, "LIST": true, "UIDL": true, "TOP": true,
}

type POP3Session struct {
	server.Session
	server    *POP3Server
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	releaseConn func() // Returns the per-IP connection slot

	phase    authPhase
	username []byte
	drop     *maildrop
}

func (s *POP3Session) handleConnection() {
	defer s.close()

	s.writeLine(respGreeting)
	if err := s.writer.Flush(); err != nil {
		s.DebugLog("failed to send greeting: %v", err)
		return
	}
	s.DebugLog("connected")

	for {
		if s.server.commandTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			switch {
			case server.IsTimeout(err):
				s.writeLine(respIdleTimeout)
				_ = s.writer.Flush()
				s.Log("timed out")
			case errors.Is(err, io.EOF):
				s.Log("client dropped connection")
			case server.IsConnectionError(err):
				s.DebugLog("connection closed: %v", err)
			default:
				s.WarnLog("read error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			return
		}

		quit := s.handleLine(strings.TrimRight(line, "\r\n"))
		if err := s.writer.Flush(); err != nil {
			if !server.IsConnectionError(err) {
				s.WarnLog("write error: %v", err)
			}
			return
		}
		if quit {
			return
		}
	}
}

// handleLine runs one command. No error or panic escapes: each failure
// produces one warning and one -ERR line.
func (s *POP3Session) handleLine(line string) (quit bool) {
	verb, arg, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	cmd := strings.ToUpper(verb)
	if cmd == "" {
		return false
	}
	s.DebugLog("C: %s", helpers.MaskSensitive(line))

	label := "unknown"
	if knownCommands[cmd] {
		label = strings.ToLower(cmd)
	}
	status := "ok"
	start := time.Now()

	ctx := s.ctx
	if s.server.backendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.server.backendTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.WarnLog("%s failed: panic: %v", cmd, r)
			s.writeLine(respBackendFailure)
			status = "error"
			quit = false
		}
		metrics.CommandsTotal.WithLabelValues("pop3", label, status).Inc()
		metrics.CommandDuration.WithLabelValues("pop3", label).Observe(time.Since(start).Seconds())
	}()

	var err error
	quit, err = s.execute(ctx, cmd, arg)
	if err != nil {
		status = "error"
		s.WarnLog("%s failed: %v", cmd, err)
		s.writeLine(errorResponse(err))
	}
	return quit
}

func (s *POP3Session) execute(ctx context.Context, cmd, arg string) (bool, error) {
	switch cmd {
	case "CAPA":
		s.writeMultiline("+OK Capability list follows", capabilities)
		return false, nil
	case "NOOP":
		s.writeLine("+OK")
		return false, nil
	case "QUIT":
		s.writeLine(respGoodbye)
		s.Log("quit")
		return true, nil
	case "USER":
		return false, s.handleUser(arg)
	case "PASS":
		return false, s.handlePass(ctx, arg)
	case "STAT", "RETR", "DELE", "LIST", "UIDL", "TOP":
		if s.phase != phaseAuthenticated {
			// Mailbox commands are ignored, not rejected, before login.
			s.DebugLog("ignoring %s in state %s", cmd, s.phase)
			return false, nil
		}
	default:
		if s.phase == phaseAuthenticated {
			s.writeLine(respUnknownCommand)
		} else {
			s.DebugLog("ignoring %s in state %s", cmd, s.phase)
		}
		return false, nil
	}

	args := splitArgs(arg)
	switch cmd {
	case "STAT":
		return false, s.handleStat(ctx)
	case "RETR":
		return false, s.handleRetr(ctx, args)
	case "DELE":
		return false, s.handleDele(ctx, args)
	case "LIST":
		return false, s.handleList(ctx, args)
	case "UIDL":
		return false, s.handleUidl(ctx, args)
	default:
		return false, s.handleTop(ctx, args)
	}
}

func (s *POP3Session) handleUser(arg string) error {
	name := strings.TrimSpace(arg)
	if name == "" {
		return errMissingName
	}
	s.releaseMaildrop()
	s.username = []byte(name)
	s.phase = phaseUserGiven
	s.writeLine("+OK")
	return nil
}

func (s *POP3Session) handlePass(ctx context.Context, arg string) error {
	if len(s.username) == 0 {
		return errUserRequired
	}
	s.releaseMaildrop()
	s.phase = phaseUserGiven

	limiter := s.server.authLimiter
	if err := limiter.CanAttemptAuth(s.RemoteIP); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "blocked").Inc()
		return fmt.Errorf("%w: %w", consts.ErrAuthFailed, err)
	}
	server.ApplyAuthenticationDelay(ctx, limiter, s.RemoteIP)

	drop, err := openMaildrop(ctx, s.server.backend, s.server.backendName, s.username, []byte(arg), s.server.render, s.server.tentativeComment)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			limiter.RecordAuthAttempt(s.RemoteIP, false)
		}
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		return err
	}
	limiter.RecordAuthAttempt(s.RemoteIP, true)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()

	s.drop = drop
	s.phase = phaseAuthenticated
	s.Session.Username = helpers.SanitizeCredential(s.username)
	s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Inc()
	s.Log("authenticated")

	s.writeLine("+OK Password accepted")
	return nil
}

func (s *POP3Session) handleStat(ctx context.Context) error {
	n, err := s.drop.unreadCount(ctx)
	if err != nil {
		return err
	}
	s.writeLine(fmt.Sprintf("+OK %d", n))
	return nil
}

func (s *POP3Session) handleRetr(ctx context.Context, args []string) error {
	n, err := parseMessageNumber(firstArg(args))
	if err != nil {
		return err
	}
	text, err := s.drop.retrieve(ctx, n)
	if err != nil {
		return err
	}
	s.writeLine("+OK message follows")
	s.writer.WriteString(text)
	s.writeLine(".")
	metrics.MessagesRetrievedBytes.Add(float64(len(text)))
	s.DebugLog("retrieved message %d (%d bytes)", n, len(text))
	return nil
}

func (s *POP3Session) handleDele(ctx context.Context, args []string) error {
	n, err := parseMessageNumber(firstArg(args))
	if err != nil {
		return err
	}
	msg, err := s.drop.remove(ctx, n)
	if err != nil {
		return err
	}
	metrics.MessagesDeleted.WithLabelValues(msg.Kind.String()).Inc()
	s.Log("deleted message %d (%s)", n, msg.Kind)
	s.writeLine(fmt.Sprintf("+OK %d deleted", n))
	return nil
}

func (s *POP3Session) handleList(ctx context.Context, args []string) error {
	if len(args) == 0 {
		refs, err := s.drop.messages(ctx)
		if err != nil {
			return err
		}
		s.writeMultiline(fmt.Sprintf("+OK %d messages", len(refs)), buildListResponseLines(refs))
		return nil
	}
	n, err := parseMessageNumber(args[0])
	if err != nil {
		return err
	}
	ref, err := s.drop.ref(ctx, n)
	if err != nil {
		return err
	}
	s.writeLine(fmt.Sprintf("+OK %d %d", n, ref.Size))
	return nil
}

func (s *POP3Session) handleUidl(ctx context.Context, args []string) error {
	if len(args) == 0 {
		refs, err := s.drop.messages(ctx)
		if err != nil {
			return err
		}
		s.writeMultiline("+OK", buildUIDLResponseLines(refs))
		return nil
	}
	n, err := parseMessageNumber(args[0])
	if err != nil {
		return err
	}
	ref, err := s.drop.ref(ctx, n)
	if err != nil {
		return err
	}
	s.writeLine(fmt.Sprintf("+OK %d %s", n, uniqueID(ref)))
	return nil
}

func (s *POP3Session) handleTop(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: TOP needs a message number and a line count", consts.ErrMissingArgument)
	}
	n, err := parseMessageNumber(args[0])
	if err != nil {
		return err
	}
	lines, err := parseMessageNumber(args[1])
	if err != nil {
		return err
	}
	if lines < 0 {
		return fmt.Errorf("%w: negative line count", consts.ErrInvalidArgument)
	}
	text, err := s.drop.top(ctx, n, lines)
	if err != nil {
		return err
	}
	s.writeLine("+OK")
	s.writer.WriteString(text)
	s.writeLine(".")
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func (s *POP3Session) writeLine(line string) {
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
	if line != "." {
		s.DebugLog("S: %s", line)
	}
}

// writeMultiline writes a status line, the dot-stuffed lines and the terminator.
func (s *POP3Session) writeMultiline(status string, lines []string) {
	s.writeLine(status)
	for _, l := range lines {
		s.writer.WriteString(message.DotStuff(l))
		s.writer.WriteString("\r\n")
	}
	s.writeLine(".")
}

func (s *POP3Session) releaseMaildrop() {
	if s.drop == nil {
		return
	}
	if err := s.drop.close(); err != nil {
		s.DebugLog("failed to close mailbox: %v", err)
	}
	s.drop = nil
	s.Session.Username = ""
	s.server.authenticatedConnections.Add(-1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Dec()
}

func (s *POP3Session) close() {
	s.releaseMaildrop()
	s.conn.Close()
	if s.releaseConn != nil {
		s.releaseConn()
	}
	s.server.removeSession(s)
	s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())
	s.cancel()
	s.DebugLog("closed")
}
