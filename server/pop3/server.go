package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/logger"
	"github.com/migadu/popbridge/message"
	"github.com/migadu/popbridge/pkg/metrics"
	serverPkg "github.com/migadu/popbridge/server"
	"github.com/migadu/popbridge/server/idgen"
	"golang.org/x/net/netutil"
)

type POP3Server struct {
	addr             string
	name             string
	hostname         string
	backend          backend.Backend
	backendName      string
	render           message.Options
	tentativeComment string
	appCtx           context.Context
	cancel           context.CancelFunc
	tlsConfig        *tls.Config

	maxConnections int
	connLimiter    *serverPkg.ConnectionLimiter
	authLimiter    *serverPkg.AuthRateLimiter
	commandTimeout time.Duration // Maximum idle time before disconnection
	backendTimeout time.Duration // Upper bound for the backend calls of one command
	shutdownGrace  time.Duration // How long clients get to read the shutdown notice

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	listenerMu sync.Mutex
	listener   net.Listener

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	TLS              bool
	TLSCertFile      string
	TLSKeyFile       string
	TLSConfig        *tls.Config // Used as is when set, instead of loading TLSCertFile/TLSKeyFile
	MaxConnections   int         // 0 = unlimited
	MaxPerIP         int         // 0 = unlimited
	TrustedNetworks  []string    // Exempt from MaxPerIP
	AuthRateLimit    serverPkg.AuthRateLimiterConfig
	CommandTimeout   time.Duration
	BackendTimeout   time.Duration
	BackendName      string
	Render           message.Options
	TentativeComment string
}

func New(appCtx context.Context, name, hostname, popAddr string, be backend.Backend, options POP3ServerOptions) (*POP3Server, error) {
	if be == nil {
		return nil, errors.New("pop3: backend is required")
	}

	connLimiter, err := serverPkg.NewConnectionLimiter("pop3", options.MaxPerIP, options.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("pop3: %w", err)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	backendName := options.BackendName
	if backendName == "" {
		backendName = "unknown"
	}

	server := &POP3Server{
		addr:             popAddr,
		name:             name,
		hostname:         hostname,
		backend:          be,
		backendName:      backendName,
		render:           options.Render,
		tentativeComment: options.TentativeComment,
		appCtx:           serverCtx,
		cancel:           serverCancel,
		maxConnections:   options.MaxConnections,
		connLimiter:      connLimiter,
		authLimiter:      serverPkg.NewAuthRateLimiter("pop3", options.AuthRateLimit),
		commandTimeout:   options.CommandTimeout,
		backendTimeout:   options.BackendTimeout,
		shutdownGrace:    time.Second,
		activeSessions:   make(map[*POP3Session]struct{}),
	}

	server.authLimiter.StartCleanup(serverCtx)

	switch {
	case options.TLSConfig != nil:
		server.tlsConfig = options.TLSConfig
	case options.TLS:
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		server.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"pop3"},
			Renegotiation: tls.RenegotiateNever,
		}
	}

	return server, nil
}

// Start listens on the configured address and serves until the application
// context is cancelled. Fatal errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	if err := s.Serve(ln); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on ln. It returns nil once the server is stopped.
func (s *POP3Server) Serve(ln net.Listener) error {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	defer ln.Close()

	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	logger.Info("POP3 server listening", "name", s.name, "addr", ln.Addr().String(), "tls", s.tlsConfig != nil,
		"max_connections", s.maxConnections, "idle_timeout", s.commandTimeout, "backend", s.backendName)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Debug("POP3: temporary accept error", "name", s.name, "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("pop3 accept: %w", err)
		}

		release, err := s.connLimiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Info("POP3: connection rejected", "name", s.name, "remote", conn.RemoteAddr().String(), "reason", err)
			metrics.ConnectionsRejected.WithLabelValues("pop3").Inc()
			go rejectConnection(conn)
			continue
		}

		session := s.newSession(conn)
		session.releaseConn = release
		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP,
			"total_connections", s.totalConnections.Load(), "authenticated_connections", s.authenticatedConnections.Load())

		s.addSession(session)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

func rejectConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(respTooManyConnections + "\r\n"))
}

func (s *POP3Server) newSession(conn net.Conn) *POP3Session {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

	session := &POP3Session{
		server:    s,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.Id = idgen.New()
	session.RemoteIP = serverPkg.RemoteIP(conn.RemoteAddr())
	session.Protocol = "pop3"
	session.ServerName = s.name
	session.HostName = s.hostname
	session.Stats = s
	return session
}

// Addr returns the listening address once Serve has started, or nil.
func (s *POP3Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close notifies connected clients, stops accepting and waits for sessions to finish.
func (s *POP3Server) Close() {
	s.sendGracefulShutdownMessage()
	s.cancel()
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage tells every connected client the server is
// going away, then closes the connections to unblock pending reads.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	active := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		active = append(active, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(active) == 0 {
		return
	}

	logger.Debug("POP3: Sending graceful shutdown message to active connections", "name", s.name, "count", len(active))
	for _, session := range active {
		_ = session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = session.conn.Write([]byte(respShutdown + "\r\n"))
	}

	time.Sleep(s.shutdownGrace)

	for _, session := range active {
		session.conn.Close()
	}
}

// GetTotalConnections returns the number of open client connections
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the number of open authenticated connections
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
