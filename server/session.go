package server

import (
	"fmt"
	"log/slog"

	"github.com/migadu/popbridge/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity of one client connection for logging.
type Session struct {
	Id         string
	RemoteIP   string
	Username   string // Set once the client is authenticated
	HostName   string
	ServerName string // Name of the server instance, e.g. "pop3"
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) logAttrs(format string, args []any) []any {
	user := "none"
	if s.Username != "" {
		user = s.Username
	}

	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocol, "conn", "remote=" + s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) emit(level slog.Level, format string, args []any) {
	l := logger.Get()
	switch level {
	case slog.LevelDebug:
		l.Debug("Session", s.logAttrs(format, args)...)
	case slog.LevelWarn:
		l.Warn("Session", s.logAttrs(format, args)...)
	default:
		l.Info("Session", s.logAttrs(format, args)...)
	}
}

func (s *Session) Log(format string, args ...any) {
	s.emit(slog.LevelInfo, format, args)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.emit(slog.LevelDebug, format, args)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.emit(slog.LevelWarn, format, args)
}
