package server

import (
	"net"
)

// RemoteIP returns the host part of a connection's remote address, or the
// full address string when it has no port (e.g. in-memory pipes).
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
