package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/popbridge/logger"
)

// ConnectionLimiter caps concurrent connections per client IP. The global
// cap is enforced by the listener.
type ConnectionLimiter struct {
	maxPerIP         int
	perIPConnections map[string]*atomic.Int64
	mu               sync.Mutex
	protocol         string
	trustedNets      []*net.IPNet // Networks that bypass per-IP limits
}

// NewConnectionLimiter returns a limiter for maxPerIP connections from one address.
// A nil limiter, returned when maxPerIP <= 0, accepts everything.
func NewConnectionLimiter(protocol string, maxPerIP int, trustedNetworks []string) (*ConnectionLimiter, error) {
	if maxPerIP <= 0 {
		return nil, nil
	}
	nets, err := ParseTrustedNetworks(trustedNetworks)
	if err != nil {
		return nil, err
	}
	return &ConnectionLimiter{
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		protocol:         protocol,
		trustedNets:      nets,
	}, nil
}

// ParseTrustedNetworks parses CIDRs and bare IPs into networks.
func ParseTrustedNetworks(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted network %q", entry)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func (cl *ConnectionLimiter) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range cl.trustedNets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// Accept registers a connection from remoteAddr and returns the function
// that releases it.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if cl == nil {
		return func() {}, nil
	}

	ip := RemoteIP(remoteAddr)
	if cl.isTrusted(ip) {
		logger.Debug("Connection limiter: Connection accepted from trusted network", "protocol", cl.protocol, "ip", ip)
		return func() {}, nil
	}

	cl.mu.Lock()
	counter, exists := cl.perIPConnections[ip]
	if !exists {
		counter = &atomic.Int64{}
		cl.perIPConnections[ip] = counter
	}
	if counter.Load() >= int64(cl.maxPerIP) {
		current := counter.Load()
		cl.mu.Unlock()
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
	}
	perIP := counter.Add(1)
	cl.mu.Unlock()

	logger.Debug("Connection limiter: Connection accepted", "protocol", cl.protocol, "ip", ip, "per_ip", perIP, "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			defer cl.mu.Unlock()
			if counter.Add(-1) <= 0 {
				delete(cl.perIPConnections, ip)
			}
		})
	}, nil
}

// Connections returns the number of tracked connections from ip.
func (cl *ConnectionLimiter) Connections(ip string) int64 {
	if cl == nil {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if counter, ok := cl.perIPConnections[ip]; ok {
		return counter.Load()
	}
	return 0
}
