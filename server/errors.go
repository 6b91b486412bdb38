package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnectionError checks if an error is a common, non-fatal network connection error.
// Such errors end the session but are not server faults.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	var opErr *net.OpError
	var syscallErr *os.SyscallError
	var tlsRecordHeaderError tls.RecordHeaderError

	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if strings.Contains(opErr.Err.Error(), "use of closed network connection") {
			return true
		}
	}

	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	if errors.As(err, &tlsRecordHeaderError) {
		return true
	}

	// net.Pipe and closed listeners report io.ErrClosedPipe / net.ErrClosed directly.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}

	return false
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
