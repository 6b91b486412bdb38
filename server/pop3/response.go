package pop3

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/consts"
)

const (
	respGreeting        = "+OK POP3 server ready"
	respGoodbye         = "+OK Goodbye"
	respAuthFailed      = "-ERR Authentication failed"
	respUserFirst       = "-ERR Must provide USER first"
	respNoSuchMessage   = "-ERR No such message"
	respMissingArgument = "-ERR Missing message number"
	respInvalidArgument = "-ERR Invalid message number"
	respMissingName     = "-ERR Missing username"
	respUnknownCommand  = "-ERR Unknown command"
	respBackendFailure  = "-ERR problem talking to mailbox service"
	respIdleTimeout     = "-ERR Connection timed out due to inactivity"
	respShutdown        = "-ERR Server shutting down, please reconnect"

	respTooManyConnections = "-ERR [IN-USE] Too many connections from your address"
)

// capabilities is the fixed CAPA list.
var capabilities = []string{
	"USER",
	"LOGIN-DELAY 900",
	"EXPIRE NEVER",
	"UIDL",
	"TOP",
}

var (
	errUserRequired = errors.New("PASS without USER")
	errMissingName  = errors.New("USER without a name")
)

// errorResponse maps a command failure to the single line sent to the client.
func errorResponse(err error) string {
	switch {
	case errors.Is(err, errUserRequired):
		return respUserFirst
	case errors.Is(err, errMissingName):
		return respMissingName
	case errors.Is(err, consts.ErrAuthFailed):
		return respAuthFailed
	case errors.Is(err, consts.ErrNoSuchMessage):
		return respNoSuchMessage
	case errors.Is(err, consts.ErrMissingArgument):
		return respMissingArgument
	case errors.Is(err, consts.ErrInvalidArgument):
		return respInvalidArgument
	default:
		return respBackendFailure
	}
}

// parseMessageNumber parses a message number argument. Range checks happen
// against the snapshot.
func parseMessageNumber(arg string) (int, error) {
	if arg == "" {
		return 0, consts.ErrMissingArgument
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", consts.ErrInvalidArgument, arg)
	}
	return n, nil
}

// splitArgs splits command arguments on runs of whitespace.
func splitArgs(arg string) []string {
	return strings.Fields(arg)
}

// buildListResponseLines builds the multi-line body for LIST.
func buildListResponseLines(refs []backend.Ref) []string {
	lines := make([]string, 0, len(refs))
	for i, ref := range refs {
		lines = append(lines, fmt.Sprintf("%d %d", i+1, ref.Size))
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line body for UIDL.
func buildUIDLResponseLines(refs []backend.Ref) []string {
	lines := make([]string, 0, len(refs))
	for i, ref := range refs {
		lines = append(lines, fmt.Sprintf("%d %s", i+1, uniqueID(ref)))
	}
	return lines
}
