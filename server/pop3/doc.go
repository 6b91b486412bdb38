// Package pop3 implements the POP3 front end of the gateway.
//
// Each connection gets its own goroutine and its own backend mailbox handle,
// opened on a successful PASS and released on QUIT, on re-authentication
// or when the connection ends. Nothing is shared between connections.
//
// # Usage
//
//	srv, err := pop3.New(ctx, "default", "mail.example.com", ":995", be, pop3.POP3ServerOptions{
//		TLS:            true,
//		TLSCertFile:    "/etc/popbridge/server.crt",
//		TLSKeyFile:     "/etc/popbridge/server.key",
//		CommandTimeout: 10 * time.Minute,
//		BackendName:    "ews",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start(errChan)
//
// # Supported Commands
//
// Any state:
//   - CAPA: Capability list
//   - NOOP: No operation (keepalive)
//   - QUIT: End session
//
// Authorization:
//   - USER: Specify username
//   - PASS: Provide password (may be retried after a failure without a new USER)
//
// Transaction (silently ignored before authentication):
//   - STAT: Live count of unread messages
//   - LIST: Message sizes
//   - UIDL: Unique message IDs
//   - RETR: Retrieve a message
//   - TOP: Headers plus n body lines
//   - DELE: Mark a message read, answering meeting requests first
//
// # Message Numbers
//
// Message numbers refer to the unread messages present the first time the
// session needed them, newest first. The list is not refreshed, and DELE
// does not renumber it.
//
// # Message Deletion
//
// DELE takes effect immediately: the message is marked read on the backend
// and drops out of the next session's listing. There is no RSET.
//
// # Limits
//
// MaxConnections caps the listener. MaxPerIP refuses extra connections from
// one address before the greeting. AuthRateLimit delays and then blocks
// addresses that keep sending rejected passwords.
package pop3
