// Package testutils provides testing utilities shared across popbridge test suites.
//
// MockBackend is an in-memory backend.Backend that records every mailbox
// operation so protocol tests can assert on side effects:
//
//	mb := testutils.NewMockBackend()
//	mb.AddUser("alice", "secret")
//	mb.AddMessage("alice", testutils.NewTextMessage("id-1", "Hello", "body"))
package testutils
