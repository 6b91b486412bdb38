// Package idgen generates session identifiers.
package idgen

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lowercase ULID: 26 characters, unique, lexically sortable by creation time.
func New() string {
	return strings.ToLower(ulid.Make().String())
}
