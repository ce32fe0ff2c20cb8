package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable identifier, optionally namespaced by prefix.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// HasPrefix reports whether id was minted by NewID with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
