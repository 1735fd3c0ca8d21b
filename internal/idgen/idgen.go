// Package idgen generates the opaque process-local identifiers used across
// the account bridge core: accounts, groups, and transfers each get a
// short prefixed id drawn from a fresh UUID.
package idgen

import "github.com/google/uuid"

const (
	AccountPrefix  = "acc-"
	GroupPrefix    = "grp-"
	TransferPrefix = "xfr-"
)

// New returns prefix followed by the first 8 lowercase hex digits of a
// fresh random UUID.
func New(prefix string) string {
	id := uuid.New()
	hex := id.String()
	// uuid.String() is dash-separated lowercase hex; the first 8 chars are
	// already 8 hex digits before the first dash.
	return prefix + hex[:8]
}

// Account generates a new "acc-XXXXXXXX" identifier.
func Account() string { return New(AccountPrefix) }

// Group generates a new "grp-XXXXXXXX" identifier.
func Group() string { return New(GroupPrefix) }

// Transfer generates a new "xfr-XXXXXXXX" identifier.
func Transfer() string { return New(TransferPrefix) }
