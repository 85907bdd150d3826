// Package clientid generates the stable client order identifiers that back
// crash recovery across the whole engine. spec.md §9: idempotency keys MUST
// be generated at action proposal time, never at submission time, so a
// strategy calls New() the moment it decides to act, before the Arbiter or
// the Venue ever sees the action.
package clientid

import "github.com/google/uuid"

// New returns a fresh client order ID.
func New() string {
	return uuid.New().String()
}
