// Package hexid generates short random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns an 8-character lowercase hex string (4 random bytes).
// Used for worktree names and agent IDs.
func New() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// NewLong returns a 16-character lowercase hex string (8 random bytes).
// Used for IPC message and user-input request IDs, where both sides of a
// channel generate IDs independently and collisions must stay negligible.
func NewLong() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
