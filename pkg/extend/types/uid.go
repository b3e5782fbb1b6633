package types

import "github.com/google/uuid"

// ProcessID is a process-wide constant identifying this client process.
// It is initialized once and never changes for the lifetime of the
// process; nothing in this module sends it to the remote side.
var ProcessID = uuid.New()

// ConnectionID is the 128-bit identity of a Connection. It is generated
// locally when a connection is created, keys the Peer's connection table
// and labels the connection's stats; it is not exchanged with the remote
// side.
type ConnectionID = uuid.UUID

// NewConnectionID draws a fresh random connection identity.
func NewConnectionID() ConnectionID {
	return uuid.New()
}
