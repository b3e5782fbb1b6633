// Package gate implements the many-reader / one-writer admission control
// object guarding closable resources. Channel and Connection need the
// identical close protocol, so it lives here as a standalone primitive.
package gate

import (
	"sync"
	"time"

	"github.com/jabolina/go-extend/pkg/extend/types"
)

// pollInterval bounds how promptly a bounded Close notices the last
// occupant leaving.
const pollInterval = 2 * time.Millisecond

// Gate admits many concurrent "entered" client threads, or exclusively one
// "closing" thread. Every external-API operation enters the gate, performs
// its work, and exits on all paths including panics/errors.
type Gate struct {
	mutex       sync.Mutex
	occupants   int
	closeOnExit bool
	closed      bool
}

func New() *Gate {
	return &Gate{}
}

// Enter admits the calling goroutine. It fails fast with a
// ConnectionException once close-on-exit has been requested or the gate
// has closed. Occupants are counted, not tracked per caller, so a caller
// already inside that enters again fails the same way.
func (g *Gate) Enter() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closeOnExit || g.closed {
		return types.NewConnectionException("gate is closing", nil)
	}
	g.occupants++
	return nil
}

// Exit releases one occupant slot. If this was the last occupant and
// close-on-exit had been requested, Exit performs the deferred close itself
// and reports that it did so.
func (g *Gate) Exit() (performedClose bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.occupants > 0 {
		g.occupants--
	}
	if g.occupants == 0 && g.closeOnExit && !g.closed {
		g.closed = true
		return true
	}
	return false
}

// Close returns true iff no threads are currently inside and the gate could
// be closed within timeoutMs. timeoutMs == 0 means non-blocking (only
// succeeds if the gate is already empty); timeoutMs == -1 waits forever.
// If the gate could not be closed within the timeout, the close-on-exit
// flag is set so that the last occupant leaving performs the close instead.
func (g *Gate) Close(timeoutMs int64) bool {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return false
	}
	if g.occupants == 0 {
		g.closed = true
		g.mutex.Unlock()
		return true
	}
	if timeoutMs == 0 {
		g.closeOnExit = true
		g.mutex.Unlock()
		return false
	}
	g.closeOnExit = true
	g.mutex.Unlock()

	var deadline time.Time
	hasDeadline := timeoutMs > 0
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	for {
		g.mutex.Lock()
		if g.closed {
			g.mutex.Unlock()
			return true
		}
		if g.occupants == 0 {
			g.closed = true
			g.mutex.Unlock()
			return true
		}
		g.mutex.Unlock()
		if hasDeadline && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// IsClosed reports whether the gate has fully closed.
func (g *Gate) IsClosed() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.closed
}

// Occupants reports the current number of entered callers, for tests that
// assert on gate liveness.
func (g *Gate) Occupants() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.occupants
}
