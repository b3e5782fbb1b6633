package core

import "golang.org/x/sync/errgroup"

// Invoker spawns the background goroutines a Peer needs (the service
// loop, the receive pumps, the event dispatcher worker) and lets Stop
// wait for all of them to actually exit instead of guessing at a sleep.
// Each Peer owns its own value; a shared global invoker would tie
// unrelated peers' goroutines together under test.
type Invoker struct {
	group errgroup.Group
}

func NewInvoker() *Invoker {
	return &Invoker{}
}

// Spawn runs f in its own goroutine, tracked by a subsequent Stop.
func (i *Invoker) Spawn(f func() error) {
	i.group.Go(f)
}

// Stop blocks until every spawned goroutine has returned, surfacing the
// first non-nil error any of them returned.
func (i *Invoker) Stop() error {
	return i.group.Wait()
}
