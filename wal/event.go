package wal

import "sync"

// commitEvent is a manual-reset broadcast signal. the coordinator
// signals it whenever the commit index advances; waiters grab the
// current channel, re-check their predicate, then block on it
type commitEvent struct {
	mu sync.Mutex
	ch chan struct{}
}

func newCommitEvent() *commitEvent {
	return &commitEvent{ch: make(chan struct{})}
}

// wake every pending waiter and arm the next round
func (e *commitEvent) signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}

// the channel closed by the next signal
func (e *commitEvent) wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}
