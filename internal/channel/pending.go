package channel

import (
	"sync"

	"github.com/patternprobe/patternprobe/internal/protocol"
)

// outcome is the single resolution of a pending correlation: either the
// matching reply envelope or the error that ended the wait.
type outcome struct {
	env *protocol.Envelope
	err error
}

// pendingTable maps outstanding correlation refs to their waiters. Each ref
// resolves exactly once: the waiter entry is removed under the lock before
// its channel is signalled, so a reply racing a timeout (or a close) can
// never resolve the same ref twice.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan outcome
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan outcome)}
}

// register creates a waiter for ref. The returned channel receives exactly
// one outcome. The channel is buffered so resolution never blocks the
// dispatch loop.
func (p *pendingTable) register(ref string) <-chan outcome {
	ch := make(chan outcome, 1)
	p.mu.Lock()
	p.waiters[ref] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers env to the waiter for ref. Returns false if no waiter
// exists — an unsolicited envelope, or a reply that lost the race against
// its deadline. False is not an error.
func (p *pendingTable) resolve(ref string, env *protocol.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[ref]
	if ok {
		delete(p.waiters, ref)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{env: env}
	return true
}

// fail resolves the waiter for ref with err. Returns false if the ref was
// already resolved.
func (p *pendingTable) fail(ref string, err error) bool {
	p.mu.Lock()
	ch, ok := p.waiters[ref]
	if ok {
		delete(p.waiters, ref)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{err: err}
	return true
}

// failAll resolves every outstanding waiter with err. Used when the
// transport dies so no caller is left to run out its deadline.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan outcome)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome{err: err}
	}
}
