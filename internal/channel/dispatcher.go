package channel

import (
	"log/slog"
	"sync"

	"github.com/patternprobe/patternprobe/internal/protocol"
)

// Handler receives the payload of a passive push event.
type Handler func(env *protocol.Envelope)

// dispatcher routes inbound envelopes: correlated replies resolve their
// pending waiter and stop there; everything else fans out to the observers
// registered for the event name, in registration order.
type dispatcher struct {
	pending *pendingTable

	mu        sync.Mutex
	observers map[string][]Handler
	observed  map[string][]*protocol.Envelope
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		pending:   newPendingTable(),
		observers: make(map[string][]Handler),
		observed:  make(map[string][]*protocol.Envelope),
	}
}

// on registers a handler for a push event name. Multiple handlers per event
// are invoked in registration order.
func (d *dispatcher) on(event string, fn Handler) {
	d.mu.Lock()
	d.observers[event] = append(d.observers[event], fn)
	d.mu.Unlock()
}

// dispatch processes one inbound envelope in arrival order. A resolved
// correlation is consumed entirely; it is not also broadcast to observers.
func (d *dispatcher) dispatch(env *protocol.Envelope) {
	if env.HasRef() && d.pending.resolve(*env.Ref, env) {
		return
	}

	d.mu.Lock()
	d.observed[env.Event] = append(d.observed[env.Event], env)
	handlers := d.observers[env.Event]
	d.mu.Unlock()

	if len(handlers) == 0 {
		slog.Debug("no observer for event", "event", env.Event, "topic", env.Topic)
		return
	}
	for _, fn := range handlers {
		invoke(fn, env)
	}
}

// invoke runs one observer, containing panics so a bad handler cannot take
// down the dispatch loop or starve later observers.
func invoke(fn Handler, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observer panicked", "event", env.Event, "panic", r)
		}
	}()
	fn(env)
}

// count returns how many passive envelopes arrived for event.
func (d *dispatcher) count(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observed[event])
}

// observedEnvelopes returns the passive envelopes recorded for event, in
// arrival order.
func (d *dispatcher) observedEnvelopes(event string) []*protocol.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*protocol.Envelope, len(d.observed[event]))
	copy(out, d.observed[event])
	return out
}

// counts returns a snapshot of passive event tallies keyed by event name.
func (d *dispatcher) counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.observed))
	for event, envs := range d.observed {
		out[event] = len(envs)
	}
	return out
}
