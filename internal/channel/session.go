package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/patternprobe/patternprobe/internal/protocol"
)

// State is the lifecycle of the logical conversation with one topic.
type State int

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one logical topic conversation multiplexed over a single
// transport connection. It owns the read loop, the correlation table, and
// the passive-observer registry. Requests may be issued from any goroutine;
// replies resolve by ref, independent of send order.
type Session struct {
	topic string
	conn  MessageConn

	disp *dispatcher

	mu      sync.Mutex
	state   State
	lastRef uint64

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dial connects to the service socket and starts a session for topic. The
// caller must Close the session on every exit path; Close is idempotent.
func Dial(ctx context.Context, url, topic string) (*Session, error) {
	conn, err := DialWS(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, topic), nil
}

// NewSession wraps an established transport and starts the inbound dispatch
// loop. Exposed separately from Dial so tests can drive a fake transport.
func NewSession(conn MessageConn, topic string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		topic:  topic,
		conn:   conn,
		disp:   newDispatcher(),
		state:  StateUnjoined,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s
}

// Topic returns the topic this session converses on.
func (s *Session) Topic() string { return s.topic }

// State returns the current join state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the read loop has terminated and all pending
// correlations have been failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// readLoop consumes the transport one message at a time, preserving arrival
// order. Undecodable messages are dropped with a warning. On transport close
// or error every pending correlation fails immediately with a
// *TransportError and the loop exits.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				s.teardown(nil)
			} else {
				slog.Warn("transport read failed", "topic", s.topic, "err", err)
				s.teardown(err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping undecodable message", "topic", s.topic, "err", err)
			continue
		}
		s.disp.dispatch(env)
	}
}

// teardown marks the session closed and fails every pending correlation.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.disp.pending.failAll(&TransportError{Err: cause})
}

// nextRef returns a fresh correlation ref. Refs are a monotonic counter
// starting at "1", matching the service's reference clients.
func (s *Session) nextRef() string {
	s.mu.Lock()
	s.lastRef++
	ref := s.lastRef
	s.mu.Unlock()
	return strconv.FormatUint(ref, 10)
}

// Send encodes and transmits an envelope. Fails with ErrClosed once the
// session has been torn down.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-s.done:
		return fmt.Errorf("send %s: %w", env.Event, ErrClosed)
	default:
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

// Join drives the topic from unjoined to joined with a single correlated
// phx_join exchange. A rejection or a deadline produces a *JoinError and the
// session is terminally failed; there is no automatic retry.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnjoined {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot join %s from state %s", s.topic, state)
	}
	s.state = StateJoining
	s.mu.Unlock()

	env, err := s.request(ctx, protocol.EventJoin, struct{}{})
	if err != nil {
		s.setState(StateFailed)
		if errors.Is(err, ErrTimeout) {
			return &JoinError{Topic: s.topic, Err: ErrTimeout}
		}
		return &JoinError{Topic: s.topic, Err: err}
	}

	reply, err := protocol.ParseReply(env)
	if err != nil {
		s.setState(StateFailed)
		return &JoinError{Topic: s.topic, Err: err}
	}
	if !reply.OK() {
		s.setState(StateFailed)
		return &JoinError{Topic: s.topic, Reason: string(reply.Response)}
	}

	s.setState(StateJoined)
	return nil
}

// Request sends a correlated request and waits for its reply envelope,
// bounded by ctx. Returns the parsed reply payload; a reply with status
// "error" is returned to the caller for classification, not turned into an
// error here.
func (s *Session) Request(ctx context.Context, event string, payload any) (*protocol.Reply, error) {
	env, err := s.request(ctx, event, payload)
	if err != nil {
		return nil, err
	}
	return protocol.ParseReply(env)
}

// request implements the correlated exchange: register the waiter before
// sending so a fast reply cannot slip past, then wait for resolution or the
// deadline. If the deadline loses the race against an in-flight resolution
// the already-delivered outcome is used — a ref never resolves twice.
func (s *Session) request(ctx context.Context, event string, payload any) (*protocol.Envelope, error) {
	ref := s.nextRef()
	env, err := protocol.NewRequest(s.topic, event, payload, ref)
	if err != nil {
		return nil, err
	}

	ch := s.disp.pending.register(ref)
	if err := s.Send(ctx, env); err != nil {
		s.disp.pending.fail(ref, err)
		<-ch
		return nil, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%s (ref %s): %w", event, ref, out.err)
		}
		return out.env, nil
	case <-ctx.Done():
		if s.disp.pending.fail(ref, ErrTimeout) {
			return nil, fmt.Errorf("%s (ref %s): %w", event, ref, ErrTimeout)
		}
		// The reply won the race; it is already buffered.
		out := <-ch
		if out.err != nil {
			return nil, fmt.Errorf("%s (ref %s): %w", event, ref, out.err)
		}
		return out.env, nil
	}
}

// On registers an observer for a passive push event. Observers for the same
// event run in registration order.
func (s *Session) On(event string, fn Handler) {
	s.disp.on(event, fn)
}

// Count returns how many passive envelopes have arrived for event.
func (s *Session) Count(event string) int {
	return s.disp.count(event)
}

// Observed returns the passive envelopes recorded for event, oldest first.
func (s *Session) Observed(event string) []*protocol.Envelope {
	return s.disp.observedEnvelopes(event)
}

// Counts returns a snapshot of all passive event tallies.
func (s *Session) Counts() map[string]int {
	return s.disp.counts()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close tears the session down: the transport is closed, the read loop
// terminates, and every pending correlation fails with a *TransportError.
// Safe to call from any goroutine and on every exit path; repeat calls are
// no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
		<-s.done
	})
	return err
}
