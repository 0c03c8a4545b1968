package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patternprobe/patternprobe/internal/protocol"
)

// fakeConn is an in-memory MessageConn scripted by the test.
type fakeConn struct {
	inbox     chan []byte
	sent      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	readErr   error // returned instead of io.EOF after failWith
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox: make(chan []byte, 64),
		sent:  make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed transport")
	default:
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// failWith simulates a transport failure on the next read.
func (c *fakeConn) failWith(err error) {
	c.readErr = err
	c.Close()
}

func (c *fakeConn) push(raw string) { c.inbox <- []byte(raw) }

func (c *fakeConn) pushReply(ref, status, response string) {
	c.push(fmt.Sprintf(
		`{"topic":"patterns:stream","event":"phx_reply","payload":{"status":%q,"response":%s},"ref":%q}`,
		status, response, ref))
}

func startSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess := NewSession(conn, "patterns:stream")
	t.Cleanup(func() { sess.Close() })
	return sess, conn
}

// awaitSent waits for the next outbound envelope and checks its event name.
func awaitSent(t *testing.T, conn *fakeConn, event string) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-conn.sent:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decoding sent message: %v", err)
		}
		if env.Event != event {
			t.Fatalf("expected %s to be sent, got %s", event, env.Event)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s sent within deadline", event)
		return nil
	}
}

// replyNext answers the next outbound request with the given reply.
func replyNext(conn *fakeConn, status, response string) {
	go func() {
		select {
		case data := <-conn.sent:
			env, err := protocol.Decode(data)
			if err != nil || !env.HasRef() {
				return
			}
			conn.pushReply(*env.Ref, status, response)
		case <-time.After(2 * time.Second):
		}
	}()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Join state machine ---

func TestJoinSuccess(t *testing.T) {
	sess, conn := startSession(t)
	replyNext(conn, "ok", "{}")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if sess.State() != StateJoined {
		t.Fatalf("expected joined, got %s", sess.State())
	}
}

func TestJoinRejected(t *testing.T) {
	sess, conn := startSession(t)
	replyNext(conn, "error", `{"reason":"unmatched topic"}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sess.Join(ctx)
	if err == nil {
		t.Fatal("expected join rejection")
	}
	var jerr *JoinError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JoinError, got %T: %v", err, err)
	}
	if !strings.Contains(jerr.Reason, "unmatched topic") {
		t.Fatalf("rejection reason not surfaced: %q", jerr.Reason)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State())
	}
}

func TestJoinTimeout(t *testing.T) {
	sess, _ := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sess.Join(ctx)
	if err == nil {
		t.Fatal("expected join timeout")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var jerr *JoinError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JoinError, got %T", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State())
	}
}

func TestJoinFromWrongState(t *testing.T) {
	sess, conn := startSession(t)
	replyNext(conn, "ok", "{}")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sess.Join(ctx); err == nil {
		t.Fatal("second join should be refused")
	}
}

// --- Correlated requests ---

func TestRequestReply(t *testing.T) {
	sess, conn := startSession(t)
	replyNext(conn, "ok", `{"results":[{"pattern_id":"p1","score":0.93},{"pattern_id":"p2","score":0.61}]}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := sess.Request(ctx, protocol.EventQuerySimilar, protocol.SimilarityQuery{
		Vector: []float64{0.5, 0.5},
		K:      5,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK() {
		t.Fatalf("expected ok, got %q", reply.Status)
	}

	var resp protocol.SearchResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		t.Fatalf("parse results: %v", err)
	}
	if len(resp.Results) != 2 || len(resp.Results) > 5 {
		t.Fatalf("unexpected result count %d", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.PatternID == "" || r.Score < 0 || r.Score > 1 {
			t.Fatalf("malformed result: %+v", r)
		}
	}
}

func TestRequestRefsMonotonic(t *testing.T) {
	sess, conn := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i, want := range []string{"1", "2", "3"} {
		done := make(chan error, 1)
		go func() {
			_, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{})
			done <- err
		}()
		env := awaitSent(t, conn, protocol.EventGetMonitoring)
		if !env.HasRef() || *env.Ref != want {
			t.Fatalf("request %d: expected ref %q, got %v", i, want, env.Ref)
		}
		conn.pushReply(*env.Ref, "ok", "{}")
		if err := <-done; err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestRequestsResolveOutOfOrder(t *testing.T) {
	sess, conn := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		reply *protocol.Reply
		err   error
	}
	firstDone := make(chan result, 1)
	go func() {
		reply, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{})
		firstDone <- result{reply, err}
	}()
	first := awaitSent(t, conn, protocol.EventGetMonitoring)

	secondDone := make(chan result, 1)
	go func() {
		reply, err := sess.Request(ctx, protocol.EventQuerySimilar, protocol.SimilarityQuery{K: 1})
		secondDone <- result{reply, err}
	}()
	second := awaitSent(t, conn, protocol.EventQuerySimilar)

	// Resolve in reverse send order.
	conn.pushReply(*second.Ref, "ok", `{"which":"second"}`)
	conn.pushReply(*first.Ref, "ok", `{"which":"first"}`)

	got := <-secondDone
	if got.err != nil || !strings.Contains(string(got.reply.Response), "second") {
		t.Fatalf("second request got wrong reply: %+v", got)
	}
	got = <-firstDone
	if got.err != nil || !strings.Contains(string(got.reply.Response), "first") {
		t.Fatalf("first request got wrong reply: %+v", got)
	}
}

func TestLateReplyDoesNotResolveTwice(t *testing.T) {
	sess, conn := startSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{})
		done <- err
	}()
	env := awaitSent(t, conn, protocol.EventGetMonitoring)

	err := <-done
	cancel()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The reply arrives after the deadline already fired. It must fall
	// through to passive dispatch, not resurrect the request.
	conn.pushReply(*env.Ref, "ok", "{}")
	waitFor(t, "late reply to land as passive event", func() bool {
		return sess.Count(protocol.EventReply) == 1
	})

	// The session keeps working.
	replyNext(conn, "ok", "{}")
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := sess.Request(ctx2, protocol.EventGetMonitoring, struct{}{}); err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
}

// --- Passive dispatch ---

func TestObserversInvokedInRegistrationOrder(t *testing.T) {
	sess, conn := startSession(t)

	var mu sync.Mutex
	var calls []string
	sess.On(protocol.EventPatternIndexed, func(*protocol.Envelope) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	sess.On(protocol.EventPatternIndexed, func(*protocol.Envelope) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})

	conn.push(`{"topic":"patterns:stream","event":"pattern_indexed","payload":{"count":1}}`)
	conn.push(`{"topic":"patterns:stream","event":"pattern_indexed","payload":{"count":2}}`)

	waitFor(t, "both events dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "first", "second"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call order %v, want %v", calls, want)
		}
	}
}

func TestDeliveryOrderPreserved(t *testing.T) {
	sess, conn := startSession(t)

	for i := 1; i <= 5; i++ {
		conn.push(fmt.Sprintf(`{"topic":"patterns:stream","event":"pattern_indexed","payload":{"count":%d}}`, i))
	}
	waitFor(t, "all events observed", func() bool {
		return sess.Count(protocol.EventPatternIndexed) == 5
	})

	for i, env := range sess.Observed(protocol.EventPatternIndexed) {
		var p protocol.Indexed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("parse payload %d: %v", i, err)
		}
		if p.Count != i+1 {
			t.Fatalf("envelope %d out of order: count %d", i, p.Count)
		}
	}
}

func TestResolvedReplyNotBroadcast(t *testing.T) {
	sess, conn := startSession(t)

	var mu sync.Mutex
	observed := 0
	sess.On(protocol.EventReply, func(*protocol.Envelope) {
		mu.Lock()
		observed++
		mu.Unlock()
	})

	replyNext(conn, "ok", "{}")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{}); err != nil {
		t.Fatalf("request: %v", err)
	}

	// An unsolicited reply (unknown ref) does reach observers.
	conn.pushReply("999", "ok", "{}")
	waitFor(t, "unsolicited reply to reach observer", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return observed == 1
	})
	if sess.Count(protocol.EventReply) != 1 {
		t.Fatalf("expected only the unsolicited reply recorded, got %d", sess.Count(protocol.EventReply))
	}
}

func TestObserverPanicContained(t *testing.T) {
	sess, conn := startSession(t)

	var mu sync.Mutex
	survived := 0
	sess.On(protocol.EventPatternMatched, func(*protocol.Envelope) {
		panic("bad observer")
	})
	sess.On(protocol.EventPatternMatched, func(*protocol.Envelope) {
		mu.Lock()
		survived++
		mu.Unlock()
	})

	conn.push(`{"topic":"patterns:stream","event":"pattern_matched","payload":{"pattern_id":"p1","confidence":0.9}}`)
	conn.push(`{"topic":"patterns:stream","event":"pattern_matched","payload":{"pattern_id":"p2","confidence":0.8}}`)

	waitFor(t, "second observer to survive both dispatches", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return survived == 2
	})
}

func TestUndecodableMessageDropped(t *testing.T) {
	sess, conn := startSession(t)

	conn.push(`{not json`)
	conn.push(`{"topic":"patterns:stream","event":"pattern_indexed","payload":{"count":1}}`)

	waitFor(t, "valid message after garbage", func() bool {
		return sess.Count(protocol.EventPatternIndexed) == 1
	})
}

// --- Teardown ---

func TestCloseFailsAllPending(t *testing.T) {
	sess, conn := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		awaitSent(t, conn, protocol.EventGetMonitoring)
	}

	sess.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			var terr *TransportError
			if !errors.As(err, &terr) {
				t.Fatalf("request %d: expected *TransportError, got %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d still pending after close", i)
		}
	}
}

func TestTransportFailureFailsPending(t *testing.T) {
	sess, conn := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := sess.Request(ctx, protocol.EventGetMonitoring, struct{}{})
		done <- err
	}()
	awaitSent(t, conn, protocol.EventGetMonitoring)

	cause := errors.New("connection reset by peer")
	conn.failWith(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("transport cause not preserved: %v", err)
		}
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Fatalf("expected *TransportError, got %T", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed by transport error")
	}

	if sess.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
}

func TestSendAfterClose(t *testing.T) {
	sess, _ := startSession(t)
	sess.Close()

	env := &protocol.Envelope{Topic: "patterns:stream", Event: protocol.EventGetMonitoring}
	err := sess.Send(context.Background(), env)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sess, _ := startSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sess.State())
	}
}
