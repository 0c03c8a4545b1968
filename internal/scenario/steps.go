package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/patternprobe/patternprobe/internal/protocol"
)

// Requester issues a correlated request and returns the parsed reply.
// Satisfied by *channel.Session.
type Requester interface {
	Request(ctx context.Context, event string, payload any) (*protocol.Reply, error)
}

// Request builds a fatal request/reply step. The reply must carry status
// "ok"; check, if non-nil, validates the response section and supplies the
// success detail.
func Request(name string, timeout time.Duration, sess Requester, event string, payload any, check func(*protocol.Reply) (string, error)) Step {
	return Step{
		Name:    name,
		Timeout: timeout,
		Run: func(ctx context.Context) (string, error) {
			reply, err := sess.Request(ctx, event, payload)
			if err != nil {
				return "", err
			}
			if !reply.OK() {
				return "", fmt.Errorf("%s returned status %q: %s", event, reply.Status, reply.Response)
			}
			if check == nil {
				return "status ok", nil
			}
			return check(reply)
		},
	}
}

// PollUntil builds an advisory step that evaluates pred at interval until it
// holds or the deadline elapses. The predicate returns done plus a progress
// detail; the detail of the last evaluation is kept either way.
func PollUntil(name string, timeout, interval time.Duration, pred func() (bool, string)) Step {
	return Step{
		Name:     name,
		Timeout:  timeout,
		Advisory: true,
		Run: func(ctx context.Context) (string, error) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				done, detail := pred()
				if done {
					return detail, nil
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return detail, fmt.Errorf("condition not met within %s", timeout)
				}
			}
		},
	}
}

// Seed builds a fatal step around an external data-injection action.
func Seed(name string, timeout time.Duration, run func(ctx context.Context) (string, error)) Step {
	return Step{Name: name, Timeout: timeout, Run: run}
}

// Summary builds an advisory step that inspects accumulated state without
// further network activity.
func Summary(name string, run func() (string, error)) Step {
	return Step{
		Name:     name,
		Advisory: true,
		Run: func(context.Context) (string, error) {
			return run()
		},
	}
}
