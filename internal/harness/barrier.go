package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
)

// Consistency blocks until every write issued so far is visible to all
// handles, or timeout elapses. It returns *ConsistencyTimeoutError on
// timeout even if the conductor ignores its context.
func Consistency(ctx context.Context, handles []*AgentHandle, timeout time.Duration) error {
	if len(handles) == 0 {
		return nil
	}

	aliases := make([]string, len(handles))
	ids := make([]string, len(handles))
	for i, h := range handles {
		aliases[i] = h.alias
		ids[i] = h.instance.ID
		if h.closed.Load() {
			return fmt.Errorf("consistency: agent %q: %w", h.alias, ErrHandleClosed)
		}
	}
	cond := handles[0].conductor

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cond.WaitForConsistency(waitCtx, ids)
	}()

	timedOut := func(err error) error {
		return &ConsistencyTimeoutError{Agents: aliases, Timeout: timeout, Err: err}
	}

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case errors.Is(err, conductor.ErrTimedOut):
			return timedOut(err)
		case waitCtx.Err() != nil:
			return timedOut(fmt.Errorf("%w: %w", conductor.ErrTimedOut, err))
		default:
			return fmt.Errorf("consistency: %w", err)
		}
	case <-waitCtx.Done():
		return timedOut(fmt.Errorf("%w: %w", conductor.ErrTimedOut, waitCtx.Err()))
	}
}
