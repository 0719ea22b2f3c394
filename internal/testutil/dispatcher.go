package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/baitchat/internal/ir"
)

// Submission is one call a RecordingDispatcher received.
type Submission struct {
	Plan string
	Args []ir.BoundArg
}

// RecordingDispatcher stands in for the queue server. It records every
// submission and answers with queue ids "q-1", "q-2", ...
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingDispatcher struct {
	mu    sync.Mutex
	calls []Submission

	// Err, when set, is returned instead of a queue id.
	Err error

	// Delay blocks each Submit until it elapses or ctx is done.
	Delay time.Duration
}

// Submit records the call.
func (d *RecordingDispatcher) Submit(ctx context.Context, plan string, args []ir.BoundArg) (string, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Submission{Plan: plan, Args: append([]ir.BoundArg(nil), args...)})
	if d.Err != nil {
		return "", d.Err
	}
	return fmt.Sprintf("q-%d", len(d.calls)), nil
}

// Calls returns a copy of the recorded submissions.
func (d *RecordingDispatcher) Calls() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.calls...)
}
