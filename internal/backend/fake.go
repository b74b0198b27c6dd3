package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Fake is an in-memory Client for tests. Zero value is usable: every call
// succeeds and turns complete immediately with Reply as the message text.
type Fake struct {
	mu           sync.Mutex
	StartErr     error
	SendErr      error
	InterruptErr error
	Reply        string
	// Gate, when non-nil, blocks SendMessage until a value is received or
	// the context is cancelled, letting tests hold agents in running state.
	Gate chan struct{}

	threads    map[string]bool
	starts     []StartParams
	sends      map[string][]string
	interrupts int
	approvals  int
}

// StartThread records params and returns a fresh thread id.
func (f *Fake) StartThread(ctx context.Context, params StartParams) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return nil, f.StartErr
	}
	if f.threads == nil {
		f.threads = make(map[string]bool)
		f.sends = make(map[string][]string)
	}
	id := ulid.Make().String()
	f.threads[id] = true
	f.starts = append(f.starts, params)
	return &Thread{ID: id}, nil
}

// SendMessage records the text and completes a turn, optionally waiting on
// the Gate first.
func (f *Fake) SendMessage(ctx context.Context, threadID, text string, opts SendOpts) (*Turn, error) {
	f.mu.Lock()
	if !f.threads[threadID] {
		f.mu.Unlock()
		return nil, fmt.Errorf("unknown thread %s", threadID)
	}
	gate := f.Gate
	f.sends[threadID] = append(f.sends[threadID], text)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Read the outcome after the gate so tests can change it while a turn
	// is held open.
	f.mu.Lock()
	sendErr := f.SendErr
	reply := f.Reply
	f.mu.Unlock()
	if sendErr != nil {
		return nil, sendErr
	}
	return &Turn{ID: ulid.Make().String(), Text: reply}, nil
}

// Interrupt counts interrupts.
func (f *Fake) Interrupt(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.threads[threadID] {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	if f.InterruptErr != nil {
		return f.InterruptErr
	}
	f.interrupts++
	return nil
}

// RespondToApproval counts approval responses.
func (f *Fake) RespondToApproval(ctx context.Context, threadID, itemID, requestID string, decision ApprovalDecision, amendment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals++
	return nil
}

// StartCount returns how many threads were started.
func (f *Fake) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// LastStart returns the params of the most recent StartThread call.
func (f *Fake) LastStart() StartParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

// Sends returns the texts sent on a thread.
func (f *Fake) Sends(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends[threadID]...)
}

// ApprovalCount returns how many approval decisions were delivered.
func (f *Fake) ApprovalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals
}

// InterruptCount returns how many interrupts were issued.
func (f *Fake) InterruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

var _ Client = (*Fake)(nil)
