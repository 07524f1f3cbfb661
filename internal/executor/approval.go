package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prbarcelon/mcporch/internal/protocol"
)

type decision struct {
	approved bool
	reason   string
}

type waiter struct {
	info protocol.PendingApproval
	ch   chan decision
}

// Broker parks calls that need a human decision. Waits have no deadline
// unless a timeout is configured, in which case expiry counts as a denial.
type Broker struct {
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]*waiter
	onPending []func(protocol.PendingApproval)
}

func NewBroker(timeout time.Duration) *Broker {
	return &Broker{timeout: timeout, pending: map[string]*waiter{}}
}

// OnPending registers a hook that runs whenever a call starts waiting.
func (b *Broker) OnPending(fn func(protocol.PendingApproval)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPending = append(b.onPending, fn)
}

// Await blocks until the call is approved (nil), denied (*ApprovalDenied)
// or ctx ends (ctx's error).
func (b *Broker) Await(ctx context.Context, info protocol.PendingApproval) error {
	if info.RequestedAt.IsZero() {
		info.RequestedAt = time.Now().UTC()
	}
	w := &waiter{info: info, ch: make(chan decision, 1)}

	b.mu.Lock()
	if _, dup := b.pending[info.CallID]; dup {
		b.mu.Unlock()
		return fmt.Errorf("call %s is already awaiting approval", info.CallID)
	}
	b.pending[info.CallID] = w
	hooks := append([]func(protocol.PendingApproval){}, b.onPending...)
	b.mu.Unlock()
	defer b.forget(info.CallID)

	for _, fn := range hooks {
		fn(info)
	}

	var expired <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-w.ch:
		if d.approved {
			return nil
		}
		return &ApprovalDenied{CallID: info.CallID, Tool: info.Tool, Reason: d.reason}
	case <-expired:
		return &ApprovalDenied{CallID: info.CallID, Tool: info.Tool, Reason: "approval timed out"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) forget(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

// Decide resolves a pending call.
func (b *Broker) Decide(callID string, approved bool, reason string) error {
	b.mu.Lock()
	w, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, callID)
	}
	w.ch <- decision{approved: approved, reason: reason}
	return nil
}

// Pending lists waiting calls, oldest first. An empty session lists all.
func (b *Broker) Pending(session string) []protocol.PendingApproval {
	b.mu.Lock()
	out := make([]protocol.PendingApproval, 0, len(b.pending))
	for _, w := range b.pending {
		if session == "" || w.info.Session == session {
			out = append(out, w.info)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
