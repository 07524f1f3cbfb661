package mcp

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

type EventKind string

const (
	EventProgress EventKind = "progress"
	EventPartial  EventKind = "partial"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

type Event struct {
	CallID   string
	Kind     EventKind
	Text     string
	Progress float64
	Total    float64
	Result   *Result
	Err      error
}

func (e Event) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventError
}

type Result struct {
	Text       string
	Structured any
}

// Stream carries the events of one tool call. It can be ranged over once;
// leaving the range early cancels the call.
type Stream struct {
	callID string
	events chan Event

	abandoned   chan struct{}
	abandonOnce sync.Once
	finishOnce  sync.Once
	cancel      context.CancelCauseFunc

	// mu orders trySend from notification handlers against finish.
	mu     sync.Mutex
	closed bool

	used       atomic.Bool
	onTerminal func(Event)
}

func newStream(parent context.Context, callID string) (*Stream, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	return &Stream{
		callID:    callID,
		events:    make(chan Event, 64),
		abandoned: make(chan struct{}),
		cancel:    cancel,
	}, ctx
}

// failedStream returns a stream whose only event is err.
func failedStream(callID string, err error) *Stream {
	s, _ := newStream(context.Background(), callID)
	s.send(Event{Kind: EventError, Err: err})
	s.finish()
	return s
}

func (s *Stream) CallID() string { return s.callID }

func (s *Stream) send(ev Event) bool {
	ev.CallID = s.callID
	select {
	case s.events <- ev:
		return true
	case <-s.abandoned:
		return false
	}
}

// trySend never blocks; notification handlers run on the transport reader.
// Events arriving after finish are dropped.
func (s *Stream) trySend(ev Event) bool {
	ev.CallID = s.callID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// abort cancels the producing call with cause.
func (s *Stream) abort(cause error) {
	s.cancel(cause)
}

// Close abandons the stream and cancels the underlying call.
func (s *Stream) Close() {
	s.abandonOnce.Do(func() {
		close(s.abandoned)
		s.cancel(context.Canceled)
	})
}

// Events yields the call's events up to and including the terminal one.
// A stream that ends without a terminal event yields ErrStreamClosed.
func (s *Stream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(Event{CallID: s.callID, Kind: EventError, Err: ErrStreamConsumed})
			return
		}
		defer s.Close()
		for ev := range s.events {
			if ev.Terminal() {
				s.observe(ev)
				yield(ev)
				return
			}
			if !yield(ev) {
				return
			}
		}
		ev := Event{CallID: s.callID, Kind: EventError, Err: &CallError{Msg: "stream ended", Err: ErrStreamClosed}}
		s.observe(ev)
		yield(ev)
	}
}

func (s *Stream) observe(ev Event) {
	if s.onTerminal != nil {
		s.onTerminal(ev)
	}
}
