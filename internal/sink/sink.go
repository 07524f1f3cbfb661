// Package sink persists conversation and tool-call events off the hot
// path. Producers never block: when the buffer is full the event is
// dropped and a warning logged.
package sink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/protocol"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindCall    Kind = "tool_call"
	KindSummary Kind = "summary"
)

type Event struct {
	Kind    Kind                      `json:"kind"`
	Session string                    `json:"session,omitempty"`
	At      time.Time                 `json:"at"`
	Message *protocol.Message         `json:"message,omitempty"`
	Request *protocol.ToolCallRequest `json:"request,omitempty"`
	Result  *protocol.ToolCallResult  `json:"result,omitempty"`
	Summary *protocol.MemorySummary   `json:"summary,omitempty"`
}

// Backend stores events. Write is called from a single goroutine.
type Backend interface {
	Name() string
	Write(ev Event) error
	Close() error
}

// Sink fans events out to every backend. It implements both
// executor.Recorder and memory.Recorder.
type Sink struct {
	backends []Backend
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}

	dropped atomic.Uint64
}

func New(buffer int, log *zap.Logger, backends ...Backend) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		backends: backends,
		log:      log,
		ch:       make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) RecordMessage(session string, msg protocol.Message) {
	s.emit(Event{Kind: KindMessage, Session: session, At: msg.At, Message: &msg})
}

func (s *Sink) RecordSummary(session string, sum protocol.MemorySummary) {
	s.emit(Event{Kind: KindSummary, Session: session, At: time.Now().UTC(), Summary: &sum})
}

func (s *Sink) RecordCall(req protocol.ToolCallRequest, res protocol.ToolCallResult) {
	s.emit(Event{Kind: KindCall, Session: req.Session, At: res.At, Request: &req, Result: &res})
}

// Dropped counts events discarded because the buffer was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		n := s.dropped.Add(1)
		s.log.Warn("persistence buffer full, event dropped",
			zap.String("kind", string(ev.Kind)), zap.String("session", ev.Session), zap.Uint64("dropped_total", n))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.ch {
		for _, b := range s.backends {
			if err := b.Write(ev); err != nil {
				s.log.Warn("persist event failed",
					zap.String("backend", b.Name()), zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

// Close drains buffered events, then closes every backend.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done

	var errs []error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
