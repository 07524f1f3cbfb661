package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prbarcelon/mcporch/internal/memory"
)

// Session is one conversation. Turns on a session run one at a time.
type Session struct {
	id      string
	seq     int
	mem     *memory.Memory
	created time.Time

	turn   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) ID() string { return s.id }
func (s *Session) Memory() *memory.Memory { return s.mem }
func (s *Session) CreatedAt() time.Time { return s.created }
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Sessions owns every live session. newMemory builds (or restores) the
// memory of a session the first time it is used.
type Sessions struct {
	newMemory func(id string) *memory.Memory

	mu       sync.Mutex
	sessions map[string]*Session
	nextSeq  int
}

func NewSessions(newMemory func(id string) *memory.Memory) *Sessions {
	return &Sessions{newMemory: newMemory, sessions: map[string]*Session{}}
}

// Get returns the session with id, creating it when missing. An empty id
// starts a new session with a generated id.
func (m *Sessions) Get(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.nextSeq++
	s := &Session{id: id, seq: m.nextSeq, mem: m.newMemory(id), created: time.Now().UTC(), ctx: ctx, cancel: cancel}
	m.sessions[id] = s
	return s
}

func (m *Sessions) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs lists sessions, oldest first.
func (m *Sessions) IDs() []string {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out
}

func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End cancels the session's context, releasing any turn blocked on an
// approval, and forgets it.
func (m *Sessions) End(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.cancel()
	}
	return ok
}

func (m *Sessions) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		s.cancel()
	}
}
