package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// ChangeKind names what moved in the registry.
type ChangeKind string

const (
	ChangeConnection ChangeKind = "connection"
	ChangeRemoved    ChangeKind = "removed"
	ChangeEnabled    ChangeKind = "enabled"
	ChangeApproval   ChangeKind = "approval"
)

// Change is published to subscribers after every registry mutation.
type Change struct {
	Version uint64
	Kind    ChangeKind
	Server  string
	Tool    string
	State   protocol.ConnState
}

type toolKey struct {
	server string
	tool   string
}

type exposed struct {
	conn *Connection
	spec ToolSpec
}

// Registry aggregates the tools of all ready and degraded connections into
// one namespace. The first connection registered keeps a tool's bare name;
// later duplicates are exposed as "{tool}__{server}".
type Registry struct {
	log     *zap.Logger
	factory AdapterFactory

	mu         sync.RWMutex
	conns      []*Connection
	nextOrd    int
	names      map[string]exposed
	order      []string
	collisions []protocol.Collision
	enabled    map[toolKey]bool
	approval   map[toolKey]bool

	version atomic.Uint64

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

func NewRegistry(log *zap.Logger, factory AdapterFactory) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if factory == nil {
		factory = NewAdapter
	}
	return &Registry{
		log:      log,
		factory:  factory,
		names:    map[string]exposed{},
		enabled:  map[toolKey]bool{},
		approval: map[toolKey]bool{},
		subs:     map[int]chan Change{},
	}
}

// Add registers a connection for def without connecting it. Registration
// order decides collision winners.
func (r *Registry) Add(def config.MCPServer) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.def.Name == def.Name {
			return nil, fmt.Errorf("server %q already registered", def.Name)
		}
	}
	r.nextOrd++
	conn := newConnection(def, r.nextOrd, r.factory, r.log, r.connectionChanged)
	r.conns = append(r.conns, conn)
	return conn, nil
}

// Connect registers def and performs its handshake.
func (r *Registry) Connect(ctx context.Context, def config.MCPServer) (*Connection, error) {
	conn, err := r.Add(def)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

// ConnectAll registers every definition in order, then connects them
// concurrently with at most limit handshakes in flight. A failing server
// does not stop the others; all failures are joined in the returned error.
func (r *Registry) ConnectAll(ctx context.Context, defs []config.MCPServer, limit int) error {
	conns := make([]*Connection, 0, len(defs))
	var errs []error
	for _, def := range defs {
		conn, err := r.Add(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conns = append(conns, conn)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Connect(gctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Remove closes and forgets the connection named by name or alias.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	idx := -1
	for i, c := range r.conns {
		if c.def.Name == name || (c.def.Alias != "" && c.def.Alias == name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("unknown server %q", name)
	}
	conn := r.conns[idx]
	r.conns = append(r.conns[:idx], r.conns[idx+1:]...)
	r.rebuildLocked()
	v := r.version.Add(1)
	r.mu.Unlock()

	err := conn.Close()
	r.publish(Change{Version: v, Kind: ChangeRemoved, Server: conn.def.Name, State: protocol.StateClosed})
	return err
}

// Apply runs configuration changes in order. Removals of unknown servers
// are ignored so a diff can be replayed.
func (r *Registry) Apply(ctx context.Context, changes []config.Change, limit int) error {
	var adds []config.MCPServer
	var errs []error
	for _, ch := range changes {
		switch ch.Op {
		case config.ChangeRemove:
			if _, ok := r.Connection(ch.Server.Name); !ok {
				continue
			}
			if err := r.Remove(ch.Server.Name); err != nil {
				errs = append(errs, err)
			}
		case config.ChangeAdd:
			adds = append(adds, ch.Server)
		}
	}
	if len(adds) > 0 {
		if err := r.ConnectAll(ctx, adds, limit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) connectionChanged(c *Connection) {
	r.mu.Lock()
	known := false
	for _, conn := range r.conns {
		if conn == c {
			known = true
			break
		}
	}
	if !known {
		r.mu.Unlock()
		return
	}
	r.rebuildLocked()
	v := r.version.Add(1)
	r.mu.Unlock()
	r.publish(Change{Version: v, Kind: ChangeConnection, Server: c.def.Name, State: c.State()})
}

// rebuildLocked recomputes the exposed names. Callers hold r.mu.
//
// A bare tool name belongs to the earliest registered live connection that
// advertises it; later duplicates are exposed as <tool>__<server>. Names
// are recomputed on every connection change, so when the owner closes the
// next registered duplicate takes over the bare name and its suffixed name
// goes away.
func (r *Registry) rebuildLocked() {
	names := map[string]exposed{}
	order := []string{}
	owner := map[string]string{}
	var collisions []protocol.Collision

	conns := make([]*Connection, len(r.conns))
	copy(conns, r.conns)
	sort.SliceStable(conns, func(i, j int) bool { return conns[i].ordinal < conns[j].ordinal })

	for _, c := range conns {
		if !c.State().Exposes() {
			continue
		}
		for _, spec := range c.Tools() {
			name := spec.Name
			if winner, taken := owner[name]; taken {
				name = spec.Name + "__" + c.def.Name
				collisions = append(collisions, protocol.Collision{
					Tool:      spec.Name,
					Server:    c.def.Name,
					ExposedAs: name,
					Winner:    winner,
				})
				if _, dup := names[name]; dup {
					r.log.Warn("dropping tool with unresolvable name", zap.String("server", c.def.Name), zap.String("tool", spec.Name))
					continue
				}
			} else {
				owner[name] = c.def.Name
			}
			names[name] = exposed{conn: c, spec: spec}
			order = append(order, name)
		}
	}
	r.names = names
	r.order = order
	r.collisions = collisions
}

func (r *Registry) descriptorLocked(name string, e exposed) protocol.ToolDescriptor {
	key := toolKey{server: e.conn.def.Name, tool: e.spec.Name}
	enabled, ok := r.enabled[key]
	if !ok {
		enabled = !matchTool(e.conn.def.Disabled, e.spec.Name)
	}
	approval, ok := r.approval[key]
	if !ok {
		approval = matchTool(e.conn.def.RequireApproval, e.spec.Name)
	}
	return protocol.ToolDescriptor{
		Name:             name,
		Tool:             e.spec.Name,
		Server:           e.conn.def.Name,
		ConnectionID:     e.conn.id,
		Description:      e.spec.Description,
		InputSchema:      e.spec.InputSchema,
		RequiresApproval: approval,
		Enabled:          enabled,
	}
}

func matchTool(list []string, tool string) bool {
	for _, item := range list {
		if item == "*" || item == tool {
			return true
		}
	}
	return false
}

// Tools returns the enabled tools in registration order.
func (r *Registry) Tools() []protocol.ToolDescriptor {
	out := []protocol.ToolDescriptor{}
	for _, d := range r.All() {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// All returns every exposed tool, disabled ones included.
func (r *Registry) All() []protocol.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.descriptorLocked(name, r.names[name]))
	}
	return out
}

// ToolsByServer returns every exposed tool of one server.
func (r *Registry) ToolsByServer(server string) ([]protocol.ToolDescriptor, error) {
	conn, ok := r.Connection(server)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", server)
	}
	out := []protocol.ToolDescriptor{}
	for _, d := range r.All() {
		if d.Server == conn.def.Name {
			out = append(out, d)
		}
	}
	return out, nil
}

// Resolve maps an exposed tool name to its descriptor and connection.
func (r *Registry) Resolve(name string) (protocol.ToolDescriptor, *Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.names[name]
	if !ok {
		return protocol.ToolDescriptor{}, nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	d := r.descriptorLocked(name, e)
	if !d.Enabled {
		return d, nil, fmt.Errorf("%w: %q", ErrToolDisabled, name)
	}
	return d, e.conn, nil
}

// ExposedName maps a server (name or alias) and the tool's own name to the
// name it is exposed under.
func (r *Registry) ExposedName(server, tool string) (string, error) {
	conn, ok := r.Connection(server)
	if !ok {
		return "", fmt.Errorf("unknown server %q", server)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		e := r.names[name]
		if e.conn == conn && e.spec.Name == tool {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q on server %q", ErrUnknownTool, tool, server)
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	return r.setOverride(name, ChangeEnabled, r.enabled, enabled)
}

func (r *Registry) SetApproval(name string, required bool) error {
	return r.setOverride(name, ChangeApproval, r.approval, required)
}

// setOverride keys the override by server and original tool name so it
// survives reconnects and renames caused by collisions.
func (r *Registry) setOverride(name string, kind ChangeKind, overrides map[toolKey]bool, value bool) error {
	r.mu.Lock()
	e, ok := r.names[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	overrides[toolKey{server: e.conn.def.Name, tool: e.spec.Name}] = value
	v := r.version.Add(1)
	r.mu.Unlock()
	r.publish(Change{Version: v, Kind: kind, Server: e.conn.def.Name, Tool: e.spec.Name})
	return nil
}

func (r *Registry) Version() uint64 { return r.version.Load() }

func (r *Registry) Collisions() []protocol.Collision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Collision, len(r.collisions))
	copy(out, r.collisions)
	return out
}

// Subscribe returns a feed of registry changes. Slow subscribers miss
// changes rather than blocking the registry; Version tells them so.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) publish(ch Change) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, sub := range r.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// Connection finds a registered connection by server name or alias.
func (r *Registry) Connection(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.def.Name == name || (c.def.Alias != "" && c.def.Alias == name) {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) Servers() []protocol.ServerInfo {
	r.mu.RLock()
	conns := make([]*Connection, len(r.conns))
	copy(conns, r.conns)
	counts := map[string]int{}
	for _, name := range r.order {
		counts[r.names[name].conn.def.Name]++
	}
	r.mu.RUnlock()

	out := make([]protocol.ServerInfo, 0, len(conns))
	for _, c := range conns {
		info := protocol.ServerInfo{
			Name:      c.def.Name,
			Alias:     c.def.Alias,
			URL:       c.def.URL,
			Transport: string(c.def.Transport),
			Command:   c.def.Command,
			Env:       c.def.Env,
			State:     c.State(),
			ToolCount: counts[c.def.Name],
		}
		if err := c.Err(); err != nil {
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	return out
}

// ToolCount counts enabled tools.
func (r *Registry) ToolCount() int {
	return len(r.Tools())
}

// InspectTool describes the input properties of an exposed tool.
func (r *Registry) InspectTool(name string) (*protocol.ToolDetail, error) {
	r.mu.RLock()
	e, ok := r.names[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	required, _ := parseSchema(e.spec.InputSchema)
	return &protocol.ToolDetail{
		Server:      e.conn.def.Name,
		Name:        name,
		Description: e.spec.Description,
		Properties:  parseSchemaDetail(e.spec.InputSchema, required),
	}, nil
}

// Close closes every connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.rebuildLocked()
	r.version.Add(1)
	r.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.def.Name, err))
		}
	}
	return errors.Join(errs...)
}
