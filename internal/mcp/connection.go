package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

const (
	defaultDegradeAfter = 2
	defaultRetryBudget  = 3
)

// Connection owns one adapter and the tools its server advertised. States
// only move forward: connecting, ready, degraded, closed.
type Connection struct {
	id      string
	def     config.MCPServer
	ordinal int
	factory AdapterFactory
	log     *zap.Logger
	notify  func(*Connection)

	mu       sync.Mutex
	state    protocol.ConnState
	adapter  Adapter
	caps     Capabilities
	tools    []ToolSpec
	failures int
	budget   int
	lastErr  error

	redial    sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(def config.MCPServer, ordinal int, factory AdapterFactory, log *zap.Logger, notify func(*Connection)) *Connection {
	if factory == nil {
		factory = NewAdapter
	}
	if log == nil {
		log = zap.NewNop()
	}
	if def.DegradeAfter <= 0 {
		def.DegradeAfter = defaultDegradeAfter
	}
	if def.RetryBudget <= 0 {
		def.RetryBudget = defaultRetryBudget
	}
	id := uuid.NewString()
	return &Connection{
		id:      id,
		def:     def,
		ordinal: ordinal,
		factory: factory,
		log:     log.With(zap.String("server", def.Name), zap.String("connection_id", id)),
		notify:  notify,
		state:   protocol.StateConnecting,
		budget:  def.RetryBudget,
		closed:  make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Name() string { return c.def.Name }

func (c *Connection) Def() config.MCPServer { return c.def }

func (c *Connection) Kind() config.TransportKind { return c.def.Transport }

func (c *Connection) Closed() <-chan struct{} { return c.closed }

func (c *Connection) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Connection) State() protocol.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Tools() []ToolSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSpec, len(c.tools))
	copy(out, c.tools)
	return out
}

// Err returns the last connection-level failure, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect performs the handshake and tool discovery. On failure the
// connection ends up closed and the error is a *ConnectError.
func (c *Connection) Connect(ctx context.Context) error {
	if st := c.State(); st != protocol.StateConnecting {
		return &ConnectError{Server: c.def.Name, Err: fmt.Errorf("connect in state %s", st)}
	}
	ad, caps, tools, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn("connect failed", zap.Error(err))
		_ = c.Close()
		return err
	}

	c.mu.Lock()
	if c.state == protocol.StateClosed {
		c.mu.Unlock()
		_ = ad.Close()
		return &ConnectError{Server: c.def.Name, Err: ErrConnectionClosed}
	}
	c.adapter = ad
	c.caps = caps
	c.tools = tools
	c.mu.Unlock()

	c.watch(ad)
	c.log.Info("connected",
		zap.String("transport", string(ad.Kind())),
		zap.String("server_name", caps.ServerName),
		zap.String("protocol", caps.ProtocolVersion),
		zap.Int("tools", len(tools)))
	c.transition(protocol.StateReady)
	return nil
}

func (c *Connection) dial(ctx context.Context) (Adapter, Capabilities, []ToolSpec, error) {
	ad, err := c.factory(c.def, c.log)
	if err != nil {
		return nil, Capabilities{}, nil, &ConnectError{Server: c.def.Name, Err: err}
	}
	caps, err := ad.Connect(ctx)
	if err != nil {
		_ = ad.Close()
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, Capabilities{}, nil, err
		}
		return nil, Capabilities{}, nil, &ConnectError{Server: c.def.Name, Err: err}
	}
	tools, err := ad.ListTools(ctx)
	if err != nil {
		_ = ad.Close()
		return nil, Capabilities{}, nil, &ConnectError{Server: c.def.Name, Err: fmt.Errorf("list tools: %w", err)}
	}
	return ad, caps, tools, nil
}

func (c *Connection) watch(ad Adapter) {
	go func() {
		select {
		case <-ad.Done():
			c.lost(ad)
		case <-c.closed:
		}
	}()
}

func (c *Connection) lost(ad Adapter) {
	c.mu.Lock()
	current := c.adapter == ad && c.state == protocol.StateReady
	if current {
		c.lastErr = ErrTransportLost
	}
	c.mu.Unlock()
	if current {
		c.log.Warn("transport lost")
		c.transition(protocol.StateDegraded)
	}
}

func stateRank(s protocol.ConnState) int {
	switch s {
	case protocol.StateConnecting:
		return 0
	case protocol.StateReady:
		return 1
	case protocol.StateDegraded:
		return 2
	default:
		return 3
	}
}

func (c *Connection) transition(to protocol.ConnState) bool {
	c.mu.Lock()
	from := c.state
	if stateRank(to) <= stateRank(from) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.log.Debug("state change", zap.String("from", string(from)), zap.String("to", string(to)))
	if c.notify != nil {
		c.notify(c)
	}
	return true
}

// Call starts a tool call on the connection. A degraded connection
// re-establishes a lost transport first. Each failed call on a degraded
// connection spends one unit of its retry budget and a success refills it;
// an exhausted budget closes the connection.
func (c *Connection) Call(ctx context.Context, callID, tool string, args map[string]any) *Stream {
	ad, err := c.acquire(ctx)
	var s *Stream
	if err != nil {
		s = failedStream(callID, err)
	} else {
		s = ad.CallTool(ctx, callID, tool, args)
	}
	s.onTerminal = c.observe
	return s
}

func (c *Connection) acquire(ctx context.Context) (Adapter, error) {
	c.mu.Lock()
	switch c.state {
	case protocol.StateReady:
		ad := c.adapter
		c.mu.Unlock()
		return ad, nil
	case protocol.StateDegraded:
		ad := c.adapter
		c.mu.Unlock()
		select {
		case <-ad.Done():
			return c.reconnect(ctx, ad)
		default:
			return ad, nil
		}
	default:
		st, spent := c.state, c.budget <= 0
		c.mu.Unlock()
		if spent {
			return nil, &CallError{Server: c.def.Name, Msg: "connection closed", Err: ErrBudgetExhausted}
		}
		return nil, &CallError{Server: c.def.Name, Msg: "connection " + string(st), Err: ErrConnectionClosed}
	}
}

func (c *Connection) reconnect(ctx context.Context, old Adapter) (Adapter, error) {
	c.redial.Lock()
	defer c.redial.Unlock()

	c.mu.Lock()
	if c.adapter != old {
		ad := c.adapter
		c.mu.Unlock()
		return ad, nil
	}
	c.mu.Unlock()

	ad, caps, tools, err := c.dial(ctx)
	if err != nil {
		c.log.Warn("reconnect failed", zap.Error(err))
		return nil, &TransportError{Server: c.def.Name, Err: err}
	}

	c.mu.Lock()
	if c.state == protocol.StateClosed {
		c.mu.Unlock()
		_ = ad.Close()
		return nil, &CallError{Server: c.def.Name, Msg: "connection closed", Err: ErrConnectionClosed}
	}
	c.adapter = ad
	c.caps = caps
	c.tools = tools
	c.mu.Unlock()

	_ = old.Close()
	c.watch(ad)
	c.log.Info("transport re-established", zap.Int("tools", len(tools)))
	if c.notify != nil {
		c.notify(c)
	}
	return ad, nil
}

// observe tracks consecutive connection-level failures from terminal
// stream events.
func (c *Connection) observe(ev Event) {
	switch ev.Kind {
	case EventResult:
		c.mu.Lock()
		c.failures = 0
		c.budget = c.def.RetryBudget
		c.mu.Unlock()
	case EventError:
		if !healthFailure(ev.Err) {
			return
		}
		c.mu.Lock()
		c.failures++
		c.lastErr = ev.Err
		degrade := c.state == protocol.StateReady && c.failures >= c.def.DegradeAfter
		exhausted := false
		if c.state == protocol.StateDegraded {
			c.budget--
			exhausted = c.budget <= 0
		}
		c.mu.Unlock()
		switch {
		case degrade:
			c.log.Warn("degrading after consecutive failures", zap.Int("failures", c.def.DegradeAfter), zap.Error(ev.Err))
			c.transition(protocol.StateDegraded)
		case exhausted:
			c.log.Warn("retry budget exhausted, closing", zap.Error(ev.Err))
			_ = c.Close()
		}
	}
}

// Close tears the transport down. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		ad := c.adapter
		from := c.state
		c.state = protocol.StateClosed
		c.mu.Unlock()

		close(c.closed)
		if ad != nil {
			err = ad.Close()
		}
		c.log.Debug("state change", zap.String("from", string(from)), zap.String("to", string(protocol.StateClosed)))
		if c.notify != nil {
			c.notify(c)
		}
	})
	return err
}
