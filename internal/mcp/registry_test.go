package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

func newTestRegistry(t *testing.T, ff *fakeFactory) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t), ff.build)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func names(tools []protocol.ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, d := range tools {
		out = append(out, d.Name)
	}
	return out
}

func TestRegistryCollisionFirstRegisteredWins(t *testing.T) {
	ff := newFakeFactory()
	ff.add("alpha", newFake("search", "fetch"))
	ff.add("beta", newFake("search", "write"))
	r := newTestRegistry(t, ff)

	err := r.ConnectAll(context.Background(), []config.MCPServer{{Name: "alpha"}, {Name: "beta"}}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"search", "fetch", "search__beta", "write"}, names(r.Tools()))
	assert.Equal(t, []protocol.Collision{{Tool: "search", Server: "beta", ExposedAs: "search__beta", Winner: "alpha"}}, r.Collisions())

	d, conn, err := r.Resolve("search__beta")
	require.NoError(t, err)
	assert.Equal(t, "search", d.Tool)
	assert.Equal(t, "beta", conn.Name())
	assert.Equal(t, conn.ID(), d.ConnectionID)

	_, _, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownTool)

	exposedAs, err := r.ExposedName("beta", "search")
	require.NoError(t, err)
	assert.Equal(t, "search__beta", exposedAs)
	_, err = r.ExposedName("beta", "fetch")
	assert.ErrorIs(t, err, ErrUnknownTool)
	_, err = r.ExposedName("gamma", "search")
	assert.Error(t, err)

	_, alpha, err := r.Resolve("search")
	require.NoError(t, err)
	require.Equal(t, "alpha", alpha.Name())
	require.NoError(t, alpha.Close())

	_, owner, err := r.Resolve("search")
	require.NoError(t, err)
	assert.Equal(t, "beta", owner.Name())
	_, _, err = r.Resolve("search__beta")
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Empty(t, r.Collisions())
}

func TestRegistryOnlyExposesLiveConnections(t *testing.T) {
	ff := newFakeFactory()
	ff.add("alpha", newFake("search"))
	broken := newFake("never")
	broken.connectErr = errors.New("handshake refused")
	ff.add("beta", broken)
	r := newTestRegistry(t, ff)

	err := r.ConnectAll(context.Background(), []config.MCPServer{{Name: "alpha"}, {Name: "beta"}}, 0)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "beta", ce.Server)

	assert.Equal(t, []string{"search"}, names(r.Tools()))
	servers := r.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, protocol.StateReady, servers[0].State)
	assert.Equal(t, 1, servers[0].ToolCount)
	assert.Equal(t, protocol.StateClosed, servers[1].State)
	assert.Contains(t, servers[1].Error, "handshake refused")

	conn, ok := r.Connection("alpha")
	require.True(t, ok)
	require.NoError(t, conn.Close())
	assert.Empty(t, r.Tools())
	_, _, err = r.Resolve("search")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistryVersionAndFeed(t *testing.T) {
	ff := newFakeFactory()
	ff.add("alpha", newFake("search"))
	r := newTestRegistry(t, ff)

	feed, cancel := r.Subscribe(8)
	defer cancel()

	_, err := r.Connect(context.Background(), config.MCPServer{Name: "alpha"})
	require.NoError(t, err)
	v := r.Version()
	assert.NotZero(t, v)

	ch := <-feed
	assert.Equal(t, ChangeConnection, ch.Kind)
	assert.Equal(t, protocol.StateReady, ch.State)

	require.NoError(t, r.SetEnabled("search", false))
	assert.Greater(t, r.Version(), v)
	ch = <-feed
	assert.Equal(t, ChangeEnabled, ch.Kind)
	assert.Equal(t, "search", ch.Tool)

	require.NoError(t, r.Remove("alpha"))
	ch = <-feed
	assert.Equal(t, ChangeRemoved, ch.Kind)
	_, ok := r.Connection("alpha")
	assert.False(t, ok)
}

func TestRegistryOverridesSurviveReconnect(t *testing.T) {
	first := newFake("search", "delete")
	second := newFake("search", "delete")
	ff := newFakeFactory()
	ff.add("alpha", first, second)
	r := newTestRegistry(t, ff)

	conn, err := r.Connect(context.Background(), config.MCPServer{Name: "alpha", RequireApproval: []string{"delete"}})
	require.NoError(t, err)

	require.NoError(t, r.SetEnabled("search", false))
	_, _, err = r.Resolve("search")
	assert.ErrorIs(t, err, ErrToolDisabled)
	assert.Equal(t, []string{"delete"}, names(r.Tools()))
	assert.Len(t, r.All(), 2)

	d, _, err := r.Resolve("delete")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
	require.NoError(t, r.SetApproval("delete", false))

	first.drop()
	require.Eventually(t, func() bool { return conn.State() == protocol.StateDegraded }, time.Second, 5*time.Millisecond)

	ev := terminal(t, conn.Call(context.Background(), "c1", "delete", nil))
	require.NoError(t, ev.Err)
	assert.Equal(t, int32(1), second.calls.Load())

	_, _, err = r.Resolve("search")
	assert.ErrorIs(t, err, ErrToolDisabled)
	d, _, err = r.Resolve("delete")
	require.NoError(t, err)
	assert.False(t, d.RequiresApproval)
}

func TestRegistryApplyDiff(t *testing.T) {
	ff := newFakeFactory()
	ff.add("alpha", newFake("a1"), newFake("a1", "a2"))
	ff.add("beta", newFake("b1"))
	r := newTestRegistry(t, ff)

	prev := &config.Config{Servers: []config.MCPServer{{Name: "alpha", URL: "http://one"}, {Name: "beta", URL: "http://b"}}}
	require.NoError(t, r.Apply(context.Background(), config.Diff(&config.Config{}, prev), 0))
	assert.Equal(t, []string{"a1", "b1"}, names(r.Tools()))

	next := &config.Config{Servers: []config.MCPServer{{Name: "alpha", URL: "http://two"}}}
	require.NoError(t, r.Apply(context.Background(), config.Diff(prev, next), 0))
	assert.Equal(t, []string{"a1", "a2"}, names(r.Tools()))
	_, ok := r.Connection("beta")
	assert.False(t, ok)
}

func TestInspectTool(t *testing.T) {
	fake := newFake()
	fake.tools = []ToolSpec{{Name: "add", Description: "Add two numbers", InputSchema: map[string]any{
		"type":       "object",
		"required":   []any{"a"},
		"properties": map[string]any{"a": map[string]any{"type": "number"}, "b": map[string]any{"type": "number"}},
	}}}
	ff := newFakeFactory()
	ff.add("calc", fake)
	r := newTestRegistry(t, ff)
	_, err := r.Connect(context.Background(), config.MCPServer{Name: "calc"})
	require.NoError(t, err)

	detail, err := r.InspectTool("add")
	require.NoError(t, err)
	assert.Equal(t, "calc", detail.Server)
	require.Len(t, detail.Properties, 2)
	assert.True(t, detail.Properties[0].Required)
	assert.False(t, detail.Properties[1].Required)
}

func TestConnectionDegradesAfterConsecutiveFailures(t *testing.T) {
	fake := newFake("t")
	fake.call = func(context.Context, string, map[string]any) (*Result, error) {
		return nil, &TransportError{Server: "s", Err: errors.New("reset")}
	}
	conn := newConnection(config.MCPServer{Name: "s", DegradeAfter: 2}, 1, func(config.MCPServer, *zap.Logger) (Adapter, error) { return fake, nil }, zaptest.NewLogger(t), nil)
	require.NoError(t, conn.Connect(context.Background()))

	terminal(t, conn.Call(context.Background(), "c1", "t", nil))
	assert.Equal(t, protocol.StateReady, conn.State())
	terminal(t, conn.Call(context.Background(), "c2", "t", nil))
	assert.Equal(t, protocol.StateDegraded, conn.State())
}

func TestConnectionToolErrorsDoNotDegrade(t *testing.T) {
	fake := newFake("t")
	fake.call = func(context.Context, string, map[string]any) (*Result, error) {
		return nil, &CallError{Server: "s", Tool: "t", Msg: "bad input"}
	}
	conn := newConnection(config.MCPServer{Name: "s", DegradeAfter: 1}, 1, func(config.MCPServer, *zap.Logger) (Adapter, error) { return fake, nil }, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		terminal(t, conn.Call(context.Background(), "c", "t", nil))
	}
	assert.Equal(t, protocol.StateReady, conn.State())
}

func TestConnectionBudgetExhaustionCloses(t *testing.T) {
	fake := newFake("t")
	var failing atomic.Bool
	fake.call = func(context.Context, string, map[string]any) (*Result, error) {
		if failing.Load() {
			return nil, &TransportError{Server: "s", Err: errors.New("reset")}
		}
		return &Result{Text: "ok"}, nil
	}
	conn := newConnection(config.MCPServer{Name: "s", RetryBudget: 2}, 1, func(config.MCPServer, *zap.Logger) (Adapter, error) { return fake, nil }, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	require.True(t, conn.transition(protocol.StateDegraded))

	failing.Store(true)
	ev := terminal(t, conn.Call(context.Background(), "c1", "t", nil))
	require.Error(t, ev.Err)
	assert.Equal(t, protocol.StateDegraded, conn.State())

	// a success refills the budget
	failing.Store(false)
	ev = terminal(t, conn.Call(context.Background(), "c2", "t", nil))
	require.NoError(t, ev.Err)

	failing.Store(true)
	terminal(t, conn.Call(context.Background(), "c3", "t", nil))
	assert.Equal(t, protocol.StateDegraded, conn.State())
	terminal(t, conn.Call(context.Background(), "c4", "t", nil))
	assert.Equal(t, protocol.StateClosed, conn.State())
	assert.Equal(t, int32(4), fake.calls.Load())

	ev = terminal(t, conn.Call(context.Background(), "c5", "t", nil))
	assert.ErrorIs(t, ev.Err, ErrBudgetExhausted)
	assert.False(t, IsTransient(ev.Err))
	assert.Equal(t, int32(4), fake.calls.Load())
	assert.False(t, conn.transition(protocol.StateReady))
}

func TestDegradedConnectionKeepsServingSuccessfulCalls(t *testing.T) {
	fake := newFake("t")
	conn := newConnection(config.MCPServer{Name: "s", RetryBudget: 1}, 1, func(config.MCPServer, *zap.Logger) (Adapter, error) { return fake, nil }, nil, nil)
	require.NoError(t, conn.Connect(context.Background()))
	require.True(t, conn.transition(protocol.StateDegraded))

	for i := 0; i < 5; i++ {
		ev := terminal(t, conn.Call(context.Background(), fmt.Sprintf("c%d", i), "t", nil))
		require.NoError(t, ev.Err)
		assert.Equal(t, "ok", ev.Result.Text)
	}
	assert.Equal(t, protocol.StateDegraded, conn.State())
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	fake := newFake("t")
	notified := 0
	conn := newConnection(config.MCPServer{Name: "s"}, 1, func(config.MCPServer, *zap.Logger) (Adapter, error) { return fake, nil }, nil, func(*Connection) { notified++ })
	require.NoError(t, conn.Connect(context.Background()))
	require.Equal(t, 1, notified)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, int32(1), fake.closes.Load())
	assert.Equal(t, 2, notified)
	assert.Equal(t, protocol.StateClosed, conn.State())

	ev := terminal(t, conn.Call(context.Background(), "c1", "t", nil))
	assert.ErrorIs(t, ev.Err, ErrConnectionClosed)
	assert.Equal(t, int32(0), fake.calls.Load())

	var ce *ConnectError
	require.ErrorAs(t, conn.Connect(context.Background()), &ce)
}
