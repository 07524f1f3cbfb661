package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

func newCalcServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("calc", "1.0.0", mcpserver.WithToolCapabilities(true))
	s.AddTool(mcpproto.NewTool("add",
		mcpproto.WithDescription("Add two numbers"),
		mcpproto.WithNumber("a", mcpproto.Required()),
		mcpproto.WithNumber("b", mcpproto.Required()),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		a, err := req.RequireFloat("a")
		if err != nil {
			return mcpproto.NewToolResultError(err.Error()), nil
		}
		b, err := req.RequireFloat("b")
		if err != nil {
			return mcpproto.NewToolResultError(err.Error()), nil
		}
		return mcpproto.NewToolResultText(fmt.Sprintf("%g", a+b)), nil
	})
	return s
}

func calcURL(t *testing.T) string {
	t.Helper()
	ts := mcpserver.NewTestServer(newCalcServer())
	// an open SSE stream keeps Close waiting on its handler
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
	})
	return ts.URL + "/sse"
}

func newTestServer(t *testing.T, dir string, servers ...config.MCPServer) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.SocketPath = filepath.Join(dir, "d.sock")
	cfg.Server.DBPath = filepath.Join(dir, "state.db")
	cfg.Server.ConnectTimeout = config.Seconds(10)
	for _, def := range servers {
		require.NoError(t, config.UpsertServer(cfg, def))
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return New(path, cfg, zaptest.NewLogger(t))
}

func openServer(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.open())
	t.Cleanup(s.close)
}

func roundTrip(t *testing.T, socketPath string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))
	require.NoError(t, json.NewEncoder(conn).Encode(req))
	var resp protocol.Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestSocketRoundTrip(t *testing.T) {
	s := newTestServer(t, t.TempDir(), config.MCPServer{Name: "calc", Transport: config.TransportSSE, URL: calcURL(t)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	socket := s.cfg.Server.SocketPath
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 15*time.Second, 20*time.Millisecond)

	status := roundTrip(t, socket, protocol.Request{Action: "status"})
	require.True(t, status.OK, status.Error)
	assert.Equal(t, 1, status.Status.ServerCount)
	assert.Equal(t, 1, status.Status.ToolCount)

	tools := roundTrip(t, socket, protocol.Request{Action: "tools"})
	require.True(t, tools.OK, tools.Error)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "add", tools.Tools[0].Name)

	call := roundTrip(t, socket, protocol.Request{Action: "call", Server: "calc", Tool: "add", Args: map[string]any{"a": 2, "b": 3}})
	require.True(t, call.OK, call.Error)
	assert.Equal(t, "5", call.Result.Content())

	invalid := roundTrip(t, socket, protocol.Request{Action: "call", Tool: "add", Args: map[string]any{"a": 2}})
	assert.False(t, invalid.OK)
	assert.Equal(t, protocol.StatusError, invalid.Result.Status)

	chat := roundTrip(t, socket, protocol.Request{Action: "chat", Session: "s1", Text: `/call add {"a": 2, "b": 3}`})
	require.True(t, chat.OK, chat.Error)
	assert.Equal(t, "s1", chat.Session)
	assert.Equal(t, "add returned 5", chat.Text)
	require.Len(t, chat.Calls, 1)
	assert.Equal(t, 2, chat.Iterations)

	history := roundTrip(t, socket, protocol.Request{Action: "history", Session: "s1"})
	require.True(t, history.OK, history.Error)
	require.Len(t, history.Messages, 4)
	assert.Equal(t, protocol.RoleUser, history.Messages[0].Role)
	assert.Equal(t, protocol.RoleTool, history.Messages[2].Role)
	assert.Equal(t, history.Messages[1].ToolCalls[0].CallID, history.Messages[2].CallID)

	unknown := roundTrip(t, socket, protocol.Request{Action: "bogus"})
	assert.False(t, unknown.OK)
	assert.Equal(t, "unknown action", unknown.Error)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestApprovalFlowPublishesEvents(t *testing.T) {
	url := calcURL(t)
	s := newTestServer(t, t.TempDir())
	openServer(t, s)
	ctx := context.Background()

	added := s.handle(ctx, protocol.Request{Action: "add_server", Name: "calc", Transport: "sse", URL: url})
	require.True(t, added.OK, added.Error)
	on := true
	gated := s.handle(ctx, protocol.Request{Action: "approval", Server: "calc", Tool: "add", Enabled: &on})
	require.True(t, gated.OK, gated.Error)

	feed := httptest.NewServer(s.hub)
	t.Cleanup(feed.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(feed.URL, "http")+"/events?session=s1", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.hub.Watchers() == 1 }, 5*time.Second, 10*time.Millisecond)

	result := make(chan protocol.Response, 1)
	go func() {
		result <- s.handle(ctx, protocol.Request{Action: "call", Session: "s1", CallID: "c-1", Tool: "add", Args: map[string]any{"a": 2, "b": 3}})
	}()

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ev protocol.Event
	for ev.Kind != EventApprovalPending {
		require.NoError(t, ws.ReadJSON(&ev))
	}
	require.NotNil(t, ev.Approval)
	assert.Equal(t, "c-1", ev.Approval.CallID)
	assert.Equal(t, "calc", ev.Server)

	pending := s.handle(ctx, protocol.Request{Action: "pending", Session: "s1"})
	require.Len(t, pending.Pending, 1)

	missing := s.handle(ctx, protocol.Request{Action: "approve", CallID: "nope"})
	assert.False(t, missing.OK)

	approved := s.handle(ctx, protocol.Request{Action: "approve", Session: "s1", CallID: "c-1"})
	require.True(t, approved.OK, approved.Error)

	select {
	case resp := <-result:
		require.True(t, resp.OK, resp.Error)
		assert.Equal(t, "5", resp.Result.Content())
	case <-time.After(10 * time.Second):
		t.Fatal("approved call did not finish")
	}

	for ev.Kind != EventToolResult {
		require.NoError(t, ws.ReadJSON(&ev))
	}
	assert.Equal(t, "success: 5", ev.Text)
}

func TestDeniedCallIsRejected(t *testing.T) {
	s := newTestServer(t, t.TempDir(), config.MCPServer{Name: "calc", Transport: config.TransportSSE, URL: calcURL(t), RequireApproval: []string{"*"}})
	openServer(t, s)
	s.connectAll(context.Background())

	result := make(chan protocol.Response, 1)
	go func() {
		result <- s.handle(context.Background(), protocol.Request{Action: "call", CallID: "c-2", Tool: "add", Args: map[string]any{"a": 1, "b": 1}})
	}()
	require.Eventually(t, func() bool { return len(s.broker.Pending("")) == 1 }, 5*time.Second, 10*time.Millisecond)
	denied := s.handle(context.Background(), protocol.Request{Action: "deny", CallID: "c-2", Reason: "not today"})
	require.True(t, denied.OK, denied.Error)

	resp := <-result
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.StatusRejected, resp.Result.Status)
	assert.Contains(t, resp.Result.Error, "not today")
}

func TestEnableDisableAndInspect(t *testing.T) {
	s := newTestServer(t, t.TempDir(), config.MCPServer{Name: "calc", Transport: config.TransportSSE, URL: calcURL(t)})
	openServer(t, s)
	s.connectAll(context.Background())
	ctx := context.Background()

	detail := s.handle(ctx, protocol.Request{Action: "inspect", Server: "calc", Tool: "add"})
	require.True(t, detail.OK, detail.Error)
	assert.Equal(t, "add", detail.ToolDetail.Name)
	assert.Len(t, detail.ToolDetail.Properties, 2)

	off := s.handle(ctx, protocol.Request{Action: "disable", Tool: "add"})
	require.True(t, off.OK, off.Error)
	tools := s.handle(ctx, protocol.Request{Action: "tools", Server: "calc"})
	require.Len(t, tools.Tools, 1)
	assert.False(t, tools.Tools[0].Enabled)

	call := s.handle(ctx, protocol.Request{Action: "call", Tool: "add", Args: map[string]any{"a": 1, "b": 1}})
	assert.False(t, call.OK)

	on := s.handle(ctx, protocol.Request{Action: "enable", Tool: "add"})
	require.True(t, on.OK, on.Error)
	assert.Equal(t, 1, s.registry.ToolCount())

	noFlag := s.handle(ctx, protocol.Request{Action: "approval", Tool: "add"})
	assert.False(t, noFlag.OK)
}

func TestConfigEditsAreSavedAndApplied(t *testing.T) {
	dir := t.TempDir()
	url := calcURL(t)
	s := newTestServer(t, dir)
	openServer(t, s)
	ctx := context.Background()

	added := s.handle(ctx, protocol.Request{Action: "add_server", Name: "calc", Transport: "sse", URL: url})
	require.True(t, added.OK, added.Error)
	servers := s.handle(ctx, protocol.Request{Action: "servers"})
	require.Len(t, servers.Servers, 1)
	assert.Equal(t, protocol.StateReady, servers.Servers[0].State)

	onDisk, err := config.Load(s.configPath)
	require.NoError(t, err)
	require.Len(t, onDisk.Servers, 1)

	auth := s.handle(ctx, protocol.Request{Action: "set_auth", Name: "calc", Headers: map[string]string{"Authorization": "Bearer t"}})
	require.True(t, auth.OK, auth.Error)
	conn, ok := s.registry.Connection("calc")
	require.True(t, ok)
	assert.Equal(t, "Bearer t", conn.Def().Headers["Authorization"])

	assert.False(t, s.handle(ctx, protocol.Request{Action: "set_auth", Name: "ghost"}).OK)
	assert.False(t, s.handle(ctx, protocol.Request{Action: "add_server", Name: "bad", Transport: "sse"}).OK)

	removed := s.handle(ctx, protocol.Request{Action: "remove_server", Name: "calc"})
	require.True(t, removed.OK, removed.Error)
	assert.Empty(t, s.registry.Servers())
	assert.False(t, s.handle(ctx, protocol.Request{Action: "remove_server", Name: "calc"}).OK)

	// an external edit picked up by reload
	next, err := config.Load(s.configPath)
	require.NoError(t, err)
	require.NoError(t, config.UpsertServer(next, config.MCPServer{Name: "calc2", Transport: config.TransportSSE, URL: url}))
	require.NoError(t, config.Save(s.configPath, next))
	reloaded := s.handle(ctx, protocol.Request{Action: "reload"})
	require.True(t, reloaded.OK, reloaded.Error)
	assert.Contains(t, reloaded.Text, "1 connection changes")
	_, ok = s.registry.Connection("calc2")
	assert.True(t, ok)
}

func TestSessionMemorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first := newTestServer(t, dir)
	require.NoError(t, first.open())
	ctx := context.Background()

	chat := first.handle(ctx, protocol.Request{Action: "chat", Session: "s1", Text: "hello"})
	require.True(t, chat.OK, chat.Error)
	assert.Equal(t, "You said: hello", chat.Text)
	first.close()

	second := New(first.configPath, first.cfg, zaptest.NewLogger(t))
	openServer(t, second)

	mem := second.handle(ctx, protocol.Request{Action: "memory", Session: "s1"})
	require.True(t, mem.OK, mem.Error)
	assert.Equal(t, 2, mem.Memory.MessageCount)
	require.Len(t, mem.Messages, 2)

	cleared := second.handle(ctx, protocol.Request{Action: "clear", Session: "s1"})
	require.True(t, cleared.OK, cleared.Error)
	after := second.handle(ctx, protocol.Request{Action: "memory", Session: "s1"})
	assert.Empty(t, after.Messages)
	assert.Equal(t, 2, after.Memory.MessageCount)

	again := second.handle(ctx, protocol.Request{Action: "chat", Session: "s1", Text: "still there?"})
	require.True(t, again.OK, again.Error)
	history := second.handle(ctx, protocol.Request{Action: "history", Session: "s1"})
	require.Len(t, history.Messages, 4)
	assert.Equal(t, int64(3), history.Messages[2].Seq)

	unknown := second.handle(ctx, protocol.Request{Action: "memory", Session: "ghost"})
	assert.False(t, unknown.OK)

	ended := second.handle(ctx, protocol.Request{Action: "end", Session: "s1"})
	assert.True(t, ended.OK)
}

func TestHubFiltersBySession(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	t.Cleanup(hub.Close)
	feed := httptest.NewServer(hub)
	t.Cleanup(feed.Close)
	base := "ws" + strings.TrimPrefix(feed.URL, "http") + "/events"

	only, _, err := websocket.DefaultDialer.Dial(base+"?session=a", nil)
	require.NoError(t, err)
	defer only.Close()
	all, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer all.Close()
	require.Eventually(t, func() bool { return hub.Watchers() == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(protocol.Event{Kind: EventMessage, Session: "b", Text: "for b"})
	hub.Publish(protocol.Event{Kind: EventRegistryChanged, Version: 7})
	hub.Publish(protocol.Event{Kind: EventMessage, Session: "a", Text: "for a"})

	read := func(c *websocket.Conn) protocol.Event {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev protocol.Event
		require.NoError(t, c.ReadJSON(&ev))
		return ev
	}
	assert.Equal(t, uint64(7), read(only).Version)
	assert.Equal(t, "for a", read(only).Text)

	assert.Equal(t, "for b", read(all).Text)
	assert.Equal(t, EventRegistryChanged, read(all).Kind)
	assert.Equal(t, "for a", read(all).Text)
}
