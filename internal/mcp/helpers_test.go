package mcp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

const helperEnv = "MCPORCH_HELPER_SERVER"

// TestMain doubles as a stdio tool server when re-executed by the stdio
// adapter tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := server.ServeStdio(newCalcServer()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperServer(name string) config.MCPServer {
	return config.MCPServer{
		Name:      name,
		Transport: config.TransportStdio,
		Command:   []string{os.Args[0]},
		Env:       []string{helperEnv + "=1"},
	}
}

func newCalcServer() *server.MCPServer {
	s := server.NewMCPServer("calc", "1.0.0", server.WithToolCapabilities(true))

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

	s.AddTool(mcpproto.NewTool("progress",
		mcpproto.WithDescription("Reports one partial chunk before answering"),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		if req.Params.Meta != nil && req.Params.Meta.ProgressToken != nil {
			_ = server.ServerFromContext(ctx).SendNotificationToClient(ctx, "notifications/progress", map[string]any{
				"progressToken": req.Params.Meta.ProgressToken,
				"progress":      1,
				"total":         2,
				"message":       "halfway",
			})
		}
		time.Sleep(100 * time.Millisecond)
		return mcpproto.NewToolResultText("done"), nil
	})

	s.AddTool(mcpproto.NewTool("fail",
		mcpproto.WithDestructiveHintAnnotation(true),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return mcpproto.NewToolResultError("boom"), nil
	})

	s.AddTool(mcpproto.NewTool("slow"), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return mcpproto.NewToolResultText("late"), nil
		}
	})

	s.AddTool(mcpproto.NewTool("crash"), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		os.Exit(3)
		return nil, nil
	})
	return s
}

func collect(s *Stream) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func terminal(t *testing.T, s *Stream) Event {
	t.Helper()
	events := collect(s)
	if len(events) == 0 {
		t.Fatal("stream yielded no events")
	}
	return events[len(events)-1]
}

// fakeAdapter is an in-memory Adapter driven by the test.
type fakeAdapter struct {
	kind       config.TransportKind
	tools      []ToolSpec
	connectErr error
	call       func(ctx context.Context, name string, args map[string]any) (*Result, error)

	calls  atomic.Int32
	closes atomic.Int32
	done   chan struct{}
	once   sync.Once
}

func newFake(tools ...string) *fakeAdapter {
	f := &fakeAdapter{kind: config.TransportHTTP, done: make(chan struct{})}
	for _, name := range tools {
		f.tools = append(f.tools, ToolSpec{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	f.call = func(context.Context, string, map[string]any) (*Result, error) {
		return &Result{Text: "ok"}, nil
	}
	return f
}

func (f *fakeAdapter) Kind() config.TransportKind { return f.kind }

func (f *fakeAdapter) Connect(context.Context) (Capabilities, error) {
	if f.connectErr != nil {
		return Capabilities{}, f.connectErr
	}
	return Capabilities{ServerName: "fake", Tools: true}, nil
}

func (f *fakeAdapter) ListTools(context.Context) ([]ToolSpec, error) { return f.tools, nil }

func (f *fakeAdapter) CallTool(ctx context.Context, callID, name string, args map[string]any) *Stream {
	f.calls.Add(1)
	s, callCtx := newStream(ctx, callID)
	go func() {
		defer s.finish()
		res, err := f.call(callCtx, name, args)
		if err != nil {
			s.send(Event{Kind: EventError, Err: err})
			return
		}
		s.send(Event{Kind: EventResult, Result: res})
	}()
	return s
}

func (f *fakeAdapter) Done() <-chan struct{} { return f.done }

// drop simulates a lost transport.
func (f *fakeAdapter) drop() { f.once.Do(func() { close(f.done) }) }

func (f *fakeAdapter) Close() error {
	f.closes.Add(1)
	f.drop()
	return nil
}

// fakeFactory hands out adapters per server name, in order. The last one
// is reused once the list runs out.
type fakeFactory struct {
	mu    sync.Mutex
	byDef map[string][]*fakeAdapter
	built map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{byDef: map[string][]*fakeAdapter{}, built: map[string]int{}}
}

func (ff *fakeFactory) add(server string, fakes ...*fakeAdapter) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.byDef[server] = append(ff.byDef[server], fakes...)
}

func (ff *fakeFactory) build(def config.MCPServer, _ *zap.Logger) (Adapter, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	list := ff.byDef[def.Name]
	if len(list) == 0 {
		return nil, fmt.Errorf("no fake for %s", def.Name)
	}
	i := ff.built[def.Name]
	ff.built[def.Name]++
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i], nil
}
