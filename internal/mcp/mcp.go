package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

const clientName = "mcporchd"

type compatibleClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	OnNotification(handler func(notification mcpproto.JSONRPCNotification))
	OnConnectionLost(handler func(error))
	Close() error
}

// rpcAdapter drives an MCP JSON-RPC client over stdio, SSE or streamable
// HTTP. Each call is tagged with its call id as progress token so that
// notifications can be routed to the right stream.
type rpcAdapter struct {
	kind   config.TransportKind
	server string
	log    *zap.Logger

	// build creates the client; life bounds the transport (process, stream).
	build func(life context.Context) (compatibleClient, error)
	// afterStart runs once the client is started.
	afterStart func()
	// killOnAbort tears the transport down when a call is cancelled.
	killOnAbort bool
	// lostIsStreamClosed reports in-flight calls of a lost transport as
	// ErrStreamClosed call errors instead of transient errors.
	lostIsStreamClosed bool
	partials           bool

	mu       sync.Mutex
	cli      compatibleClient
	stopLife context.CancelFunc
	inflight map[string]*Stream
	lost     chan struct{}
	lostOnce sync.Once
}

func newRPCAdapter(kind config.TransportKind, def config.MCPServer, log *zap.Logger) *rpcAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &rpcAdapter{
		kind:     kind,
		server:   def.Name,
		log:      log.With(zap.String("server", def.Name), zap.String("transport", string(kind))),
		inflight: map[string]*Stream{},
		lost:     make(chan struct{}),
	}
}

func (a *rpcAdapter) Kind() config.TransportKind { return a.kind }

func (a *rpcAdapter) Done() <-chan struct{} { return a.lost }

func (a *rpcAdapter) Connect(ctx context.Context) (Capabilities, error) {
	life, stop := context.WithCancel(context.Background())
	cli, err := a.build(life)
	if err != nil {
		stop()
		return Capabilities{}, &ConnectError{Server: a.server, Err: err}
	}
	cli.OnNotification(a.route)
	cli.OnConnectionLost(func(err error) {
		a.markLost(fmt.Errorf("%w: %v", ErrTransportLost, err))
	})

	a.mu.Lock()
	a.cli = cli
	a.stopLife = stop
	a.mu.Unlock()

	// the handshake is bounded by ctx, the transport outlives it
	detach := context.AfterFunc(ctx, stop)
	fail := func(err error) (Capabilities, error) {
		detach()
		_ = a.Close()
		return Capabilities{}, &ConnectError{Server: a.server, Err: err}
	}

	if err := cli.Start(life); err != nil {
		return fail(err)
	}
	if a.afterStart != nil {
		a.afterStart()
	}
	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: clientName, Version: "dev"}
	res, err := cli.Initialize(ctx, initReq)
	if err != nil {
		return fail(err)
	}
	if !detach() {
		return fail(ctx.Err())
	}

	return Capabilities{
		ServerName:      res.ServerInfo.Name,
		ServerVersion:   res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		Tools:           res.Capabilities.Tools != nil,
		Partials:        a.partials,
	}, nil
}

func (a *rpcAdapter) client() (compatibleClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.lost:
		return nil, ErrTransportLost
	default:
	}
	if a.cli == nil {
		return nil, errors.New("not connected")
	}
	return a.cli, nil
}

func (a *rpcAdapter) ListTools(ctx context.Context) ([]ToolSpec, error) {
	cli, err := a.client()
	if err != nil {
		return nil, classify(a.server, "", err)
	}
	list, err := cli.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		return nil, classify(a.server, "", err)
	}
	out := make([]ToolSpec, 0, len(list.Tools))
	for _, t := range list.Tools {
		out = append(out, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOf(t),
			Destructive: t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint,
		})
	}
	return out, nil
}

func (a *rpcAdapter) CallTool(ctx context.Context, callID, name string, args map[string]any) *Stream {
	cli, err := a.client()
	if err != nil {
		return failedStream(callID, a.lostError(name, err))
	}
	stream, callCtx := newStream(ctx, callID)

	a.mu.Lock()
	a.inflight[callID] = stream
	a.mu.Unlock()

	go func() {
		defer stream.finish()
		defer a.forget(callID, stream)

		req := mcpproto.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		req.Params.Meta = &mcpproto.Meta{ProgressToken: callID}

		res, err := cli.CallTool(callCtx, req)
		if err != nil {
			cause := context.Cause(callCtx)
			switch {
			case errors.Is(cause, ErrTransportLost):
				err = a.lostError(name, cause)
			case callCtx.Err() != nil:
				if cause != nil {
					err = cause
				}
				if a.killOnAbort {
					a.log.Warn("call aborted, stopping transport", zap.String("tool", name), zap.String("call_id", callID), zap.Error(err))
					a.kill()
				}
				err = classify(a.server, name, err)
			default:
				err = classify(a.server, name, err)
			}
			stream.send(Event{Kind: EventError, Err: err})
			return
		}

		text := resultText(res)
		if res.IsError {
			stream.send(Event{Kind: EventError, Err: &CallError{Server: a.server, Tool: name, Msg: text}})
			return
		}
		stream.send(Event{Kind: EventResult, Result: &Result{Text: text, Structured: res.StructuredContent}})
	}()
	return stream
}

func (a *rpcAdapter) lostError(tool string, err error) error {
	if a.lostIsStreamClosed {
		return &CallError{Server: a.server, Tool: tool, Msg: "stream lost", Err: fmt.Errorf("%w: %v", ErrStreamClosed, err)}
	}
	return &TransportError{Server: a.server, Err: err}
}

// forget drops stream unless a retry under the same call id replaced it.
func (a *rpcAdapter) forget(callID string, stream *Stream) {
	a.mu.Lock()
	if a.inflight[callID] == stream {
		delete(a.inflight, callID)
	}
	a.mu.Unlock()
}

// route forwards progress notifications to the stream of the call whose
// progress token they carry.
func (a *rpcAdapter) route(n mcpproto.JSONRPCNotification) {
	if n.Method != "notifications/progress" {
		return
	}
	fields := n.Params.AdditionalFields
	token := fmt.Sprint(fields["progressToken"])
	a.mu.Lock()
	stream := a.inflight[token]
	a.mu.Unlock()
	if stream == nil {
		return
	}
	ev := Event{Kind: EventProgress, Progress: toFloat(fields["progress"]), Total: toFloat(fields["total"])}
	if msg, _ := fields["message"].(string); msg != "" {
		ev.Kind = EventPartial
		ev.Text = msg
	}
	if !stream.trySend(ev) {
		a.log.Warn("dropping progress event", zap.String("call_id", token))
	}
}

func (a *rpcAdapter) markLost(err error) {
	a.lostOnce.Do(func() {
		a.log.Debug("transport lost", zap.Error(err))
		close(a.lost)
		a.mu.Lock()
		streams := make([]*Stream, 0, len(a.inflight))
		for _, s := range a.inflight {
			streams = append(streams, s)
		}
		a.mu.Unlock()
		for _, s := range streams {
			s.abort(err)
		}
	})
}

func (a *rpcAdapter) kill() {
	a.mu.Lock()
	stop := a.stopLife
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *rpcAdapter) Close() error {
	a.mu.Lock()
	cli := a.cli
	stop := a.stopLife
	a.cli = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if cli != nil {
		err = cli.Close()
	}
	a.markLost(ErrConnectionClosed)
	return err
}

func schemaOf(t mcpproto.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
		raw = data
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func resultText(res *mcpproto.CallToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if text := mcpproto.GetTextFromContent(c); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
