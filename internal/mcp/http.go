package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

const sessionHeader = "Mcp-Session-Id"

// httpAdapter talks to plain request/response tool servers:
//
//	GET  {base}/tools         -> {"tools": [...]} or [...]
//	POST {base}/tools/{name}  -> {"success": bool, "result": any, "error": string}
//
// Servers without the REST routes are reached with JSON-RPC tools/list and
// tools/call posted to the base URL.
type httpAdapter struct {
	server  string
	base    string
	headers map[string]string
	client  *http.Client
	log     *zap.Logger

	rpc       atomic.Bool
	rpcID     atomic.Int64
	mu        sync.Mutex
	sessionID string

	done      chan struct{}
	closeOnce sync.Once
}

func newHTTPAdapter(def config.MCPServer, log *zap.Logger) *httpAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &httpAdapter{
		server:  def.Name,
		base:    strings.TrimRight(def.URL, "/"),
		headers: copyHeaders(def.Headers),
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		log:     log.With(zap.String("server", def.Name), zap.String("transport", string(config.TransportHTTP))),
		done:    make(chan struct{}),
	}
}

func (a *httpAdapter) Kind() config.TransportKind { return config.TransportHTTP }

func (a *httpAdapter) Done() <-chan struct{} { return a.done }

func (a *httpAdapter) Connect(ctx context.Context) (Capabilities, error) {
	if _, err := url.ParseRequestURI(a.base); err != nil {
		return Capabilities{}, &ConnectError{Server: a.server, Err: err}
	}
	if _, err := a.ListTools(ctx); err != nil {
		return Capabilities{}, &ConnectError{Server: a.server, Err: err}
	}
	return Capabilities{ServerName: a.server, Tools: true}, nil
}

type restTool struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"inputSchema"`
	InputSchemaSnake json.RawMessage `json:"input_schema"`
	Parameters       json.RawMessage `json:"parameters"`
}

func (t restTool) spec() ToolSpec {
	schema := map[string]any{}
	for _, raw := range []json.RawMessage{t.InputSchema, t.InputSchemaSnake, t.Parameters} {
		if len(raw) > 0 && json.Unmarshal(raw, &schema) == nil {
			break
		}
	}
	if len(schema) == 0 {
		schema = map[string]any{"type": "object"}
	}
	return ToolSpec{Name: t.Name, Description: t.Description, InputSchema: schema}
}

func (a *httpAdapter) ListTools(ctx context.Context) ([]ToolSpec, error) {
	if a.rpc.Load() {
		return a.rpcListTools(ctx)
	}
	status, body, err := a.do(ctx, http.MethodGet, a.base+"/tools", nil)
	if err != nil {
		return nil, classify(a.server, "", err)
	}
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		a.rpc.Store(true)
		return a.rpcListTools(ctx)
	}
	if status/100 != 2 {
		return nil, &CallError{Server: a.server, Msg: fmt.Sprintf("list tools: http %d", status)}
	}

	var wrapped struct {
		Tools []restTool `json:"tools"`
	}
	var tools []restTool
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Tools != nil {
		tools = wrapped.Tools
	} else if err := json.Unmarshal(body, &tools); err != nil {
		return nil, &CallError{Server: a.server, Msg: "list tools: malformed body", Err: err}
	}
	out := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		out = append(out, t.spec())
	}
	return out, nil
}

func (a *httpAdapter) CallTool(ctx context.Context, callID, name string, args map[string]any) *Stream {
	select {
	case <-a.done:
		return failedStream(callID, &TransportError{Server: a.server, Err: ErrConnectionClosed})
	default:
	}
	stream, callCtx := newStream(ctx, callID)
	go func() {
		defer stream.finish()
		var res *Result
		var err error
		if a.rpc.Load() {
			res, err = a.rpcCall(callCtx, callID, name, args)
		} else {
			res, err = a.restCall(callCtx, name, args)
		}
		if err != nil {
			if cause := context.Cause(callCtx); cause != nil && callCtx.Err() != nil {
				err = cause
			}
			stream.send(Event{Kind: EventError, Err: classify(a.server, name, err)})
			return
		}
		stream.send(Event{Kind: EventResult, Result: res})
	}()
	return stream
}

func (a *httpAdapter) restCall(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"tool":      name,
		"arguments": args,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, &CallError{Server: a.server, Tool: name, Msg: "encode arguments", Err: err}
	}
	status, body, err := a.do(ctx, http.MethodPost, a.base+"/tools/"+url.PathEscape(name), payload)
	if err != nil {
		return nil, err
	}
	// A missing route only sends this call over JSON-RPC. The adapter mode
	// is settled by ListTools, so other tools keep using REST.
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		a.log.Debug("rest route missing, trying json-rpc", zap.String("tool", name), zap.Int("status", status))
		return a.rpcCall(ctx, "", name, args)
	}
	if status/100 != 2 {
		return nil, &CallError{Server: a.server, Tool: name, Msg: fmt.Sprintf("http %d: %s", status, truncate(string(body), 200))}
	}

	var reply struct {
		Success *bool           `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, &CallError{Server: a.server, Tool: name, Msg: "malformed body", Err: err}
	}
	if reply.Success == nil {
		return nil, &CallError{Server: a.server, Tool: name, Msg: "malformed body: missing success"}
	}
	if !*reply.Success {
		return nil, &CallError{Server: a.server, Tool: name, Msg: reply.Error}
	}
	return &Result{Text: rawText(reply.Result), Structured: reply.Result}, nil
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *httpAdapter) rpcRequest(ctx context.Context, tool, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      a.rpcID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, &CallError{Server: a.server, Tool: tool, Msg: "encode request", Err: err}
	}
	status, body, err := a.do(ctx, http.MethodPost, a.base, payload)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, &CallError{Server: a.server, Tool: tool, Msg: fmt.Sprintf("%s: http %d", method, status)}
	}
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &CallError{Server: a.server, Tool: tool, Msg: "malformed json-rpc body", Err: err}
	}
	if env.Error != nil {
		return nil, &CallError{Server: a.server, Tool: tool, Msg: fmt.Sprintf("json-rpc %d: %s", env.Error.Code, env.Error.Message)}
	}
	return env.Result, nil
}

func (a *httpAdapter) rpcListTools(ctx context.Context) ([]ToolSpec, error) {
	raw, err := a.rpcRequest(ctx, "", "tools/list", map[string]any{})
	if err != nil {
		return nil, classify(a.server, "", err)
	}
	var list struct {
		Tools []restTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &CallError{Server: a.server, Msg: "malformed tools/list result", Err: err}
	}
	out := make([]ToolSpec, 0, len(list.Tools))
	for _, t := range list.Tools {
		out = append(out, t.spec())
	}
	return out, nil
}

func (a *httpAdapter) rpcCall(ctx context.Context, callID, name string, args map[string]any) (*Result, error) {
	params := map[string]any{"name": name, "arguments": args}
	if callID != "" {
		params["_meta"] = map[string]any{"progressToken": callID}
	}
	raw, err := a.rpcRequest(ctx, name, "tools/call", params)
	if err != nil {
		return nil, err
	}
	res, err := mcpproto.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &CallError{Server: a.server, Tool: name, Msg: "malformed tools/call result", Err: err}
	}
	text := resultText(res)
	if res.IsError {
		return nil, &CallError{Server: a.server, Tool: name, Msg: text}
	}
	return &Result{Text: text, Structured: res.StructuredContent}, nil
}

func (a *httpAdapter) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	a.mu.Lock()
	if a.sessionID != "" {
		req.Header.Set(sessionHeader, a.sessionID)
	}
	a.mu.Unlock()

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	if id := resp.Header.Get(sessionHeader); id != "" {
		a.mu.Lock()
		a.sessionID = id
		a.mu.Unlock()
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (a *httpAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.client.CloseIdleConnections()
	})
	return nil
}

// rawText renders a JSON result the way the model sees it: strings unquoted,
// everything else as compact JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
