package mcp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

type Capabilities struct {
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	Tools           bool
	Partials        bool
}

type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Destructive bool
}

// Adapter speaks one transport to one tool server. Adapters carry no retry,
// backoff or approval policy.
type Adapter interface {
	Kind() config.TransportKind
	Connect(ctx context.Context) (Capabilities, error)
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, callID, name string, args map[string]any) *Stream
	// Done is closed once the transport is gone, for any reason.
	Done() <-chan struct{}
	Close() error
}

// AdapterFactory builds a fresh, unconnected adapter for a server definition.
type AdapterFactory func(def config.MCPServer, log *zap.Logger) (Adapter, error)

func NewAdapter(def config.MCPServer, log *zap.Logger) (Adapter, error) {
	switch def.Transport {
	case config.TransportStdio:
		return newStdioAdapter(def, log)
	case config.TransportHTTP:
		return newHTTPAdapter(def, log), nil
	case config.TransportSSE:
		return newSSEAdapter(def, log), nil
	case config.TransportStreamable:
		return newStreamableAdapter(def, log), nil
	default:
		return nil, fmt.Errorf("server %q: unsupported transport %q", def.Name, def.Transport)
	}
}
