package mcp

import (
	"context"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

func newSSEAdapter(def config.MCPServer, log *zap.Logger) Adapter {
	a := newRPCAdapter(config.TransportSSE, def, log)
	a.lostIsStreamClosed = true
	a.partials = true
	a.build = func(context.Context) (compatibleClient, error) {
		opts := []transport.ClientOption{}
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(copyHeaders(def.Headers)))
		}
		return mcpclient.NewSSEMCPClient(def.URL, opts...)
	}
	return a
}

func newStreamableAdapter(def config.MCPServer, log *zap.Logger) Adapter {
	a := newRPCAdapter(config.TransportStreamable, def, log)
	a.lostIsStreamClosed = true
	a.partials = true
	a.build = func(context.Context) (compatibleClient, error) {
		opts := []transport.StreamableHTTPCOption{}
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(copyHeaders(def.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(def.URL, opts...)
	}
	return a
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
