// Package llm defines the reasoning-model contract and its implementations.
package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/executor"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// Purpose tells the model what a request is for.
type Purpose string

const (
	PurposeChat      Purpose = "chat"
	PurposeSummarize Purpose = "summarize"
)

type Request struct {
	Purpose  Purpose                   `json:"purpose"`
	Messages []protocol.Message        `json:"messages"`
	Tools    []protocol.ToolDescriptor `json:"tools,omitempty"`
}

// Response is either final text or a set of tool calls to run before the
// next inference.
type Response struct {
	Text      string                     `json:"text,omitempty"`
	ToolCalls []protocol.ToolCallRequest `json:"tool_calls,omitempty"`
}

func (r Response) Final() bool { return len(r.ToolCalls) == 0 }

// Model is one inference step.
type Model interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

// StatusError is a non-2xx answer from a model endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model endpoint returned %d: %s", e.Code, e.Body)
}

// Transient reports whether another attempt may succeed.
func (e *StatusError) Transient() bool {
	return e.Code == 429 || e.Code >= 500
}

var ErrEmptyResponse = errors.New("model returned neither text nor tool calls")

// New picks the HTTP model when an endpoint is configured and the offline
// echo model otherwise. Either way inference is bounded and retried.
func New(cfg config.ModelConfig, backoff executor.Backoff, log *zap.Logger) Model {
	var model Model = Echo{}
	if cfg.Endpoint != "" {
		model = NewHTTPModel(cfg)
	}
	return NewRetrying(model, cfg, backoff, log)
}
