// Package agent drives conversations: it alternates model inference with
// tool execution until the model answers or the iteration cap is hit.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/llm"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// MaxIterationsMessage is appended as a system message when a turn runs
// out of round trips.
const MaxIterationsMessage = "max iterations reached"

// Catalog lists the tools offered to the model. *mcp.Registry implements it.
type Catalog interface {
	Tools() []protocol.ToolDescriptor
}

// Executor runs one tool call. *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult
}

type Options struct {
	MaxIterations  int
	MaxConcurrency int
}

func OptionsFrom(cfg config.LoopConfig) Options {
	return Options{MaxIterations: cfg.MaxIterations, MaxConcurrency: cfg.MaxConcurrency}
}

type Loop struct {
	catalog Catalog
	exec    Executor
	model   llm.Model
	opts    Options
	log     *zap.Logger
}

func New(catalog Catalog, exec Executor, model llm.Model, opts Options, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 8
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	return &Loop{catalog: catalog, exec: exec, model: model, opts: opts, log: log}
}

// TurnResult describes one completed user turn.
type TurnResult struct {
	Session    string                    `json:"session"`
	Text       string                    `json:"text"`
	Iterations int                       `json:"iterations"`
	Calls      []protocol.ToolCallResult `json:"calls,omitempty"`
	Capped     bool                      `json:"capped,omitempty"`
	Duration   time.Duration             `json:"duration"`
}

// RunTurn appends the user's text to the session and drives the model
// until it answers. Turns on the same session are serialized; cancelling
// ctx or ending the session aborts the turn, including approval waits.
func (l *Loop) RunTurn(ctx context.Context, s *Session, text string) (TurnResult, error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	start := time.Now()
	log := l.log.With(zap.String("session", s.id))
	res := TurnResult{Session: s.id}
	mem := s.mem
	mem.Append(ctx, protocol.Message{Role: protocol.RoleUser, Content: text})

	for res.Iterations < l.opts.MaxIterations {
		res.Iterations++
		reply, err := l.model.Infer(ctx, llm.Request{
			Purpose:  llm.PurposeChat,
			Messages: mem.Context(),
			Tools:    l.catalog.Tools(),
		})
		if err != nil {
			mem.Append(ctx, protocol.Message{Role: protocol.RoleSystem, Content: "model error: " + err.Error()})
			log.Warn("model inference failed", zap.Int("iteration", res.Iterations), zap.Error(err))
			res.Duration = time.Since(start)
			return res, fmt.Errorf("infer: %w", err)
		}
		if reply.Final() {
			mem.Append(ctx, protocol.Message{Role: protocol.RoleAssistant, Content: reply.Text})
			res.Text = reply.Text
			res.Duration = time.Since(start)
			log.Debug("turn finished", zap.Int("iterations", res.Iterations), zap.Int("calls", len(res.Calls)))
			return res, nil
		}

		calls := l.prepare(s.id, reply.ToolCalls)
		mem.Append(ctx, protocol.Message{Role: protocol.RoleAssistant, Content: reply.Text, ToolCalls: calls})
		results := l.dispatch(ctx, calls)
		for _, r := range results {
			for _, chunk := range r.Partials {
				mem.Append(ctx, protocol.Message{Role: protocol.RoleTool, CallID: r.CallID, Content: chunk})
			}
			mem.Append(ctx, protocol.Message{Role: protocol.RoleTool, CallID: r.CallID, Content: r.Content()})
		}
		res.Calls = append(res.Calls, results...)
	}

	mem.Append(ctx, protocol.Message{Role: protocol.RoleSystem, Content: MaxIterationsMessage})
	log.Warn("turn stopped at iteration cap", zap.Int("max_iterations", l.opts.MaxIterations))
	res.Text = MaxIterationsMessage
	res.Capped = true
	res.Duration = time.Since(start)
	return res, nil
}

// prepare gives every call a unique id and ties it to the session.
func (l *Loop) prepare(session string, calls []protocol.ToolCallRequest) []protocol.ToolCallRequest {
	out := make([]protocol.ToolCallRequest, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		if call.CallID == "" || seen[call.CallID] {
			call.CallID = uuid.NewString()
		}
		seen[call.CallID] = true
		call.Session = session
		out[i] = call
	}
	return out
}

// dispatch runs calls concurrently, at most MaxConcurrency at a time, and
// returns their results in request order.
func (l *Loop) dispatch(ctx context.Context, calls []protocol.ToolCallRequest) []protocol.ToolCallResult {
	results := make([]protocol.ToolCallResult, len(calls))
	var g errgroup.Group
	g.SetLimit(l.opts.MaxConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.exec.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
