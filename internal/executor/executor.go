package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/mcp"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// Catalog resolves exposed tool names. *mcp.Registry implements it.
type Catalog interface {
	Resolve(name string) (protocol.ToolDescriptor, *mcp.Connection, error)
}

// Recorder receives every finished call.
type Recorder interface {
	RecordCall(req protocol.ToolCallRequest, res protocol.ToolCallResult)
}

type Options struct {
	CallTimeout time.Duration
	// MaxAttempts counts invocations, the first one included.
	MaxAttempts int
	Backoff     Backoff
	Partials    string

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFrom maps the executor section of the configuration.
func OptionsFrom(cfg config.ExecutorConfig) Options {
	return Options{
		CallTimeout: cfg.CallTimeout.Duration,
		MaxAttempts: cfg.MaxAttempts,
		Backoff: Backoff{
			Initial:    cfg.BackoffInitial.Duration,
			Max:        cfg.BackoffMax.Duration,
			Multiplier: cfg.BackoffMultiplier,
		},
		Partials: cfg.PartialResults,
	}
}

type Executor struct {
	catalog   Catalog
	approvals *Broker
	rec       Recorder
	opts      Options
	schemas   *validator
	log       *zap.Logger
}

func New(catalog Catalog, approvals *Broker, rec Recorder, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Partials == "" {
		opts.Partials = config.PartialFinal
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	opts.Backoff = opts.Backoff.WithDefaults()
	return &Executor{
		catalog:   catalog,
		approvals: approvals,
		rec:       rec,
		opts:      opts,
		schemas:   newValidator(),
		log:       log,
	}
}

func (e *Executor) Approvals() *Broker { return e.approvals }

// Execute runs one tool call to completion. Every outcome, failures
// included, comes back as a result; nothing is returned as an error.
func (e *Executor) Execute(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	start := time.Now()
	res := e.execute(ctx, req)
	res.CallID = req.CallID
	res.Tool = req.Tool
	res.Duration = time.Since(start)
	res.At = time.Now().UTC()

	fields := []zap.Field{
		zap.String("call_id", res.CallID),
		zap.String("tool", res.Tool),
		zap.String("server", res.Server),
		zap.String("status", string(res.Status)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	if res.Status == protocol.StatusSuccess {
		e.log.Debug("tool call finished", fields...)
	} else {
		e.log.Info("tool call failed", append(fields, zap.String("error", res.Error))...)
	}
	if e.rec != nil {
		e.rec.RecordCall(req, res)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult {
	desc, conn, err := e.catalog.Resolve(req.Tool)
	if err != nil {
		return protocol.ToolCallResult{Status: protocol.StatusError, Error: err.Error()}
	}
	res := protocol.ToolCallResult{Server: desc.Server}

	if err := e.schemas.validate(desc.Name, desc.InputSchema, req.Arguments); err != nil {
		res.Status = protocol.StatusError
		res.Error = err.Error()
		return res
	}

	if desc.RequiresApproval {
		if e.approvals == nil {
			res.Status = protocol.StatusRejected
			res.Error = DeniedMessage + ": no approval channel"
			return res
		}
		err := e.approvals.Await(ctx, protocol.PendingApproval{
			CallID:    req.CallID,
			Session:   req.Session,
			Tool:      desc.Name,
			Server:    desc.Server,
			Arguments: req.Arguments,
		})
		var denied *ApprovalDenied
		switch {
		case errors.As(err, &denied):
			res.Status = protocol.StatusRejected
			res.Error = denied.Error()
			return res
		case err != nil:
			res.Status = protocol.StatusError
			res.Error = "approval cancelled: " + err.Error()
			return res
		}
	}

	delay := e.opts.Backoff.Initial
	var lastErr error
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, partials, err := e.attempt(ctx, conn, req.CallID, desc.Tool, req.Arguments)
		if e.opts.Partials == config.PartialForward {
			res.Partials = append(res.Partials, partials...)
		}
		if err == nil {
			res.Status = protocol.StatusSuccess
			res.Payload = payloadOf(out)
			return res
		}
		lastErr = err
		if !mcp.IsTransient(err) || attempt >= e.opts.MaxAttempts || ctx.Err() != nil {
			break
		}
		e.log.Debug("retrying tool call",
			zap.String("call_id", req.CallID),
			zap.String("tool", desc.Name),
			zap.Int("attempt", attempt),
			zap.Duration("next_delay", delay),
			zap.Error(err))
		if err := e.opts.Sleep(ctx, delay); err != nil {
			break
		}
		delay = e.opts.Backoff.Next(delay)
	}

	res.Status = protocol.StatusError
	if mcp.IsTimeout(lastErr) {
		res.Status = protocol.StatusTimeout
	}
	res.Error = lastErr.Error()
	return res
}

func (e *Executor) attempt(ctx context.Context, conn *mcp.Connection, callID, tool string, args map[string]any) (*mcp.Result, []string, error) {
	actx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	var partials []string
	for ev := range conn.Call(actx, callID, tool, args).Events() {
		switch ev.Kind {
		case mcp.EventPartial:
			partials = append(partials, ev.Text)
		case mcp.EventResult:
			return ev.Result, partials, nil
		case mcp.EventError:
			return nil, partials, ev.Err
		}
	}
	return nil, partials, mcp.ErrStreamClosed
}

func payloadOf(r *mcp.Result) json.RawMessage {
	if r == nil {
		return json.RawMessage("null")
	}
	if r.Structured != nil {
		if raw, ok := r.Structured.(json.RawMessage); ok && len(raw) > 0 {
			return raw
		}
		if data, err := json.Marshal(r.Structured); err == nil {
			return data
		}
	}
	data, _ := json.Marshal(r.Text)
	return data
}
