package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/mark3labs/mcp-go/client/transport"
)

var (
	ErrStreamClosed     = errors.New("stream closed before terminal event")
	ErrStreamConsumed   = errors.New("stream already consumed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrTransportLost    = errors.New("transport lost")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrToolDisabled     = errors.New("tool disabled")
	ErrBudgetExhausted  = errors.New("connection retry budget exhausted")
)

// ConnectError means the handshake failed and the connection never became ready.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError is a transient failure (timeout, reset, lost process) and
// may be retried.
type TransportError struct {
	Server  string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("%s: transport: %v", e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallError is a failure the tool server reported or a response that could
// not be understood. It is never retried.
type CallError struct {
	Server string
	Tool   string
	Msg    string
	Err    error
}

func (e *CallError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s/%s: %s: %v", e.Server, e.Tool, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s/%s: %s", e.Server, e.Tool, e.Msg)
	default:
		return fmt.Sprintf("%s/%s: %v", e.Server, e.Tool, e.Err)
	}
}

func (e *CallError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

// healthFailure reports whether err says something about the connection
// rather than about the single call.
func healthFailure(err error) bool {
	return IsTransient(err) || errors.Is(err, ErrStreamClosed)
}

// classify maps an error from a call attempt onto the taxonomy above.
func classify(server, tool string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	var ce *CallError
	if errors.As(err, &te) || errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Server: server, Timeout: true, Err: err}
	case errors.Is(err, transport.ErrUnauthorized):
		return &CallError{Server: server, Tool: tool, Err: err}
	case errors.Is(err, context.Canceled),
		errors.Is(err, transport.ErrTransportClosed),
		errors.Is(err, ErrTransportLost),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return &TransportError{Server: server, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Server: server, Timeout: netErr.Timeout(), Err: err}
	}
	var rpcTransportErr *transport.Error
	if errors.As(err, &rpcTransportErr) {
		return &TransportError{Server: server, Err: err}
	}
	return &CallError{Server: server, Tool: tool, Err: err}
}
