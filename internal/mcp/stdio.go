package mcp

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/prbarcelon/mcporch/internal/config"
)

// newStdioAdapter runs the server as a child process bound to the adapter's
// lifetime. Cancelling a call kills the process; its exit (seen as EOF on
// stderr) marks the transport lost.
func newStdioAdapter(def config.MCPServer, log *zap.Logger) (Adapter, error) {
	if len(def.Command) == 0 {
		return nil, errors.New("no command configured for stdio server " + def.Name)
	}
	a := newRPCAdapter(config.TransportStdio, def, log)
	a.killOnAbort = true

	var tr *transport.Stdio
	a.build = func(life context.Context) (compatibleClient, error) {
		tr = transport.NewStdioWithOptions(def.Command[0], def.Env, def.Command[1:],
			transport.WithCommandFunc(func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(life, command, args...)
				cmd.Env = append(os.Environ(), env...)
				cmd.WaitDelay = 2 * time.Second
				return cmd, nil
			}))
		return mcpclient.NewClient(tr), nil
	}
	a.afterStart = func() {
		stderr := tr.Stderr()
		if stderr == nil {
			return
		}
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				a.log.Debug("stderr", zap.String("line", scanner.Text()))
			}
			a.markLost(ErrTransportLost)
		}()
	}
	return a, nil
}
