package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// Options is the root command. The struct tags are read by
// github.com/jessevdk/go-flags.
type Options struct {
	Socket string `long:"socket" env:"MCPORCH_SOCKET" description:"daemon socket path"`
	JSON   bool   `long:"json" description:"print raw JSON responses"`

	Chat     ChatCmd     `command:"chat" description:"Send a user turn (interactive when no text is given)"`
	Approve  DecideCmd   `command:"approve" description:"Approve a pending tool call"`
	Deny     DecideCmd   `command:"deny" description:"Deny a pending tool call"`
	Pending  PendingCmd  `command:"pending" description:"List tool calls waiting for approval"`
	Servers  ServersCmd  `command:"servers" description:"List tool servers and their connection state"`
	Tools    ToolsCmd    `command:"tools" description:"List exposed tools"`
	Inspect  InspectCmd  `command:"inspect" description:"Describe a tool's parameters"`
	Call     CallCmd     `command:"call" description:"Call a tool directly"`
	Enable   ToggleCmd   `command:"enable" description:"Expose a tool to the model again"`
	Disable  ToggleCmd   `command:"disable" description:"Hide a tool from the model"`
	Approval ApprovalCmd `command:"approval" description:"Require (or stop requiring) approval for a tool"`
	History  HistoryCmd  `command:"history" description:"Show tool call history, or a session's messages"`
	Memory   SessionCmd  `command:"memory" description:"Show a session's summary state and effective context"`
	Clear    SessionCmd  `command:"clear" description:"Empty a session's context"`
	End      SessionCmd  `command:"end" description:"End a session, cancelling its pending approvals"`
	Sessions SimpleCmd   `command:"sessions" description:"List live sessions"`
	Status   SimpleCmd   `command:"status" description:"Show daemon status"`
	Reload   SimpleCmd   `command:"reload" description:"Reload the daemon configuration"`
	Validate ValidateCmd `command:"validate" description:"Validate a configuration file"`
	Add      AddCmd      `command:"add" description:"Add or replace a tool server"`
	Set      SetCmd      `command:"set" description:"Update a tool server setting"`
	Remove   RemoveCmd   `command:"remove" description:"Remove a tool server"`
	Watch    WatchCmd    `command:"watch" description:"Stream daemon events"`
	Script   ScriptCmd   `command:"script" description:"Print or install per-server shell wrappers"`

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newOptions(in io.Reader, out, errOut io.Writer) *Options {
	o := &Options{in: in, out: out, errOut: errOut}
	o.Chat.app = o
	o.Approve.app, o.Approve.approve = o, true
	o.Deny.app = o
	o.Pending.app = o
	o.Servers.app = o
	o.Tools.app = o
	o.Inspect.app = o
	o.Call.app = o
	o.Enable.app, o.Enable.action = o, "enable"
	o.Disable.app, o.Disable.action = o, "disable"
	o.Approval.app = o
	o.History.app = o
	o.Memory.app, o.Memory.action = o, "memory"
	o.Clear.app, o.Clear.action = o, "clear"
	o.End.app, o.End.action = o, "end"
	o.Sessions.app, o.Sessions.action = o, "sessions"
	o.Status.app, o.Status.action = o, "status"
	o.Reload.app, o.Reload.action = o, "reload"
	o.Validate.app = o
	o.Add.app = o
	o.Set.Auth.app = o
	o.Remove.app = o
	o.Watch.app = o
	o.Script.app = o
	return o
}

func (o *Options) socket() string {
	if o.Socket != "" {
		return o.Socket
	}
	return config.DefaultSocketPath()
}

// send performs req and prints the response.
func (o *Options) send(req protocol.Request, timeout time.Duration) error {
	resp, err := call(req, o.socket(), timeout)
	if err != nil {
		return err
	}
	if printResponse(o.out, o.errOut, resp, o.JSON) != 0 {
		return errFailed
	}
	return nil
}

type ChatCmd struct {
	Session string `short:"s" long:"session" description:"session id; a new session is started when empty"`
	Args    struct {
		Text []string `positional-arg-name:"text"`
	} `positional-args:"yes"`

	app *Options
}

func (c *ChatCmd) Execute(_ []string) error {
	if len(c.Args.Text) > 0 {
		resp, err := c.turn(strings.Join(c.Args.Text, " "))
		if err != nil {
			return err
		}
		if c.Session == "" && resp.Session != "" && !c.app.JSON {
			fmt.Fprintf(c.app.errOut, "(session %s)\n", resp.Session)
		}
		if !resp.OK {
			return errFailed
		}
		return nil
	}
	return c.repl()
}

func (c *ChatCmd) turn(text string) (*protocol.Response, error) {
	resp, err := call(protocol.Request{Action: "chat", Session: c.Session, Text: text}, c.app.socket(), 0)
	if err != nil {
		return nil, err
	}
	printResponse(c.app.out, c.app.errOut, resp, c.app.JSON)
	return resp, nil
}

// repl reads one turn per line until EOF, keeping the session id the
// daemon assigned to the first turn.
func (c *ChatCmd) repl() error {
	prompt := false
	if f, ok := c.app.in.(*os.File); ok {
		prompt = isTerminal(f)
	}
	scanner := bufio.NewScanner(c.app.in)
	for {
		if prompt {
			fmt.Fprint(c.app.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}
		resp, err := c.turn(text)
		if err != nil {
			return err
		}
		if c.Session == "" && resp.Session != "" {
			c.Session = resp.Session
			if prompt {
				fmt.Fprintf(c.app.errOut, "(session %s)\n", resp.Session)
			}
		}
	}
}

type DecideCmd struct {
	Reason string `short:"r" long:"reason" description:"reason recorded with the decision"`
	Args   struct {
		CallID string `positional-arg-name:"call-id" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app     *Options
	approve bool
}

func (c *DecideCmd) Execute(_ []string) error {
	action := "deny"
	if c.approve {
		action = "approve"
	}
	return c.app.send(protocol.Request{Action: action, CallID: c.Args.CallID, Reason: c.Reason}, requestTimeout)
}

type PendingCmd struct {
	Session string `short:"s" long:"session" description:"only calls of this session"`

	app *Options
}

func (c *PendingCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "pending", Session: c.Session}, requestTimeout)
}

type ServersCmd struct {
	app *Options
}

func (c *ServersCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "servers"}, requestTimeout)
}

type ToolsCmd struct {
	Server string `long:"server" description:"server name or alias"`
	Full   bool   `long:"full" description:"show full tool descriptions"`

	app *Options
}

func (c *ToolsCmd) Execute(_ []string) error {
	resp, err := call(protocol.Request{Action: "tools", Server: c.Server}, c.app.socket(), requestTimeout)
	if err != nil {
		return err
	}
	if c.app.JSON || !resp.OK || !c.Full {
		if printResponse(c.app.out, c.app.errOut, resp, c.app.JSON) != 0 {
			return errFailed
		}
		return nil
	}
	printToolsList(c.app.out, resp.Tools, true)
	return nil
}

// InspectCmd and the other per-tool commands take the exposed tool name,
// or the tool's own name together with --server.
type InspectCmd struct {
	Server string `long:"server" description:"server name or alias"`
	Args   struct {
		Tool string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app *Options
}

func (c *InspectCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "inspect", Server: c.Server, Tool: c.Args.Tool}, requestTimeout)
}

type ToggleCmd struct {
	Server string `long:"server" description:"server name or alias"`
	Args   struct {
		Tool string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app    *Options
	action string
}

func (c *ToggleCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: c.action, Server: c.Server, Tool: c.Args.Tool}, requestTimeout)
}

type ApprovalCmd struct {
	Server string `long:"server" description:"server name or alias"`
	Off    bool   `long:"off" description:"stop requiring approval"`
	Args   struct {
		Tool string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app *Options
}

func (c *ApprovalCmd) Execute(_ []string) error {
	required := !c.Off
	return c.app.send(protocol.Request{Action: "approval", Server: c.Server, Tool: c.Args.Tool, Enabled: &required}, requestTimeout)
}

// CallCmd takes tool arguments either as repeated --arg key=value or, after
// "--", as free-form --key value pairs.
type CallCmd struct {
	Session  string            `short:"s" long:"session" description:"session the call belongs to"`
	Arg      map[string]string `short:"a" long:"arg" key-value-delimiter:"=" description:"tool argument key=value (repeatable)"`
	Describe bool              `long:"describe" description:"show the tool's parameters instead of calling it"`
	Args     struct {
		Server string `positional-arg-name:"server" required:"yes"`
		Tool   string `positional-arg-name:"tool" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app *Options
}

func (c *CallCmd) Execute(rest []string) error {
	if c.Describe {
		return c.app.send(protocol.Request{Action: "inspect", Server: c.Args.Server, Tool: c.Args.Tool}, requestTimeout)
	}
	args := parseDynamicArgs(rest)
	for k, v := range c.Arg {
		args[k] = normalize(v)
	}

	detail, err := fetchToolDetail(c.Args.Server, c.Args.Tool, c.app.socket())
	if err == nil && detail != nil {
		var missing []string
		for _, p := range detail.Properties {
			if _, ok := args[p.Name]; p.Required && !ok {
				missing = append(missing, p.Name)
			}
		}
		if len(missing) > 0 {
			fmt.Fprintf(c.app.errOut, "missing required argument(s): --%s\n\n", strings.Join(missing, " --"))
			printCallHelpFromDetail(c.app.errOut, detail)
			return errFailed
		}
	}
	return c.app.send(protocol.Request{Action: "call", Server: c.Args.Server, Tool: c.Args.Tool, Session: c.Session, Args: args}, 0)
}

func fetchToolDetail(server, tool, socket string) (*protocol.ToolDetail, error) {
	resp, err := call(protocol.Request{Action: "inspect", Server: server, Tool: tool}, socket, requestTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}
	if resp.ToolDetail == nil {
		return nil, errors.New("tool details not available")
	}
	return resp.ToolDetail, nil
}

type HistoryCmd struct {
	Server  string `long:"server" description:"filter by server name"`
	Tool    string `long:"tool" description:"filter by tool name"`
	Session string `short:"s" long:"session" description:"show this session's messages instead of tool calls"`
	Limit   int    `short:"n" long:"limit" default:"50" description:"max entries to return (1-500)"`

	app *Options
}

func (c *HistoryCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "history", Server: c.Server, Tool: c.Tool, Session: c.Session, Limit: c.Limit}, requestTimeout)
}

type SessionCmd struct {
	Args struct {
		Session string `positional-arg-name:"session" required:"yes"`
	} `positional-args:"yes" required:"yes"`

	app    *Options
	action string
}

func (c *SessionCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: c.action, Session: c.Args.Session}, requestTimeout)
}

// SimpleCmd sends an action that takes no parameters.
type SimpleCmd struct {
	app    *Options
	action string
}

func (c *SimpleCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: c.action}, requestTimeout)
}

type ValidateCmd struct {
	Config string `short:"f" long:"config" description:"config path to validate (default: the daemon's config)"`

	app *Options
}

func (c *ValidateCmd) Execute(_ []string) error {
	path := c.Config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(c.app.out, "config is valid: %s\n", path)
	return nil
}

type AddCmd struct {
	Name      string            `short:"n" long:"name" required:"yes" description:"server name"`
	Alias     string            `long:"alias" description:"short alias"`
	URL       string            `long:"url" description:"server endpoint"`
	Transport string            `short:"t" long:"transport" choice:"http" choice:"sse" choice:"streamable-http" choice:"stdio" description:"transport; stdio is implied by --command"`
	Header    map[string]string `long:"header" key-value-delimiter:"=" description:"request header key=value (repeatable)"`
	Command   []string          `long:"command" description:"command and args for stdio transport (repeatable)"`
	Env       []string          `long:"env" description:"environment variable KEY=VALUE for stdio transport (repeatable)"`

	app *Options
}

func (c *AddCmd) Execute(_ []string) error {
	transport := c.Transport
	if transport == "" && len(c.Command) == 0 {
		transport = string(config.TransportHTTP)
	}
	return c.app.send(protocol.Request{
		Action:    "add_server",
		Name:      c.Name,
		Alias:     c.Alias,
		URL:       c.URL,
		Transport: transport,
		Headers:   c.Header,
		Command:   c.Command,
		Env:       c.Env,
	}, requestTimeout)
}

type SetCmd struct {
	Auth SetAuthCmd `command:"auth" description:"Merge request headers into a server definition"`
}

type SetAuthCmd struct {
	Server string            `long:"server" required:"yes" description:"server name"`
	Header map[string]string `long:"header" key-value-delimiter:"=" description:"request header key=value (repeatable)"`

	app *Options
}

func (c *SetAuthCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "set_auth", Name: c.Server, Headers: c.Header}, requestTimeout)
}

type RemoveCmd struct {
	Name string `short:"n" long:"name" required:"yes" description:"server name"`

	app *Options
}

func (c *RemoveCmd) Execute(_ []string) error {
	return c.app.send(protocol.Request{Action: "remove_server", Name: c.Name}, requestTimeout)
}

type ScriptCmd struct {
	Install bool   `long:"install" description:"install executable wrappers instead of printing a shell script"`
	Dir     string `long:"dir" description:"target directory for wrappers (default ~/.local/bin)"`

	app *Options
}

func (c *ScriptCmd) Execute(_ []string) error {
	resp, err := call(protocol.Request{Action: "servers"}, c.app.socket(), requestTimeout)
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if !c.Install {
		printAliasScript(c.app.out, resp.Servers)
		return nil
	}
	dir := c.Dir
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".local", "bin")
	}
	if err := installAliasScripts(dir, resp.Servers); err != nil {
		return err
	}
	fmt.Fprintf(c.app.out, "installed %d wrappers in %s\n", len(resp.Servers), dir)
	return nil
}
