package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

const binary = "mcporch"

// requestTimeout bounds quick control requests. Chat turns and tool calls
// may wait on a human approval, so they run without a deadline.
const requestTimeout = 70 * time.Second

// errFailed marks a request the daemon answered with ok=false; the error
// has already been printed.
var errFailed = errors.New("request failed")

func Run(binaryName string, argv []string) int {
	if binaryName == "" {
		binaryName = filepath.Base(os.Args[0])
	}
	opts := newOptions(os.Stdin, os.Stdout, os.Stderr)

	if binaryName != binary {
		if len(argv) < 1 {
			fmt.Fprintf(os.Stderr, "%s requires a tool name\n", binaryName)
			return 1
		}
		return exitCode(opts.send(protocol.Request{
			Action: "call",
			Server: binaryName,
			Tool:   argv[0],
			Args:   parseDynamicArgs(argv[1:]),
		}, 0))
	}

	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = binary

	// "<server-alias> <tool> [--arg value]" is shorthand for call.
	if len(argv) > 1 && !strings.HasPrefix(argv[0], "-") && parser.Find(argv[0]) == nil {
		return exitCode(opts.send(protocol.Request{
			Action: "call",
			Server: argv[0],
			Tool:   argv[1],
			Args:   parseDynamicArgs(argv[2:]),
		}, 0))
	}

	if _, err := parser.ParseArgs(argv); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return 0
		}
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
	return 0
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if !errors.Is(err, errFailed) {
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}

func parseDynamicArgs(args []string) map[string]interface{} {
	out := map[string]interface{}{}
	for i := 0; i < len(args); i++ {
		item := args[i]
		if !strings.HasPrefix(item, "--") {
			continue
		}
		key := strings.TrimPrefix(item, "--")
		if strings.Contains(key, "=") {
			parts := strings.SplitN(key, "=", 2)
			out[parts[0]] = normalize(parts[1])
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			out[key] = normalize(args[i+1])
			i++
			continue
		}
		out[key] = true
	}
	return out
}

func normalize(v string) interface{} {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return v
}

// call sends one request over the daemon socket. A zero timeout waits for
// as long as the daemon takes.
func call(req protocol.Request, socketPath string, timeout time.Duration) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 4*time.Second)
	if err != nil {
		fallback := fallbackSocketPath(socketPath)
		if fallback != "" && fallback != socketPath {
			conn, err = net.DialTimeout("unix", fallback, 4*time.Second)
		}
	}
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := dec.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func fallbackSocketPath(requested string) string {
	if strings.TrimSpace(requested) != strings.TrimSpace(config.DefaultSocketPath()) {
		return ""
	}
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil || cfg == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Server.SocketPath)
}

func printResponse(w, errW io.Writer, resp *protocol.Response, jsonOut bool) int {
	if resp == nil {
		fmt.Fprintln(errW, "empty response")
		return 1
	}
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		if !resp.OK {
			return 1
		}
		return 0
	}

	// A failed call or turn still carries output worth showing.
	if !resp.OK && resp.Result == nil && resp.Session == "" {
		fmt.Fprintln(errW, resp.Error)
		return 1
	}
	if resp.Text != "" {
		fmt.Fprintln(w, resp.Text)
	}
	if resp.Capped {
		fmt.Fprintf(w, "(stopped after %d iterations)\n", resp.Iterations)
	}
	for _, c := range resp.Calls {
		fmt.Fprintf(w, "  [%s] %s/%s %s (%d attempt(s), %s)\n", c.CallID, c.Server, c.Tool, c.Status, c.Attempts, c.Duration.Round(time.Millisecond))
	}
	if resp.Status != nil {
		st := resp.Status
		fmt.Fprintf(w, "uptime=%ds servers=%d tools=%d sessions=%d pending=%d registry_version=%d\n",
			st.UptimeSec, st.ServerCount, st.ToolCount, st.Sessions, st.PendingApproval, st.RegistryVersion)
		if st.SinkDropped > 0 {
			fmt.Fprintf(w, "dropped persistence events=%d\n", st.SinkDropped)
		}
	}
	for _, s := range resp.Servers {
		if s.Transport == string(config.TransportStdio) {
			fmt.Fprintf(w, "%s (%s) %s [%s]\n", s.Name, s.Transport, strings.Join(s.Command, " "), s.State)
		} else {
			fmt.Fprintf(w, "%s (%s) %s [%s]\n", s.Name, s.Transport, s.URL, s.State)
		}
		if s.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", s.Error)
		}
	}
	for _, h := range resp.History {
		fmt.Fprintf(w, "%s %s/%s %s (%dms, %d attempt(s))\n", h.At.Format(time.RFC3339), h.Server, h.Tool, h.Status, h.DurationMs, h.Attempts)
		if h.Status != protocol.StatusSuccess && h.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", h.Error)
		}
		if len(h.Args) > 0 {
			data, _ := json.Marshal(h.Args)
			fmt.Fprintf(w, "  args: %s\n", string(data))
		}
	}
	if len(resp.Tools) > 0 {
		printToolsList(w, resp.Tools, false)
	}
	for _, c := range resp.Collisions {
		fmt.Fprintf(w, "collision: %s on %s exposed as %s (%s keeps the bare name)\n", c.Tool, c.Server, c.ExposedAs, c.Winner)
	}
	if resp.ToolDetail != nil {
		printCallHelpFromDetail(w, resp.ToolDetail)
	}
	for _, p := range resp.Pending {
		data, _ := json.Marshal(p.Arguments)
		fmt.Fprintf(w, "%s %s/%s session=%s args=%s waiting since %s\n", p.CallID, p.Server, p.Tool, p.Session, string(data), p.RequestedAt.Format(time.RFC3339))
	}
	if resp.Memory != nil {
		printMemory(w, resp.Memory)
	}
	for _, m := range resp.Messages {
		printMessage(w, m)
	}
	if resp.Result != nil {
		r := resp.Result
		for _, chunk := range r.Partials {
			fmt.Fprintf(w, "... %s\n", chunk)
		}
		if r.Status == protocol.StatusSuccess {
			fmt.Fprintln(w, r.Content())
		}
	}
	if !resp.OK {
		fmt.Fprintln(errW, resp.Error)
		return 1
	}
	return 0
}

func printMessage(w io.Writer, m protocol.Message) {
	prefix := fmt.Sprintf("%4d %-9s", m.Seq, m.Role)
	if m.CallID != "" {
		prefix += " [" + m.CallID + "]"
	}
	if m.Content != "" {
		fmt.Fprintf(w, "%s %s\n", prefix, m.Content)
	} else if len(m.ToolCalls) == 0 {
		fmt.Fprintln(w, prefix)
	}
	for _, c := range m.ToolCalls {
		data, _ := json.Marshal(c.Arguments)
		fmt.Fprintf(w, "%s calls %s(%s) [%s]\n", prefix, c.Tool, string(data), c.CallID)
	}
}

func printMemory(w io.Writer, m *protocol.MemoryInfo) {
	fmt.Fprintf(w, "session=%s messages=%d context=%d/%d %s summaries=%d truncations=%d\n",
		m.Session, m.MessageCount, m.ContextSize, m.Threshold, m.Unit, m.SummaryCount, m.Truncations)
	if m.ActiveSummary != nil {
		s := m.ActiveSummary
		fmt.Fprintf(w, "active summary #%d covers %d..%d:\n", s.ID, s.Covers.From, s.Covers.To)
		printIndentedBlock(w, normalizeMultiline(s.Text), "  ")
	}
}

func printCallHelpFromDetail(w io.Writer, d *protocol.ToolDetail) {
	if d == nil {
		return
	}
	fmt.Fprintf(w, "server: %s\n", d.Server)
	fmt.Fprintf(w, "tool:   %s\n", d.Name)
	if d.Description != "" {
		fmt.Fprintln(w, "\ndescription:")
		printIndentedBlock(w, normalizeMultiline(d.Description), "  ")
	}
	if len(d.Properties) > 0 {
		fmt.Fprintln(w, "\nparameters:")
		for _, p := range d.Properties {
			req := ""
			if p.Required {
				req = " (required)"
			}
			typ := p.Type
			if typ == "" {
				typ = "any"
			}
			if len(p.Enum) > 0 {
				typ += " enum(" + strings.Join(p.Enum, "|") + ")"
			}
			if p.Const != "" {
				typ += " const(" + p.Const + ")"
			}
			if p.Description != "" {
				descLines := splitNonEmptyLines(p.Description)
				first := ""
				if len(descLines) > 0 {
					first = descLines[0]
				}
				fmt.Fprintf(w, "  --%-20s %s%s: %s\n", p.Name, typ, req, first)
				for _, line := range descLines[1:] {
					fmt.Fprintf(w, "  %-20s   %s\n", "", line)
				}
			} else {
				fmt.Fprintf(w, "  --%-20s %s%s\n", p.Name, typ, req)
			}
		}
	}
}

func printIndentedBlock(w io.Writer, text string, indent string) {
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			fmt.Fprintln(w)
			continue
		}
		fmt.Fprintf(w, "%s%s\n", indent, line)
	}
}

func splitNonEmptyLines(text string) []string {
	normalized := normalizeMultiline(text)
	if normalized == "" {
		return nil
	}
	parts := strings.Split(normalized, "\n")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// requiredOf reads the "required" list of a JSON schema.
func requiredOf(schema map[string]any) []string {
	var out []string
	switch list := schema["required"].(type) {
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	}
	return out
}

func propertiesOf(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	out := make([]string, 0, len(props))
	for name := range props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func toolFlags(item protocol.ToolDescriptor) string {
	var marks []string
	if !item.Enabled {
		marks = append(marks, "disabled")
	}
	if item.RequiresApproval {
		marks = append(marks, "approval")
	}
	if len(marks) == 0 {
		return ""
	}
	return "[" + strings.Join(marks, ",") + "] "
}

func printToolsList(w io.Writer, items []protocol.ToolDescriptor, full bool) {
	if len(items) == 0 {
		return
	}

	singleServer := true
	firstServer := items[0].Server
	for _, item := range items[1:] {
		if item.Server != firstServer {
			singleServer = false
			break
		}
	}

	if full {
		for i, item := range items {
			name := item.Name
			if !singleServer {
				name = item.Server + "/" + item.Name
			}
			fmt.Fprintln(w, toolFlags(item)+name)
			if required := requiredOf(item.InputSchema); len(required) > 0 {
				fmt.Fprintf(w, "  required: %s\n", strings.Join(required, ", "))
			}
			if props := propertiesOf(item.InputSchema); len(props) > 0 {
				fmt.Fprintf(w, "  parameters: %s\n", strings.Join(props, ", "))
			}
			detail := normalizeMultiline(item.Description)
			if detail != "" {
				fmt.Fprintln(w, "  description:")
				for _, line := range strings.Split(detail, "\n") {
					fmt.Fprintf(w, "    %s\n", line)
				}
			}
			if i < len(items)-1 {
				fmt.Fprintln(w)
			}
		}
		return
	}

	for _, item := range items {
		name := item.Name
		if !singleServer {
			name = item.Server + "/" + item.Name
		}
		summary := toolFlags(item) + summarizeDescription(item.Description)
		if required := requiredOf(item.InputSchema); len(required) > 0 {
			if summary != "" && !strings.HasSuffix(summary, " ") {
				summary += " "
			}
			summary += "required: " + strings.Join(required, ",")
		}
		summary = strings.TrimSpace(summary)
		if summary != "" {
			fmt.Fprintf(w, "%-30s  %s\n", name, summary)
		} else {
			fmt.Fprintf(w, "%s\n", name)
		}
	}
}

func summarizeDescription(input string) string {
	text := normalizeMultiline(input)
	if text == "" {
		return ""
	}
	firstLine := ""
	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if candidate == "" {
			continue
		}
		if strings.HasPrefix(candidate, "<example") || strings.HasPrefix(candidate, "</example") {
			continue
		}
		if strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[") {
			continue
		}
		candidate = strings.TrimSpace(strings.TrimLeft(candidate, "#"))
		if candidate == "" {
			continue
		}
		firstLine = candidate
		break
	}
	if firstLine == "" {
		return ""
	}
	if idx := strings.Index(firstLine, ". "); idx > 0 {
		firstLine = firstLine[:idx+1]
	}
	if len(firstLine) > 100 {
		firstLine = firstLine[:97] + "..."
	}
	return firstLine
}

func normalizeMultiline(input string) string {
	if input == "" {
		return ""
	}
	rawLines := strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(rawLines))
	blank := false
	for _, line := range rawLines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
			lines = append(lines, "")
			continue
		}
		blank = false
		lines = append(lines, trimmed)
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func printAliasScript(w io.Writer, items []protocol.ServerInfo) {
	fmt.Fprintln(w, "# source this in your shell")
	for _, item := range items {
		name := item.Alias
		if name == "" {
			name = item.Name
		}
		if name == "" {
			continue
		}
		fmt.Fprintf(w, "%s() {\n", name)
		fmt.Fprintf(w, "  if [ $# -lt 1 ]; then %s tools --server %s; return 1; fi\n", binary, shellQuote(item.Name))
		fmt.Fprintf(w, "  %s call %s \"$1\" -- \"${@:2}\"\n", binary, shellQuote(item.Name))
		fmt.Fprintf(w, "}\n\n")
	}
}

func installAliasScripts(dir string, items []protocol.ServerInfo) error {
	if dir == "" {
		return errors.New("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, item := range items {
		name := item.Alias
		if name == "" {
			name = item.Name
		}
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name)
		content := "#!/usr/bin/env bash\n" +
			"set -euo pipefail\n" +
			"if [ $# -lt 1 ]; then\n" +
			"  " + binary + " tools --server " + shellQuote(item.Name) + "\n" +
			"  exit 1\n" +
			"fi\n" +
			"tool=$1\n" +
			"shift\n" +
			"exec " + binary + " call " + shellQuote(item.Name) + " \"$tool\" -- \"$@\"\n"
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
