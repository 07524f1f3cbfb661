package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/prbarcelon/mcporch/internal/protocol"
)

// Echo is the offline model used when no endpoint is configured. It echoes
// user text, turns "/call tool {json}" into a tool call and reports tool
// results back as the final answer.
type Echo struct{}

func (Echo) Infer(_ context.Context, req Request) (Response, error) {
	if req.Purpose == PurposeSummarize {
		return Response{Text: echoSummary(req.Messages)}, nil
	}

	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == protocol.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return Response{Text: "Nothing to answer yet."}, nil
	}

	names := map[string]string{}
	var results []string
	for _, msg := range req.Messages[last+1:] {
		for _, call := range msg.ToolCalls {
			names[call.CallID] = call.Tool
		}
		if msg.Role == protocol.RoleTool {
			results = append(results, fmt.Sprintf("%s returned %s", names[msg.CallID], msg.Content))
		}
	}
	if len(results) > 0 {
		return Response{Text: strings.Join(results, "; ")}, nil
	}

	text := strings.TrimSpace(req.Messages[last].Content)
	if rest, ok := strings.CutPrefix(text, "/call "); ok {
		tool, raw, _ := strings.Cut(strings.TrimSpace(rest), " ")
		args := map[string]any{}
		if raw = strings.TrimSpace(raw); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return Response{Text: fmt.Sprintf("cannot parse arguments for %s: %v", tool, err)}, nil
			}
		}
		return Response{ToolCalls: []protocol.ToolCallRequest{{CallID: uuid.NewString(), Tool: tool, Arguments: args}}}, nil
	}
	return Response{Text: "You said: " + text}, nil
}

func echoSummary(msgs []protocol.Message) string {
	if len(msgs) == 0 {
		return "Summary: nothing discussed."
	}
	prompt := msgs[len(msgs)-1].Content
	_, convo, _ := strings.Cut(prompt, "Conversation:\n")
	convo, _, _ = strings.Cut(convo, "\n\nSummary:")
	lines := strings.Split(strings.TrimSpace(convo), "\n")
	lastUser := ""
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, "user: "); ok {
			lastUser = rest
		}
	}
	if len(lastUser) > 120 {
		lastUser = lastUser[:120] + "..."
	}
	return fmt.Sprintf("Summary: %d earlier messages; last user request: %q", len(lines), lastUser)
}
