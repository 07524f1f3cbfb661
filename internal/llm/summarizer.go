package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prbarcelon/mcporch/internal/protocol"
)

const summaryInstruction = "Please provide a concise summary of this conversation, capturing the key points, " +
	"user preferences, and important context that should be remembered for future interactions. " +
	"Focus on what's most relevant for continuing the conversation naturally."

// Summarizer asks a model to condense conversation history. It satisfies
// memory.Summarizer.
type Summarizer struct {
	model Model
}

func NewSummarizer(model Model) *Summarizer {
	return &Summarizer{model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, prior string, msgs []protocol.Message) (string, error) {
	prompt := SummaryPrompt(prior, msgs)
	res, err := s.model.Infer(ctx, Request{
		Purpose:  PurposeSummarize,
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	text = strings.TrimSpace(strings.TrimPrefix(text, "Summary:"))
	return text, nil
}

// SummaryPrompt renders the summarize instruction around a transcript.
func SummaryPrompt(prior string, msgs []protocol.Message) string {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	b.WriteString("\n\n")
	if prior != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(Transcript(msgs))
	b.WriteString("\n\nSummary:")
	return b.String()
}

// Transcript renders messages one per line as "role: content".
func Transcript(msgs []protocol.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case len(msg.ToolCalls) > 0:
			calls := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				calls = append(calls, fmt.Sprintf("%s(%s)", call.Tool, args))
			}
			line := fmt.Sprintf("%s: calls %s", msg.Role, strings.Join(calls, ", "))
			if msg.Content != "" {
				line += " " + msg.Content
			}
			lines = append(lines, line)
		case msg.CallID != "":
			lines = append(lines, fmt.Sprintf("%s [%s]: %s", msg.Role, msg.CallID, msg.Content))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
		}
	}
	return strings.Join(lines, "\n")
}
