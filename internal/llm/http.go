package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/prbarcelon/mcporch/internal/config"
	"github.com/prbarcelon/mcporch/internal/protocol"
)

// HTTPModel posts the conversation to a model gateway and reads back either
// text or tool calls. The wire shape is provider-neutral; adapting it to a
// particular vendor is the gateway's job.
type HTTPModel struct {
	endpoint   string
	name       string
	headers    map[string]string
	httpClient *http.Client
}

func NewHTTPModel(cfg config.ModelConfig) *HTTPModel {
	return &HTTPModel{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		name:       cfg.Name,
		headers:    cfg.Headers,
		httpClient: &http.Client{},
	}
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Purpose  Purpose       `json:"purpose"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Text      string         `json:"text"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

func (m *HTTPModel) Infer(ctx context.Context, req Request) (Response, error) {
	body := chatRequest{Model: m.name, Purpose: req.Purpose}
	for _, msg := range req.Messages {
		wm := wireMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.CallID}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: call.CallID, Name: call.Tool, Arguments: call.Arguments})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, wireTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(data))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range m.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	res := Response{Text: out.Text}
	if res.Text == "" {
		res.Text = out.Content
	}
	for _, call := range out.ToolCalls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		res.ToolCalls = append(res.ToolCalls, protocol.ToolCallRequest{CallID: id, Tool: call.Name, Arguments: call.Arguments})
	}
	if res.Final() && res.Text == "" {
		return Response{}, ErrEmptyResponse
	}
	return res, nil
}
