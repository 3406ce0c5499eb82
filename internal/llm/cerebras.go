// Package llm provides a chat-completions client for Cerebras-compatible
// inference endpoints, including function-calling ("tools") support.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one role-tagged entry of the conversation context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool declares one function the model may invoke this turn.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name, a natural-language hint for when
// to invoke it, and the JSON schema of its arguments.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a structured invocation the model selected.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the invoked function; Arguments is a JSON object
// encoded as a string, per the chat-completions wire format.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Completion is the model's reply for one turn: natural-language content,
// an optional list of tool invocations, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
}

type chatCompletionsRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
	}
}

// Chat runs one chat-completions call over the given context, constrained to
// the given tools. Exactly one call is outstanding at a time per session;
// callers serialize turns.
func (c *CerebrasClient) Chat(ctx context.Context, messages []Message, tools []Tool) (Completion, error) {
	if c.APIKey == "" {
		return Completion{}, fmt.Errorf("cerebras api key missing")
	}
	endpoint := "https://api.cerebras.ai/v1/chat/completions"

	reqBody, err := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Tools: tools})
	if err != nil {
		return Completion{}, fmt.Errorf("cerebras: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Completion{}, fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Completion{}, err
	}
	if len(cr.Choices) == 0 {
		return Completion{}, fmt.Errorf("cerebras: empty choices")
	}
	msg := cr.Choices[0].Message
	return Completion{
		Content:   strings.TrimSpace(msg.Content),
		ToolCalls: msg.ToolCalls,
	}, nil
}
