// Package openai implements the ChatModel interface against the
// OpenAI-compatible chat completions API, with SSE streaming and
// tool-call accumulation.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
)

// Client speaks the OpenAI chat completions protocol.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	models     map[string]config.LLMModel
}

// NewClient builds a client from a provider config entry.
func NewClient(cfg config.LLMProvider) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: retries,
		models:     cfg.Models,
	}
}

// apiModel maps a routing name onto the provider's wire name.
func (c *Client) apiModel(name string) string {
	if m, ok := c.models[name]; ok && m.APIName != "" {
		return m.APIName
	}
	return name
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// StreamCompletion sends the full message history and aggregates the
// streamed response. Transient failures (429, 5xx, network) retry with
// exponential backoff up to the configured attempt count.
func (c *Client) StreamCompletion(ctx context.Context, req core.CompletionRequest, onDelta func(string)) (core.Completion, error) {
	payload := c.buildPayload(req, onDelta != nil)
	body, err := json.Marshal(payload)
	if err != nil {
		return core.Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return core.Completion{}, ctx.Err()
			}
		}
		comp, retryable, err := c.doOnce(ctx, body, onDelta)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return core.Completion{}, ctx.Err()
		}
		if !retryable {
			return core.Completion{}, err
		}
	}
	return core.Completion{}, lastErr
}

func (c *Client) buildPayload(req core.CompletionRequest, stream bool) map[string]interface{} {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		messages = append(messages, wm)
	}

	payload := map[string]interface{}{
		"model":       c.apiModel(req.Model),
		"messages":    messages,
		"temperature": req.Temperature,
		"stream":      stream,
	}
	if stream {
		payload["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  json.RawMessage(t.Parameters),
				},
			})
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	return payload
}

func (c *Client) doOnce(ctx context.Context, body []byte, onDelta func(string)) (core.Completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return core.Completion{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.Completion{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return core.Completion{}, retryable, fmt.Errorf("chat completions: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	if onDelta != nil {
		return c.readStream(resp.Body, onDelta)
	}
	return c.readSingle(resp.Body)
}

func (c *Client) readSingle(r io.Reader) (core.Completion, bool, error) {
	var out struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return core.Completion{}, false, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return core.Completion{}, false, fmt.Errorf("response had no choices")
	}
	choice := out.Choices[0]
	comp := core.Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: core.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return comp, false, nil
}

func (c *Client) readStream(r io.Reader, onDelta func(string)) (core.Completion, bool, error) {
	type toolCallDelta struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Content   string          `json:"content"`
				ToolCalls []toolCallDelta `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	type toolAccumulator struct {
		id   string
		name string
		args strings.Builder
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	accumulators := make(map[int]*toolAccumulator)
	var order []int
	var content strings.Builder
	var usage core.TokenUsage
	finishReason := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			if payload == "[DONE]" {
				break
			}
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			onDelta(text)
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolAccumulator{}
				accumulators[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return core.Completion{}, true, fmt.Errorf("read response stream: %w", err)
	}

	comp := core.Completion{Content: content.String(), FinishReason: finishReason, Usage: usage}
	for _, idx := range order {
		acc := accumulators[idx]
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		comp.ToolCalls = append(comp.ToolCalls, core.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return comp, false, nil
}
