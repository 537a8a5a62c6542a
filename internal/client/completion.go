package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/model"
)

const (
	completionPath = "/v1/chat/completions"
	maxErrorBody   = 512
)

// ChatMessage is one message of an OpenAI-compatible conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an OpenAI-compatible chat completion request
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatChoice is one completion alternative
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage reports token accounting
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is an OpenAI-compatible chat completion response
type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// Content returns the text of the first choice
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Complete sends a chat completion to an endpoint through Execute
func (c *Client) Complete(ctx context.Context, endpointID string, class model.PriorityClass, req ChatRequest) (*ChatResponse, error) {
	ep, ok := c.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(ep.config.URL, "/") + completionPath

	var resp ChatResponse
	err = c.Execute(ctx, endpointID, class, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
			return &HTTPStatusError{StatusCode: httpResp.StatusCode, Body: string(snippet)}
		}

		var decoded ChatResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		resp = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Completion finished",
		zap.String("endpoint", endpointID),
		zap.String("priority", string(class)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return &resp, nil
}
