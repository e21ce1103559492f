// Package openai adapts the OpenAI chat-completions HTTP API to the
// llm.Provider capability. HTTP status, response body, and Retry-After are
// extracted here into the normalized failure shape.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/llm"
	"github.com/worldloom/genflow/types"
)

const defaultModel = "gpt-4o-mini"

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "openai" }

func (c *Client) IsConfigured() bool { return c.apiKey != "" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		StructuredOutput: true,
		Batch:            true,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature,omitempty"`
	TopP           float64        `json:"top_p,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Result, error) {
	raw, usage, err := c.complete(ctx, req)
	if err != nil {
		return types.Result{}, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return types.Result{}, c.wrap(req, faults.Failure{
			Message: "failed to parse openai structured output: " + err.Error(),
			Cause:   err,
		})
	}
	return types.Result{Data: data, Usage: usage}, nil
}

func (c *Client) GenerateBatch(ctx context.Context, req types.Request) (types.BatchResult, error) {
	raw, usage, err := c.complete(ctx, req)
	if err != nil {
		return types.BatchResult{}, err
	}

	var items []types.BatchItem
	salvaged := false
	if err := json.Unmarshal(raw, &items); err != nil {
		repaired, ok := llm.RepairTruncatedJSON(raw)
		if !ok {
			return types.BatchResult{}, c.wrap(req, faults.Failure{
				Message: "failed to parse openai batch output: truncated response could not be repaired",
				Cause:   err,
			})
		}
		if err := json.Unmarshal(repaired, &items); err != nil {
			return types.BatchResult{}, c.wrap(req, faults.Failure{
				Message: "failed to parse openai batch output: " + err.Error(),
				Cause:   err,
			})
		}
		salvaged = true
	}
	return types.BatchResult{Items: items, Usage: usage, Salvaged: salvaged}, nil
}

func (c *Client) complete(ctx context.Context, req types.Request) (json.RawMessage, *types.Usage, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	payload := chatRequest{
		Model:          model,
		Temperature:    req.Params.Temperature,
		TopP:           req.Params.TopP,
		MaxTokens:      req.Params.MaxOutputTokens,
		ResponseFormat: map[string]any{"type": "json_object"},
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.UserPrompt})

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, c.wrap(req, faults.Failure{Message: err.Error(), Cause: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, c.wrap(req, faults.Failure{Message: "failed to read openai response: " + err.Error(), Cause: err})
	}
	if resp.StatusCode >= 300 {
		return nil, nil, c.wrap(req, faults.Failure{
			Message:    fmt.Sprintf("openai API error (%d)", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfterFrom(resp.Header),
		})
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, nil, c.wrap(req, faults.Failure{
			Message: "failed to decode openai response: " + err.Error(),
			Cause:   err,
		})
	}
	if len(apiResp.Choices) == 0 {
		return nil, nil, c.wrap(req, faults.Failure{Message: "openai response had no choices"})
	}

	var usage *types.Usage
	if apiResp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		}
	}
	return json.RawMessage(apiResp.Choices[0].Message.Content), usage, nil
}

func (c *Client) wrap(req types.Request, failure faults.Failure) error {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	return faults.New(failure, faults.Context{Provider: c.Name(), Model: model})
}

func retryAfterFrom(header http.Header) time.Duration {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

var _ llm.Provider = (*Client)(nil)
