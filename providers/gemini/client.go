// Package gemini adapts the google.golang.org/genai SDK to the llm.Provider
// capability. Native SDK errors are reduced to the normalized failure shape
// at this boundary; nothing above it inspects genai types.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/genai"

	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/llm"
	"github.com/worldloom/genflow/types"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	client *genai.Client
	model  string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	c := &Client{model: defaultModel}
	for _, opt := range opts {
		opt(c)
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) IsConfigured() bool { return c.client != nil }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		StructuredOutput: true,
		Batch:            true,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Result, error) {
	raw, usage, err := c.generateJSON(ctx, req)
	if err != nil {
		return types.Result{}, err
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return types.Result{}, c.wrap(req, faults.Failure{
			Message: "failed to parse gemini structured output: " + err.Error(),
			Cause:   err,
		})
	}
	return types.Result{Data: data, Usage: usage}, nil
}

// GenerateBatch requests a JSON array of items. A truncated array goes
// through the bounded repair step before being declared unparseable.
func (c *Client) GenerateBatch(ctx context.Context, req types.Request) (types.BatchResult, error) {
	raw, usage, err := c.generateJSON(ctx, req)
	if err != nil {
		return types.BatchResult{}, err
	}

	items, salvaged, err := decodeItems(raw)
	if err != nil {
		return types.BatchResult{}, c.wrap(req, faults.Failure{
			Message: "failed to parse gemini batch output: " + err.Error(),
			Cause:   err,
		})
	}
	return types.BatchResult{Items: items, Usage: usage, Salvaged: salvaged}, nil
}

func (c *Client) generateJSON(ctx context.Context, req types.Request) (json.RawMessage, *types.Usage, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if len(req.ResponseSchema) > 0 {
		config.ResponseJsonSchema = req.ResponseSchema
	}
	if req.Params.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Params.Temperature))
	}
	if req.Params.TopP > 0 {
		config.TopP = genai.Ptr(float32(req.Params.TopP))
	}
	if req.Params.MaxOutputTokens > 0 {
		config.MaxOutputTokens = clampInt32(req.Params.MaxOutputTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, nil, c.wrap(req, normalizeError(err))
	}

	text, blocked := responseText(resp)
	if blocked != "" {
		return nil, nil, c.wrap(req, faults.Failure{
			Message: "gemini blocked the request: " + blocked,
		})
	}
	if text == "" {
		return nil, nil, c.wrap(req, faults.Failure{
			Message: "gemini returned no candidates",
		})
	}
	return json.RawMessage(text), usageFrom(resp), nil
}

func (c *Client) wrap(req types.Request, failure faults.Failure) error {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	return faults.New(failure, faults.Context{Provider: c.Name(), Model: model})
}

// normalizeError reduces a genai error to the core's normalized failure
// fields.
func normalizeError(err error) faults.Failure {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return faults.Failure{
			Message:    apiErr.Message,
			StatusCode: apiErr.Code,
			Cause:      err,
		}
	}
	return faults.Failure{Message: err.Error(), Cause: err}
}

func responseText(resp *genai.GenerateContentResponse) (text string, blocked string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReasonMessage != "" {
			return "", resp.PromptFeedback.BlockReasonMessage
		}
		return "", ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text += part.Text
	}
	return text, ""
}

func usageFrom(resp *genai.GenerateContentResponse) *types.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return &types.Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
	}
}

func decodeItems(raw json.RawMessage) ([]types.BatchItem, bool, error) {
	var items []types.BatchItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, false, nil
	}
	repaired, ok := llm.RepairTruncatedJSON(raw)
	if !ok {
		return nil, false, fmt.Errorf("truncated response could not be repaired")
	}
	if err := json.Unmarshal(repaired, &items); err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func clampInt32(v int) int32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

var _ llm.Provider = (*Client)(nil)
