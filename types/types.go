package types

// GenerateParams are the tunable sampling parameters for one provider call.
// Degraded copies are produced by the router on fallback selections.
type GenerateParams struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Merge overlays the non-zero fields of other onto a copy of p.
func (p GenerateParams) Merge(other GenerateParams) GenerateParams {
	out := p
	if other.Temperature > 0 {
		out.Temperature = other.Temperature
	}
	if other.TopP > 0 {
		out.TopP = other.TopP
	}
	if other.MaxOutputTokens > 0 {
		out.MaxOutputTokens = other.MaxOutputTokens
	}
	return out
}

type Request struct {
	Model          string         `json:"model,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	UserPrompt     string         `json:"userPrompt"`
	ResponseSchema map[string]any `json:"responseSchema,omitempty"`
	Params         GenerateParams `json:"params"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

// Result is one structured generation outcome.
type Result struct {
	Data  map[string]any `json:"data"`
	Usage *Usage         `json:"usage,omitempty"`
}

// BatchItem is one generated content item ("seed") within a batch response.
type BatchItem struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type BatchResult struct {
	Items    []BatchItem `json:"items"`
	Usage    *Usage      `json:"usage,omitempty"`
	Salvaged bool        `json:"salvaged,omitempty"`
}
