package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// cohereAdapter 单提示词 generate 信封
// 认证: Authorization: Bearer <key>
type cohereAdapter struct {
	opts Options
}

type cohereRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

type cohereResponse struct {
	Generations []struct {
		Text string `json:"text"`
	} `json:"generations"`
}

func (a *cohereAdapter) Family() Family { return FamilyCohere }

func (a *cohereAdapter) BuildRequest(model, prompt, key string) (*Request, error) {
	body, err := json.Marshal(cohereRequest{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   a.opts.maxTokens(),
		Temperature: a.opts.temperature(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return &Request{
		URL: strings.TrimRight(a.opts.Endpoint, "/") + "/v1/generate",
		Headers: map[string]string{
			"Authorization": "Bearer " + key,
			"Content-Type":  "application/json",
		},
		Body: body,
	}, nil
}

func (a *cohereAdapter) ParseResponse(raw []byte) (string, error) {
	var resp cohereResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", NewError(ErrParseFailure, "malformed response body").WithCause(err).WithProvider(a.opts.Provider)
	}
	if len(resp.Generations) == 0 || strings.TrimSpace(resp.Generations[0].Text) == "" {
		return "", NewError(ErrParseFailure, "response contains no completion text").WithProvider(a.opts.Provider)
	}
	return resp.Generations[0].Text, nil
}
