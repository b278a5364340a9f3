package providers

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// googleAdapter contents/parts 信封
// 特点:
// 1. Key 以 URL 查询参数传递
// 2. 模型名嵌入路径: /v1beta/models/{model}:generateContent
type googleAdapter struct {
	opts Options
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type googleRequest struct {
	Contents         []googleContent         `json:"contents"`
	GenerationConfig *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (a *googleAdapter) Family() Family { return FamilyGoogle }

func (a *googleAdapter) BuildRequest(model, prompt, key string) (*Request, error) {
	body, err := json.Marshal(googleRequest{
		Contents: []googleContent{{Parts: []googlePart{{Text: prompt}}}},
		GenerationConfig: &googleGenerationConfig{
			Temperature:     a.opts.temperature(),
			MaxOutputTokens: a.opts.maxTokens(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(a.opts.Endpoint, "/"), model, url.QueryEscape(key))

	return &Request{
		URL: endpoint,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}

func (a *googleAdapter) ParseResponse(raw []byte) (string, error) {
	var resp googleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", NewError(ErrParseFailure, "malformed response body").WithCause(err).WithProvider(a.opts.Provider)
	}
	if len(resp.Candidates) == 0 {
		return "", NewError(ErrParseFailure, "response contains no candidates").WithProvider(a.opts.Provider)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", NewError(ErrParseFailure, "response contains no completion text").WithProvider(a.opts.Provider)
	}
	return text, nil
}
