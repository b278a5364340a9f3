package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// anthropicAdapter messages 信封
// 特点:
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. 必须携带 anthropic-version 请求头
// 3. max_tokens 为必填字段
type anthropicAdapter struct {
	opts Options
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *anthropicAdapter) Family() Family { return FamilyAnthropic }

func (a *anthropicAdapter) BuildRequest(model, prompt, key string) (*Request, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   a.opts.maxTokens(),
		Temperature: a.opts.temperature(),
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return &Request{
		URL: strings.TrimRight(a.opts.Endpoint, "/") + "/v1/messages",
		Headers: map[string]string{
			"x-api-key":         key,
			"anthropic-version": "2023-06-01",
			"Content-Type":      "application/json",
		},
		Body: body,
	}, nil
}

func (a *anthropicAdapter) ParseResponse(raw []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", NewError(ErrParseFailure, "malformed response body").WithCause(err).WithProvider(a.opts.Provider)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", NewError(ErrParseFailure, "response contains no completion text").WithProvider(a.opts.Provider)
	}
	return text, nil
}
