package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// openAIAdapter chat-completions 信封
// OpenAI、DeepSeek、Together、XAI、Groq、Perplexity、Mistral、AI21 共用
// 认证: Authorization: Bearer <key>
type openAIAdapter struct {
	opts Options
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *openAIAdapter) Family() Family { return FamilyOpenAI }

func (a *openAIAdapter) BuildRequest(model, prompt, key string) (*Request, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens:   a.opts.maxTokens(),
		Temperature: a.opts.temperature(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return &Request{
		URL: strings.TrimRight(a.opts.Endpoint, "/") + "/v1/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + key,
			"Content-Type":  "application/json",
		},
		Body: body,
	}, nil
}

func (a *openAIAdapter) ParseResponse(raw []byte) (string, error) {
	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", NewError(ErrParseFailure, "malformed response body").WithCause(err).WithProvider(a.opts.Provider)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", NewError(ErrParseFailure, "response contains no completion text").WithProvider(a.opts.Provider)
	}
	return resp.Choices[0].Message.Content, nil
}
