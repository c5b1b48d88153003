package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const chatCompletionsPath = "/v1/chat/completions"

type openAIGenerator struct {
	endpoint string
	apiKey   string
	model    string
	http     *resty.Client
}

// NewOpenAIGenerator talks to an OpenAI-compatible chat completions API.
// A zero timeout leaves requests bounded only by the caller's context.
func NewOpenAIGenerator(endpoint, apiKey, model string, timeout time.Duration) Generator {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &openAIGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
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
	} `json:"usage"`
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		temperature := req.Temperature
		payload.Temperature = &temperature
	}

	var out chatResponse
	start := time.Now()
	resp, err := g.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetHeader("Content-Type", "application/json").
		SetAuthToken(g.apiKey).
		SetBody(payload).
		SetResult(&out).
		Post(g.endpoint + chatCompletionsPath)
	if err != nil {
		return fmt.Errorf("chat completion request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("chat completion returned status %s", resp.Status())
	}

	var content string
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          content,
		Partial:          false,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
