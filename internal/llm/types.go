package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

// Request describes a single chat-style completion: one system message and
// one user message.
type Request struct {
	SessionID   string
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents model output. Backends that do not stream emit a single
// non-partial chunk.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig returns a Request pre-filled with the configured model
// and sampling settings.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs gen and concatenates every chunk's content.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var out []byte
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		out = append(out, chunk.Content...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
