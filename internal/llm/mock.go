package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator answers every prompt with a fixed reply, streamed word by
// word. With no reply configured it echoes the prompt's last line.
type mockGenerator struct {
	reply string
	delay time.Duration
}

func NewMockGenerator(reply string) Generator {
	return &mockGenerator{reply: reply, delay: 20 * time.Millisecond}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	content := m.reply
	if content == "" {
		content = "[mock] " + lastContentLine(req.Prompt)
	}
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   m.delay,
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func lastContentLine(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(strings.TrimSpace(lines[i]), `"`)
		if line != "" {
			return line
		}
	}
	return ""
}
