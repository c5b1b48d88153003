package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

func TestOpenAIGenerate(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chatCompletionsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Me llamo [El paciente]  "}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator(srv.URL+"/", "sk-test", "gpt-4.1-nano", time.Second)
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{System: "sys", Prompt: "user"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if got.Model != "gpt-4.1-nano" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "sys" {
		t.Fatalf("unexpected system message %+v", got.Messages[0])
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "user" {
		t.Fatalf("unexpected user message %+v", got.Messages[1])
	}
	if len(chunks) != 1 || chunks[0].Partial {
		t.Fatalf("expected one final chunk, got %+v", chunks)
	}
	if chunks[0].Content != "  Me llamo [El paciente]  " {
		t.Fatalf("unexpected content %q", chunks[0].Content)
	}
	if chunks[0].PromptTokens != 12 || chunks[0].CompletionTokens != 5 {
		t.Fatalf("expected usage to be reported, got %+v", chunks[0])
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	out, err := Collect(context.Background(), NewOpenAIGenerator(srv.URL, "k", "m", time.Second), Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty content, got %q", out)
	}
}

func TestOpenAIErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := Collect(context.Background(), NewOpenAIGenerator(srv.URL, "k", "m", time.Second), Request{})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOllamaStream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "llama3.2:latest" || req.System != "sys" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte("{\"response\":\"Bonjour\",\"done\":false}\n\n{\"response\":\" docteur\",\"done\":true,\"eval_count\":3}\n"))
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "", time.Second)
	var partials int
	var out string
	err := gen.Generate(context.Background(), Request{System: "sys", Prompt: "p", Model: "gpt-4.1-nano"}, func(c Chunk) error {
		if c.Partial {
			partials++
		}
		out += c.Content
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Bonjour docteur" || partials != 1 {
		t.Fatalf("unexpected stream result %q (%d partials)", out, partials)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
}

func TestMockGenerator(t *testing.T) {
	out, err := Collect(context.Background(), NewMockGenerator("hola doctor"), Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "hola doctor" {
		t.Fatalf("unexpected mock output %q", out)
	}

	echo, err := Collect(context.Background(), NewMockGenerator(""), Request{Prompt: "Translate:\n\"\"\"\nI have a headache\n\"\"\""})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if echo != "[mock] I have a headache" {
		t.Fatalf("unexpected echo %q", echo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, NewMockGenerator("x"), Request{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNewGenerator(t *testing.T) {
	for _, mode := range []string{"openai", "ollama", "mock"} {
		cfg := config.Default().LLM
		cfg.Mode = mode
		if _, err := NewGenerator(cfg); err != nil {
			t.Fatalf("%s: unexpected error %v", mode, err)
		}
	}
	cfg := config.Default().LLM
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "unknown"
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
