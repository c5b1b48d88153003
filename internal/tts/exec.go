package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// maxChunkLine bounds one line of synthesizer output.
const maxChunkLine = 4 << 20

type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execJob struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execLine struct {
	PCM   string `json:"pcm_base64"`
	Final bool   `json:"final"`
}

// NewExecSynth runs command once per request. The request is written to
// stdin as JSON; each stdout line is a JSON chunk with base64 PCM.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	job, err := json.Marshal(execJob{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return fmt.Errorf("encode tts job: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(job)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tts stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	streamErr := e.stream(ctx, req.SessionID, stdout, chunks)
	if streamErr != nil {
		// Unblock a writer stuck on a full pipe before waiting.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return fmt.Errorf("tts command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// stream forwards every chunk line from r, numbering them from zero.
func (e *execSynth) stream(ctx context.Context, sessionID string, r io.Reader, chunks chan<- SynthChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkLine)
	seq := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := e.decodeLine(line)
		if err != nil {
			return err
		}
		chunk.SessionID = sessionID
		chunk.Sequence = seq
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read tts output: %w", err)
	}
	return nil
}

func (e *execSynth) decodeLine(line []byte) (SynthChunk, error) {
	var out execLine
	if err := json.Unmarshal(line, &out); err != nil {
		return SynthChunk{}, fmt.Errorf("decode tts chunk: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(out.PCM)
	if err != nil {
		return SynthChunk{}, fmt.Errorf("decode tts pcm: %w", err)
	}
	return SynthChunk{SampleRate: e.sampleRate, Channels: e.channels, PCM: pcm, Final: out.Final}, nil
}
