package stt

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer hands each clip to a local recognizer binary as a WAV file
// and reads a single JSON object from its stdout.
type execRecognizer struct {
	argv     []string
	model    string
	fallback string
	partials bool
	mu       sync.Mutex
}

type execOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{
		argv:     argv,
		model:    cfg.ModelPath,
		fallback: cfg.Language,
		partials: cfg.PublishInterim,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, clip Audio) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wavPath, cleanup, err := stageClip(clip)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, r.argv[0], r.args(wavPath, clip)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var out execOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt output: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(out.Text), Confidence: out.Confidence}, nil
}

// args is the command line for clip after the program name. The clip's
// language wins over the configured one.
func (r *execRecognizer) args(wavPath string, clip Audio) []string {
	args := append(slices.Clone(r.argv[1:]), "--audio", wavPath)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if lang := cmp.Or(clip.Language, r.fallback); lang != "" {
		args = append(args, "--language", lang)
	}
	if r.partials && !clip.Final {
		args = append(args, "--partial")
	}
	return args
}

// stageClip writes clip to a temporary WAV file. cleanup removes it.
func stageClip(clip Audio) (path string, cleanup func(), err error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("create clip file: %w", err)
	}
	cleanup = func() { _ = os.Remove(file.Name()) }
	werr := writePCMToWav(file, clip.PCM, clip.SampleRate, clip.Channels)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		cleanup()
		return "", nil, werr
	}
	return file.Name(), cleanup, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples, err := pcm16Samples(pcm)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// pcm16Samples decodes signed 16-bit little-endian PCM.
func pcm16Samples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload has odd length %d", len(pcm))
	}
	samples := make([]int, 0, len(pcm)/2)
	for off := 0; off < len(pcm); off += 2 {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(pcm[off:]))))
	}
	return samples, nil
}
