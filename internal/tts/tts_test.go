package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startService(t *testing.T, client *bus.Client, synth Synthesizer) *Service {
	t.Helper()
	cfg := config.Default().TTS
	cfg.Enabled = true
	svc := NewService(context.Background(), cfg, client, synth, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func collect[T any](t *testing.T, client *bus.Client, subject string) chan T {
	t.Helper()
	out := make(chan T, 8)
	sub, err := client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err == nil {
			out <- v
		}
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return out
}

// blockingSynth never produces audio until canceled.
type blockingSynth struct{}

func (blockingSynth) Synthesize(ctx context.Context, _ SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

func TestServicePublishesAudioThenDone(t *testing.T) {
	client := newBus(t)
	startService(t, client, NewMockSynth(16000, 1))
	audio := collect[protocol.AudioChunk](t, client, protocol.SubjectTTSAudio)
	done := collect[protocol.TTSStatus](t, client, protocol.SubjectTTSDone)

	if err := client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s1", Text: "hola", Language: "es-ES"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case chunk := <-audio:
		if chunk.SessionID != "s1" || !chunk.Final || len(chunk.PCM) != 4*160*2 {
			t.Fatalf("unexpected chunk session=%s final=%v bytes=%d", chunk.SessionID, chunk.Final, len(chunk.PCM))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio")
	}
	select {
	case status := <-done:
		if !status.Completed || status.Error != "" {
			t.Fatalf("unexpected status %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done")
	}
	select {
	case extra := <-done:
		t.Fatalf("expected a single status, got another %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServiceCancel(t *testing.T) {
	client := newBus(t)
	svc := startService(t, client, blockingSynth{})
	done := collect[protocol.TTSStatus](t, client, protocol.SubjectTTSDone)

	if err := client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s1", Text: "hola"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		svc.mu.Lock()
		_, ok := svc.inflight["s1"]
		svc.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := client.PublishJSON(protocol.SubjectTTSCancel, protocol.TTSCancel{SessionID: "s1"}); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}
	select {
	case status := <-done:
		if status.Completed || status.Error != errCanceled.Error() {
			t.Fatalf("unexpected status %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled status")
	}
}

func TestExecSynthStreamsNumberedChunks(t *testing.T) {
	e := &execSynth{sampleRate: 16000, channels: 1}
	out := "{\"pcm_base64\":\"AQI=\"}\n\n{\"pcm_base64\":\"AwQ=\",\"final\":true}\n"
	chunks := make(chan SynthChunk, 4)
	if err := e.stream(context.Background(), "s1", strings.NewReader(out), chunks); err != nil {
		t.Fatalf("stream: %v", err)
	}
	close(chunks)
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	for i, c := range got {
		if c.SessionID != "s1" || c.Sequence != i || c.SampleRate != 16000 || c.Channels != 1 {
			t.Fatalf("chunk %d has unexpected header %+v", i, c)
		}
	}
	if string(got[0].PCM) != "\x01\x02" || got[0].Final || string(got[1].PCM) != "\x03\x04" || !got[1].Final {
		t.Fatalf("unexpected chunks %+v", got)
	}

	if err := e.stream(context.Background(), "s1", strings.NewReader("{nope\n"), make(chan SynthChunk, 1)); err == nil {
		t.Fatal("expected error for malformed chunk")
	}
}

func TestExecSynthRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AQI=\",\"final\":true}"'`, 22050, 1)
	if err != nil {
		t.Fatalf("new synth: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "hola", Language: "es-ES"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || !got[0].Final || len(got[0].PCM) != 2 || got[0].SampleRate != 22050 {
		t.Fatalf("unexpected chunks %+v", got)
	}

	if _, err := NewExecSynth("", 22050, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
}
