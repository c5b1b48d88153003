package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/i18n"
	"github.com/loqalabs/loqa-translate/internal/natsserver"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/stt"
	"github.com/loqalabs/loqa-translate/internal/translate"
	"github.com/loqalabs/loqa-translate/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticProbe struct{ recognition, microphone bool }

func (p staticProbe) SupportsRecognition(context.Context) bool { return p.recognition }
func (p staticProbe) MicrophoneAvailable(context.Context) bool { return p.microphone }

type prefixTranslator struct{}

func (prefixTranslator) Translate(_ context.Context, _, text, _, target string) (string, error) {
	return target + ":" + text, nil
}

type failingTranslator struct{}

func (failingTranslator) Translate(context.Context, string, string, string, string) (string, error) {
	return "", &translate.StatusError{Status: 500}
}

type harness struct {
	t      *testing.T
	bus    *bus.Client
	states chan protocol.VoiceState
}

func newHarness(t *testing.T, translator interface {
	Translate(context.Context, string, string, string, string) (string, error)
}, probe staticProbe) *harness {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default()
	cfg.STT.Enabled = true
	cfg.STT.PublishInterim = false
	cfg.TTS.Enabled = true
	cfg.Voice.Enabled = true
	cfg.Voice.QuietPeriodMS = 50

	sttSvc := stt.NewService(context.Background(), cfg.STT, client, stt.NewMockRecognizer(), logger)
	if err := sttSvc.Start(); err != nil {
		t.Fatalf("start stt: %v", err)
	}
	t.Cleanup(sttSvc.Close)
	ttsSvc := tts.NewService(context.Background(), cfg.TTS, client, tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels), logger)
	if err := ttsSvc.Start(); err != nil {
		t.Fatalf("start tts: %v", err)
	}
	t.Cleanup(ttsSvc.Close)

	catalog, err := i18n.New("en", logger)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	mgr := NewManager(context.Background(), cfg.Voice, "", client, translator, probe, catalog, logger)
	if err := mgr.Start(); err != nil {
		t.Fatalf("start voice: %v", err)
	}
	t.Cleanup(mgr.Close)

	h := &harness{t: t, bus: client, states: make(chan protocol.VoiceState, 256)}
	sub, err := client.Conn().Subscribe(protocol.VoiceStateSubject("s1"), func(msg *nats.Msg) {
		var st protocol.VoiceState
		if err := json.Unmarshal(msg.Data, &st); err == nil {
			h.states <- st
		}
	})
	if err != nil {
		t.Fatalf("subscribe states: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return h
}

func (h *harness) control(ctrl protocol.VoiceControl) {
	h.t.Helper()
	if err := h.bus.PublishJSON(protocol.VoiceControlSubject("s1"), ctrl); err != nil {
		h.t.Fatalf("publish control: %v", err)
	}
}

// waitState returns the first state matching cond. While waiting it calls
// tick, if set, every 100ms.
func (h *harness) waitState(what string, cond func(protocol.VoiceState) bool, tick func()) protocol.VoiceState {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case st := <-h.states:
			if cond(st) {
				return st
			}
		case <-ticker.C:
			if tick != nil {
				tick()
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestCaptureTranslateAndPlayback(t *testing.T) {
	h := newHarness(t, prefixTranslator{}, staticProbe{true, true})

	h.control(protocol.VoiceControl{Action: protocol.VoiceToggleRecord})
	h.waitState("recording", func(st protocol.VoiceState) bool { return st.Recording && st.Mode == "listening" }, nil)

	sendFrame := func() {
		_ = h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+".s1", protocol.AudioFrame{SessionID: "s1", PCM: make([]byte, 4), Final: true})
	}
	// Capture start and frames travel on different subjects, so keep
	// sending until the STT service has picked the session up.
	sendFrame()
	st := h.waitState("translation", func(st protocol.VoiceState) bool { return st.Translation != "" }, sendFrame)
	if !strings.HasPrefix(st.Transcript, "[en-US final transcript") {
		t.Fatalf("unexpected transcript %q", st.Transcript)
	}
	if !strings.HasPrefix(st.Translation, "zh-TW:[en-US final transcript") {
		t.Fatalf("unexpected translation %q", st.Translation)
	}

	h.control(protocol.VoiceControl{Action: protocol.VoicePlayTranslation})
	h.waitState("speaking", func(st protocol.VoiceState) bool { return st.Mode == "speaking" && !st.Recording }, nil)
	h.waitState("resumed listening", func(st protocol.VoiceState) bool { return st.Mode == "listening" && st.Recording }, nil)

	h.control(protocol.VoiceControl{Action: protocol.VoiceClose})
	h.waitState("closed", func(st protocol.VoiceState) bool { return st.Mode == "idle" && !st.Recording }, nil)
}

// transcriptBytes extracts the captured byte count from a mock transcript.
func transcriptBytes(t *testing.T, text string) int {
	t.Helper()
	i := strings.LastIndex(text, "bytes=")
	if i < 0 {
		t.Fatalf("no byte count in %q", text)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(text[i+len("bytes="):], "]"))
	if err != nil {
		t.Fatalf("parse byte count in %q: %v", text, err)
	}
	return n
}

func TestTranscriptSurvivesPlayback(t *testing.T) {
	h := newHarness(t, prefixTranslator{}, staticProbe{true, true})

	h.control(protocol.VoiceControl{Action: protocol.VoiceToggleRecord})
	h.waitState("recording", func(st protocol.VoiceState) bool { return st.Recording && st.Mode == "listening" }, nil)
	sendFrame := func(size int) func() {
		return func() {
			_ = h.bus.PublishJSON(protocol.SubjectAudioFramePrefix+".s1", protocol.AudioFrame{SessionID: "s1", PCM: make([]byte, size), Final: true})
		}
	}
	sendFrame(4)()
	st := h.waitState("translation", func(st protocol.VoiceState) bool { return st.Translation != "" }, sendFrame(4))
	before := transcriptBytes(t, st.Transcript)

	h.control(protocol.VoiceControl{Action: protocol.VoicePlayTranslation})
	h.waitState("speaking", func(st protocol.VoiceState) bool { return st.Mode == "speaking" }, nil)
	h.waitState("resumed listening", func(st protocol.VoiceState) bool { return st.Mode == "listening" && st.Recording }, nil)

	// Frames after the resume are 1000 bytes each, so the remainder is
	// the audio kept from before playback.
	sendFrame(1000)()
	st = h.waitState("resumed transcript", func(st protocol.VoiceState) bool {
		return st.Transcript != "" && transcriptBytes(t, st.Transcript) > before
	}, sendFrame(1000))
	if got := transcriptBytes(t, st.Transcript); got%1000 < before {
		t.Fatalf("transcript lost audio captured before playback: %q (had %d bytes)", st.Transcript, before)
	}
}

func TestSetLanguagesValidatesTags(t *testing.T) {
	h := newHarness(t, prefixTranslator{}, staticProbe{true, true})

	h.control(protocol.VoiceControl{Action: protocol.VoiceSetLanguages, SourceLang: "klingon!!", TargetLang: "fr-FR"})
	h.control(protocol.VoiceControl{Action: protocol.VoiceSetLanguages, SourceLang: "es-es", TargetLang: "de-DE"})
	st := h.waitState("languages", func(st protocol.VoiceState) bool { return st.SourceLang != "en-US" || st.TargetLang != "zh-TW" }, nil)
	if st.SourceLang != "es-ES" || st.TargetLang != "de-DE" {
		t.Fatalf("unexpected languages %s -> %s", st.SourceLang, st.TargetLang)
	}
}

func TestMissingCapabilitiesPublishNotice(t *testing.T) {
	h := newHarness(t, prefixTranslator{}, staticProbe{recognition: true})

	h.control(protocol.VoiceControl{Action: protocol.VoiceToggleRecord})
	st := h.waitState("notice", func(st protocol.VoiceState) bool { return st.Notice != "" }, nil)
	if st.Notice != "Speech recognition not supported or microphone unavailable." {
		t.Fatalf("unexpected notice %q", st.Notice)
	}
	if st.Recording {
		t.Fatal("recording should not start without a microphone")
	}
}

func TestTranslationFailureAndRecognitionError(t *testing.T) {
	h := newHarness(t, failingTranslator{}, staticProbe{true, true})

	h.control(protocol.VoiceControl{Action: protocol.VoiceToggleRecord})
	h.waitState("recording", func(st protocol.VoiceState) bool { return st.Recording }, nil)
	if err := h.bus.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "I have a headache"}); err != nil {
		t.Fatalf("publish transcript: %v", err)
	}
	st := h.waitState("translation error", func(st protocol.VoiceState) bool { return st.TranslationError != "" }, nil)
	if st.TranslationError != "Translation service failed" || st.Translation != "" {
		t.Fatalf("unexpected error state %+v", st)
	}

	if err := h.bus.PublishJSON(protocol.SubjectRecognitionError, protocol.RecognitionError{SessionID: "s1", Message: "network"}); err != nil {
		t.Fatalf("publish recognition error: %v", err)
	}
	st = h.waitState("transcription error", func(st protocol.VoiceState) bool { return st.TranscriptionError != "" }, nil)
	if st.TranscriptionError != "Transcription error: network" {
		t.Fatalf("unexpected transcription error %q", st.TranscriptionError)
	}
}
