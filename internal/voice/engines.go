package voice

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translate/internal/bus"
	"github.com/loqalabs/loqa-translate/internal/protocol"
	"github.com/loqalabs/loqa-translate/internal/session"
)

// busRecognizer starts and stops capture on the edge device and the STT
// service. Transcripts come back through the Manager.
type busRecognizer struct {
	bus       *bus.Client
	sessionID string
}

func (r *busRecognizer) Start(_ context.Context, lang string) error {
	return r.publish(protocol.CaptureStart, lang)
}

func (r *busRecognizer) Resume(_ context.Context, lang string) error {
	return r.publish(protocol.CaptureResume, lang)
}

func (r *busRecognizer) Stop(context.Context) error {
	return r.publish(protocol.CaptureStop, "")
}

func (r *busRecognizer) publish(action, lang string) error {
	return r.bus.PublishJSON(protocol.SubjectCaptureControl, protocol.CaptureControl{
		SessionID: r.sessionID,
		Action:    action,
		Language:  lang,
		Timestamp: time.Now().UTC(),
	})
}

// busSynthesizer sends utterances to the TTS service and holds the OnEnd
// callback until the matching tts.done arrives.
type busSynthesizer struct {
	bus       *bus.Client
	sessionID string
	voice     string

	mu    sync.Mutex
	onEnd func()
}

func (s *busSynthesizer) Speak(_ context.Context, u session.Utterance) error {
	s.mu.Lock()
	s.onEnd = u.OnEnd
	s.mu.Unlock()
	err := s.bus.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{
		SessionID: s.sessionID,
		Text:      u.Text,
		Language:  u.Lang,
		Voice:     s.voice,
	})
	if err != nil {
		s.take()
	}
	return err
}

func (s *busSynthesizer) Cancel(context.Context) error {
	s.take()
	return s.bus.PublishJSON(protocol.SubjectTTSCancel, protocol.TTSCancel{SessionID: s.sessionID})
}

// finished runs the pending OnEnd, if any.
func (s *busSynthesizer) finished() {
	if onEnd := s.take(); onEnd != nil {
		onEnd()
	}
}

func (s *busSynthesizer) take() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	onEnd := s.onEnd
	s.onEnd = nil
	return onEnd
}
